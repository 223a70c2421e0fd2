package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"turn-transcription-service/internal/models"
	"turn-transcription-service/internal/service/audio"
	"turn-transcription-service/internal/service/broadcast"
	"turn-transcription-service/internal/service/dispatch"
	"turn-transcription-service/internal/service/stt"
	"turn-transcription-service/internal/service/stt/mock"
	"turn-transcription-service/internal/service/vad"
)

const testRate = 16000

// nonZeroClassifier scores a window by the share of non-zero samples, so
// tests control speech exactly with the sample values they send.
var nonZeroClassifier = vad.Func(func(_ context.Context, w audio.Window) (float64, error) {
	voiced := 0
	for _, s := range w.Samples {
		if s != 0 {
			voiced++
		}
	}
	return float64(voiced) / float64(len(w.Samples)), nil
})

// recordingEngine wraps the mock engine and remembers utterance lengths.
type recordingEngine struct {
	*mock.Adapter
	mu      sync.Mutex
	lengths []int
}

func newRecordingEngine() *recordingEngine {
	e := &recordingEngine{}
	e.Adapter = mock.New(mock.WithTextFunc(func(a stt.Audio) string {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.lengths = append(e.lengths, len(a.Samples))
		return fmt.Sprintf("utterance %d", len(e.lengths))
	}))
	return e
}

func (e *recordingEngine) Lengths() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.lengths...)
}

// blockingEngine holds every call until release is closed.
type blockingEngine struct {
	release chan struct{}
}

func (e *blockingEngine) Name() string { return "blocking" }
func (e *blockingEngine) Close() error { return nil }
func (e *blockingEngine) Transcribe(ctx context.Context, _ stt.Audio, _ stt.Options) (stt.Result, error) {
	<-e.release
	return stt.Result{Text: "too late", Confidence: 1}, nil
}

// flakyEngine fails its first call and answers "second" afterwards.
type flakyEngine struct {
	calls atomic.Int32
}

func (e *flakyEngine) Name() string { return "flaky" }
func (e *flakyEngine) Close() error { return nil }
func (e *flakyEngine) Transcribe(_ context.Context, _ stt.Audio, _ stt.Options) (stt.Result, error) {
	if e.calls.Add(1) == 1 {
		return stt.Result{}, errors.New("engine unavailable")
	}
	return stt.Result{Text: "second", Confidence: 1}, nil
}

func newTestRegistry(t *testing.T, engine stt.Engine, mutate func(*RegistryConfig)) *Registry {
	t.Helper()

	d := dispatch.New(engine, dispatch.Config{Workers: 1, QueueSize: 16, JobTimeout: 10 * time.Second}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Stop(ctx)
	})

	sessCfg := DefaultConfig()
	sessCfg.ChunkDuration = 500 * time.Millisecond
	sessCfg.DrainTimeout = 2 * time.Second
	cfg := RegistryConfig{MaxSessions: 8, Session: sessCfg}
	if mutate != nil {
		mutate(&cfg)
	}

	r, err := NewRegistry(cfg, Deps{
		Classifier:  nonZeroClassifier,
		Dispatcher:  d,
		Broadcaster: broadcast.New(64, nil),
	})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return r
}

// feed sends dur of speech (constant non-zero samples) or silence in
// 100ms frames.
func feed(t *testing.T, r *Registry, id string, speech bool, dur time.Duration) {
	t.Helper()
	var value int16
	if speech {
		value = 1000
	}
	frame := audio.SamplesFor(testRate, 100*time.Millisecond)
	for sent := time.Duration(0); sent < dur; sent += 100 * time.Millisecond {
		samples := make([]int16, frame)
		for i := range samples {
			samples[i] = value
		}
		if err := r.Ingest(context.Background(), id, testRate, samples); err != nil {
			t.Fatalf("Ingest(%s) error = %v", id, err)
		}
	}
}

func nextEvent(t *testing.T, sub *broadcast.Subscription, want string) models.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatalf("subscription closed while waiting for %s", want)
			}
			if ev.EventType == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func closeSession(t *testing.T, r *Registry, id string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	text, err := r.Close(ctx, id)
	if err != nil {
		t.Fatalf("Close(%s) error = %v", id, err)
	}
	return text
}

func TestSession_SilenceEndsTurn(t *testing.T) {
	engine := newRecordingEngine()
	r := newTestRegistry(t, engine, nil)

	sess, err := r.Open("A")
	if err != nil {
		t.Fatal(err)
	}
	sub, err := sess.Subscribe()
	if err != nil {
		t.Fatal(err)
	}

	feed(t, r, "A", false, time.Second)
	feed(t, r, "A", true, time.Second)
	feed(t, r, "A", false, 2500*time.Millisecond)

	// Finalized by silence, before the stream closes.
	ev := nextEvent(t, sub, models.EventTypeFragment)
	if ev.UtteranceID != "A-utt-1" {
		t.Errorf("expected utterance A-utt-1, got %s", ev.UtteranceID)
	}
	// Speech [1.0s, 2.0s) padded by 400ms on each side.
	if ev.AudioOffsetMs != 600 || ev.DurationMs != 1800 {
		t.Errorf("expected offset 600ms duration 1800ms, got %d/%d", ev.AudioOffsetMs, ev.DurationMs)
	}

	text := closeSession(t, r, "A")
	if text != "utterance 1" {
		t.Errorf("expected single fragment transcript, got %q", text)
	}
	if got := engine.Lengths(); len(got) != 1 || got[0] != 28800 {
		t.Errorf("expected one utterance of 28800 samples, got %v", got)
	}

	closed := nextEvent(t, sub, models.EventTypeClosed)
	if closed.Transcript != "utterance 1" {
		t.Errorf("expected closed event with transcript, got %q", closed.Transcript)
	}
}

func TestSession_ShortSilenceWaitsForClose(t *testing.T) {
	engine := newRecordingEngine()
	r := newTestRegistry(t, engine, nil)

	feed(t, r, "B", false, time.Second)
	feed(t, r, "B", true, time.Second)
	feed(t, r, "B", false, time.Second)

	time.Sleep(200 * time.Millisecond)
	if got := engine.Lengths(); len(got) != 0 {
		t.Fatalf("expected no utterance before close, got %v", got)
	}

	text := closeSession(t, r, "B")
	if text != "utterance 1" {
		t.Errorf("expected flushed utterance in transcript, got %q", text)
	}
	// Flush ends the run where silence began, then pads.
	if got := engine.Lengths(); len(got) != 1 || got[0] != 28800 {
		t.Errorf("expected one flushed utterance of 28800 samples, got %v", got)
	}
}

func TestSession_FragmentsInFinalizationOrder(t *testing.T) {
	engine := newRecordingEngine()
	r := newTestRegistry(t, engine, nil)

	for i := 0; i < 3; i++ {
		feed(t, r, "S", true, time.Second)
		feed(t, r, "S", false, 2*time.Second)
	}

	text := closeSession(t, r, "S")
	if text != "utterance 1 utterance 2 utterance 3" {
		t.Errorf("unexpected transcript %q", text)
	}
}

func TestSession_FrameValidation(t *testing.T) {
	r := newTestRegistry(t, newRecordingEngine(), nil)

	sess, err := r.Open("V")
	if err != nil {
		t.Fatal(err)
	}
	sub, err := sess.Subscribe()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := sess.Ingest(ctx, testRate, nil); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("expected ErrEmptyFrame, got %v", err)
	}
	warning := nextEvent(t, sub, models.EventTypeWarning)
	if warning.Code != models.CodeFrameRejected {
		t.Errorf("expected FRAME_REJECTED warning, got %s", warning.Code)
	}

	if err := sess.IngestPCM(ctx, testRate, []byte{1, 2, 3}); !errors.Is(err, ErrOddFrameLength) {
		t.Errorf("expected ErrOddFrameLength, got %v", err)
	}
	if err := sess.Ingest(ctx, 0, []int16{1}); !errors.Is(err, ErrInvalidSampleRate) {
		t.Errorf("expected ErrInvalidSampleRate, got %v", err)
	}

	if err := sess.Ingest(ctx, testRate, []int16{1, 2}); err != nil {
		t.Fatalf("valid frame rejected: %v", err)
	}
	if err := sess.Ingest(ctx, 8000, []int16{1, 2}); !errors.Is(err, ErrSampleRateMismatch) {
		t.Errorf("expected ErrSampleRateMismatch, got %v", err)
	}

	// The session keeps accepting frames at its rate.
	if err := sess.IngestPCM(ctx, testRate, audio.EncodePCM16LE([]int16{5, 6})); err != nil {
		t.Errorf("expected session to continue after rejections, got %v", err)
	}
	if sess.SampleRate() != testRate {
		t.Errorf("expected sample rate %d, got %d", testRate, sess.SampleRate())
	}
}

func TestSession_RejectsUnsupportedSampleRates(t *testing.T) {
	engine := newRecordingEngine()
	r := newTestRegistry(t, engine, nil)

	sess, err := r.Open("R")
	if err != nil {
		t.Fatal(err)
	}
	sub, err := sess.Subscribe()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for _, rate := range []int{1, audio.MinSampleRate - 1, audio.MaxSampleRate + 1, 2_000_000_000} {
		if err := sess.Ingest(ctx, rate, []int16{1, 2}); !errors.Is(err, ErrInvalidSampleRate) {
			t.Errorf("rate %d: expected ErrInvalidSampleRate, got %v", rate, err)
		}
		if warning := nextEvent(t, sub, models.EventTypeWarning); warning.Code != models.CodeFrameRejected {
			t.Errorf("rate %d: expected FRAME_REJECTED warning, got %s", rate, warning.Code)
		}
	}
	if sess.SampleRate() != 0 {
		t.Fatalf("rejected frames must not fix the rate, got %d", sess.SampleRate())
	}

	// The session still works at a supported rate.
	feed(t, r, "R", true, time.Second)
	feed(t, r, "R", false, 2*time.Second)
	if ev := nextEvent(t, sub, models.EventTypeFragment); ev.Text != "utterance 1" {
		t.Errorf("expected fragment after rejected frames, got %q", ev.Text)
	}
	if text := closeSession(t, r, "R"); text != "utterance 1" {
		t.Errorf("unexpected transcript %q", text)
	}
}

func TestSession_InitFailureIsReturned(t *testing.T) {
	r := newTestRegistry(t, newRecordingEngine(), func(cfg *RegistryConfig) {
		// No whole sample fits a window at 8 kHz.
		cfg.Session.ChunkDuration = 100 * time.Microsecond
	})

	sess, err := r.Open("I")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := sess.Ingest(context.Background(), 8000, []int16{1, 2}); !errors.Is(err, ErrInvalidSampleRate) {
			t.Fatalf("attempt %d: expected ErrInvalidSampleRate, got %v", i, err)
		}
	}
	if sess.SampleRate() != 0 {
		t.Errorf("expected no rate fixed after init failure, got %d", sess.SampleRate())
	}
	closeSession(t, r, "I")
}

func TestSession_EngineFailureEmitsErrorAndContinues(t *testing.T) {
	r := newTestRegistry(t, &flakyEngine{}, nil)

	sess, err := r.Open("E")
	if err != nil {
		t.Fatal(err)
	}
	sub, err := sess.Subscribe()
	if err != nil {
		t.Fatal(err)
	}

	feed(t, r, "E", true, time.Second)
	feed(t, r, "E", false, 2*time.Second)

	failure := nextEvent(t, sub, models.EventTypeError)
	if failure.Code != models.CodeEngineFailure || failure.UtteranceID != "E-utt-1" {
		t.Errorf("expected ENGINE_FAILURE for E-utt-1, got %s/%s", failure.Code, failure.UtteranceID)
	}
	if sess.Transcript() != "" {
		t.Errorf("failed job must not touch the transcript, got %q", sess.Transcript())
	}

	feed(t, r, "E", true, time.Second)
	feed(t, r, "E", false, 2*time.Second)

	ev := nextEvent(t, sub, models.EventTypeFragment)
	if ev.UtteranceID != "E-utt-2" || ev.Transcript != "second" {
		t.Errorf("expected E-utt-2 with transcript %q, got %s/%q", "second", ev.UtteranceID, ev.Transcript)
	}
	if text := closeSession(t, r, "E"); text != "second" {
		t.Errorf("unexpected transcript %q", text)
	}
}

func TestSession_ClassifierErrorCountsAsSilence(t *testing.T) {
	engine := newRecordingEngine()
	d := dispatch.New(engine, dispatch.Config{Workers: 1, QueueSize: 4, JobTimeout: time.Second}, nil)
	t.Cleanup(func() { d.Stop(context.Background()) })

	cfg := DefaultConfig()
	cfg.ChunkDuration = 500 * time.Millisecond
	r, err := NewRegistry(RegistryConfig{Session: cfg}, Deps{
		Classifier: vad.Func(func(context.Context, audio.Window) (float64, error) {
			return 1, errors.New("model not loaded")
		}),
		Dispatcher: d,
	})
	if err != nil {
		t.Fatal(err)
	}

	feed(t, r, "F", true, 2*time.Second)
	feed(t, r, "F", false, 2500*time.Millisecond)

	if text := closeSession(t, r, "F"); text != "" {
		t.Errorf("expected empty transcript, got %q", text)
	}
	if got := engine.Lengths(); len(got) != 0 {
		t.Errorf("expected no utterance from failing classifier, got %v", got)
	}
}

func TestSession_OverflowEmitsWarning(t *testing.T) {
	r := newTestRegistry(t, newRecordingEngine(), func(cfg *RegistryConfig) {
		cfg.Session.BufferCap = time.Second
	})

	sess, err := r.Open("O")
	if err != nil {
		t.Fatal(err)
	}
	sub, err := sess.Subscribe()
	if err != nil {
		t.Fatal(err)
	}

	// An open turn pins its audio, so continuous speech outgrows the cap.
	feed(t, r, "O", true, 3*time.Second)

	warning := nextEvent(t, sub, models.EventTypeWarning)
	if warning.Code != models.CodeBufferOverflow {
		t.Errorf("expected BUFFER_OVERFLOW warning, got %s (%s)", warning.Code, warning.Message)
	}
	closeSession(t, r, "O")
}

func TestSession_IngestAfterClose(t *testing.T) {
	r := newTestRegistry(t, newRecordingEngine(), nil)

	sess, err := r.Open("C")
	if err != nil {
		t.Fatal(err)
	}
	closeSession(t, r, "C")

	if sess.State() != StateClosed {
		t.Errorf("expected StateClosed, got %v", sess.State())
	}
	if err := sess.Ingest(context.Background(), testRate, []int16{1}); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed, got %v", err)
	}
	if _, err := sess.Subscribe(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed on subscribe, got %v", err)
	}

	// Closing twice is harmless.
	if _, err := sess.Close(context.Background()); err != nil {
		t.Errorf("second Close returned %v", err)
	}
}

func TestSession_DrainTimeoutDiscardsLateResult(t *testing.T) {
	engine := &blockingEngine{release: make(chan struct{})}
	r := newTestRegistry(t, engine, func(cfg *RegistryConfig) {
		cfg.Session.DrainTimeout = 100 * time.Millisecond
	})
	t.Cleanup(func() { close(engine.release) })

	sess, err := r.Open("D")
	if err != nil {
		t.Fatal(err)
	}
	sub, err := sess.Subscribe()
	if err != nil {
		t.Fatal(err)
	}

	feed(t, r, "D", true, time.Second)
	feed(t, r, "D", false, 2*time.Second)

	text := closeSession(t, r, "D")
	if text != "" {
		t.Errorf("expected empty transcript after drain timeout, got %q", text)
	}
	closed := nextEvent(t, sub, models.EventTypeClosed)
	if closed.Transcript != "" {
		t.Errorf("expected empty closed transcript, got %q", closed.Transcript)
	}
	if sess.Transcript() != "" {
		t.Errorf("late result must not be appended, got %q", sess.Transcript())
	}
}

func TestSession_SnapshotForLateSubscriber(t *testing.T) {
	r := newTestRegistry(t, newRecordingEngine(), nil)

	sess, err := r.Open("L")
	if err != nil {
		t.Fatal(err)
	}
	early, _ := sess.Subscribe()

	feed(t, r, "L", true, time.Second)
	feed(t, r, "L", false, 2*time.Second)
	nextEvent(t, early, models.EventTypeFragment)

	late, err := r.Subscribe("L")
	if err != nil {
		t.Fatal(err)
	}
	snap := nextEvent(t, late, models.EventTypeSnapshot)
	if snap.Transcript != "utterance 1" {
		t.Errorf("expected snapshot of current transcript, got %q", snap.Transcript)
	}
	closeSession(t, r, "L")
}

func TestRegistry_SessionLimit(t *testing.T) {
	r := newTestRegistry(t, newRecordingEngine(), func(cfg *RegistryConfig) {
		cfg.MaxSessions = 1
	})

	if _, err := r.Open("one"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Open("two"); !errors.Is(err, ErrTooManySessions) {
		t.Fatalf("expected ErrTooManySessions, got %v", err)
	}

	closeSession(t, r, "one")
	if _, err := r.Get("one"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected closed session to be removed, got %v", err)
	}
	if _, err := r.Open("two"); err != nil {
		t.Errorf("expected a free slot after close, got %v", err)
	}
}

func TestRegistry_NotFound(t *testing.T) {
	r := newTestRegistry(t, newRecordingEngine(), nil)

	if _, err := r.Close(context.Background(), "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := r.Subscribe("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := r.Open(""); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected error for empty id, got %v", err)
	}
}

func TestRegistry_IdleSweep(t *testing.T) {
	r := newTestRegistry(t, newRecordingEngine(), func(cfg *RegistryConfig) {
		cfg.IdleTimeout = 150 * time.Millisecond
	})

	sess, err := r.Open("idle")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	select {
	case <-sess.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("idle session was not closed")
	}
	if r.Len() != 0 {
		t.Errorf("expected registry empty, got %d", r.Len())
	}
}

func TestRegistry_Stop(t *testing.T) {
	r := newTestRegistry(t, newRecordingEngine(), nil)

	for _, id := range []string{"x", "y", "z"} {
		feed(t, r, id, true, 500*time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if r.Len() != 0 {
		t.Errorf("expected all sessions removed, got %d", r.Len())
	}
	if _, err := r.Open("late"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed after Stop, got %v", err)
	}
}
