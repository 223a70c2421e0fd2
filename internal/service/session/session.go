// Package session owns per-session ingestion: frame validation, windowing,
// turn detection, utterance dispatch and transcript fan-out.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"turn-transcription-service/internal/models"
	"turn-transcription-service/internal/observability/logging"
	"turn-transcription-service/internal/observability/metrics"
	"turn-transcription-service/internal/service/audio"
	"turn-transcription-service/internal/service/broadcast"
	"turn-transcription-service/internal/service/dispatch"
	"turn-transcription-service/internal/service/segment"
	"turn-transcription-service/internal/service/stt"
	"turn-transcription-service/internal/service/transcript"
	"turn-transcription-service/internal/service/turn"
	"turn-transcription-service/internal/service/vad"
)

// Errors returned to callers of the ingestion and registry API.
var (
	ErrSampleRateMismatch = errors.New("sample rate differs from the session's first frame")
	ErrInvalidSampleRate  = errors.New("unsupported sample rate")
	ErrEmptyFrame         = audio.ErrEmptyFrame
	ErrOddFrameLength     = audio.ErrOddFrameLength
	ErrTooManySessions    = errors.New("session limit reached")
	ErrSessionClosed      = errors.New("session is closed")
	ErrSessionNotFound    = errors.New("session not found")
)

// Dispatcher is the part of dispatch.Dispatcher a session needs.
type Dispatcher interface {
	Submit(job dispatch.Job) (*dispatch.Future, error)
	CancelSession(sessionID string) int
}

// Sink receives fragment and error events for durable delivery.
type Sink interface {
	Publish(ctx context.Context, ev models.Event) error
}

// Config holds per-session tunables.
type Config struct {
	Turn          turn.Params
	ChunkDuration time.Duration
	BufferCap     time.Duration
	// FrameBacklog bounds frames queued between Ingest and the session
	// goroutine. Ingest blocks when it is full.
	FrameBacklog int
	// DrainTimeout bounds how long Close waits for in-flight jobs.
	DrainTimeout time.Duration
	Options      stt.Options
}

// DefaultConfig returns the stock session settings.
func DefaultConfig() Config {
	return Config{
		Turn:          turn.DefaultParams(),
		ChunkDuration: 600 * time.Millisecond,
		BufferCap:     120 * time.Second,
		FrameBacklog:  256,
		DrainTimeout:  10 * time.Second,
		Options:       stt.Options{Task: stt.TaskTranscribe, Language: "en"},
	}
}

type frame struct {
	samples []int16
	rate    int
}

// Session is one audio stream. Frames are processed in arrival order by a
// single goroutine that owns the buffer and the detector; transcription
// results come back on dispatcher workers and touch only the aggregator
// and the broadcaster.
type Session struct {
	id  string
	cfg Config

	lifecycle   *Lifecycle
	classifier  vad.Classifier
	dispatcher  Dispatcher
	broadcaster *broadcast.Broadcaster
	sink        Sink
	ids         *segment.Generator
	aggregator  *transcript.Aggregator
	metrics     *metrics.Metrics
	logger      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// ingestMu orders frame sends against closing the frames channel.
	ingestMu sync.RWMutex
	frames   chan frame
	done     chan struct{}

	rateMu     sync.Mutex
	sampleRate int

	// resultMu serializes result application, subscriber snapshots and
	// the transition to Closed.
	resultMu sync.Mutex
	pending  sync.WaitGroup

	createdAt    time.Time
	lastActivity atomic.Int64

	// Built by fixRate on the first frame, then owned by the session
	// goroutine.
	buf       *audio.Buffer
	detector  *turn.Detector
	assembler *segment.Assembler

	onClosed func(*Session)
}

func newSession(id string, cfg Config, deps Deps, onClosed func(*Session)) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:          id,
		cfg:         cfg,
		lifecycle:   NewLifecycle(id),
		classifier:  deps.Classifier,
		dispatcher:  deps.Dispatcher,
		broadcaster: deps.Broadcaster,
		sink:        deps.Sink,
		ids:         deps.IDs,
		aggregator:  transcript.NewAggregator(),
		metrics:     deps.Metrics,
		logger:      logging.WithSession(id),
		ctx:         ctx,
		cancel:      cancel,
		frames:      make(chan frame, cfg.FrameBacklog),
		done:        make(chan struct{}),
		createdAt:   time.Now(),
		onClosed:    onClosed,
	}
	s.touch()
	s.metrics.RecordSessionOpened()
	go s.run()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Session) State() State { return s.lifecycle.State() }

// Transcript returns the transcript so far.
func (s *Session) Transcript() string { return s.aggregator.Text() }

// Fragments returns the appended fragments in order.
func (s *Session) Fragments() []string { return s.aggregator.Fragments() }

// SampleRate returns the rate fixed by the first frame, or 0.
func (s *Session) SampleRate() int {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	return s.sampleRate
}

// Done is closed once the session reached Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// IdleFor returns the time since the last accepted frame.
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// IngestPCM decodes 16-bit little-endian mono PCM and ingests it.
func (s *Session) IngestPCM(ctx context.Context, sampleRate int, pcm []byte) error {
	samples, err := audio.DecodePCM16LE(pcm)
	if err != nil {
		return s.reject(err, "decode")
	}
	return s.Ingest(ctx, sampleRate, samples)
}

// Ingest queues one frame for processing. Invalid frames are rejected
// with an error and a warning event; the session continues. Ingest blocks
// while the frame backlog is full, until ctx ends.
func (s *Session) Ingest(ctx context.Context, sampleRate int, samples []int16) error {
	if len(samples) == 0 {
		return s.reject(ErrEmptyFrame, "empty")
	}
	if !audio.SupportedSampleRate(sampleRate) {
		return s.reject(fmt.Errorf("%w: got %d", ErrInvalidSampleRate, sampleRate), "sample_rate")
	}

	s.ingestMu.RLock()
	defer s.ingestMu.RUnlock()

	if !s.lifecycle.IsActive() {
		return ErrSessionClosed
	}
	if err := s.fixRate(sampleRate); err != nil {
		return err
	}

	select {
	case s.frames <- frame{samples: samples, rate: sampleRate}:
		s.touch()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// fixRate pins the session to the rate of its first accepted frame and
// builds the buffer and detector for it. Later frames must match. Called
// with ingestMu read-locked, so the goroutine sees the buffer either through
// the frame send or, when no frame follows, through Close taking ingestMu.
func (s *Session) fixRate(rate int) error {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	switch s.sampleRate {
	case rate:
		return nil
	case 0:
	default:
		return s.reject(fmt.Errorf("%w: session %d Hz, frame %d Hz", ErrSampleRateMismatch, s.sampleRate, rate), "sample_rate_mismatch")
	}
	if err := s.init(rate); err != nil {
		return s.reject(fmt.Errorf("%w: %v", ErrInvalidSampleRate, err), "init")
	}
	s.sampleRate = rate
	return nil
}

// reject reports an invalid frame without disturbing the session.
func (s *Session) reject(err error, reason string) error {
	s.metrics.RecordFrameRejected(reason)
	s.logger.Warn().Err(err).Str("reason", reason).Msg("Frame rejected")
	s.broadcaster.Publish(s.id, models.NewWarning(s.id, models.CodeFrameRejected, err.Error()))
	return err
}

// Subscribe attaches a live subscriber. When the transcript is non-empty
// the subscriber first receives it as a snapshot event.
func (s *Session) Subscribe() (*broadcast.Subscription, error) {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()

	if s.lifecycle.IsClosed() {
		return nil, ErrSessionClosed
	}
	var snapshot *models.Event
	if text := s.aggregator.Text(); text != "" {
		ev := models.NewSnapshot(s.id, text)
		snapshot = &ev
	}
	return s.broadcaster.Subscribe(s.id, snapshot), nil
}

// Close stops ingestion, flushes any open turn, waits for pending
// transcriptions up to the drain timeout and returns the final transcript.
// Safe to call more than once; later calls wait for the same outcome.
func (s *Session) Close(ctx context.Context) (string, error) {
	s.ingestMu.Lock()
	if err := s.lifecycle.BeginClose(); err == nil {
		close(s.frames)
		s.logger.Info().Msg("Session closing")
	}
	s.ingestMu.Unlock()

	select {
	case <-s.done:
		return s.aggregator.Text(), nil
	case <-ctx.Done():
		return s.aggregator.Text(), ctx.Err()
	}
}

// run is the session goroutine.
func (s *Session) run() {
	defer close(s.done)
	for f := range s.frames {
		s.process(f)
	}
	s.finish()
}

func (s *Session) process(f frame) {
	s.metrics.RecordFrame(len(f.samples), f.rate)
	if dropped := s.buf.Push(f.samples); dropped > 0 {
		s.metrics.RecordBufferOverflow(dropped)
		s.logger.Warn().
			Int("droppedSamples", dropped).
			Dur("cap", s.cfg.BufferCap).
			Msg("Buffer cap exceeded, oldest audio dropped")
		s.broadcaster.Publish(s.id, models.NewWarning(s.id, models.CodeBufferOverflow,
			fmt.Sprintf("dropped %d samples over the buffer cap", dropped)))
	}

	for {
		w, ok := s.buf.TakeWindow()
		if !ok {
			break
		}
		fraction, err := s.classifier.Classify(s.ctx, w)
		if err != nil {
			s.metrics.RecordClassifierError()
			s.logger.Warn().Err(err).Int64("windowStart", w.Start).Msg("Classifier failed, treating window as silence")
			fraction = 0
		}
		s.metrics.RecordWindow()
		s.handle(s.detector.Observe(w, fraction))
		s.buf.Retain(s.detector.RetainFrom(s.buf.Read()))
	}
}

func (s *Session) init(rate int) error {
	buf, err := audio.NewBuffer(rate, s.cfg.ChunkDuration, s.cfg.BufferCap)
	if err != nil {
		return err
	}
	det, err := turn.NewDetector(s.cfg.Turn, rate)
	if err != nil {
		return err
	}
	s.buf = buf
	s.detector = det
	s.assembler = segment.NewAssembler(s.ids, det.PadSamples())
	s.logger.Debug().
		Int("sampleRate", rate).
		Int("windowSamples", buf.WindowSize()).
		Msg("Turn detection started")
	return nil
}

func (s *Session) handle(ev turn.Event) {
	switch ev.Type {
	case turn.EventStarted:
		s.metrics.RecordTurnStarted()
		s.logger.Debug().Float64("startS", s.buf.Seconds(ev.Run.Start)).Msg("Turn started")

	case turn.EventDiscarded:
		s.metrics.RecordUtteranceDiscarded("too_short")
		s.logger.Debug().
			Dur("voiced", ev.Run.Voiced).
			Str("reason", string(ev.Run.Reason)).
			Msg("Turn too short, discarded")

	case turn.EventFinalized:
		utt, err := s.assembler.Assemble(s.id, s.buf, ev.Run)
		if err != nil {
			s.metrics.RecordUtteranceDiscarded("assemble")
			s.logger.Error().Err(err).Msg("Failed to assemble utterance")
			s.broadcaster.Publish(s.id, models.NewWarning(s.id, models.CodeSegmentDropped, err.Error()))
			return
		}
		s.submit(utt)
	}
}

func (s *Session) submit(utt segment.Utterance) {
	logger := logging.WithUtterance(s.id, utt.ID)

	s.pending.Add(1)
	_, err := s.dispatcher.Submit(dispatch.Job{
		SessionID:   s.id,
		UtteranceID: utt.ID,
		Audio:       stt.Audio{Samples: utt.Samples, SampleRate: utt.SampleRate},
		Options:     s.cfg.Options,
		OnComplete:  func(o dispatch.Outcome) { s.complete(utt, o) },
	})
	if err != nil {
		s.pending.Done()
		reason := "dispatch_closed"
		code := models.CodeEngineFailure
		if errors.Is(err, dispatch.ErrBackpressure) {
			reason = "backpressure"
			code = models.CodeBackpressure
		}
		s.metrics.RecordUtteranceDiscarded(reason)
		logger.Warn().Err(err).Msg("Utterance not dispatched")
		s.emitError(models.NewError(s.id, utt.ID, code, err.Error()))
		return
	}

	s.metrics.RecordUtterance(utt.Duration().Seconds())
	logger.Info().
		Int64("startMs", utt.OffsetMs()).
		Dur("duration", utt.Duration()).
		Str("reason", string(utt.Reason)).
		Msg("Utterance dispatched")
}

// complete runs on a dispatcher worker. The dispatcher runs a session's
// callbacks one at a time in submission order.
func (s *Session) complete(utt segment.Utterance, o dispatch.Outcome) {
	defer s.pending.Done()
	logger := logging.WithUtterance(s.id, utt.ID)

	s.resultMu.Lock()
	defer s.resultMu.Unlock()

	if s.lifecycle.IsClosed() {
		logger.Warn().Err(o.Err).Msg("Late transcription result discarded")
		return
	}

	if o.Err != nil {
		if errors.Is(o.Err, dispatch.ErrJobCancelled) || errors.Is(o.Err, dispatch.ErrClosed) {
			logger.Warn().Err(o.Err).Msg("Transcription cancelled")
			return
		}
		code := models.CodeEngineFailure
		if errors.Is(o.Err, dispatch.ErrJobTimeout) {
			code = models.CodeEngineTimeout
		}
		s.emitError(models.NewError(s.id, utt.ID, code, o.Err.Error()))
		return
	}

	text, kept := s.aggregator.Append(o.Result.Text)
	if !kept {
		logger.Debug().Msg("Empty transcription, nothing appended")
		return
	}
	s.metrics.RecordTranscriptFragment()

	ev := models.TranscriptFragment{
		SessionID:     s.id,
		UtteranceID:   utt.ID,
		Text:          strings.TrimSpace(o.Result.Text),
		Transcript:    text,
		Confidence:    o.Result.Confidence,
		Language:      o.Result.Language,
		AudioOffsetMs: utt.OffsetMs(),
		DurationMs:    utt.Duration().Milliseconds(),
	}.Event()

	s.broadcaster.Publish(s.id, ev)
	if s.sink != nil {
		if err := s.sink.Publish(s.ctx, ev); err != nil {
			logger.Error().Err(err).Msg("Failed to publish fragment")
		}
	}
	logger.Info().Str("text", ev.Text).Msg("Transcript fragment appended")
}

func (s *Session) emitError(ev models.Event) {
	s.broadcaster.Publish(s.id, ev)
	if s.sink != nil {
		if err := s.sink.Publish(s.ctx, ev); err != nil {
			s.logger.Error().Err(err).Msg("Failed to publish error event")
		}
	}
}

// finish flushes the open turn, drains pending jobs and closes the
// session. Runs on the session goroutine after the frames channel closed.
func (s *Session) finish() {
	if s.detector != nil {
		s.handle(s.detector.Flush(s.buf.End()))
	}

	drained := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(drained)
	}()

	timedOut := false
	select {
	case <-drained:
	case <-time.After(s.cfg.DrainTimeout):
		timedOut = true
	}

	s.resultMu.Lock()
	s.lifecycle.Close()
	final := s.aggregator.Text()
	s.resultMu.Unlock()

	if timedOut {
		cancelled := s.dispatcher.CancelSession(s.id)
		s.logger.Warn().
			Dur("drainTimeout", s.cfg.DrainTimeout).
			Int("cancelledJobs", cancelled).
			Msg("Drain timed out, pending results will be discarded")
	}
	s.cancel()

	s.broadcaster.CloseSession(s.id, models.NewClosed(s.id, final))
	s.metrics.RecordSessionClosed(time.Since(s.createdAt).Seconds())
	s.logger.Info().
		Int("fragments", s.aggregator.Len()).
		Dur("lifetime", time.Since(s.createdAt)).
		Msg("Session closed")

	if s.onClosed != nil {
		s.onClosed(s)
	}
}
