package turn

import (
	"errors"
	"testing"
	"time"

	"turn-transcription-service/internal/service/audio"
)

const testRate = 16000

// feeder produces contiguous windows of a fixed size.
type feeder struct {
	d    *Detector
	size int
	pos  int64
}

func newFeeder(t *testing.T, params Params, window time.Duration) *feeder {
	t.Helper()
	d, err := NewDetector(params, testRate)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}
	return &feeder{d: d, size: audio.SamplesFor(testRate, window)}
}

func (f *feeder) step(fraction float64) Event {
	w := audio.Window{Start: f.pos, Samples: make([]int16, f.size), SampleRate: testRate}
	f.pos += int64(f.size)
	return f.d.Observe(w, fraction)
}

// feed runs fractions through the detector and collects non-trivial events.
func (f *feeder) feed(fractions ...float64) []Event {
	var out []Event
	for _, fr := range fractions {
		if ev := f.step(fr); ev.Type != EventNone {
			out = append(out, ev)
		}
	}
	return out
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func seq(parts ...[]float64) []float64 {
	var out []float64
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func sec(s float64) int64 {
	return int64(s * testRate)
}

func finalized(events []Event) []Run {
	var runs []Run
	for _, ev := range events {
		if ev.Type == EventFinalized {
			runs = append(runs, ev.Run)
		}
	}
	return runs
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "IDLE"},
		{StateTalking, "TALKING"},
		{StateEnding, "ENDING"},
		{State(42), "UNKNOWN(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %s, want %s", tt.state, got, tt.want)
		}
	}
}

func TestNewDetector_InvalidParams(t *testing.T) {
	bad := DefaultParams()
	bad.MinSpeechDuration = time.Minute
	if _, err := NewDetector(bad, testRate); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams, got %v", err)
	}

	bad = DefaultParams()
	bad.MinSilenceDuration = 0
	if _, err := NewDetector(bad, testRate); !errors.Is(err, ErrInvalidParams) {
		t.Errorf("expected ErrInvalidParams for zero silence, got %v", err)
	}

	if _, err := NewDetector(DefaultParams(), 0); err == nil {
		t.Error("expected error for zero sample rate")
	}
}

func TestDetector_StaysIdleBelowStartThreshold(t *testing.T) {
	// 0.33 of a 0.6s window is 0.198s of speech, just under 0.2s.
	tests := []struct {
		name     string
		fraction float64
	}{
		{"silence", 0},
		{"quiet noise", 0.1},
		{"just under threshold", 0.33},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFeeder(t, DefaultParams(), 600*time.Millisecond)
			events := f.feed(repeat(tt.fraction, 200)...)
			if len(events) != 0 {
				t.Errorf("expected no events, got %d", len(events))
			}
			if f.d.State() != StateIdle {
				t.Errorf("expected IDLE, got %s", f.d.State())
			}
			if ev := f.d.Flush(f.pos); ev.Type != EventNone {
				t.Errorf("flush from IDLE produced event %v", ev.Type)
			}
		})
	}
}

func TestDetector_MinSpeechBoundary(t *testing.T) {
	// 0.5s windows: one window carrying the run, then enough silence to end it.
	tests := []struct {
		name   string
		speech time.Duration
		want   EventType
	}{
		{"249ms discarded", 249 * time.Millisecond, EventDiscarded},
		{"251ms emitted", 251 * time.Millisecond, EventFinalized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFeeder(t, DefaultParams(), 500*time.Millisecond)
			fraction := tt.speech.Seconds() / 0.5
			events := f.feed(seq([]float64{fraction}, repeat(0, 4))...)

			if len(events) != 2 {
				t.Fatalf("expected start and end events, got %d", len(events))
			}
			if events[0].Type != EventStarted {
				t.Errorf("expected EventStarted first, got %v", events[0].Type)
			}
			if events[1].Type != tt.want {
				t.Errorf("expected end event %v, got %v", tt.want, events[1].Type)
			}
			if f.d.State() != StateIdle {
				t.Errorf("expected IDLE after finalize, got %s", f.d.State())
			}
		})
	}
}

func TestDetector_SilenceEndsTurnAtSpeechEnd(t *testing.T) {
	f := newFeeder(t, DefaultParams(), 500*time.Millisecond)
	// 1s silence, 1s speech, 2.5s silence.
	events := f.feed(seq(repeat(0, 2), repeat(1, 2), repeat(0, 5))...)

	runs := finalized(events)
	if len(runs) != 1 {
		t.Fatalf("expected 1 finalized run, got %d", len(runs))
	}
	run := runs[0]
	if run.Start != sec(1) || run.End != sec(2) {
		t.Errorf("run = [%d, %d), want [%d, %d)", run.Start, run.End, sec(1), sec(2))
	}
	if run.Reason != EndSilence {
		t.Errorf("expected reason %s, got %s", EndSilence, run.Reason)
	}
	if run.Voiced != time.Second {
		t.Errorf("expected 1s voiced, got %v", run.Voiced)
	}
}

func TestDetector_ShortSilenceKeepsTurnOpen(t *testing.T) {
	f := newFeeder(t, DefaultParams(), 600*time.Millisecond)
	// 1.2s speech, 1.8s pause (< 2s), 1.2s speech, 2.4s silence.
	events := f.feed(seq(repeat(1, 2), repeat(0, 3), repeat(1, 2), repeat(0, 4))...)

	runs := finalized(events)
	if len(runs) != 1 {
		t.Fatalf("expected a single turn, got %d", len(runs))
	}
	if runs[0].Start != 0 || runs[0].End != sec(4.2) {
		t.Errorf("run = [%d, %d), want [0, %d)", runs[0].Start, runs[0].End, sec(4.2))
	}
}

func TestDetector_MaxDurationForcesSplit(t *testing.T) {
	params := DefaultParams()
	window := 600 * time.Millisecond
	f := newFeeder(t, params, window)

	// 70s of uninterrupted speech, then silence.
	events := f.feed(seq(repeat(1, 117), repeat(0, 5))...)

	runs := finalized(events)
	if len(runs) < 2 {
		t.Fatalf("expected at least 2 utterances, got %d", len(runs))
	}
	limit := sec(params.MaxSpeechDuration.Seconds() + window.Seconds())
	for i, run := range runs {
		if span := run.End - run.Start; span > limit {
			t.Errorf("run %d spans %d samples, limit %d", i, span, limit)
		}
	}
	if runs[0].Reason != EndMaxDuration {
		t.Errorf("expected first run split by max duration, got %s", runs[0].Reason)
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].Start < runs[i-1].End {
			t.Errorf("run %d starts at %d before previous end %d", i, runs[i].Start, runs[i-1].End)
		}
	}
}

func TestDetector_Flush(t *testing.T) {
	window := 500 * time.Millisecond

	t.Run("inside silence ends at silence start", func(t *testing.T) {
		f := newFeeder(t, DefaultParams(), window)
		f.feed(seq(repeat(0, 2), repeat(1, 2), repeat(0, 2))...)
		ev := f.d.Flush(f.pos + 100)
		if ev.Type != EventFinalized {
			t.Fatalf("expected EventFinalized, got %v", ev.Type)
		}
		if ev.Run.End != sec(2) {
			t.Errorf("expected end at %d, got %d", sec(2), ev.Run.End)
		}
		if ev.Run.Reason != EndFlush {
			t.Errorf("expected reason flush, got %s", ev.Run.Reason)
		}
	})

	t.Run("mid speech ends at buffer end", func(t *testing.T) {
		f := newFeeder(t, DefaultParams(), window)
		f.feed(repeat(1, 3)...)
		end := f.pos + 1234
		ev := f.d.Flush(end)
		if ev.Type != EventFinalized || ev.Run.End != end {
			t.Errorf("expected finalized run ending at %d, got %v ending at %d", end, ev.Type, ev.Run.End)
		}
	})

	t.Run("short run discarded", func(t *testing.T) {
		f := newFeeder(t, DefaultParams(), window)
		f.feed(0.44) // 0.22s voiced: opens a turn, below 250ms
		ev := f.d.Flush(f.pos)
		if ev.Type != EventDiscarded {
			t.Errorf("expected EventDiscarded, got %v", ev.Type)
		}
		if f.d.State() != StateIdle {
			t.Errorf("expected IDLE after flush, got %s", f.d.State())
		}
	})
}

func TestDetector_RetainFrom(t *testing.T) {
	f := newFeeder(t, DefaultParams(), 500*time.Millisecond)
	pad := f.d.PadSamples()
	if pad != sec(0.4) {
		t.Fatalf("expected pad %d samples, got %d", sec(0.4), pad)
	}

	if got := f.d.RetainFrom(100); got != 0 {
		t.Errorf("expected retention clipped to 0, got %d", got)
	}

	f.feed(repeat(0, 4)...)
	if got := f.d.RetainFrom(f.pos); got != f.pos-pad {
		t.Errorf("idle retention = %d, want %d", got, f.pos-pad)
	}

	f.feed(repeat(1, 6)...)
	if f.d.State() != StateTalking {
		t.Fatalf("expected TALKING, got %s", f.d.State())
	}
	if got := f.d.RetainFrom(f.pos); got != sec(2)-pad {
		t.Errorf("talking retention = %d, want run start minus pad %d", got, sec(2)-pad)
	}
}

func TestDetector_ClampsFraction(t *testing.T) {
	f := newFeeder(t, DefaultParams(), 500*time.Millisecond)
	events := f.feed(-3, 7)
	if len(events) != 1 || events[0].Type != EventStarted {
		t.Fatalf("expected a single start event, got %v", events)
	}
	if events[0].Run.Start != sec(0.5) {
		t.Errorf("expected start at second window, got %d", events[0].Run.Start)
	}
}
