// Package turn implements the per-session turn detection state machine.
package turn

import (
	"fmt"
	"time"

	"turn-transcription-service/internal/service/audio"
)

// State is the detector state.
type State int

const (
	// StateIdle - no speech run open.
	StateIdle State = iota
	// StateTalking - a speech run is open and accumulating.
	StateTalking
	// StateEnding - the run is being finalized. Transient: the detector
	// always returns to Idle within the same step.
	StateEnding
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateTalking:
		return "TALKING"
	case StateEnding:
		return "ENDING"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// EndReason records why a run was finalized.
type EndReason string

const (
	EndSilence     EndReason = "silence"
	EndMaxDuration EndReason = "max_duration"
	EndFlush       EndReason = "flush"
)

// Run is a finalized speech run. Start and End are absolute sample
// offsets of the detected speech, before padding.
type Run struct {
	Start  int64
	End    int64
	Voiced time.Duration
	Reason EndReason
}

// EventType classifies what a step produced.
type EventType int

const (
	EventNone EventType = iota
	// EventStarted - Idle → Talking.
	EventStarted
	// EventFinalized - run ended and is long enough to transcribe.
	EventFinalized
	// EventDiscarded - run ended but fell below the minimum speech duration.
	EventDiscarded
)

// Event is the outcome of one detector step.
type Event struct {
	Type EventType
	Run  Run
}

// Detector consumes classified windows and decides turn boundaries.
//
// State transitions:
//
//	IDLE ──(voiced ≥ startedTalking)──→ TALKING
//	TALKING ──(silence ≥ minSilence | span ≥ maxSpeech)──→ ENDING
//	ENDING ──→ IDLE (same step; emit or discard)
//
// Not safe for concurrent use; owned by one session goroutine.
type Detector struct {
	params     Params
	sampleRate int

	startedTalking float64 // seconds
	speechFloor    float64 // seconds
	minSpeech      float64 // samples
	maxSpeech      int64
	minSilence     int64
	pad            int64

	state        State
	runStart     int64
	talked       int64   // samples since run start
	voiced       float64 // voiced samples in run
	silence      int64
	silenceStart int64
}

// NewDetector creates a detector for audio at sampleRate.
func NewDetector(params Params, sampleRate int) (*Detector, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	return &Detector{
		params:         params,
		sampleRate:     sampleRate,
		startedTalking: params.StartedTalkingThreshold.Seconds(),
		speechFloor:    params.SpeechThreshold.Seconds(),
		minSpeech:      float64(audio.SamplesFor(sampleRate, params.MinSpeechDuration)),
		maxSpeech:      int64(audio.SamplesFor(sampleRate, params.MaxSpeechDuration)),
		minSilence:     int64(audio.SamplesFor(sampleRate, params.MinSilenceDuration)),
		pad:            int64(audio.SamplesFor(sampleRate, params.SpeechPad)),
		state:          StateIdle,
	}, nil
}

// State returns the current state.
func (d *Detector) State() State { return d.state }

// Params returns the detector parameters.
func (d *Detector) Params() Params { return d.params }

// PadSamples returns the speech pad in samples.
func (d *Detector) PadSamples() int64 { return d.pad }

// Observe advances the state machine by one classified window.
func (d *Detector) Observe(w audio.Window, speechFraction float64) Event {
	n := int64(len(w.Samples))
	if n == 0 {
		return Event{}
	}
	speechFraction = clamp01(speechFraction)
	voicedSamples := speechFraction * float64(n)
	voicedSec := voicedSamples / float64(d.sampleRate)

	if d.state == StateIdle {
		if voicedSec < d.startedTalking {
			return Event{}
		}
		d.state = StateTalking
		d.runStart = w.Start
		d.talked = n
		d.voiced = voicedSamples
		d.silence = 0
		return Event{Type: EventStarted, Run: Run{Start: w.Start}}
	}

	d.talked += n
	d.voiced += voicedSamples
	if voicedSec < d.speechFloor {
		if d.silence == 0 {
			d.silenceStart = w.Start
		}
		d.silence += n
	} else {
		d.silence = 0
	}

	switch {
	case d.silence >= d.minSilence:
		return d.finalize(d.silenceStart, EndSilence)
	case d.talked >= d.maxSpeech:
		return d.finalize(w.End(), EndMaxDuration)
	}
	return Event{}
}

// Flush force-finalizes an open run when the session closes. end is the
// offset of the last buffered sample, including audio never windowed.
// If the run is inside a silence stretch, the run ends where silence began.
func (d *Detector) Flush(end int64) Event {
	if d.state != StateTalking {
		return Event{}
	}
	if d.silence > 0 {
		end = d.silenceStart
	}
	return d.finalize(end, EndFlush)
}

// RetainFrom returns the oldest offset that must stay buffered so that
// padding can still be applied to current or future runs.
func (d *Detector) RetainFrom(read int64) int64 {
	from := read
	if d.state == StateTalking {
		from = d.runStart
	}
	from -= d.pad
	if from < 0 {
		return 0
	}
	return from
}

func (d *Detector) finalize(end int64, reason EndReason) Event {
	d.state = StateEnding
	run := Run{
		Start:  d.runStart,
		End:    end,
		Voiced: time.Duration(d.voiced / float64(d.sampleRate) * float64(time.Second)),
		Reason: reason,
	}
	kind := EventFinalized
	if d.voiced < d.minSpeech {
		kind = EventDiscarded
	}
	d.reset()
	return Event{Type: kind, Run: run}
}

func (d *Detector) reset() {
	d.state = StateIdle
	d.runStart = 0
	d.talked = 0
	d.voiced = 0
	d.silence = 0
	d.silenceStart = 0
}

func clamp01(v float64) float64 {
	switch {
	case v != v, v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
