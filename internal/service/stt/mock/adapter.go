// Package mock provides a mock STT engine for running without cloud credentials.
// It returns canned transcripts in rotation after an optional simulated
// processing delay.
package mock

import (
	"context"
	"sync"
	"time"

	"turn-transcription-service/internal/service/stt"
)

// SimulatedUtterance is a canned transcript.
type SimulatedUtterance struct {
	Text       string
	Confidence float64
}

// DefaultUtterances provides sample transcripts for simulation.
var DefaultUtterances = []SimulatedUtterance{
	{Text: "I want to cancel my subscription", Confidence: 0.94},
	{Text: "Yes please go ahead", Confidence: 0.97},
	{Text: "Can you help me with my account", Confidence: 0.91},
	{Text: "I've been waiting for over an hour", Confidence: 0.89},
	{Text: "Thank you very much", Confidence: 0.98},
}

// Option configures the mock engine.
type Option func(*Adapter)

// WithLatency simulates engine processing time. The delay honours
// context cancellation.
func WithLatency(d time.Duration) Option {
	return func(a *Adapter) { a.latency = d }
}

// WithUtterances replaces the canned transcripts.
func WithUtterances(u []SimulatedUtterance) Option {
	return func(a *Adapter) { a.utterances = u }
}

// WithTextFunc derives the transcript from the audio instead of rotating
// through canned utterances.
func WithTextFunc(fn func(stt.Audio) string) Option {
	return func(a *Adapter) { a.textFn = fn }
}

// Adapter implements stt.Engine with mock responses.
type Adapter struct {
	mu         sync.Mutex
	latency    time.Duration
	utterances []SimulatedUtterance
	textFn     func(stt.Audio) string
	next       int
	calls      int
	closed     bool
}

// New creates a new mock STT engine.
func New(opts ...Option) *Adapter {
	a := &Adapter{utterances: DefaultUtterances}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements stt.Engine.
func (a *Adapter) Name() string { return "mock" }

// Transcribe returns the next canned transcript.
func (a *Adapter) Transcribe(ctx context.Context, audio stt.Audio, opts stt.Options) (stt.Result, error) {
	if len(audio.Samples) == 0 {
		return stt.Result{}, stt.ErrEmptyAudio
	}

	if a.latency > 0 {
		timer := time.NewTimer(a.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		case <-timer.C:
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return stt.Result{}, stt.ErrEngineClosed
	}
	a.calls++

	lang := opts.Language
	if lang == "" {
		lang = "en"
	}
	if a.textFn != nil {
		return stt.Result{Text: a.textFn(audio), Confidence: 1, Language: lang}, nil
	}
	if len(a.utterances) == 0 {
		return stt.Result{Language: lang}, nil
	}
	u := a.utterances[a.next%len(a.utterances)]
	a.next++
	return stt.Result{Text: u.Text, Confidence: u.Confidence, Language: lang}, nil
}

// Calls returns how many transcriptions completed.
func (a *Adapter) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Close implements stt.Engine. Later calls to Transcribe fail with
// stt.ErrEngineClosed.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}
