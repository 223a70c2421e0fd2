// Package stt defines the interface for speech-to-text engines.
package stt

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Task selects what the engine does with the audio.
type Task string

const (
	TaskTranscribe Task = "transcribe"
	TaskTranslate  Task = "translate"
)

// ParseTask maps a configuration string to a Task.
func ParseTask(s string) (Task, error) {
	switch Task(strings.ToLower(strings.TrimSpace(s))) {
	case "", TaskTranscribe:
		return TaskTranscribe, nil
	case TaskTranslate:
		return TaskTranslate, nil
	}
	return "", errors.New("unknown task " + s)
}

// Options are per-request transcription options.
type Options struct {
	Task     Task
	Language string
}

// Audio is mono 16-bit PCM.
type Audio struct {
	Samples    []int16
	SampleRate int
}

// Duration returns the audio length.
func (a Audio) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(len(a.Samples)) * int64(time.Second) / int64(a.SampleRate))
}

// Result is a transcription result.
type Result struct {
	Text       string
	Confidence float64
	Language   string
}

// Errors shared by engines.
var (
	ErrEmptyAudio      = errors.New("no audio to transcribe")
	ErrUnsupportedTask = errors.New("task not supported by engine")
	ErrEngineClosed    = errors.New("engine is closed")
)

// Engine defines the interface for STT providers (Google, OpenAI Whisper, mock).
//
// Engines are assumed slow and non-reentrant; the dispatcher is the only
// caller and never invokes one engine concurrently unless it runs a pool.
type Engine interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Transcribe converts one utterance to text.
	Transcribe(ctx context.Context, audio Audio, opts Options) (Result, error)

	// Close releases provider resources.
	Close() error
}

// Language normalizes friendly language names to ISO-639-1 codes.
// Unknown values are returned unchanged.
func Language(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "english":
		return "en"
	case "spanish":
		return "es"
	case "french":
		return "fr"
	case "german":
		return "de"
	case "italian":
		return "it"
	case "portuguese":
		return "pt"
	}
	return strings.TrimSpace(s)
}
