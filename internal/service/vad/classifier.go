// Package vad defines the voice activity classifier boundary and ships a
// pure-Go energy classifier as the default implementation.
package vad

import (
	"context"

	"turn-transcription-service/internal/service/audio"
)

// Classifier scores a window of audio. The returned speech fraction is
// in [0, 1]: the share of the window the classifier considers voiced.
//
// Implementations must be safe to call from many session goroutines at
// once. Model parameters are fixed at construction.
type Classifier interface {
	Classify(ctx context.Context, w audio.Window) (float64, error)
}

// Func adapts a plain function to the Classifier interface.
type Func func(ctx context.Context, w audio.Window) (float64, error)

// Classify calls f.
func (f Func) Classify(ctx context.Context, w audio.Window) (float64, error) {
	return f(ctx, w)
}
