package vad

import (
	"context"
	"fmt"
	"math"

	"turn-transcription-service/internal/service/audio"
)

const (
	// Levels at or below floorDBFS score 0, at or above ceilDBFS score 1.
	floorDBFS = -60.0
	ceilDBFS  = -20.0
)

// EnergyParams configures the energy classifier.
type EnergyParams struct {
	// Threshold is the per-frame speech score (0..1) at or above which a
	// frame counts as voiced.
	Threshold float64
	// FrameSamples is the analysis frame length in samples.
	FrameSamples int
}

// DefaultEnergyParams returns the defaults used for 16 kHz input.
func DefaultEnergyParams() EnergyParams {
	return EnergyParams{
		Threshold:    0.5,
		FrameSamples: 1024,
	}
}

// EnergyClassifier scores windows by RMS level. The window is cut into
// FrameSamples-long frames; each frame's RMS is mapped linearly from
// dBFS onto [0, 1] and compared to Threshold. The speech fraction is the
// share of samples lying in voiced frames.
//
// Stateless, so safe for concurrent use.
type EnergyClassifier struct {
	params EnergyParams
}

// NewEnergyClassifier validates params and returns a classifier.
func NewEnergyClassifier(params EnergyParams) (*EnergyClassifier, error) {
	if params.Threshold < 0 || params.Threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", params.Threshold)
	}
	if params.FrameSamples <= 0 {
		return nil, fmt.Errorf("frame size must be positive, got %d", params.FrameSamples)
	}
	return &EnergyClassifier{params: params}, nil
}

// Classify implements Classifier.
func (c *EnergyClassifier) Classify(ctx context.Context, w audio.Window) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(w.Samples) == 0 {
		return 0, audio.ErrEmptyFrame
	}

	voiced := 0
	for off := 0; off < len(w.Samples); off += c.params.FrameSamples {
		end := off + c.params.FrameSamples
		if end > len(w.Samples) {
			end = len(w.Samples)
		}
		frame := w.Samples[off:end]
		if Score(frame) >= c.params.Threshold {
			voiced += len(frame)
		}
	}
	return float64(voiced) / float64(len(w.Samples)), nil
}

// Score maps a frame's RMS level onto [0, 1].
func Score(frame []int16) float64 {
	level := RMS(frame)
	if level <= 0 {
		return 0
	}
	db := 20 * math.Log10(level)
	switch {
	case db <= floorDBFS:
		return 0
	case db >= ceilDBFS:
		return 1
	default:
		return (db - floorDBFS) / (ceilDBFS - floorDBFS)
	}
}

// RMS returns the root mean square of the frame normalized to full scale.
func RMS(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}
