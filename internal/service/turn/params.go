package turn

import (
	"errors"
	"fmt"
	"time"
)

// Params are the turn-taking thresholds. Speech and silence amounts are
// measured as speechFraction·Δ per window, where Δ is the window length.
type Params struct {
	// StartedTalkingThreshold is the voiced time a single window needs to
	// open a turn.
	StartedTalkingThreshold time.Duration
	// SpeechThreshold is the voiced time below which a window counts as
	// silence while talking.
	SpeechThreshold time.Duration
	// MinSpeechDuration is the voiced time a turn needs to be kept.
	MinSpeechDuration time.Duration
	// MaxSpeechDuration forces a split of turns that run this long.
	MaxSpeechDuration time.Duration
	// MinSilenceDuration of continuous silence ends a turn.
	MinSilenceDuration time.Duration
	// SpeechPad is added on both sides of an emitted utterance.
	SpeechPad time.Duration
}

// DefaultParams returns the stock thresholds.
func DefaultParams() Params {
	return Params{
		StartedTalkingThreshold: 200 * time.Millisecond,
		SpeechThreshold:         100 * time.Millisecond,
		MinSpeechDuration:       250 * time.Millisecond,
		MaxSpeechDuration:       30 * time.Second,
		MinSilenceDuration:      2000 * time.Millisecond,
		SpeechPad:               400 * time.Millisecond,
	}
}

// ErrInvalidParams is wrapped by Validate failures.
var ErrInvalidParams = errors.New("invalid turn detection parameters")

// Validate rejects negative or inconsistent thresholds.
func (p Params) Validate() error {
	switch {
	case p.StartedTalkingThreshold <= 0:
		return fmt.Errorf("%w: started talking threshold must be positive", ErrInvalidParams)
	case p.SpeechThreshold < 0:
		return fmt.Errorf("%w: speech threshold must not be negative", ErrInvalidParams)
	case p.MinSpeechDuration < 0:
		return fmt.Errorf("%w: min speech duration must not be negative", ErrInvalidParams)
	case p.MaxSpeechDuration <= 0:
		return fmt.Errorf("%w: max speech duration must be positive", ErrInvalidParams)
	case p.MinSpeechDuration > p.MaxSpeechDuration:
		return fmt.Errorf("%w: min speech duration %v exceeds max %v", ErrInvalidParams, p.MinSpeechDuration, p.MaxSpeechDuration)
	case p.MinSilenceDuration <= 0:
		return fmt.Errorf("%w: min silence duration must be positive", ErrInvalidParams)
	case p.SpeechPad < 0:
		return fmt.Errorf("%w: speech pad must not be negative", ErrInvalidParams)
	}
	return nil
}
