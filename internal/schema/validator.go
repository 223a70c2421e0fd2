// Package schema validates outbound events before they leave the service.
package schema

import (
	"errors"
	"fmt"

	"turn-transcription-service/internal/models"
)

// ErrInvalidEvent is wrapped by every validation failure.
var ErrInvalidEvent = errors.New("invalid event")

type Validator struct{}

func New() *Validator {
	return &Validator{}
}

// Validate checks the fields each event type requires.
func (v *Validator) Validate(ev models.Event) error {
	if ev.SessionID == "" {
		return fmt.Errorf("%w: missing sessionId", ErrInvalidEvent)
	}
	if ev.Timestamp <= 0 {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEvent)
	}

	switch ev.EventType {
	case models.EventTypeFragment:
		if ev.UtteranceID == "" {
			return fmt.Errorf("%w: fragment without utteranceId", ErrInvalidEvent)
		}
		if ev.Text == "" {
			return fmt.Errorf("%w: fragment without text", ErrInvalidEvent)
		}
		if ev.Confidence < 0 || ev.Confidence > 1 {
			return fmt.Errorf("%w: confidence %v out of range", ErrInvalidEvent, ev.Confidence)
		}
	case models.EventTypeError, models.EventTypeWarning:
		if ev.Code == "" {
			return fmt.Errorf("%w: %s without code", ErrInvalidEvent, ev.EventType)
		}
	case models.EventTypeSnapshot, models.EventTypeClosed:
	default:
		return fmt.Errorf("%w: unknown eventType %q", ErrInvalidEvent, ev.EventType)
	}
	return nil
}
