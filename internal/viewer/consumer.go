package viewer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"turn-transcription-service/internal/models"
)

// ConsumerConfig selects the topic to follow.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	// Since replays messages newer than now minus Since. Zero starts at
	// the latest offset.
	Since time.Duration
}

// Consume reads one topic and broadcasts every decoded event until ctx
// ends. Read errors are logged and retried.
func Consume(ctx context.Context, hub *Hub, cfg ConsumerConfig) {
	// Use partition reader without consumer group (works better through port-forward)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   cfg.Brokers,
		Topic:     cfg.Topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if cfg.Since > 0 {
		if err := reader.SetOffsetAt(ctx, time.Now().Add(-cfg.Since)); err != nil {
			hub.logger.Warn().Err(err).Str("topic", cfg.Topic).Msg("Could not seek, reading from the start")
		}
	} else {
		_ = reader.SetOffset(kafka.LastOffset)
	}

	hub.logger.Info().Str("topic", cfg.Topic).Dur("since", cfg.Since).Msg("Consuming from Kafka topic")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			hub.logger.Warn().Err(err).Str("topic", cfg.Topic).Msg("Kafka read error")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		ev, err := decodeEvent(msg)
		if err != nil {
			hub.logger.Warn().Err(err).Str("topic", cfg.Topic).Msg("Skipping undecodable message")
			continue
		}
		hub.logger.Debug().
			Str("eventType", ev.EventType).
			Str("sessionId", ev.SessionID).
			Str("text", truncate(ev.Text, 40)).
			Msg("Received event")
		hub.Broadcast(ev)
	}
}

// decodeEvent parses a published event. The message key and eventType
// header fill fields an older producer may have left out.
func decodeEvent(msg kafka.Message) (models.Event, error) {
	var ev models.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return models.Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.SessionID == "" {
		ev.SessionID = string(msg.Key)
	}
	if ev.EventType == "" {
		for _, h := range msg.Headers {
			if h.Key == "eventType" {
				ev.EventType = string(h.Value)
			}
		}
	}
	if ev.EventType == "" || ev.SessionID == "" {
		return models.Event{}, fmt.Errorf("event without type or session")
	}
	return ev, nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
