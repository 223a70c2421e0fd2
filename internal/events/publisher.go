// Package events provides event publishing functionality.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"turn-transcription-service/internal/models"
	"turn-transcription-service/internal/observability/metrics"
	"turn-transcription-service/internal/schema"
)

// Publisher publishes transcript fragments and errors to separate Kafka
// topics. Other event types stay on the live subscriber channels.
type Publisher struct {
	writerFragment *kafka.Writer
	writerError    *kafka.Writer
	principal      string
	topicFragment  string
	topicError     string
	enabled        bool
	validator      *schema.Validator
	metrics        *metrics.Metrics
}

// Config holds Kafka publisher configuration.
type Config struct {
	Brokers       []string
	TopicFragment string
	TopicError    string
	Principal     string
	Enabled       bool
}

// New creates a new Kafka event publisher with separate topics for
// fragments and errors.
func New(cfg *Config) *Publisher {
	m := metrics.DefaultMetrics

	// Handle nil config case
	if cfg == nil {
		log.Info().Msg("Kafka disabled (nil config), using log-only mode")
		return &Publisher{
			enabled:   false,
			validator: schema.New(),
			metrics:   m,
		}
	}

	p := &Publisher{
		principal:     cfg.Principal,
		topicFragment: cfg.TopicFragment,
		topicError:    cfg.TopicError,
		validator:     schema.New(),
		metrics:       m,
	}

	if !cfg.Enabled || len(cfg.Brokers) == 0 {
		log.Info().Msg("Kafka disabled, using log-only mode")
		return p
	}

	// Longer dial timeout for DNS resolution in Kubernetes
	dialer := &kafka.Dialer{
		Timeout:   10 * time.Second,
		DualStack: true,
	}

	transport := &kafka.Transport{
		Dial: dialer.DialFunc,
	}

	p.writerFragment = p.newWriter(cfg.Brokers, cfg.TopicFragment, transport)
	p.writerError = p.newWriter(cfg.Brokers, cfg.TopicError, transport)
	p.enabled = true

	log.Info().
		Strs("brokers", cfg.Brokers).
		Str("topicFragment", cfg.TopicFragment).
		Str("topicError", cfg.TopicError).
		Str("principal", cfg.Principal).
		Msg("Kafka publisher initialized")

	return p
}

// newWriter builds an async writer. Delivery results arrive through
// Completion so a slow broker never stalls a transcription worker.
func (p *Publisher) newWriter(brokers []string, topic string, transport *kafka.Transport) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 10 * time.Second,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Transport:    transport,
		Completion: func(messages []kafka.Message, err error) {
			for _, msg := range messages {
				eventType := headerValue(msg, "eventType")
				sent := time.Now()
				if ts := headerValue(msg, "enqueuedAt"); ts != "" {
					if parsed, perr := time.Parse(time.RFC3339Nano, ts); perr == nil {
						sent = parsed
					}
				}
				p.metrics.RecordKafkaPublish(topic, eventType, err, time.Since(sent).Seconds())
				if err != nil {
					log.Error().
						Err(err).
						Str("topic", topic).
						Str("key", string(msg.Key)).
						Msg("Failed to write to Kafka")
				}
			}
		},
	}
}

// Publish routes ev to its topic. Fragment and error events are published;
// other types return nil without side effects.
func (p *Publisher) Publish(ctx context.Context, ev models.Event) error {
	switch ev.EventType {
	case models.EventTypeFragment:
		return p.PublishFragment(ctx, ev)
	case models.EventTypeError:
		return p.PublishError(ctx, ev)
	default:
		return nil
	}
}

// PublishFragment publishes a transcript fragment to the fragment topic.
func (p *Publisher) PublishFragment(ctx context.Context, ev models.Event) error {
	return p.publish(ctx, p.writerFragment, p.topicFragment, ev)
}

// PublishError publishes a transcription failure to the error topic.
func (p *Publisher) PublishError(ctx context.Context, ev models.Event) error {
	return p.publish(ctx, p.writerError, p.topicError, ev)
}

// publish is the internal method that writes to a specific Kafka writer.
// Events are keyed by session so a session's events stay on one partition.
func (p *Publisher) publish(ctx context.Context, writer *kafka.Writer, topic string, ev models.Event) error {
	start := time.Now()

	if err := p.validator.Validate(ev); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Refusing to publish invalid event")
		return err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Failed to marshal event")
		return fmt.Errorf("marshal %s: %w", ev.EventType, err)
	}

	log.Debug().
		Str("principal", p.principal).
		Str("topic", topic).
		Str("key", ev.SessionID).
		RawJSON("payload", payload).
		Msg("Publishing event")

	// If Kafka is disabled, just log
	if !p.enabled || writer == nil {
		p.metrics.RecordKafkaPublish(topic, ev.EventType, nil, time.Since(start).Seconds())
		return nil
	}

	msg := kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "eventType", Value: []byte(ev.EventType)},
			{Key: "principal", Value: []byte(p.principal)},
			{Key: "enqueuedAt", Value: []byte(start.Format(time.RFC3339Nano))},
		},
	}

	// Async writer: only enqueue errors surface here.
	if err := writer.WriteMessages(ctx, msg); err != nil {
		log.Error().
			Err(err).
			Str("topic", topic).
			Str("key", ev.SessionID).
			Msg("Failed to enqueue Kafka message")
		p.metrics.RecordKafkaPublish(topic, ev.EventType, err, time.Since(start).Seconds())
		return err
	}
	return nil
}

// Enabled reports whether events reach Kafka or are only logged.
func (p *Publisher) Enabled() bool {
	return p.enabled
}

// Close flushes and closes both Kafka writers.
func (p *Publisher) Close() error {
	var err error
	if p.writerFragment != nil {
		if e := p.writerFragment.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing fragment writer")
			err = e
		}
	}
	if p.writerError != nil {
		if e := p.writerError.Close(); e != nil {
			log.Error().Err(e).Msg("Error closing error writer")
			err = e
		}
	}
	return err
}

func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
