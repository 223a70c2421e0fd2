package app

import (
	"context"
	"fmt"
	"time"

	"turn-transcription-service/internal/config"
	"turn-transcription-service/internal/service/stt"
	"turn-transcription-service/internal/service/stt/google"
	"turn-transcription-service/internal/service/stt/mock"
	"turn-transcription-service/internal/service/stt/openai"
)

// warmupRate is the sample rate of the warm-up clip.
const warmupRate = 16000

// NewEngine builds the configured transcription engine.
func NewEngine(ctx context.Context, cfg config.STTConfig) (stt.Engine, error) {
	switch cfg.Provider {
	case "", "mock":
		return mock.New(), nil
	case "google":
		gcfg := google.DefaultConfig()
		if cfg.Language != "" {
			gcfg.LanguageCode = stt.Language(cfg.Language)
		}
		if cfg.Model != "" && cfg.Model != "whisper-1" {
			gcfg.Model = cfg.Model
		}
		return google.New(ctx, gcfg)
	case "openai":
		return openai.New(openai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.Model,
		})
	default:
		return nil, fmt.Errorf("unknown STT provider %q", cfg.Provider)
	}
}

// Warmup runs one second of silence through the engine so the first real
// utterance does not pay the provider's cold start.
func Warmup(ctx context.Context, engine stt.Engine, opts stt.Options) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	silence := stt.Audio{Samples: make([]int16, warmupRate), SampleRate: warmupRate}
	if _, err := engine.Transcribe(ctx, silence, opts); err != nil {
		return fmt.Errorf("warm up %s engine: %w", engine.Name(), err)
	}
	return nil
}
