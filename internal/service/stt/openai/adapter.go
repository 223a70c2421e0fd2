// Package openai provides a Whisper speech-to-text engine backed by the
// OpenAI audio API or any compatible server.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	goopenai "github.com/sashabaranov/go-openai"

	"turn-transcription-service/internal/service/audio"
	"turn-transcription-service/internal/service/stt"
)

// Config holds Whisper engine configuration.
type Config struct {
	APIKey  string
	BaseURL string // empty uses the public OpenAI endpoint
	Model   string
}

// DefaultConfig returns the default Whisper configuration.
func DefaultConfig() Config {
	return Config{Model: goopenai.Whisper1}
}

// Adapter implements stt.Engine using the /audio/transcriptions and
// /audio/translations endpoints.
type Adapter struct {
	client *goopenai.Client
	model  string
}

// New creates a new Whisper engine.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, errors.New("openai: api key required when using the public endpoint")
	}
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	model := cfg.Model
	if model == "" {
		model = goopenai.Whisper1
	}
	return &Adapter{
		client: goopenai.NewClientWithConfig(clientCfg),
		model:  model,
	}, nil
}

// Name implements stt.Engine.
func (a *Adapter) Name() string { return "openai" }

// Transcribe uploads the utterance as a WAV file. TaskTranslate uses the
// translation endpoint, which always produces English.
func (a *Adapter) Transcribe(ctx context.Context, in stt.Audio, opts stt.Options) (stt.Result, error) {
	wav, err := audio.EncodeWAV(in.Samples, in.SampleRate)
	if err != nil {
		if errors.Is(err, audio.ErrEmptyFrame) {
			return stt.Result{}, stt.ErrEmptyAudio
		}
		return stt.Result{}, err
	}

	req := goopenai.AudioRequest{
		Model:    a.model,
		FilePath: "utterance.wav",
		Reader:   bytes.NewReader(wav),
		Format:   goopenai.AudioResponseFormatJSON,
	}

	var resp goopenai.AudioResponse
	switch opts.Task {
	case stt.TaskTranslate:
		resp, err = a.client.CreateTranslation(ctx, req)
	case stt.TaskTranscribe, "":
		req.Language = stt.Language(opts.Language)
		resp, err = a.client.CreateTranscription(ctx, req)
	default:
		return stt.Result{}, fmt.Errorf("openai: %w: %s", stt.ErrUnsupportedTask, opts.Task)
	}
	if err != nil {
		return stt.Result{}, fmt.Errorf("openai %s: %w", opts.Task, err)
	}

	lang := resp.Language
	if lang == "" {
		lang = req.Language
	}
	return stt.Result{Text: strings.TrimSpace(resp.Text), Language: lang}, nil
}

// Close implements stt.Engine. The HTTP client needs no teardown.
func (a *Adapter) Close() error { return nil }
