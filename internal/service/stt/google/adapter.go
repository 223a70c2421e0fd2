// Package google provides a Google Cloud Speech-to-Text engine.
package google

import (
	"context"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	speechpb "cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/googleapis/gax-go/v2"

	"turn-transcription-service/internal/service/audio"
	"turn-transcription-service/internal/service/stt"
)

// Config holds Google STT configuration.
type Config struct {
	LanguageCode      string
	AudioEncoding     string
	Model             string
	EnablePunctuation bool
}

// DefaultConfig returns the default recognizer configuration.
func DefaultConfig() Config {
	return Config{
		LanguageCode:      "en-US",
		AudioEncoding:     "LINEAR16",
		EnablePunctuation: true,
	}
}

// recognizer is the subset of speech.Client used here.
type recognizer interface {
	Recognize(ctx context.Context, req *speechpb.RecognizeRequest, opts ...gax.CallOption) (*speechpb.RecognizeResponse, error)
	Close() error
}

// Adapter implements stt.Engine using synchronous Recognize calls, one per
// utterance.
type Adapter struct {
	client recognizer
	cfg    Config
}

// New creates a new Google STT engine.
// Requires GOOGLE_APPLICATION_CREDENTIALS environment variable to be set.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	c, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	return &Adapter{client: c, cfg: cfg}, nil
}

// Name implements stt.Engine.
func (a *Adapter) Name() string { return "google" }

// Transcribe sends the utterance as LINEAR16 content and joins the top
// alternative of every result.
func (a *Adapter) Transcribe(ctx context.Context, in stt.Audio, opts stt.Options) (stt.Result, error) {
	if len(in.Samples) == 0 {
		return stt.Result{}, stt.ErrEmptyAudio
	}
	if opts.Task == stt.TaskTranslate {
		return stt.Result{}, fmt.Errorf("google: %w: %s", stt.ErrUnsupportedTask, opts.Task)
	}

	req := a.request(in, opts)
	resp, err := a.client.Recognize(ctx, req)
	if err != nil {
		return stt.Result{}, fmt.Errorf("google recognize: %w", err)
	}

	var (
		parts      []string
		confidence float64
	)
	for _, r := range resp.GetResults() {
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		alt := r.GetAlternatives()[0]
		if text := strings.TrimSpace(alt.GetTranscript()); text != "" {
			parts = append(parts, text)
			confidence += float64(alt.GetConfidence())
		}
	}
	res := stt.Result{
		Text:     strings.Join(parts, " "),
		Language: req.GetConfig().GetLanguageCode(),
	}
	if len(parts) > 0 {
		res.Confidence = confidence / float64(len(parts))
	}
	return res, nil
}

func (a *Adapter) request(in stt.Audio, opts stt.Options) *speechpb.RecognizeRequest {
	lang := a.cfg.LanguageCode
	if opts.Language != "" {
		lang = opts.Language
	}
	return &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   parseAudioEncoding(a.cfg.AudioEncoding),
			SampleRateHertz:            int32(in.SampleRate),
			LanguageCode:               lang,
			Model:                      a.cfg.Model,
			EnableAutomaticPunctuation: a.cfg.EnablePunctuation,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{
				Content: audio.EncodePCM16LE(in.Samples),
			},
		},
	}
}

// Close closes the underlying client.
func (a *Adapter) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

// parseAudioEncoding maps config strings to Google encodings. Unknown
// values fall back to LINEAR16.
func parseAudioEncoding(s string) speechpb.RecognitionConfig_AudioEncoding {
	switch s {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}
