// Package config loads service configuration from the environment and an
// optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the complete service configuration.
type Config struct {
	Service       ServiceConfig
	Observability ObservabilityConfig
	Turn          TurnConfig
	STT           STTConfig
	Dispatch      DispatchConfig
	Session       SessionConfig
	Kafka         KafkaConfig
}

type ServiceConfig struct {
	Principal   string
	Env         string
	GRPCPort    string
	HTTPPort    string
	MetricsPort string
}

type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string
}

// TurnConfig holds turn detection and audio windowing parameters.
type TurnConfig struct {
	ChunkDuration           time.Duration
	StartedTalkingThreshold time.Duration
	SpeechThreshold         time.Duration
	VADThreshold            float64
	WindowSizeSamples       int
	MinSpeechDuration       time.Duration
	MaxSpeechDuration       time.Duration
	MinSilenceDuration      time.Duration
	SpeechPad               time.Duration
	BufferCap               time.Duration
}

type STTConfig struct {
	Provider      string // mock, google, openai
	Task          string // transcribe, translate
	Language      string
	Model         string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

type DispatchConfig struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration
}

type SessionConfig struct {
	MaxSessions      int
	IdleTimeout      time.Duration
	DrainTimeout     time.Duration
	FrameBacklog     int
	SubscriberBuffer int
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	TopicFragment string
	TopicError    string
	Principal     string
}

var defaults = map[string]any{
	"service_principal": "svc-turn-transcription",
	"env":               "prod",
	"grpc_port":         "50051",
	"http_port":         "8080",
	"metrics_port":      "9090",
	"log_level":         "info",
	"log_format":        "json",

	"audio_chunk_duration_s":    0.6,
	"started_talking_threshold": 0.2,
	"speech_threshold":          0.1,
	"vad_threshold":             0.5,
	"window_size_samples":       1024,
	"min_speech_duration_ms":    250,
	"max_speech_duration_s":     30.0,
	"min_silence_duration_ms":   2000,
	"speech_pad_ms":             400,
	"buffer_cap_s":              120.0,

	"stt_provider":    "mock",
	"stt_task":        "transcribe",
	"stt_language":    "en",
	"stt_model":       "whisper-1",
	"openai_api_key":  "",
	"openai_base_url": "",

	"dispatch_workers":     1,
	"dispatch_queue_size":  64,
	"dispatch_job_timeout": "30s",

	"session_max":           100,
	"session_idle_timeout":  "60s",
	"session_drain_timeout": "10s",
	"session_frame_backlog": 256,
	"subscriber_buffer":     64,

	"kafka_enabled":        false,
	"kafka_brokers":        "",
	"kafka_topic_fragment": "transcript.fragment",
	"kafka_topic_error":    "transcript.error",
	"kafka_principal":      "",
}

// Load reads configuration from the environment, layered over the YAML
// file named by CONFIG_FILE when set.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_FILE"))
}

// LoadFile reads configuration from path (may be empty) and the
// environment. Environment variables win over the file. Values that fail
// to parse fall back to their defaults.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	for key, def := range defaults {
		v.SetDefault(key, def)
	}
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	principal := getString(v, "service_principal")
	cfg := &Config{
		Service: ServiceConfig{
			Principal:   principal,
			Env:         getString(v, "env"),
			GRPCPort:    getString(v, "grpc_port"),
			HTTPPort:    getString(v, "http_port"),
			MetricsPort: getString(v, "metrics_port"),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getString(v, "log_level"),
			LogFormat: getString(v, "log_format"),
		},
		Turn: TurnConfig{
			ChunkDuration:           getSeconds(v, "audio_chunk_duration_s"),
			StartedTalkingThreshold: getSeconds(v, "started_talking_threshold"),
			SpeechThreshold:         getSeconds(v, "speech_threshold"),
			VADThreshold:            getFloat(v, "vad_threshold"),
			WindowSizeSamples:       getInt(v, "window_size_samples"),
			MinSpeechDuration:       getMillis(v, "min_speech_duration_ms"),
			MaxSpeechDuration:       getSeconds(v, "max_speech_duration_s"),
			MinSilenceDuration:      getMillis(v, "min_silence_duration_ms"),
			SpeechPad:               getMillis(v, "speech_pad_ms"),
			BufferCap:               getSeconds(v, "buffer_cap_s"),
		},
		STT: STTConfig{
			Provider:      strings.ToLower(getString(v, "stt_provider")),
			Task:          strings.ToLower(getString(v, "stt_task")),
			Language:      getString(v, "stt_language"),
			Model:         getString(v, "stt_model"),
			OpenAIAPIKey:  v.GetString("openai_api_key"),
			OpenAIBaseURL: v.GetString("openai_base_url"),
		},
		Dispatch: DispatchConfig{
			Workers:    getInt(v, "dispatch_workers"),
			QueueSize:  getInt(v, "dispatch_queue_size"),
			JobTimeout: getDuration(v, "dispatch_job_timeout"),
		},
		Session: SessionConfig{
			MaxSessions:      getInt(v, "session_max"),
			IdleTimeout:      getDuration(v, "session_idle_timeout"),
			DrainTimeout:     getDuration(v, "session_drain_timeout"),
			FrameBacklog:     getInt(v, "session_frame_backlog"),
			SubscriberBuffer: getInt(v, "subscriber_buffer"),
		},
		Kafka: KafkaConfig{
			Enabled:       getBool(v, "kafka_enabled"),
			Brokers:       getList(v, "kafka_brokers"),
			TopicFragment: getString(v, "kafka_topic_fragment"),
			TopicError:    getString(v, "kafka_topic_error"),
			Principal:     v.GetString("kafka_principal"),
		},
	}
	if cfg.Kafka.Principal == "" {
		cfg.Kafka.Principal = principal
	}

	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	t := c.Turn
	check(t.ChunkDuration > 0, "audio chunk duration must be positive, got %v", t.ChunkDuration)
	check(t.StartedTalkingThreshold > 0, "started talking threshold must be positive, got %v", t.StartedTalkingThreshold)
	check(t.SpeechThreshold >= 0, "speech threshold must not be negative")
	check(t.VADThreshold >= 0 && t.VADThreshold <= 1, "vad threshold must be within [0,1], got %v", t.VADThreshold)
	check(t.WindowSizeSamples > 0, "window size samples must be positive, got %d", t.WindowSizeSamples)
	check(t.MinSpeechDuration >= 0, "min speech duration must not be negative")
	check(t.MaxSpeechDuration > 0, "max speech duration must be positive")
	check(t.MinSpeechDuration <= t.MaxSpeechDuration,
		"min speech duration %v exceeds max %v", t.MinSpeechDuration, t.MaxSpeechDuration)
	check(t.MinSilenceDuration > 0, "min silence duration must be positive")
	check(t.SpeechPad >= 0, "speech pad must not be negative")
	check(t.BufferCap >= t.MaxSpeechDuration+2*t.SpeechPad,
		"buffer cap %v must hold a max-length utterance with padding", t.BufferCap)

	switch c.STT.Provider {
	case "mock", "google", "openai":
	default:
		check(false, "unknown STT provider %q", c.STT.Provider)
	}
	check(c.STT.Task == "transcribe" || c.STT.Task == "translate", "unknown STT task %q", c.STT.Task)
	check(c.STT.Provider != "openai" || c.STT.OpenAIAPIKey != "" || c.STT.OpenAIBaseURL != "",
		"openai provider requires OPENAI_API_KEY or OPENAI_BASE_URL")

	check(c.Dispatch.Workers >= 1, "dispatch workers must be at least 1, got %d", c.Dispatch.Workers)
	check(c.Dispatch.QueueSize >= 1, "dispatch queue size must be at least 1, got %d", c.Dispatch.QueueSize)
	check(c.Dispatch.JobTimeout > 0, "dispatch job timeout must be positive")

	check(c.Session.MaxSessions >= 1, "session max must be at least 1, got %d", c.Session.MaxSessions)
	check(c.Session.DrainTimeout > 0, "session drain timeout must be positive")
	check(c.Session.FrameBacklog >= 1, "session frame backlog must be at least 1")
	check(c.Session.SubscriberBuffer >= 1, "subscriber buffer must be at least 1")

	check(!c.Kafka.Enabled || len(c.Kafka.Brokers) > 0, "kafka enabled without KAFKA_BROKERS")

	return errors.Join(errs...)
}

func getString(v *viper.Viper, key string) string {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		return s
	}
	return cast.ToString(defaults[key])
}

func getInt(v *viper.Viper, key string) int {
	n, err := cast.ToIntE(v.Get(key))
	if err != nil {
		return cast.ToInt(defaults[key])
	}
	return n
}

func getFloat(v *viper.Viper, key string) float64 {
	f, err := cast.ToFloat64E(v.Get(key))
	if err != nil {
		return cast.ToFloat64(defaults[key])
	}
	return f
}

func getBool(v *viper.Viper, key string) bool {
	b, err := cast.ToBoolE(v.Get(key))
	if err != nil {
		return cast.ToBool(defaults[key])
	}
	return b
}

// getDuration accepts Go duration strings ("30s") or plain seconds.
func getDuration(v *viper.Viper, key string) time.Duration {
	switch raw := v.Get(key).(type) {
	case time.Duration:
		return raw
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(raw)); err == nil {
			return d
		}
	}
	if f, err := cast.ToFloat64E(v.Get(key)); err == nil {
		return secondsToDuration(f)
	}
	return cast.ToDuration(defaults[key])
}

func getSeconds(v *viper.Viper, key string) time.Duration {
	return secondsToDuration(getFloat(v, key))
}

func getMillis(v *viper.Viper, key string) time.Duration {
	return time.Duration(getFloat(v, key) * float64(time.Millisecond))
}

func getList(v *viper.Viper, key string) []string {
	var items []string
	switch raw := v.Get(key).(type) {
	case string:
		items = strings.Split(raw, ",")
	default:
		items = cast.ToStringSlice(raw)
	}
	out := items[:0]
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
