package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"turn-transcription-service/internal/observability/logging"
	"turn-transcription-service/internal/service/session"
)

// Deps are the collaborators the HTTP surface needs.
type Deps struct {
	Registry *session.Registry
	// Ready reports whether the service accepts traffic. Nil means always.
	Ready func() bool
	// CloseTimeout bounds a graceful close triggered over HTTP.
	CloseTimeout time.Duration
	// MaxFrameBytes caps a single frame body.
	MaxFrameBytes int64
}

type handlers struct {
	registry      *session.Registry
	ready         func() bool
	closeTimeout  time.Duration
	maxFrameBytes int64
	logger        zerolog.Logger
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(deps Deps) http.Handler {
	h := &handlers{
		registry:      deps.Registry,
		ready:         deps.Ready,
		closeTimeout:  deps.CloseTimeout,
		maxFrameBytes: deps.MaxFrameBytes,
		logger:        logging.WithComponent("http-api"),
	}
	if h.closeTimeout <= 0 {
		h.closeTimeout = 15 * time.Second
	}
	if h.maxFrameBytes <= 0 {
		h.maxFrameBytes = 4 << 20
	}

	r := chi.NewRouter()

	// Basic middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if h.ready != nil && !h.ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// Transcript stream keyed by the caller's connection id.
	r.Get("/transcript", h.transcriptStream)

	// API routes
	r.Route("/v1/sessions", func(r chi.Router) {
		r.Post("/", h.createSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Post("/", h.openSession)
			r.Delete("/", h.closeSession)
			r.Post("/frames", h.ingestFrame)
			r.Get("/transcript", h.getTranscript)
			r.Get("/events", h.eventStream)
			r.Get("/ws", h.wsStream)
		})
	})

	return r
}

// requestLogger logs one line per request once the handler returns.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("requestId", middleware.GetReqID(r.Context())).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		})
	}
}
