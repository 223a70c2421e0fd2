package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"turn-transcription-service/internal/observability/logging"
	"turn-transcription-service/internal/observability/metrics"
	"turn-transcription-service/internal/service/broadcast"
	"turn-transcription-service/internal/service/segment"
	"turn-transcription-service/internal/service/vad"
)

// Deps are the shared collaborators injected into every session.
type Deps struct {
	Classifier  vad.Classifier
	Dispatcher  Dispatcher
	Broadcaster *broadcast.Broadcaster
	// Sink is optional.
	Sink    Sink
	IDs     *segment.Generator
	Metrics *metrics.Metrics
}

// RegistryConfig bounds the session table.
type RegistryConfig struct {
	MaxSessions int
	// IdleTimeout closes sessions that received no frame for this long.
	// Zero disables the sweeper.
	IdleTimeout time.Duration
	Session     Config
}

// Registry creates sessions on demand and tracks them until they close.
// A closed session's id may be reused; it starts a fresh session.
type Registry struct {
	cfg    RegistryConfig
	deps   Deps
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	stopped  bool
}

// NewRegistry creates a registry. Missing optional deps get defaults.
func NewRegistry(cfg RegistryConfig, deps Deps) (*Registry, error) {
	if deps.Classifier == nil || deps.Dispatcher == nil {
		return nil, fmt.Errorf("session registry requires a classifier and a dispatcher")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.DefaultMetrics
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = broadcast.New(broadcast.DefaultBuffer, deps.Metrics)
	}
	if deps.IDs == nil {
		deps.IDs = segment.New()
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 100
	}

	def := DefaultConfig()
	if cfg.Session.ChunkDuration <= 0 {
		cfg.Session.ChunkDuration = def.ChunkDuration
	}
	if cfg.Session.BufferCap <= 0 {
		cfg.Session.BufferCap = def.BufferCap
	}
	if cfg.Session.FrameBacklog <= 0 {
		cfg.Session.FrameBacklog = def.FrameBacklog
	}
	if cfg.Session.DrainTimeout <= 0 {
		cfg.Session.DrainTimeout = def.DrainTimeout
	}
	if err := cfg.Session.Turn.Validate(); err != nil {
		return nil, err
	}

	return &Registry{
		cfg:      cfg,
		deps:     deps,
		logger:   logging.WithComponent("session-registry"),
		sessions: make(map[string]*Session),
	}, nil
}

// Broadcaster returns the shared broadcaster.
func (r *Registry) Broadcaster() *broadcast.Broadcaster {
	return r.deps.Broadcaster
}

// Open returns the live session for id, creating it if needed.
func (r *Registry) Open(id string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrSessionNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return nil, ErrSessionClosed
	}
	if s, ok := r.sessions[id]; ok {
		if !s.lifecycle.IsActive() {
			return nil, fmt.Errorf("%w: %s is %s", ErrSessionClosed, id, s.State())
		}
		return s, nil
	}
	if len(r.sessions) >= r.cfg.MaxSessions {
		return nil, fmt.Errorf("%w (%d)", ErrTooManySessions, r.cfg.MaxSessions)
	}

	s := newSession(id, r.cfg.Session, r.deps, r.remove)
	r.sessions[id] = s
	r.logger.Info().Str("sessionId", id).Int("sessions", len(r.sessions)).Msg("Session opened")
	return s, nil
}

// Get returns a tracked session, including one that is still closing.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Ingest routes a frame to the session, creating it on first use.
func (r *Registry) Ingest(ctx context.Context, id string, sampleRate int, samples []int16) error {
	s, err := r.Open(id)
	if err != nil {
		return err
	}
	return s.Ingest(ctx, sampleRate, samples)
}

// IngestPCM routes raw PCM16LE bytes to the session.
func (r *Registry) IngestPCM(ctx context.Context, id string, sampleRate int, pcm []byte) error {
	s, err := r.Open(id)
	if err != nil {
		return err
	}
	return s.IngestPCM(ctx, sampleRate, pcm)
}

// Subscribe attaches a subscriber to a tracked session.
func (r *Registry) Subscribe(id string) (*broadcast.Subscription, error) {
	s, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return s.Subscribe()
}

// Close gracefully closes the session and returns its final transcript.
func (r *Registry) Close(ctx context.Context, id string) (string, error) {
	s, err := r.Get(id)
	if err != nil {
		return "", err
	}
	return s.Close(ctx)
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Run closes idle sessions until ctx ends.
func (r *Registry) Run(ctx context.Context) error {
	if r.cfg.IdleTimeout <= 0 {
		<-ctx.Done()
		return nil
	}

	interval := r.cfg.IdleTimeout / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Registry) sweep(ctx context.Context) {
	var idle []*Session
	r.mu.Lock()
	for _, s := range r.sessions {
		if s.lifecycle.IsActive() && s.IdleFor() >= r.cfg.IdleTimeout {
			idle = append(idle, s)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		r.logger.Info().Str("sessionId", s.ID()).Dur("idle", s.IdleFor()).Msg("Closing idle session")
		go func(s *Session) {
			if _, err := s.Close(ctx); err != nil {
				r.logger.Debug().Err(err).Str("sessionId", s.ID()).Msg("Idle close interrupted")
			}
		}(s)
	}
}

// Stop refuses new sessions and closes every tracked session, waiting up
// to ctx for their drains.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	r.logger.Info().Int("sessions", len(all)).Msg("Closing all sessions")

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range all {
		s := s
		g.Go(func() error {
			_, err := s.Close(gctx)
			return err
		})
	}
	return g.Wait()
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
}
