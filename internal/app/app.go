package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	grpcapi "turn-transcription-service/internal/api/grpc"
	"turn-transcription-service/internal/config"
	"turn-transcription-service/internal/events"
	httpapi "turn-transcription-service/internal/http"
	"turn-transcription-service/internal/observability"
	"turn-transcription-service/internal/observability/logging"
	"turn-transcription-service/internal/observability/metrics"
	"turn-transcription-service/internal/service/broadcast"
	"turn-transcription-service/internal/service/dispatch"
	"turn-transcription-service/internal/service/session"
	"turn-transcription-service/internal/service/stt"
	"turn-transcription-service/internal/service/turn"
	"turn-transcription-service/internal/service/vad"
)

const serviceName = "turn-transcription-service"

// Application holds process-wide state for the service.
type Application struct {
	StartupTime time.Time
	Logger      zerolog.Logger
	Cfg         *config.Config

	engine     stt.Engine
	dispatcher *dispatch.Dispatcher
	registry   *session.Registry
	publisher  *events.Publisher

	grpcServer *grpc.Server
	health     *health.Server
	grpcLis    net.Listener
	httpServer *http.Server
	httpLis    net.Listener
	obsServer  *observability.Server

	ready        atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New constructs a new Application from the provided configuration.
func New(cfg *config.Config) *Application {
	a := &Application{
		Cfg: cfg,
	}
	a.setupLogger()

	appLogger := a.Logger.With().
		Str("method", "New").
		Logger()

	appLogger.Info().Msg("Turn transcription service application created")
	return a
}

// setupLogger configures zerolog for the service.
func (a *Application) setupLogger() {
	format := a.Cfg.Observability.LogFormat
	if a.Cfg.Service.Env == "dev" {
		format = "console"
	}
	base := logging.Init(logging.Config{
		Level:      a.Cfg.Observability.LogLevel,
		Format:     format,
		TimeFormat: time.RFC3339,
		Service:    serviceName,
		Caller:     a.Cfg.Service.Env != "prod",
	})

	a.Logger = base.With().
		Str("component", "application").
		Logger()

	a.Logger.Info().
		Str("logLevel", zerolog.GlobalLevel().String()).
		Str("environment", a.Cfg.Service.Env).
		Msg("Logger setup completed")
}

// Ready reports whether the service accepts traffic.
func (a *Application) Ready() bool { return a.ready.Load() }

// GRPCAddr returns the bound gRPC address once started.
func (a *Application) GRPCAddr() string {
	if a.grpcLis == nil {
		return ""
	}
	return a.grpcLis.Addr().String()
}

// HTTPAddr returns the bound HTTP API address once started.
func (a *Application) HTTPAddr() string {
	if a.httpLis == nil {
		return ""
	}
	return a.httpLis.Addr().String()
}

// Start builds every component and binds the listeners. Any failure here
// is fatal: the engine must construct and warm up before traffic is taken.
func (a *Application) Start(ctx context.Context) error {
	startLogger := a.Logger.With().
		Str("method", "Start").
		Logger()

	a.StartupTime = time.Now().UTC()
	startLogger.Info().
		Time("startupTime", a.StartupTime).
		Str("sttProvider", a.Cfg.STT.Provider).
		Msg("Turn transcription service starting")

	task, err := stt.ParseTask(a.Cfg.STT.Task)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	opts := stt.Options{Task: task, Language: stt.Language(a.Cfg.STT.Language)}

	engine, err := NewEngine(ctx, a.Cfg.STT)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	a.engine = engine
	if err := Warmup(ctx, engine, opts); err != nil {
		return err
	}
	startLogger.Info().Str("engine", engine.Name()).Msg("Engine warmed up")

	classifier, err := vad.NewEnergyClassifier(vad.EnergyParams{
		Threshold:    a.Cfg.Turn.VADThreshold,
		FrameSamples: a.Cfg.Turn.WindowSizeSamples,
	})
	if err != nil {
		return fmt.Errorf("create classifier: %w", err)
	}

	m := metrics.DefaultMetrics
	a.dispatcher = dispatch.New(engine, dispatch.Config{
		Workers:    a.Cfg.Dispatch.Workers,
		QueueSize:  a.Cfg.Dispatch.QueueSize,
		JobTimeout: a.Cfg.Dispatch.JobTimeout,
	}, m)

	a.publisher = events.New(&events.Config{
		Enabled:       a.Cfg.Kafka.Enabled,
		Brokers:       a.Cfg.Kafka.Brokers,
		TopicFragment: a.Cfg.Kafka.TopicFragment,
		TopicError:    a.Cfg.Kafka.TopicError,
		Principal:     a.Cfg.Kafka.Principal,
	})

	a.registry, err = session.NewRegistry(session.RegistryConfig{
		MaxSessions: a.Cfg.Session.MaxSessions,
		IdleTimeout: a.Cfg.Session.IdleTimeout,
		Session: session.Config{
			Turn: turn.Params{
				StartedTalkingThreshold: a.Cfg.Turn.StartedTalkingThreshold,
				SpeechThreshold:         a.Cfg.Turn.SpeechThreshold,
				MinSpeechDuration:       a.Cfg.Turn.MinSpeechDuration,
				MaxSpeechDuration:       a.Cfg.Turn.MaxSpeechDuration,
				MinSilenceDuration:      a.Cfg.Turn.MinSilenceDuration,
				SpeechPad:               a.Cfg.Turn.SpeechPad,
			},
			ChunkDuration: a.Cfg.Turn.ChunkDuration,
			BufferCap:     a.Cfg.Turn.BufferCap,
			FrameBacklog:  a.Cfg.Session.FrameBacklog,
			DrainTimeout:  a.Cfg.Session.DrainTimeout,
			Options:       opts,
		},
	}, session.Deps{
		Classifier:  classifier,
		Dispatcher:  a.dispatcher,
		Broadcaster: broadcast.New(a.Cfg.Session.SubscriberBuffer, m),
		Sink:        a.publisher,
		Metrics:     m,
	})
	if err != nil {
		return fmt.Errorf("create session registry: %w", err)
	}

	closeTimeout := a.Cfg.Session.DrainTimeout + 5*time.Second

	a.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(
			observability.StreamRecoveryInterceptor(),
			observability.StreamServerInterceptor(m),
		),
	)

	// Register gRPC health check service
	a.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.health)

	// Register application services
	grpcapi.Register(a.grpcServer, a.registry, closeTimeout)

	// Enable gRPC reflection for debugging tools like grpcurl
	reflection.Register(a.grpcServer)

	a.httpServer = &http.Server{
		Handler: httpapi.NewRouter(httpapi.Deps{
			Registry:     a.registry,
			Ready:        a.Ready,
			CloseTimeout: closeTimeout,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	a.obsServer = observability.NewServer(":"+a.Cfg.Service.MetricsPort, a.Ready)

	if a.grpcLis, err = net.Listen("tcp", ":"+a.Cfg.Service.GRPCPort); err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	if a.httpLis, err = net.Listen("tcp", ":"+a.Cfg.Service.HTTPPort); err != nil {
		return fmt.Errorf("listen http: %w", err)
	}

	a.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	a.health.SetServingStatus(grpcapi.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	a.ready.Store(true)
	return nil
}

// Run serves until ctx is cancelled or a server fails, then shuts down.
func (a *Application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.Info().Str("addr", a.GRPCAddr()).Msg("gRPC server listening")
		return a.grpcServer.Serve(a.grpcLis)
	})
	g.Go(func() error {
		a.Logger.Info().Str("addr", a.HTTPAddr()).Msg("HTTP API listening")
		if err := a.httpServer.Serve(a.httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.obsServer.Run(gctx)
	})
	g.Go(func() error {
		return a.registry.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Cfg.Session.DrainTimeout+10*time.Second)
		defer cancel()
		return a.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown stops taking traffic, closes every session, lets the servers
// drain and releases the engine. Later calls are no-ops.
func (a *Application) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.shutdownErr = a.shutdown(ctx)
	})
	return a.shutdownErr
}

func (a *Application) shutdown(ctx context.Context) error {
	shutdownLogger := a.Logger.With().
		Str("method", "Shutdown").
		Logger()

	shutdownLogger.Info().Msg("Turn transcription service shutting down")
	a.ready.Store(false)

	var errs []error
	if a.health != nil {
		a.health.Shutdown()
	}
	if a.registry != nil {
		if err := a.registry.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close sessions: %w", err))
		}
	}
	if a.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			a.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			a.grpcServer.Stop()
		}
	}
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if a.dispatcher != nil {
		if err := a.dispatcher.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop dispatcher: %w", err))
		}
	}
	if a.engine != nil {
		if err := a.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close engine: %w", err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		shutdownLogger.Error().Err(err).Msg("Shutdown finished with errors")
	} else {
		shutdownLogger.Info().Msg("Shutdown complete")
	}
	return err
}
