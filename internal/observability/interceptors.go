// Package observability provides gRPC interceptors, the metrics server and
// health probes.
package observability

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"turn-transcription-service/internal/observability/metrics"
)

// UnaryServerInterceptor logs unary calls (health checks, reflection) at
// debug level and recovers handler panics.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				err = recovered(info.FullMethod, r)
			}
			callEvent(ctx, log.Debug(), info.FullMethod, err, time.Since(start)).Msg("gRPC unary call")
		}()
		return handler(ctx, req)
	}
}

// StreamServerInterceptor records stream metrics and logs each finished
// stream. Client cancellations are logged at info, server faults at warn.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		m.RecordStreamStart()

		err := handler(srv, ss)

		elapsed := time.Since(start)
		m.RecordStreamEnd(err == nil, elapsed.Seconds())

		ev := log.Info()
		switch status.Code(err) {
		case codes.OK, codes.Canceled, codes.NotFound, codes.InvalidArgument:
		default:
			ev = log.Warn()
		}
		var ctx context.Context
		if ss != nil {
			ctx = ss.Context()
		}
		callEvent(ctx, ev, info.FullMethod, err, elapsed).Msg("gRPC stream completed")
		return err
	}
}

// StreamRecoveryInterceptor turns a handler panic into codes.Internal so
// one broken stream cannot take the process down.
func StreamRecoveryInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = recovered(info.FullMethod, r)
			}
		}()
		return handler(srv, ss)
	}
}

func recovered(method string, r any) error {
	log.Error().Str("method", method).Interface("panic", r).Msg("gRPC handler panicked")
	return status.Error(codes.Internal, "internal error")
}

func callEvent(ctx context.Context, ev *zerolog.Event, method string, err error, elapsed time.Duration) *zerolog.Event {
	ev = ev.Str("method", method).
		Str("code", status.Code(err).String()).
		Dur("duration", elapsed)
	if ctx != nil {
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			ev = ev.Str("peer", p.Addr.String())
		}
	}
	if err != nil {
		ev = ev.Err(err)
	}
	return ev
}
