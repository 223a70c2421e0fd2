// Package grpcapi exposes audio ingestion and transcript subscription
// over gRPC.
package grpcapi

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"turn-transcription-service/internal/observability/logging"
	"turn-transcription-service/internal/service/session"
)

// Server implements AudioStreamServiceServer on top of a session registry.
type Server struct {
	registry *session.Registry
	// closeTimeout bounds the drain of a session whose client went away.
	closeTimeout time.Duration
	logger       zerolog.Logger
}

// NewServer creates the gRPC service.
func NewServer(registry *session.Registry, closeTimeout time.Duration) *Server {
	if closeTimeout <= 0 {
		closeTimeout = 15 * time.Second
	}
	return &Server{
		registry:     registry,
		closeTimeout: closeTimeout,
		logger:       logging.WithComponent("grpc-api"),
	}
}

// Register registers the service with g.
func Register(g *grpc.Server, registry *session.Registry, closeTimeout time.Duration) *Server {
	s := NewServer(registry, closeTimeout)
	RegisterAudioStreamServiceServer(g, s)
	return s
}

// StreamAudio ingests one session. The first frame must carry the session
// id; later frames may omit it. Invalid frames are counted and skipped.
func (s *Server) StreamAudio(stream AudioStreamService_StreamAudioServer) error {
	ctx := stream.Context()

	frame, err := stream.Recv()
	if err == io.EOF {
		return status.Error(codes.InvalidArgument, "stream closed before the first frame")
	}
	if err != nil {
		return err
	}
	sessionID := frame.SessionID
	if sessionID == "" {
		return status.Error(codes.InvalidArgument, "sessionId is required on the first frame")
	}

	sess, err := s.registry.Open(sessionID)
	if err != nil {
		return toStatus(err)
	}
	logger := logging.WithSession(sessionID)
	logger.Info().Msg("Audio stream started")

	ack := &StreamAck{SessionID: sessionID}
	for {
		if len(frame.Audio) > 0 {
			switch err := sess.IngestPCM(ctx, int(frame.SampleRate), frame.Audio); {
			case err == nil:
				ack.FramesAccepted++
			case isFrameError(err):
				ack.FramesRejected++
			default:
				s.closeDetached(sess)
				return toStatus(err)
			}
		}
		if frame.EndOfStream {
			break
		}

		frame, err = stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Client went away; keep what was said.
			logger.Warn().Err(err).Msg("Audio stream broken, closing session")
			s.closeDetached(sess)
			return err
		}
	}

	closeCtx, cancel := context.WithTimeout(ctx, s.closeTimeout)
	defer cancel()
	text, err := sess.Close(closeCtx)
	if err != nil {
		return toStatus(err)
	}
	ack.Transcript = text

	logger.Info().
		Int64("framesAccepted", ack.FramesAccepted).
		Int64("framesRejected", ack.FramesRejected).
		Msg("Audio stream completed")
	return stream.SendAndClose(ack)
}

// SubscribeTranscript streams the session's events until the session
// closes or the client cancels.
func (s *Server) SubscribeTranscript(req *SubscribeRequest, stream AudioStreamService_SubscribeTranscriptServer) error {
	if req.SessionID == "" {
		return status.Error(codes.InvalidArgument, "sessionId is required")
	}
	sub, err := s.registry.Subscribe(req.SessionID)
	if err != nil {
		return toStatus(err)
	}
	defer sub.Close()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := stream.Send(&ev); err != nil {
				return err
			}
		}
	}
}

// closeDetached closes a session whose stream context is gone.
func (s *Server) closeDetached(sess *session.Session) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.closeTimeout)
		defer cancel()
		if _, err := sess.Close(ctx); err != nil {
			s.logger.Warn().Err(err).Str("sessionId", sess.ID()).Msg("Detached close did not finish")
		}
	}()
}

func isFrameError(err error) bool {
	return errors.Is(err, session.ErrEmptyFrame) ||
		errors.Is(err, session.ErrOddFrameLength) ||
		errors.Is(err, session.ErrSampleRateMismatch) ||
		errors.Is(err, session.ErrInvalidSampleRate)
}

func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, session.ErrTooManySessions):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, session.ErrSessionNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, session.ErrSessionClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case isFrameError(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
