package grpcapi

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"turn-transcription-service/internal/models"
	"turn-transcription-service/internal/service/audio"
	"turn-transcription-service/internal/service/dispatch"
	"turn-transcription-service/internal/service/session"
	"turn-transcription-service/internal/service/stt"
	"turn-transcription-service/internal/service/stt/mock"
	"turn-transcription-service/internal/service/vad"
)

const rate = 16000

func startServer(t *testing.T, maxSessions int) AudioStreamServiceClient {
	t.Helper()

	engine := mock.New(mock.WithTextFunc(func(stt.Audio) string { return "hello there" }))
	d := dispatch.New(engine, dispatch.DefaultConfig(), nil)

	classifier := vad.Func(func(_ context.Context, w audio.Window) (float64, error) {
		if len(w.Samples) > 0 && w.Samples[0] != 0 {
			return 1, nil
		}
		return 0, nil
	})
	cfg := session.DefaultConfig()
	cfg.ChunkDuration = 500 * time.Millisecond
	reg, err := session.NewRegistry(session.RegistryConfig{MaxSessions: maxSessions, Session: cfg}, session.Deps{
		Classifier: classifier,
		Dispatcher: d,
	})
	if err != nil {
		t.Fatal(err)
	}

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, reg, 5*time.Second)
	go srv.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return NewAudioStreamServiceClient(conn)
}

func pcm(value int16, dur time.Duration) []byte {
	samples := make([]int16, audio.SamplesFor(rate, dur))
	for i := range samples {
		samples[i] = value
	}
	return audio.EncodePCM16LE(samples)
}

func TestStreamAudio_ReturnsTranscript(t *testing.T) {
	client := startServer(t, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := client.StreamAudio(ctx)
	if err != nil {
		t.Fatal(err)
	}

	frames := []*AudioFrame{
		{SessionID: "grpc-1", SampleRate: rate, Audio: pcm(0, time.Second)},
		{SampleRate: rate, Audio: pcm(1000, time.Second)},
		{SampleRate: rate, Audio: []byte{1, 2, 3}}, // odd length, rejected
		{SampleRate: rate, Audio: pcm(0, 500*time.Millisecond)},
	}
	for _, f := range frames {
		if err := stream.Send(f); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	ack, err := stream.CloseAndRecv()
	if err != nil {
		t.Fatalf("CloseAndRecv() error = %v", err)
	}
	if ack.SessionID != "grpc-1" {
		t.Errorf("expected session grpc-1, got %s", ack.SessionID)
	}
	if ack.Transcript != "hello there" {
		t.Errorf("expected flushed transcript, got %q", ack.Transcript)
	}
	if ack.FramesAccepted != 3 || ack.FramesRejected != 1 {
		t.Errorf("expected 3 accepted / 1 rejected, got %d / %d", ack.FramesAccepted, ack.FramesRejected)
	}
}

func TestStreamAudio_RequiresSessionID(t *testing.T) {
	client := startServer(t, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := client.StreamAudio(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := stream.Send(&AudioFrame{SampleRate: rate, Audio: pcm(0, 100*time.Millisecond)}); err != nil {
		t.Fatal(err)
	}
	_, err = stream.CloseAndRecv()
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("expected InvalidArgument, got %v", err)
	}
}

func TestStreamAudio_SessionLimit(t *testing.T) {
	client := startServer(t, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := client.StreamAudio(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Send(&AudioFrame{SessionID: "one", SampleRate: rate, Audio: pcm(0, 100*time.Millisecond)}); err != nil {
		t.Fatal(err)
	}
	// Let the server open the first session.
	time.Sleep(100 * time.Millisecond)

	second, err := client.StreamAudio(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := second.Send(&AudioFrame{SessionID: "two", SampleRate: rate, Audio: pcm(0, 100*time.Millisecond)}); err != nil {
		t.Fatal(err)
	}
	if _, err := second.CloseAndRecv(); status.Code(err) != codes.ResourceExhausted {
		t.Errorf("expected ResourceExhausted, got %v", err)
	}

	if _, err := first.CloseAndRecv(); err != nil {
		t.Errorf("first stream should complete, got %v", err)
	}
}

func TestSubscribeTranscript(t *testing.T) {
	client := startServer(t, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stream, err := client.StreamAudio(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := stream.Send(&AudioFrame{SessionID: "sub-1", SampleRate: rate, Audio: pcm(0, 500*time.Millisecond)}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	events, err := client.SubscribeTranscript(ctx, &SubscribeRequest{SessionID: "sub-1"})
	if err != nil {
		t.Fatal(err)
	}

	for _, b := range [][]byte{pcm(1000, time.Second), pcm(0, 2500*time.Millisecond)} {
		if err := stream.Send(&AudioFrame{SampleRate: rate, Audio: b}); err != nil {
			t.Fatal(err)
		}
	}

	ev, err := events.Recv()
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if ev.EventType != models.EventTypeFragment || ev.Text != "hello there" {
		t.Errorf("expected fragment 'hello there', got %s %q", ev.EventType, ev.Text)
	}

	if _, err := stream.CloseAndRecv(); err != nil {
		t.Fatal(err)
	}

	closed, err := events.Recv()
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if closed.EventType != models.EventTypeClosed || closed.Transcript != "hello there" {
		t.Errorf("expected closed event with transcript, got %s %q", closed.EventType, closed.Transcript)
	}
	if _, err := events.Recv(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after closed event, got %v", err)
	}
}

func TestSubscribeTranscript_NotFound(t *testing.T) {
	client := startServer(t, 4)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := client.SubscribeTranscript(ctx, &SubscribeRequest{SessionID: "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := events.Recv(); status.Code(err) != codes.NotFound {
		t.Errorf("expected NotFound, got %v", err)
	}
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{session.ErrTooManySessions, codes.ResourceExhausted},
		{session.ErrSessionNotFound, codes.NotFound},
		{session.ErrSessionClosed, codes.FailedPrecondition},
		{session.ErrSampleRateMismatch, codes.InvalidArgument},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		if got := status.Code(toStatus(tt.err)); got != tt.code {
			t.Errorf("toStatus(%v) = %v, want %v", tt.err, got, tt.code)
		}
	}
}
