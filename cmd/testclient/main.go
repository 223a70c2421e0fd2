package main

import (
	"context"
	"flag"
	"log"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcapi "turn-transcription-service/internal/api/grpc"
	"turn-transcription-service/internal/service/audio"
)

const sampleRate = 16000

// tone returns a 440 Hz sine loud enough to register as speech.
func tone(d time.Duration) []byte {
	samples := make([]int16, audio.SamplesFor(sampleRate, d))
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/sampleRate))
	}
	return audio.EncodePCM16LE(samples)
}

func silence(d time.Duration) []byte {
	return make([]byte, audio.SamplesFor(sampleRate, d)*2)
}

func main() {
	serverAddr := flag.String("server", "localhost:50051", "gRPC server address")
	sessionID := flag.String("session", "session-123", "Session ID")
	flag.Parse()

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Println("Connected to server")

	client := grpcapi.NewAudioStreamServiceClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stream, err := client.StreamAudio(ctx)
	if err != nil {
		log.Fatalf("failed to create stream: %v", err)
	}

	// Two turns separated by enough silence to end the first one.
	frames := []*grpcapi.AudioFrame{
		{SessionID: *sessionID, SampleRate: sampleRate, Audio: silence(500 * time.Millisecond)},
		{SampleRate: sampleRate, Audio: tone(time.Second)},
		{SampleRate: sampleRate, Audio: silence(2500 * time.Millisecond)},
		{SampleRate: sampleRate, Audio: tone(time.Second)},
		{SampleRate: sampleRate, Audio: silence(500 * time.Millisecond), EndOfStream: true},
	}

	for i, frame := range frames {
		log.Printf("Sending frame %d: %d bytes", i+1, len(frame.Audio))
		if err := stream.Send(frame); err != nil {
			log.Fatalf("failed to send frame: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	// Close and receive response
	ack, err := stream.CloseAndRecv()
	if err != nil {
		log.Fatalf("failed to receive ack: %v", err)
	}

	log.Printf("Received ack: sessionId=%s accepted=%d transcript=%q", ack.SessionID, ack.FramesAccepted, ack.Transcript)
}
