package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcapi "turn-transcription-service/internal/api/grpc"
	"turn-transcription-service/internal/models"
	"turn-transcription-service/internal/service/audio"
)

// Stream audio in 100ms chunks to simulate real-time streaming.
const chunkIntervalMs = 100

func main() {
	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to WAV file (16-bit mono PCM)")
	serverAddr := flag.String("server", "localhost:50051", "gRPC server address")
	sessionID := flag.String("session", "test-audio-"+time.Now().Format("150405"), "Session ID")
	realtime := flag.Bool("realtime", true, "Pace chunks at real-time speed")
	flag.Parse()

	// Open audio file
	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	// Read and validate WAV header
	header := make([]byte, audio.HeaderSize())
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatalf("Failed to read WAV header: %v", err)
	}
	info, err := audio.ParseWAVHeader(header)
	if err != nil {
		log.Fatalf("Unsupported WAV file: %v", err)
	}
	log.Printf("WAV file: channels=%d sampleRate=%d bitsPerSample=%d",
		info.NumChannels, info.SampleRate, info.BitsPerSample)

	chunkSize := info.SampleRate / (1000 / chunkIntervalMs) * 2

	// Connect to gRPC server
	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("Connected to %s", *serverAddr)

	client := grpcapi.NewAudioStreamServiceClient(conn)

	// Create stream with longer timeout for real audio
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	stream, err := client.StreamAudio(ctx)
	if err != nil {
		log.Fatalf("Failed to create stream: %v", err)
	}

	log.Printf("Streaming audio: sessionId=%s", *sessionID)

	audioChunk := make([]byte, chunkSize)
	var totalBytes int64
	var chunkNum int
	startTime := time.Now()
	watching := make(chan struct{})

	for {
		n, err := io.ReadFull(f, audioChunk)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			log.Fatalf("Failed to read audio: %v", err)
		}
		n -= n % 2

		chunkNum++
		totalBytes += int64(n)

		frame := &grpcapi.AudioFrame{
			SessionID:  *sessionID,
			SampleRate: int32(info.SampleRate),
			Audio:      audioChunk[:n],
		}
		if err := stream.Send(frame); err != nil {
			log.Fatalf("Failed to send frame: %v", err)
		}

		// The session exists once the first frame is in; start watching it.
		if chunkNum == 1 {
			go watch(ctx, client, *sessionID, watching)
		}

		if chunkNum%10 == 0 {
			log.Printf("Sent chunk %d (%d bytes total)", chunkNum, totalBytes)
		}

		if *realtime {
			time.Sleep(chunkIntervalMs * time.Millisecond)
		}
	}

	elapsed := time.Since(startTime)
	log.Printf("Finished streaming: %d chunks, %d bytes in %v", chunkNum, totalBytes, elapsed)

	// Close stream and wait for response
	log.Println("Closing stream, waiting for final transcript...")

	ack, err := stream.CloseAndRecv()
	if err != nil {
		log.Fatalf("Failed to receive ack: %v", err)
	}

	if chunkNum > 0 {
		select {
		case <-watching:
		case <-time.After(2 * time.Second):
		}
	}

	log.Printf("Stream completed: sessionId=%s accepted=%d rejected=%d",
		ack.SessionID, ack.FramesAccepted, ack.FramesRejected)
	log.Printf("Transcript: %s", ack.Transcript)
}

// watch prints the session's events as they arrive.
func watch(ctx context.Context, client grpcapi.AudioStreamServiceClient, sessionID string, done chan<- struct{}) {
	defer close(done)

	events, err := client.SubscribeTranscript(ctx, &grpcapi.SubscribeRequest{SessionID: sessionID})
	if err != nil {
		log.Printf("Subscribe failed: %v", err)
		return
	}
	for {
		ev, err := events.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("Subscription ended: %v", err)
			}
			return
		}
		switch ev.EventType {
		case models.EventTypeFragment:
			log.Printf("[%s] +%dms %q", ev.UtteranceID, ev.AudioOffsetMs, ev.Text)
		case models.EventTypeError, models.EventTypeWarning:
			log.Printf("%s %s: %s", ev.EventType, ev.Code, ev.Message)
		case models.EventTypeClosed:
			log.Printf("Session closed")
		}
	}
}
