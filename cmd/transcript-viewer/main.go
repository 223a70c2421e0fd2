// Transcript Viewer - Real-time transcription display
// Consumes from Kafka topics and displays via WebSocket to browser
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"turn-transcription-service/internal/observability/logging"
	"turn-transcription-service/internal/viewer"
)

func main() {
	port := flag.String("port", "8081", "HTTP server port")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topicFragment := flag.String("topic-fragment", "transcript.fragment", "Transcript fragment topic")
	topicError := flag.String("topic-error", "transcript.error", "Transcription error topic")
	since := flag.Duration("since", time.Hour, "Replay messages newer than this")
	flag.Parse()

	cfg := logging.DefaultConfig()
	cfg.Format = "console"
	logging.Init(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := viewer.NewHub()
	go hub.Run()
	defer hub.Stop()

	// Start Kafka consumers
	brokerList := strings.Split(*brokers, ",")
	for _, topic := range []string{*topicFragment, *topicError} {
		go viewer.Consume(ctx, hub, viewer.ConsumerConfig{Brokers: brokerList, Topic: topic, Since: *since})
	}

	srv := &http.Server{
		Addr:              ":" + *port,
		Handler:           viewer.Handler(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("url", "http://localhost:"+*port).
		Strs("brokers", brokerList).
		Str("topicFragment", *topicFragment).
		Str("topicError", *topicError).
		Msg("Transcript viewer starting")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server error")
	}
}
