package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"turn-transcription-service/internal/models"
	"turn-transcription-service/internal/observability/logging"
	"turn-transcription-service/internal/service/broadcast"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 << 10,
	WriteBufferSize: 16 << 10,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// eventStream serves the session's events as server-sent events, one JSON
// envelope per event, until the session closes or the client leaves.
func (h *handlers) eventStream(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.Subscribe(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer sub.Close()

	h.serveSSE(w, r, sub, func(ev models.Event) (string, string, bool) {
		data, err := json.Marshal(ev)
		if err != nil {
			return "", "", false
		}
		return ev.EventType, string(data), true
	})
}

// transcriptStream emits the full running transcript as an "output" event
// every time it grows. The session is opened if it does not exist yet so an
// observer may attach before the first frame.
func (h *handlers) transcriptStream(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("webrtc_id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "webrtc_id query parameter is required"})
		return
	}
	sess, err := h.registry.Open(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	sub, err := sess.Subscribe()
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer sub.Close()

	logger := logging.WithSession(id)
	logger.Debug().Msg("Transcript stream attached")
	h.serveSSE(w, r, sub, func(ev models.Event) (string, string, bool) {
		switch ev.EventType {
		case models.EventTypeFragment, models.EventTypeSnapshot:
			return "output", ev.Transcript, true
		default:
			return "", "", false
		}
	})
}

func (h *handlers) serveSSE(w http.ResponseWriter, r *http.Request, sub *broadcast.Subscription, format func(models.Event) (string, string, bool)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			name, data, send := format(ev)
			if !send {
				continue
			}
			if err := writeSSE(w, name, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE writes one event. Each line of data gets its own data field so
// embedded newlines survive framing.
func writeSSE(w io.Writer, name, data string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "event: %s\n", name)
	data = strings.ReplaceAll(data, "\r\n", "\n")
	data = strings.ReplaceAll(data, "\r", "\n")
	for _, line := range strings.Split(data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")
	_, err := io.WriteString(w, b.String())
	return err
}

// wsStream ingests binary PCM frames and pushes the session's events back
// as JSON text messages. A text message "end" or a client disconnect closes
// the session.
func (h *handlers) wsStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	rate, err := sampleRateParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	sess, err := h.registry.Open(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	sub, err := sess.Subscribe()
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		h.logger.Warn().Err(err).Str("sessionId", id).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(h.maxFrameBytes)

	logger := logging.WithSession(id)
	logger.Info().Msg("WebSocket attached")

	// Single writer: only this goroutine writes to conn.
	written := make(chan struct{})
	go func() {
		defer close(written)
		for ev := range sub.Events() {
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				logger.Debug().Err(err).Msg("WebSocket write failed")
				sub.Close()
				return
			}
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
	}()

	ctx := r.Context()
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			logger.Debug().Err(err).Msg("WebSocket read ended")
			break
		}
		if kind == websocket.TextMessage {
			if string(data) == "end" {
				break
			}
			continue
		}
		// Rejected frames surface as warning events on the socket.
		if err := sess.IngestPCM(ctx, rate, data); err != nil && statusFor(err) != http.StatusBadRequest {
			logger.Warn().Err(err).Msg("WebSocket ingest stopped")
			break
		}
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), h.closeTimeout)
	defer cancel()
	if _, err := sess.Close(closeCtx); err != nil {
		logger.Warn().Err(err).Msg("Session close did not finish")
	}

	select {
	case <-written:
	case <-closeCtx.Done():
	}
	logger.Info().Msg("WebSocket detached")
}
