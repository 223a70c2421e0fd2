package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"turn-transcription-service/internal/service/audio"
	"turn-transcription-service/internal/service/session"
)

type sessionResponse struct {
	SessionID  string   `json:"sessionId"`
	State      string   `json:"state,omitempty"`
	SampleRate int      `json:"sampleRate,omitempty"`
	Transcript string   `json:"transcript,omitempty"`
	Fragments  []string `json:"fragments,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// createSession opens a session under a server-assigned id.
func (h *handlers) createSession(w http.ResponseWriter, r *http.Request) {
	id := uuid.New().String()
	sess, err := h.registry.Open(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{SessionID: sess.ID(), State: sess.State().String()})
}

// openSession opens a session under a caller-chosen id, or returns the live one.
func (h *handlers) openSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.registry.Open(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{SessionID: sess.ID(), State: sess.State().String()})
}

// ingestFrame accepts one raw PCM16LE frame as the request body.
func (h *handlers) ingestFrame(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	rate, err := sampleRateParam(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxFrameBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := h.registry.IngestPCM(r.Context(), id, rate, body); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sessionResponse{SessionID: id})
}

// closeSession drains the session and returns its final transcript.
func (h *handlers) closeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	ctx, cancel := context.WithTimeout(r.Context(), h.closeTimeout)
	defer cancel()

	text, err := h.registry.Close(ctx, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:  id,
		State:      session.StateClosed.String(),
		Transcript: text,
	})
}

// getTranscript returns the transcript accumulated so far.
func (h *handlers) getTranscript(w http.ResponseWriter, r *http.Request) {
	sess, err := h.registry.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionID:  sess.ID(),
		State:      sess.State().String(),
		SampleRate: sess.SampleRate(),
		Transcript: sess.Transcript(),
		Fragments:  sess.Fragments(),
	})
}

func sampleRateParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("sampleRate")
	if raw == "" {
		return 0, errors.New("sampleRate query parameter is required")
	}
	rate, err := strconv.Atoi(raw)
	if err != nil || !audio.SupportedSampleRate(rate) {
		return 0, fmt.Errorf("%w: %q", session.ErrInvalidSampleRate, raw)
	}
	return rate, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, session.ErrEmptyFrame),
		errors.Is(err, session.ErrOddFrameLength),
		errors.Is(err, session.ErrSampleRateMismatch),
		errors.Is(err, session.ErrInvalidSampleRate):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Int("status", code).Msg("Request failed")
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
