package ipc

import (
	"fmt"
	"net/http"

	"github.com/ashishkum25/AiChatCode/pkg/bus"
	apperrors "github.com/ashishkum25/AiChatCode/pkg/errors"
	"github.com/ashishkum25/AiChatCode/pkg/logging"
)

// handleEventStream serves room events over SSE. Subscribers see every event
// the relay publishes to the bus; an optional subject query narrows the
// stream to one room.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if _, err := s.identityFromRequest(r); err != nil {
		respondError(w, http.StatusUnauthorized, err)
		return
	}
	if s.bus == nil {
		respondError(w, http.StatusServiceUnavailable, apperrors.New(apperrors.ErrCodeInternal, "event stream unavailable"))
		return
	}
	if !s.sseGate.Acquire() {
		respondError(w, http.StatusTooManyRequests, apperrors.New(apperrors.ErrCodeInvalidInput, "too many stream clients"))
		return
	}
	defer s.sseGate.Release()

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, apperrors.New(apperrors.ErrCodeInternal, "streaming unsupported"))
		return
	}

	subject := r.URL.Query().Get("subject")
	if subject == "" {
		subject = bus.SubjectAllEvents
	}

	events := make(chan *bus.Message, 64)
	sub, err := s.bus.Subscribe(r.Context(), subject, func(msg *bus.Message) {
		select {
		case events <- msg:
		default:
			// Slow SSE consumers lose events rather than backing up the bus.
		}
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn(logging.CategoryBus, "unsubscribe_failed", err.Error(), nil)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-events:
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Subject, msg.Data)
			flusher.Flush()
		}
	}
}
