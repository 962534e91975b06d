package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/sashakarcz/vrconf/internal/events"
)

// handleEvents streams run events to the client as server-sent events
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "event stream disabled")
		return
	}

	client, ok := s.events.Register(uuid.NewString())
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "event stream stopped")
		return
	}
	defer s.events.Unregister(client)

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout
	_ = rc.SetWriteDeadline(time.Time{})

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Send initial connection event
	data, _ := events.FormatSSE(&events.Event{
		ID:        "init",
		Timestamp: time.Now(),
		Type:      events.EventTypeConnection,
		Message:   "Connected to event stream",
	})
	if _, err := w.Write(data); err != nil {
		return
	}
	_ = rc.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-client.Channel:
			if !ok {
				return
			}

			data, err := events.FormatSSE(event)
			if err != nil {
				s.log.Error().Err(err).Msg("Failed to format SSE event")
				continue
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}
