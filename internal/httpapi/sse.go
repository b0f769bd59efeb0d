package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MimeLyc/mediacards/internal/events"
)

// handleJobStream pushes queue stats on connect and every streamInterval,
// and each job event as it is published.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !s.readerAuthorized(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func(event string, data any) bool {
		payload, err := json.Marshal(data)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	sendStats := func() bool {
		stats, err := s.queue.Stats(r.Context())
		if err != nil {
			return send("error", map[string]string{"error": "queue stats unavailable"})
		}
		return send("stats", stats)
	}

	var updates <-chan events.Event
	if s.hub != nil {
		ch, cancel := s.hub.Subscribe()
		defer cancel()
		updates = ch
	}

	if !sendStats() {
		return
	}

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-updates:
			if !ok {
				return
			}
			if !send("job", e) {
				return
			}
		case <-ticker.C:
			if !sendStats() {
				return
			}
		}
	}
}
