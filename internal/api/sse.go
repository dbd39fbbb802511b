package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/cascadelab/cascade/internal/logging"
	"github.com/cascadelab/cascade/internal/streaming"
)

// handleSSE streams coordination events to the client via Server-Sent
// Events, optionally narrowed by entity_id, session_id, or a
// comma-separated event_types list.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	filter := streaming.WakeFilter{
		EntityID:  q.Get("entity_id"),
		SessionID: q.Get("session_id"),
	}
	if raw := q.Get("event_types"); raw != "" {
		filter.EventTypes = strings.Split(raw, ",")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ctx := logging.WithSessionID(r.Context(), filter.SessionID)
	ch, cancel, err := s.deps.Hub.Subscribe(ctx, filter)
	if err != nil {
		logging.LogWith(ctx, s.deps.Logger).Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
			flusher.Flush()
		}
	}
}
