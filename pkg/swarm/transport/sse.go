package transport

import (
	"encoding/json"
	"net/http"
	"strings"
)

// handleEvents streams journal events as server-sent events, filtered by
// task_id, peer_node_id, types, and level query parameters.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	query := r.URL.Query()
	filter := EventFilter{
		TaskID:     query.Get("task_id"),
		PeerNodeID: query.Get("peer_node_id"),
		Level:      query.Get("level"),
	}
	if raw := query.Get("types"); raw != "" {
		filter.Types = strings.Split(raw, ",")
	}

	events, cancel := s.backend.Subscribe(filter)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			// A failed write disconnects only this subscriber.
			if _, err := w.Write([]byte("event: " + ev.Type + "\ndata: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// MatchesEvent applies an EventFilter to one journal event payload.
func (f EventFilter) MatchesEvent(eventType string, payload map[string]any) bool {
	if len(f.Types) > 0 {
		matched := false
		for _, t := range f.Types {
			if t == eventType {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if f.TaskID != "" {
		if id, _ := payload["task_id"].(string); id != f.TaskID {
			return false
		}
	}
	if f.PeerNodeID != "" {
		if id, _ := payload["peer_node_id"].(string); id != f.PeerNodeID {
			return false
		}
	}
	if f.Level != "" {
		if level, _ := payload["level"].(string); level != f.Level {
			return false
		}
	}
	return true
}
