package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/tako0614/coding-agent-sub001/internal/store"
)

// handleEvents streams one run's log entries as Server-Sent Events. History
// is replayed from persistence between replay_start/replay_end markers,
// honoring Last-Event-ID; live entries follow from the bus. Frames carry the
// persisted log id so a reconnect resumes exactly after the last row seen.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	flusher, okk := w.(http.Flusher)
	if !okk {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	lastID := int64(0)
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lastID = n
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replaying so no entry falls between the two; the
	// strictly-greater id filter below drops the overlap.
	live := make(chan store.LogEntry, 256)
	unsub := s.bus.SubscribeLogs(runID, func(e store.LogEntry) {
		select {
		case live <- e:
		default: // slow client: drop rather than block the bus
		}
	})
	defer unsub()

	writeSSEMarker(w, "replay_start")
	history, err := s.bus.LogsSinceID(r.Context(), runID, lastID, 0)
	if err != nil {
		s.logger.Error("server: sse replay failed", "run_id", runID, "error", err)
	}
	for _, e := range history {
		writeSSEEntry(w, e)
		lastID = e.ID
	}
	writeSSEMarker(w, "replay_end")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e := <-live:
			if e.ID <= lastID {
				continue
			}
			writeSSEEntry(w, e)
			lastID = e.ID
			flusher.Flush()
		}
	}
}

func writeSSEEntry(w http.ResponseWriter, e store.LogEntry) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "id: %d\ndata: %s\n\n", e.ID, data)
}

func writeSSEMarker(w http.ResponseWriter, kind string) {
	fmt.Fprintf(w, "data: {\"type\":%q}\n\n", kind)
}
