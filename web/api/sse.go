package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cognitionflow/orchestrator/internal/domain"
)

// streamRun serves a run's message feed as server-sent events. The
// subscription replays the run's full history first, so a late client
// sees every message from seq 1. The feed ends after the terminal done
// event.
func (s *Server) streamRun(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	feed, cancel, err := s.runs.Subscribe(id)
	if err != nil {
		writeRunError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-feed:
			if !open {
				return
			}
			if err := writeSSE(w, msg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", msg.Type); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", msg.Seq, data)
	return err
}
