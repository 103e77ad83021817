package web

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"
)

// heartbeatInterval paces SSE keepalive comments. They stop intermediaries
// from timing out a quiet stream and surface dead connections on the write.
const heartbeatInterval = 30 * time.Second

// handleEvents streams lifecycle control messages as server-sent events,
// each one a JSON object in a data: line. ?replay=N seeds the stream with up
// to N recent messages before live delivery begins.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	replay := 0
	if v := r.URL.Query().Get("replay"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "replay must be a non-negative integer")
			return
		}
		replay = n
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Tell the browser to wait 30 s before reconnecting so a dropped
	// connection does not replay the buffer in a tight loop.
	_, _ = fmt.Fprintf(w, "retry: 30000\n\n")
	flusher.Flush()

	ch, unsubscribe := s.deps.Events.Subscribe(replay)
	defer unsubscribe()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("handleEvents: marshal: %v", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}
