package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/kvashee/protopt/errors"
)

// sseWriter frames JSON payloads as server-sent events. Each payload is
// flushed immediately so clients see milestones as they happen.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (s *sseWriter) sendMessage(payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(s.writer, "event: message\ndata: %s\n\n", data)
	s.flusher.Flush()
}
