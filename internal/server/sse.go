package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// sseWriter frames a streaming response as server-sent events: one
// `data: <json>` frame per payload, a literal `data: [DONE]` terminator,
// and a flush after every frame so chunks reach the client as they are
// generated.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter prepares w for streaming. The ok result is false when the
// underlying writer cannot flush, in which case no headers were written.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, flusher: flusher}, true
}

// send writes one data frame. A write error means the client is gone.
func (sw *sseWriter) send(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", data); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// done writes the stream terminator.
func (sw *sseWriter) done() {
	_, _ = fmt.Fprint(sw.w, "data: [DONE]\n\n")
	sw.flusher.Flush()
}
