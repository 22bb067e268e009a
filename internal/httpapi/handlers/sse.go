package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const sseHeartbeat = 15 * time.Second

type sseWriter struct {
	w       gin.ResponseWriter
	flusher http.Flusher
}

// startSSE writes the event-stream headers. It fails when the writer cannot
// flush, in which case nothing has been written yet.
func startSSE(c *gin.Context) (*sseWriter, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, false
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: c.Writer, flusher: flusher}, true
}

func (s *sseWriter) send(event string, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		// last-resort: send a simple error that won't break SSE framing
		fmt.Fprintf(s.w, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
		s.flusher.Flush()
		return
	}
	if event != "" {
		fmt.Fprintf(s.w, "event: %s\n", event)
	}
	fmt.Fprintf(s.w, "data: %s\n\n", b)
	s.flusher.Flush()
}
