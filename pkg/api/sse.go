package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/maestro/pkg/metrics"
	"github.com/codeready-toolchain/maestro/pkg/stream"
)

// sseStream writes frames in SSE format. Writes are serialized so the
// keepalive goroutine and the frame producer never interleave.
type sseStream struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu        sync.Mutex
	lastWrite time.Time

	stopKeepalive chan struct{}
	keepaliveDone chan struct{}
}

// startSSE switches the response into event-stream mode and starts the
// keepalive ticker. Callers must call Close before returning.
func startSSE(c *echo.Context, keepalive time.Duration) *sseStream {
	h := c.Response().Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	var rw http.ResponseWriter = c.Response()
	flusher, _ := rw.(http.Flusher)

	s := &sseStream{
		w:             rw,
		flusher:       flusher,
		lastWrite:     time.Now(),
		stopKeepalive: make(chan struct{}),
		keepaliveDone: make(chan struct{}),
	}
	s.flush()
	metrics.SSEConnections.Inc()

	go s.runKeepalive(keepalive)
	return s
}

// Send writes one frame as a data event.
func (s *sseStream) Send(f stream.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", f.Marshal()); err != nil {
		return err
	}
	s.lastWrite = time.Now()
	s.flush()
	return nil
}

// Done emits the terminal done frame. Errors are ignored: the client may
// already be gone.
func (s *sseStream) Done() {
	_ = s.Send(stream.Frame{Type: stream.FrameDone})
}

// Close stops the keepalive goroutine and releases the connection gauge.
func (s *sseStream) Close() {
	close(s.stopKeepalive)
	<-s.keepaliveDone
	metrics.SSEConnections.Dec()
}

func (s *sseStream) runKeepalive(interval time.Duration) {
	defer close(s.keepaliveDone)
	if interval <= 0 {
		interval = 15 * time.Second
	}
	// Ticking at half the interval bounds the silent gap after a data write
	// to one interval rather than two.
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopKeepalive:
			return
		case <-ticker.C:
			s.mu.Lock()
			if time.Since(s.lastWrite) >= interval/2 {
				if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
					s.mu.Unlock()
					return
				}
				s.lastWrite = time.Now()
				s.flush()
			}
			s.mu.Unlock()
		}
	}
}

// flush pushes buffered bytes to the client. Callers hold the mutex.
func (s *sseStream) flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
