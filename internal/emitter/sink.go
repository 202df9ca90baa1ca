package emitter

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/namikmesic/claude-relay/internal/stream"
)

// Sink is the outbound side of one client connection.
type Sink interface {
	WriteEvent(ev stream.Event) error
}

// HTTPSink writes events to an SSE response, flushing after every frame.
// A write that does not complete within timeout fails, which detaches the
// connection instead of buffering behind a slow client.
type HTTPSink struct {
	w       io.Writer
	rc      *http.ResponseController
	timeout time.Duration
}

func NewHTTPSink(w http.ResponseWriter, timeout time.Duration) *HTTPSink {
	return &HTTPSink{w: w, rc: http.NewResponseController(w), timeout: timeout}
}

func (s *HTTPSink) WriteEvent(ev stream.Event) error {
	if s.timeout > 0 {
		err := s.rc.SetWriteDeadline(time.Now().Add(s.timeout))
		if err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if err := stream.Encode(s.w, ev); err != nil {
		return err
	}
	return s.rc.Flush()
}
