package relay

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type sseSink struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func (s *sseSink) write(ev Event) error {
	if _, err := s.w.Write(EncodeSSE(ev)); err != nil {
		return err
	}
	return s.rc.Flush()
}

// The response ends when the handler returns; nothing to release here.
func (s *sseSink) close() error { return nil }

// OpenSSE prepares w for server-sent events and registers a channel for it.
// The channel is removed when the request context ends.
func (r *Registry) OpenSSE(w http.ResponseWriter, req *http.Request) (*Channel, error) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !stderrors.Is(err, http.ErrNotSupported) {
		return nil, errors.Wrap(err, "relay: clear write deadline")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	if req.ProtoMajor < 2 {
		h.Set("Connection", "keep-alive")
	}
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return nil, errors.Wrap(err, "relay: streaming unsupported")
	}

	c := newChannel(uuid.NewString(), "sse", r, &sseSink{w: w, rc: rc})
	r.add(c)
	go func() {
		select {
		case <-req.Context().Done():
			c.disconnected()
		case <-c.done:
		}
	}()
	return c, nil
}
