package relay

import (
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"
)

type sink interface {
	write(ev Event) error
	close() error
}

type sendOptions struct {
	id    string
	retry int
}

type SendOption func(*sendOptions)

// WithID overrides the wire id for one event. The sequence counter still
// advances.
func WithID(id string) SendOption {
	return func(o *sendOptions) { o.id = id }
}

// WithRetry sets the client reconnection hint in milliseconds.
func WithRetry(ms int) SendOption {
	return func(o *sendOptions) { o.retry = ms }
}

// Channel is one open push connection. A channel has a single writer; the
// mutex only guards against the disconnect watcher racing a Send.
type Channel struct {
	id       string
	kind     string
	registry *Registry
	sink     sink

	mu     sync.Mutex
	seq    int
	closed bool
	done   chan struct{}
}

func newChannel(id, kind string, registry *Registry, s sink) *Channel {
	return &Channel{id: id, kind: kind, registry: registry, sink: s, done: make(chan struct{})}
}

func (c *Channel) ID() string {
	if c == nil {
		return ""
	}
	return c.id
}

// Done is closed once the peer disconnects or Close is called.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Send frames and flushes one event. Sending on a closed or disconnected
// channel is a no-op.
func (c *Channel) Send(event string, payload any, opts ...SendOption) error {
	if c == nil {
		return nil
	}
	o := sendOptions{}
	for _, opt := range opts {
		opt(&o)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	id := o.id
	if id == "" {
		id = strconv.Itoa(c.seq)
	}
	c.seq++

	ev, err := newEvent(id, event, o.retry, payload)
	if err != nil {
		return err
	}
	if err := c.sink.write(ev); err != nil {
		log.Debug().Err(err).Str("component", "relay").Str("channel_id", c.id).Str("kind", c.kind).Msg("write failed, dropping channel")
		_ = c.sink.close()
		c.closeLocked()
	}
	return nil
}

// Close tears the channel down from the writer side.
func (c *Channel) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	err := c.sink.close()
	c.closeLocked()
	return err
}

// disconnected is called when the peer goes away.
func (c *Channel) disconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	log.Debug().Str("component", "relay").Str("channel_id", c.id).Str("kind", c.kind).Msg("peer disconnected")
	_ = c.sink.close()
	c.closeLocked()
}

func (c *Channel) closeLocked() {
	c.closed = true
	close(c.done)
	c.registry.remove(c.id)
}
