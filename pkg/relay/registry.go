// Package relay frames events onto long-lived client connections.
//
// Each connection gets one Channel registered in a Registry under a random id.
// Channels are created by OpenSSE or OpenWebSocket and removed when the peer
// disconnects or the writer calls Close.
package relay

import (
	"sync"

	"github.com/rs/zerolog/log"
)

type Registry struct {
	mu       sync.Mutex
	channels map[string]*Channel
}

func NewRegistry() *Registry {
	return &Registry{channels: map[string]*Channel{}}
}

func (r *Registry) add(c *Channel) {
	r.mu.Lock()
	r.channels[c.id] = c
	n := len(r.channels)
	r.mu.Unlock()
	log.Debug().Str("component", "relay").Str("channel_id", c.id).Str("kind", c.kind).Int("open", n).Msg("channel opened")
}

func (r *Registry) remove(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.channels, id)
	r.mu.Unlock()
}

func (r *Registry) Lookup(id string) (*Channel, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.channels[id]
	return c, ok
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// CloseAll closes every open channel. Used on shutdown.
func (r *Registry) CloseAll() {
	if r == nil {
		return
	}
	r.mu.Lock()
	open := make([]*Channel, 0, len(r.channels))
	for _, c := range r.channels {
		open = append(open, c)
	}
	r.mu.Unlock()
	for _, c := range open {
		_ = c.Close()
	}
}
