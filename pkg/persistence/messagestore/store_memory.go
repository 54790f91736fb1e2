package messagestore

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatproxy/pkg/chat"
)

const DefaultMemoryCapacity = 10_000

// InMemoryStore is a size-limited Store that evicts the least recently used
// message once capacity is reached. Contents are lost on restart.
type InMemoryStore struct {
	cache *lru.Cache[string, chat.Message]
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore(capacity int) (*InMemoryStore, error) {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	cache, err := lru.New[string, chat.Message](capacity)
	if err != nil {
		return nil, errors.Wrap(err, "in-memory message store: create lru")
	}
	return &InMemoryStore{cache: cache}, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (chat.Message, bool, error) {
	if s == nil || s.cache == nil {
		return chat.Message{}, false, errors.New("in-memory message store: nil store")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return chat.Message{}, false, nil
	}
	msg, ok := s.cache.Get(id)
	return msg, ok, nil
}

func (s *InMemoryStore) Put(_ context.Context, msg chat.Message) error {
	if s == nil || s.cache == nil {
		return errors.New("in-memory message store: nil store")
	}
	msg, err := normalizeMessage(msg)
	if err != nil {
		return err
	}
	if found, _ := s.cache.ContainsOrAdd(msg.ID, msg); found {
		return errors.Wrapf(ErrAlreadyExists, "message %s", msg.ID)
	}
	return nil
}

func (s *InMemoryStore) Len() int {
	if s == nil || s.cache == nil {
		return 0
	}
	return s.cache.Len()
}

func (s *InMemoryStore) Close() error { return nil }
