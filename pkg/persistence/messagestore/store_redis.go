package messagestore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-go-golems/chatproxy/pkg/chat"
)

const DefaultRedisKeyPrefix = "chatproxy:"

// RedisStore stores each message as a JSON string. A positive ttl lets Redis
// expire old turns; reads refresh the ttl so active threads stay resident.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ Store = &RedisStore{}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, errors.New("redis message store: empty addr")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redis message store: ping %s", cfg.Addr)
	}
	return NewRedisStoreFromClient(client, cfg.Prefix, cfg.TTL), nil
}

func NewRedisStoreFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(id string) string {
	return s.prefix + "message:" + id
}

func (s *RedisStore) Get(ctx context.Context, id string) (chat.Message, bool, error) {
	if s == nil || s.client == nil {
		return chat.Message{}, false, errors.New("redis message store: nil client")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return chat.Message{}, false, nil
	}
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return chat.Message{}, false, nil
	}
	if err != nil {
		return chat.Message{}, false, errors.Wrap(err, "redis message store: get")
	}
	var msg chat.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return chat.Message{}, false, errors.Wrapf(err, "redis message store: decode %s", id)
	}
	if s.ttl > 0 {
		if err := s.client.Expire(ctx, s.key(id), s.ttl).Err(); err != nil {
			return chat.Message{}, false, errors.Wrap(err, "redis message store: refresh ttl")
		}
	}
	return msg, true, nil
}

func (s *RedisStore) Put(ctx context.Context, msg chat.Message) error {
	if s == nil || s.client == nil {
		return errors.New("redis message store: nil client")
	}
	msg, err := normalizeMessage(msg)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "redis message store: encode")
	}
	ok, err := s.client.SetNX(ctx, s.key(msg.ID), raw, s.ttl).Result()
	if err != nil {
		return errors.Wrap(err, "redis message store: setnx")
	}
	if !ok {
		return errors.Wrapf(ErrAlreadyExists, "message %s", msg.ID)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
