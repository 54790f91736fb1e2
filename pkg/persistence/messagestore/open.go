package messagestore

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

type Options struct {
	Backend    string
	Capacity   int
	SQLitePath string
	RedisAddr  string
	RedisTTL   time.Duration
}

// Open builds the Store named by opts.Backend. An empty backend selects the
// in-memory LRU store.
func Open(ctx context.Context, opts Options) (Store, error) {
	backend := strings.ToLower(strings.TrimSpace(opts.Backend))
	switch backend {
	case "", BackendMemory:
		log.Info().Str("component", "messagestore").Str("backend", BackendMemory).Int("capacity", opts.Capacity).Msg("opening message store")
		return NewInMemoryStore(opts.Capacity)
	case BackendSQLite:
		dsn, err := SQLiteDSNForFile(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info().Str("component", "messagestore").Str("backend", BackendSQLite).Str("path", opts.SQLitePath).Int("max_rows", opts.Capacity).Msg("opening message store")
		return NewSQLiteStore(dsn, opts.Capacity)
	case BackendRedis:
		log.Info().Str("component", "messagestore").Str("backend", BackendRedis).Str("addr", opts.RedisAddr).Dur("ttl", opts.RedisTTL).Msg("opening message store")
		return NewRedisStore(ctx, RedisConfig{Addr: opts.RedisAddr, TTL: opts.RedisTTL})
	default:
		return nil, errors.Errorf("unknown message store backend %q", opts.Backend)
	}
}
