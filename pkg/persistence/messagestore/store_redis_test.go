//go:build integration

package messagestore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatproxy/pkg/chat"
)

func TestRedisStore_RoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	s, err := NewRedisStore(ctx, RedisConfig{Addr: addr, Prefix: "chatproxy-test-" + uuid.NewString() + ":", TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	in := chat.Message{ID: "m1", Role: chat.RoleAssistant, ParentMessageID: "u1", Text: "hi"}
	require.NoError(t, s.Put(ctx, in))
	out, ok, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, out)

	err = s.Put(ctx, in)
	require.True(t, errors.Is(err, ErrAlreadyExists))

	_, ok, err = s.Get(ctx, "m2")
	require.NoError(t, err)
	require.False(t, ok)
}
