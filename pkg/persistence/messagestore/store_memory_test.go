package messagestore

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatproxy/pkg/chat"
)

func TestInMemoryStore_RoundTrip(t *testing.T) {
	s, err := NewInMemoryStore(4)
	require.NoError(t, err)
	ctx := context.Background()

	in := chat.Message{ID: "m1", Role: chat.RoleAssistant, ParentMessageID: "u1", Text: "hello", Name: "bot"}
	require.NoError(t, s.Put(ctx, in))

	out, ok, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, out)

	_, ok, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInMemoryStore_RefusesOverwrite(t *testing.T) {
	s, err := NewInMemoryStore(4)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, chat.Message{ID: "m1", Text: "first"}))
	err = s.Put(ctx, chat.Message{ID: "m1", Text: "second"})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrAlreadyExists))

	out, ok, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "first", out.Text)
	require.Equal(t, chat.RoleUser, out.Role)
}

func TestInMemoryStore_EmptyID(t *testing.T) {
	s, err := NewInMemoryStore(0)
	require.NoError(t, err)
	err = s.Put(context.Background(), chat.Message{ID: "  "})
	require.True(t, errors.Is(err, ErrEmptyID))
}

func TestInMemoryStore_EvictsLeastRecentlyUsed(t *testing.T) {
	s, err := NewInMemoryStore(2)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, chat.Message{ID: "a"}))
	require.NoError(t, s.Put(ctx, chat.Message{ID: "b"}))

	// touching a makes b the eviction candidate
	_, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Put(ctx, chat.Message{ID: "c"}))
	require.Equal(t, 2, s.Len())

	_, ok, _ = s.Get(ctx, "b")
	require.False(t, ok)
	_, ok, _ = s.Get(ctx, "a")
	require.True(t, ok)
	_, ok, _ = s.Get(ctx, "c")
	require.True(t, ok)
}

func TestOpen_SelectsBackend(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{})
	require.NoError(t, err)
	_, isMem := s.(*InMemoryStore)
	require.True(t, isMem)

	s, err = Open(ctx, Options{Backend: "sqlite", SQLitePath: t.TempDir() + "/m.db"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	_, isSQLite := s.(*SQLiteStore)
	require.True(t, isSQLite)

	_, err = Open(ctx, Options{Backend: "etcd"})
	require.Error(t, err)
}
