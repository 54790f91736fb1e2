package messagestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatproxy/pkg/chat"
)

func newTestSQLiteStore(t *testing.T, maxRows int) *SQLiteStore {
	t.Helper()
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn, maxRows)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t, 0)
	ctx := context.Background()

	in := chat.Message{ID: "m1", Role: chat.RoleSystem, ParentMessageID: "p", Text: "line one\nline two", Name: "ops"}
	require.NoError(t, s.Put(ctx, in))

	out, ok, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, out)

	_, ok, err = s.Get(ctx, "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSQLiteStore_RefusesOverwrite(t *testing.T) {
	s := newTestSQLiteStore(t, 0)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, chat.Message{ID: "m1", Text: "first"}))
	err := s.Put(ctx, chat.Message{ID: "m1", Text: "second"})
	require.True(t, errors.Is(err, ErrAlreadyExists))

	out, _, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, "first", out.Text)
}

func TestSQLiteStore_TrimsLeastRecentlyRead(t *testing.T) {
	s := newTestSQLiteStore(t, 2)
	ctx := context.Background()

	clock := time.UnixMilli(1000)
	s.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}

	require.NoError(t, s.Put(ctx, chat.Message{ID: "a"}))
	require.NoError(t, s.Put(ctx, chat.Message{ID: "b"}))
	_, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Put(ctx, chat.Message{ID: "c"}))

	_, ok, _ = s.Get(ctx, "b")
	require.False(t, ok)
	_, ok, _ = s.Get(ctx, "a")
	require.True(t, ok)
	_, ok, _ = s.Get(ctx, "c")
	require.True(t, ok)
}

func TestSQLiteDSNForFile_RejectsEmpty(t *testing.T) {
	_, err := SQLiteDSNForFile(" ")
	require.Error(t, err)
}
