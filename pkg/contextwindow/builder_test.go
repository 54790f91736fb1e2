package contextwindow

import (
	"context"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatproxy/pkg/chat"
	"github.com/go-go-golems/chatproxy/pkg/persistence/messagestore"
	"github.com/go-go-golems/chatproxy/pkg/tokens"
)

// charCounter counts one token per byte so budgets are easy to reason about.
var charCounter = tokens.CounterFunc(func(text string) (int, error) { return len(text), nil })

func newStore(t *testing.T, msgs ...chat.Message) messagestore.Store {
	t.Helper()
	s, err := messagestore.NewInMemoryStore(100)
	require.NoError(t, err)
	for _, m := range msgs {
		require.NoError(t, s.Put(context.Background(), m))
	}
	return s
}

func newBuilder(t *testing.T, store messagestore.Store, maxModel, maxResponse int) *Builder {
	t.Helper()
	b, err := NewBuilder(Config{Store: store, Counter: charCounter, MaxModelTokens: maxModel, MaxResponseTokens: maxResponse})
	require.NoError(t, err)
	return b
}

func texts(w Window) []string {
	ret := make([]string, 0, len(w.Messages))
	for _, m := range w.Messages {
		ret = append(ret, string(m.Role)+":"+m.Text)
	}
	return ret
}

func TestRender(t *testing.T) {
	got := Render([]chat.Message{
		{Role: chat.RoleSystem, Text: "be brief"},
		{Role: chat.RoleUser, Text: "hi"},
		{Role: chat.RoleAssistant, Text: "hello"},
	})
	require.Equal(t, "Instructions:be brief\n\nUser:hi\n\nChatGPT:hello", got)
}

func TestBuild_HelloWithSystemMessage(t *testing.T) {
	b := newBuilder(t, newStore(t), 100, 50)

	w, err := b.Build(context.Background(), Input{Text: "Hello", SystemMessage: "sys"})
	require.NoError(t, err)
	require.Equal(t, []string{"system:sys", "user:Hello"}, texts(w))
	require.Equal(t, len("Instructions:sys\n\nUser:Hello"), w.PromptTokens)
	require.Equal(t, 50, w.MaxTokens)
}

func TestBuild_OversizedFirstCandidateIsKept(t *testing.T) {
	b := newBuilder(t, newStore(t, chat.Message{ID: "p", Text: "earlier"}), 20, 10)

	w, err := b.Build(context.Background(), Input{Text: "Hello", SystemMessage: "sys", ParentMessageID: "p"})
	require.NoError(t, err)
	require.Equal(t, []string{"system:sys", "user:Hello"}, texts(w))
	require.Equal(t, 28, w.PromptTokens)
	require.Equal(t, 1, w.MaxTokens)
}

func TestBuild_AncestorsInChronologicalOrder(t *testing.T) {
	store := newStore(t,
		chat.Message{ID: "u1", Role: chat.RoleUser, Text: "a"},
		chat.Message{ID: "a1", Role: chat.RoleAssistant, ParentMessageID: "u1", Text: "b", Name: "bot"},
	)
	b := newBuilder(t, store, 1000, 10)

	w, err := b.Build(context.Background(), Input{Text: "c", ParentMessageID: "a1", SystemMessage: "s"})
	require.NoError(t, err)
	require.Equal(t, []string{"system:s", "user:a", "assistant:b", "user:c"}, texts(w))
	require.Equal(t, "a1", w.Messages[2].ID)
	require.Equal(t, "bot", w.Messages[2].Name)
	require.Equal(t, len(Render(w.Messages)), w.PromptTokens)
}

func TestBuild_StopsAtBudget(t *testing.T) {
	store := newStore(t,
		chat.Message{ID: "u1", Role: chat.RoleUser, Text: "a"},
		chat.Message{ID: "a1", Role: chat.RoleAssistant, ParentMessageID: "u1", Text: "b"},
	)
	// "ChatGPT:b\n\nUser:c" is 17 tokens, adding "User:a" makes 25.
	b := newBuilder(t, store, 30, 10)

	w, err := b.Build(context.Background(), Input{Text: "c", ParentMessageID: "a1"})
	require.NoError(t, err)
	require.Equal(t, []string{"assistant:b", "user:c"}, texts(w))
	require.Equal(t, 17, w.PromptTokens)
	require.Equal(t, 10, w.MaxTokens)
}

func TestBuild_NeverExceedsBudget(t *testing.T) {
	var msgs []chat.Message
	parent := ""
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("m%d", i)
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		msgs = append(msgs, chat.Message{ID: id, Role: role, ParentMessageID: parent, Text: fmt.Sprintf("turn number %d", i)})
		parent = id
	}
	store := newStore(t, msgs...)

	for budget := 1; budget <= 300; budget += 7 {
		b := newBuilder(t, store, budget+100, 100)
		in := Input{Text: "latest question", ParentMessageID: parent, SystemMessage: "sys"}
		w, err := b.Build(context.Background(), in)
		require.NoError(t, err)

		bare := len(Render([]chat.Message{{Role: chat.RoleSystem, Text: "sys"}, {Role: chat.RoleUser, Text: "latest question"}}))
		if bare > budget {
			require.Len(t, w.Messages, 2, "budget %d", budget)
			continue
		}
		require.LessOrEqual(t, w.PromptTokens, budget, "budget %d", budget)
		require.Equal(t, chat.RoleSystem, w.Messages[0].Role)
		require.Equal(t, "latest question", w.Messages[len(w.Messages)-1].Text)
	}
}

func TestBuild_Deterministic(t *testing.T) {
	store := newStore(t,
		chat.Message{ID: "u1", Role: chat.RoleUser, Text: "first"},
		chat.Message{ID: "a1", Role: chat.RoleAssistant, ParentMessageID: "u1", Text: "second"},
	)
	b := newBuilder(t, store, 60, 20)
	in := Input{Text: "third", ParentMessageID: "a1", SystemMessage: "sys"}

	w1, err := b.Build(context.Background(), in)
	require.NoError(t, err)
	w2, err := b.Build(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, w1, w2)
}

func TestBuild_MissingParentIsNotAnError(t *testing.T) {
	b := newBuilder(t, newStore(t), 100, 10)

	w, err := b.Build(context.Background(), Input{Text: "Hello", ParentMessageID: "ghost"})
	require.NoError(t, err)
	require.Equal(t, []string{"user:Hello"}, texts(w))
}

func TestBuild_StopsAtFirstMissingLink(t *testing.T) {
	store := newStore(t,
		chat.Message{ID: "root", Role: chat.RoleUser, Text: "never reached"},
		chat.Message{ID: "a1", Role: chat.RoleAssistant, ParentMessageID: "evicted", Text: "b"},
	)
	b := newBuilder(t, store, 1000, 10)

	w, err := b.Build(context.Background(), Input{Text: "c", ParentMessageID: "a1"})
	require.NoError(t, err)
	require.Equal(t, []string{"assistant:b", "user:c"}, texts(w))
}

func TestBuild_EmptyTextStillOccupiesTurn(t *testing.T) {
	b := newBuilder(t, newStore(t), 100, 10)

	w, err := b.Build(context.Background(), Input{})
	require.NoError(t, err)
	require.Equal(t, []string{"user:"}, texts(w))
	require.Equal(t, len("User:"), w.PromptTokens)
}

func TestBuild_DetectsParentCycle(t *testing.T) {
	store := newStore(t,
		chat.Message{ID: "x", Role: chat.RoleUser, ParentMessageID: "y", Text: "x"},
		chat.Message{ID: "y", Role: chat.RoleAssistant, ParentMessageID: "x", Text: "y"},
	)
	b := newBuilder(t, store, 10000, 10)

	_, err := b.Build(context.Background(), Input{Text: "z", ParentMessageID: "x"})
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrParentCycle))
}

type failingStore struct{ messagestore.Store }

func (failingStore) Get(context.Context, string) (chat.Message, bool, error) {
	return chat.Message{}, false, errors.New("backend down")
}

func TestBuild_PropagatesStoreErrors(t *testing.T) {
	b := newBuilder(t, failingStore{}, 100, 10)

	_, err := b.Build(context.Background(), Input{Text: "a", ParentMessageID: "p"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "backend down")
}

func TestNewBuilder_Defaults(t *testing.T) {
	b, err := NewBuilder(Config{Store: newStore(t), Counter: charCounter})
	require.NoError(t, err)
	require.Equal(t, DefaultMaxModelTokens-DefaultMaxResponseTokens, b.Budget())

	_, err = NewBuilder(Config{Counter: charCounter})
	require.Error(t, err)
}
