// Package contextwindow assembles the turn list sent upstream for one request.
//
// The builder walks the parent chain backwards from the new turn and keeps
// the longest run of recent ancestors whose rendered prompt fits into
// MaxModelTokens - MaxResponseTokens. Ancestors are spliced in right after
// the system slot, so the oldest accepted ancestor ends up first.
package contextwindow

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatproxy/pkg/chat"
	"github.com/go-go-golems/chatproxy/pkg/persistence/messagestore"
	"github.com/go-go-golems/chatproxy/pkg/tokens"
)

const (
	DefaultMaxModelTokens    = 4000
	DefaultMaxResponseTokens = 1000
)

// ErrParentCycle is returned when a parent id is seen twice in one walk.
var ErrParentCycle = errors.New("parent chain contains a cycle")

type Config struct {
	Store             messagestore.Store
	Counter           tokens.Counter
	MaxModelTokens    int
	MaxResponseTokens int
}

type Builder struct {
	store             messagestore.Store
	counter           tokens.Counter
	maxModelTokens    int
	maxResponseTokens int
}

func NewBuilder(cfg Config) (*Builder, error) {
	if cfg.Store == nil {
		return nil, errors.New("contextwindow: store is nil")
	}
	if cfg.Counter == nil {
		return nil, errors.New("contextwindow: token counter is nil")
	}
	if cfg.MaxModelTokens <= 0 {
		cfg.MaxModelTokens = DefaultMaxModelTokens
	}
	if cfg.MaxResponseTokens <= 0 {
		cfg.MaxResponseTokens = DefaultMaxResponseTokens
	}
	return &Builder{
		store:             cfg.Store,
		counter:           cfg.Counter,
		maxModelTokens:    cfg.MaxModelTokens,
		maxResponseTokens: cfg.MaxResponseTokens,
	}, nil
}

type Input struct {
	Text            string
	ParentMessageID string
	SystemMessage   string
	Name            string
}

type Window struct {
	Messages     []chat.Message
	PromptTokens int
	// MaxTokens is the completion budget left for the upstream call.
	MaxTokens int
}

func (b *Builder) Budget() int {
	if b == nil {
		return 0
	}
	return b.maxModelTokens - b.maxResponseTokens
}

func (b *Builder) Build(ctx context.Context, in Input) (Window, error) {
	if b == nil {
		return Window{}, errors.New("contextwindow: nil builder")
	}
	budget := b.Budget()

	candidate := make([]chat.Message, 0, 4)
	systemSlot := 0
	if in.SystemMessage != "" {
		candidate = append(candidate, chat.Message{Role: chat.RoleSystem, Text: in.SystemMessage})
		systemSlot = 1
	}
	candidate = append(candidate, chat.Message{Role: chat.RoleUser, Text: in.Text, Name: in.Name})

	var (
		accepted      []chat.Message
		acceptedCount int
		parentID      = in.ParentMessageID
		visited       = map[string]struct{}{}
	)

	for {
		if err := ctx.Err(); err != nil {
			return Window{}, err
		}
		count, err := b.counter.Count(Render(candidate))
		if err != nil {
			return Window{}, errors.Wrap(err, "contextwindow: count tokens")
		}
		fits := count <= budget
		if !fits && accepted != nil {
			log.Debug().Str("component", "contextwindow").Int("tokens", count).Int("budget", budget).Msg("candidate over budget, keeping previous window")
			break
		}
		accepted = append([]chat.Message(nil), candidate...)
		acceptedCount = count
		if !fits {
			log.Debug().Str("component", "contextwindow").Int("tokens", count).Int("budget", budget).Msg("new turn alone exceeds budget")
			break
		}
		if parentID == "" {
			break
		}
		if _, seen := visited[parentID]; seen {
			return Window{}, errors.Wrapf(ErrParentCycle, "message %s", parentID)
		}
		visited[parentID] = struct{}{}

		parent, ok, err := b.store.Get(ctx, parentID)
		if err != nil {
			return Window{}, errors.Wrapf(err, "contextwindow: load parent %s", parentID)
		}
		if !ok {
			log.Debug().Str("component", "contextwindow").Str("parent_id", parentID).Msg("parent not found, truncating history")
			break
		}

		role := parent.Role
		if role == "" {
			role = chat.RoleUser
		}
		turn := chat.Message{ID: parent.ID, Role: role, ParentMessageID: parent.ParentMessageID, Text: parent.Text, Name: parent.Name}
		candidate = append(candidate[:systemSlot], append([]chat.Message{turn}, candidate[systemSlot:]...)...)
		parentID = parent.ParentMessageID
	}

	return Window{
		Messages:     accepted,
		PromptTokens: acceptedCount,
		MaxTokens:    max(1, min(b.maxModelTokens-acceptedCount, b.maxResponseTokens)),
	}, nil
}
