package messagestore

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatproxy/pkg/chat"
)

var (
	// ErrAlreadyExists is returned by Put when a message with the same id is
	// already stored. Stored messages are immutable.
	ErrAlreadyExists = errors.New("message already exists")
	ErrEmptyID       = errors.New("message id is empty")
)

// Store persists conversation turns addressed by message id.
type Store interface {
	Get(ctx context.Context, id string) (chat.Message, bool, error)
	Put(ctx context.Context, msg chat.Message) error
	Close() error
}

func normalizeMessage(msg chat.Message) (chat.Message, error) {
	msg.ID = strings.TrimSpace(msg.ID)
	if msg.ID == "" {
		return chat.Message{}, ErrEmptyID
	}
	msg.ParentMessageID = strings.TrimSpace(msg.ParentMessageID)
	if msg.Role == "" {
		msg.Role = chat.RoleUser
	}
	return msg, nil
}
