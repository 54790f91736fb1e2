// Package chat holds the conversation turn model shared by the store, the
// context builder and the conversation service.
package chat

import "strings"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole maps free-form role strings onto the known roles. Unknown
// non-empty values are treated as assistant turns, empty values as user turns.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleSystem:
		return RoleSystem
	case RoleUser, "":
		return RoleUser
	default:
		return RoleAssistant
	}
}

// Message is one committed conversation turn. Messages are never mutated once
// stored; a follow-up turn references its predecessor through ParentMessageID.
type Message struct {
	ID              string `json:"id"`
	Role            Role   `json:"role"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
	Text            string `json:"text"`
	Name            string `json:"name,omitempty"`
}

func (m Message) HasParent() bool {
	return strings.TrimSpace(m.ParentMessageID) != ""
}
