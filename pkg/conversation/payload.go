package conversation

import "github.com/go-go-golems/chatproxy/pkg/chat"

const (
	EventAdd     = "add"
	DoneSentinel = "[DONE]"
)

// AddPayload is the body of an "add" event, shaped like the webapp backend's
// conversation stream.
type AddPayload struct {
	Message WireMessage `json:"message"`
	Error   *string     `json:"error"`
}

type WireMessage struct {
	ID         string         `json:"id"`
	Role       string         `json:"role"`
	User       *string        `json:"user"`
	CreateTime *string        `json:"create_time"`
	UpdateTime *string        `json:"update_time"`
	EndTurn    *bool          `json:"end_turn"`
	Weight     int            `json:"weight"`
	Recipient  string         `json:"recipient"`
	Metadata   map[string]any `json:"metadata"`
	Content    WireContent    `json:"content"`
}

type WireContent struct {
	ContentType string   `json:"content_type"`
	Parts       []string `json:"parts"`
}

func NewAddPayload(id string, role chat.Role, text string) AddPayload {
	return AddPayload{
		Message: WireMessage{
			ID:        id,
			Role:      string(role),
			Recipient: "all",
			Content:   WireContent{ContentType: "text", Parts: []string{text}},
		},
	}
}
