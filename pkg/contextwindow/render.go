package contextwindow

import (
	"strings"

	"github.com/go-go-golems/chatproxy/pkg/chat"
)

func Label(role chat.Role) string {
	switch role {
	case chat.RoleSystem:
		return "Instructions"
	case chat.RoleUser:
		return "User"
	default:
		return "ChatGPT"
	}
}

// Render flattens turns into the string used for token estimation. It is
// never sent upstream.
func Render(msgs []chat.Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(Label(m.Role))
		sb.WriteString(":")
		sb.WriteString(m.Text)
	}
	return sb.String()
}
