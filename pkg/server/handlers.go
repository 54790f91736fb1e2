package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatproxy/pkg/conversation"
	"github.com/go-go-golems/chatproxy/pkg/relay"
)

const (
	maxRequestBody   = 1 << 20
	wsFirstFrameWait = 30 * time.Second
)

// Converser runs one conversation turn onto a sink.
type Converser interface {
	Converse(ctx context.Context, turn conversation.Turn, sink conversation.Sink) conversation.Outcome
}

// ConversationRequest is the body the webapp posts to /conversation.
type ConversationRequest struct {
	Action          string                `json:"action,omitempty"`
	Messages        []ConversationMessage `json:"messages"`
	ParentMessageID string                `json:"parent_message_id,omitempty"`
	Model           string                `json:"model,omitempty"`
}

type ConversationMessage struct {
	ID     string `json:"id,omitempty"`
	Author struct {
		Role string `json:"role,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"author"`
	Content struct {
		ContentType string   `json:"content_type,omitempty"`
		Parts       []string `json:"parts"`
	} `json:"content"`
}

// Turn extracts the new turn from the first message. Missing messages or
// parts yield an empty text.
func (r ConversationRequest) Turn() conversation.Turn {
	turn := conversation.Turn{ParentMessageID: strings.TrimSpace(r.ParentMessageID)}
	if len(r.Messages) == 0 {
		return turn
	}
	m := r.Messages[0]
	turn.MessageID = m.ID
	turn.Name = m.Author.Name
	if len(m.Content.Parts) > 0 {
		turn.Text = m.Content.Parts[0]
	}
	return turn
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "server").Msg("response write failed")
	}
}

func handleModerations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"blocked":       false,
		"flagged":       false,
		"moderation_id": uuid.NewString(),
	})
}

func handleConversations(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"items":  []any{},
		"total":  0,
		"limit":  20,
		"offset": 0,
	})
}

func handleGenTitle(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"title": ""})
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// NewConversationHandler answers POST /conversation with a server-sent event
// stream carrying the turn.
func NewConversationHandler(svc Converser, registry *relay.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if svc == nil || registry == nil {
			http.Error(w, "conversation service not initialized", http.StatusServiceUnavailable)
			return
		}
		var body ConversationRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxRequestBody)).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		ch, err := registry.OpenSSE(w, req)
		if err != nil {
			log.Error().Err(err).Str("component", "server").Msg("could not open event stream")
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		defer func() { _ = ch.Close() }()
		svc.Converse(req.Context(), body.Turn(), ch)
	}
}

// NewConversationWSHandler serves the websocket variant: the first text frame
// carries the same JSON body as POST /conversation, events come back as
// frames and the socket is closed after [DONE].
func NewConversationWSHandler(svc Converser, registry *relay.Registry, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if svc == nil || registry == nil {
			http.Error(w, "conversation service not initialized", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		conn.SetReadLimit(maxRequestBody)
		_ = conn.SetReadDeadline(time.Now().Add(wsFirstFrameWait))
		var body ConversationRequest
		if err := conn.ReadJSON(&body); err != nil {
			log.Debug().Err(err).Str("component", "server").Msg("websocket request frame invalid")
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"invalid request frame"}`))
			_ = conn.Close()
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		ch := registry.OpenWebSocket(conn)
		defer func() { _ = ch.Close() }()
		svc.Converse(req.Context(), body.Turn(), ch)
	}
}
