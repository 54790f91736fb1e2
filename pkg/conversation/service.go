// Package conversation runs one chat turn end to end: it commits the user
// turn, builds the context window, streams the upstream completion onto the
// caller's channel and commits the assistant reply.
package conversation

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatproxy/pkg/chat"
	"github.com/go-go-golems/chatproxy/pkg/contextwindow"
	"github.com/go-go-golems/chatproxy/pkg/eventbus"
	"github.com/go-go-golems/chatproxy/pkg/persistence/messagestore"
	"github.com/go-go-golems/chatproxy/pkg/relay"
	"github.com/go-go-golems/chatproxy/pkg/upstream"
)

const DefaultQueueSize = 16

// Sink is the outbound channel of one client connection.
type Sink interface {
	ID() string
	Send(event string, payload any, opts ...relay.SendOption) error
	Done() <-chan struct{}
}

type WindowBuilder interface {
	Build(ctx context.Context, in contextwindow.Input) (contextwindow.Window, error)
}

type Upstream interface {
	Stream(ctx context.Context, req upstream.Request) (*upstream.Stream, error)
}

type Publisher interface {
	Publish(ctx context.Context, ev eventbus.TurnEvent) error
}

type Config struct {
	Store    messagestore.Store
	Builder  WindowBuilder
	Upstream Upstream
	// Publisher is optional.
	Publisher Publisher
	// SystemMessage returns the system message for a turn started at the
	// given time. Nil means no system message.
	SystemMessage      func(time.Time) string
	Model              string
	CancelOnDisconnect bool
	QueueSize          int
}

type Service struct {
	store              messagestore.Store
	builder            WindowBuilder
	upstream           Upstream
	publisher          Publisher
	systemMessage      func(time.Time) string
	model              string
	cancelOnDisconnect bool
	queueSize          int
	now                func() time.Time
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("conversation: store is nil")
	}
	if cfg.Builder == nil {
		return nil, errors.New("conversation: context builder is nil")
	}
	if cfg.Upstream == nil {
		return nil, errors.New("conversation: upstream is nil")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Service{
		store:              cfg.Store,
		builder:            cfg.Builder,
		upstream:           cfg.Upstream,
		publisher:          cfg.Publisher,
		systemMessage:      cfg.SystemMessage,
		model:              cfg.Model,
		cancelOnDisconnect: cfg.CancelOnDisconnect,
		queueSize:          cfg.QueueSize,
		now:                time.Now,
	}, nil
}

// Turn is one user submission.
type Turn struct {
	Text            string
	MessageID       string
	ParentMessageID string
	Name            string
}

// Outcome reports how a turn ended. Err is informational: it has already
// been rendered onto the sink as an assistant notice.
type Outcome struct {
	UserMessageID      string
	AssistantMessageID string
	Text               string
	Err                error
}

// Converse runs one turn and writes its events to sink. Exactly one [DONE]
// sentinel is sent, whatever the outcome.
func (s *Service) Converse(ctx context.Context, turn Turn, sink Sink) Outcome {
	started := s.now()
	t := &turnState{
		svc:     s,
		sink:    sink,
		turn:    turn,
		started: started,
		event: eventbus.TurnEvent{
			ChannelID:       sink.ID(),
			ParentMessageID: turn.ParentMessageID,
			Model:           s.model,
		},
	}
	defer func() {
		_ = sink.Send("", DoneSentinel)
	}()

	callCtx, cancel := s.callContext(ctx, sink)
	defer cancel()

	out, err := t.run(callCtx)
	if err != nil {
		t.fail(ctx, err)
		out.Err = err
		return out
	}
	t.complete(ctx, out)
	return out
}

func (s *Service) callContext(ctx context.Context, sink Sink) (context.Context, context.CancelFunc) {
	if !s.cancelOnDisconnect {
		return context.WithCancel(context.WithoutCancel(ctx))
	}
	callCtx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-sink.Done():
			cancel()
		case <-callCtx.Done():
		}
	}()
	return callCtx, cancel
}

type turnState struct {
	svc     *Service
	sink    Sink
	turn    Turn
	started time.Time
	event   eventbus.TurnEvent
}

func (t *turnState) run(ctx context.Context) (Outcome, error) {
	s := t.svc
	out := Outcome{}
	userMsg, err := t.commit(ctx, chat.Message{
		ID:              t.userMessageID(),
		Role:            chat.RoleUser,
		ParentMessageID: t.turn.ParentMessageID,
		Text:            t.turn.Text,
		Name:            t.turn.Name,
	})
	if err != nil {
		return out, errors.Wrap(err, "commit user message")
	}
	userID := userMsg.ID
	out.UserMessageID = userID
	t.event.UserMessageID = userID

	systemMessage := ""
	if s.systemMessage != nil {
		systemMessage = s.systemMessage(t.started)
	}
	window, err := s.builder.Build(ctx, contextwindow.Input{
		Text:            t.turn.Text,
		ParentMessageID: t.turn.ParentMessageID,
		SystemMessage:   systemMessage,
		Name:            t.turn.Name,
	})
	if err != nil {
		return out, errors.Wrap(err, "build context")
	}
	t.event.PromptTokens = window.PromptTokens
	t.event.MaxTokens = window.MaxTokens
	log.Debug().Str("component", "conversation").Str("user_message_id", userID).
		Int("turns", len(window.Messages)).Int("prompt_tokens", window.PromptTokens).Int("max_tokens", window.MaxTokens).
		Msg("context built")

	stream, err := s.upstream.Stream(ctx, upstream.Request{Messages: window.Messages, MaxTokens: window.MaxTokens})
	if err != nil {
		return out, err
	}
	defer func() { _ = stream.Close() }()

	fallbackID := uuid.NewString()
	assistantID := ""
	partials, errc := produce(stream, s.queueSize)
	for p := range partials {
		if assistantID == "" {
			assistantID = t.assistantMessageID(ctx, p.ID, fallbackID)
		}
		t.event.Partials++
		if err := t.sink.Send(EventAdd, NewAddPayload(assistantID, p.Role, p.Text)); err != nil {
			log.Warn().Err(err).Str("component", "conversation").Str("channel_id", t.sink.ID()).Msg("could not send partial")
		}
	}
	if err := <-errc; err != nil {
		return out, err
	}

	res, err := stream.Result()
	if err != nil {
		return out, err
	}
	if assistantID == "" {
		assistantID = t.assistantMessageID(ctx, res.ID, fallbackID)
	}
	assistant, err := t.commit(ctx, chat.Message{
		ID:              assistantID,
		Role:            res.Role,
		ParentMessageID: userID,
		Text:            res.Text,
	})
	if err != nil {
		return out, errors.Wrap(err, "commit assistant message")
	}
	out.AssistantMessageID = assistant.ID
	out.Text = res.Text
	return out, nil
}

// produce drains stream into a bounded queue from its own goroutine. errc
// receives exactly one value once partials is closed: nil after [DONE],
// otherwise the terminal error.
func produce(stream *upstream.Stream, size int) (<-chan upstream.Partial, <-chan error) {
	partials := make(chan upstream.Partial, size)
	errc := make(chan error, 1)
	go func() {
		defer close(partials)
		for {
			p, err := stream.Recv()
			if err == io.EOF {
				errc <- nil
				return
			}
			if err != nil {
				errc <- err
				return
			}
			partials <- p
		}
	}()
	return partials, errc
}

// userMessageID is the caller's id, or a new uuid when none was given.
func (t *turnState) userMessageID() string {
	if id := strings.TrimSpace(t.turn.MessageID); id != "" {
		return id
	}
	return uuid.NewString()
}

// assistantMessageID prefers the upstream completion id unless it is empty
// or already names a stored message.
func (t *turnState) assistantMessageID(ctx context.Context, upstreamID, fallback string) string {
	upstreamID = strings.TrimSpace(upstreamID)
	if upstreamID == "" {
		return fallback
	}
	_, exists, err := t.svc.store.Get(ctx, upstreamID)
	if err != nil {
		log.Warn().Err(err).Str("component", "conversation").Str("message_id", upstreamID).Msg("could not check assistant message id, using a new one")
		return fallback
	}
	if exists {
		log.Debug().Str("component", "conversation").Str("message_id", upstreamID).Msg("upstream id already stored, using a new one")
		return fallback
	}
	return upstreamID
}

// commit stores msg. When its id is already taken the message is stored
// under a new uuid instead, and the stored message is returned.
func (t *turnState) commit(ctx context.Context, msg chat.Message) (chat.Message, error) {
	err := t.svc.store.Put(ctx, msg)
	if errors.Is(err, messagestore.ErrAlreadyExists) {
		log.Debug().Str("component", "conversation").Str("message_id", msg.ID).Str("role", string(msg.Role)).
			Msg("message id already stored, using a new one")
		msg.ID = uuid.NewString()
		err = t.svc.store.Put(ctx, msg)
	}
	if err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}

func (t *turnState) fail(ctx context.Context, err error) {
	log.Warn().Err(err).Str("component", "conversation").Str("channel_id", t.sink.ID()).
		Str("user_message_id", t.event.UserMessageID).Msg("turn failed")
	if sendErr := t.sink.Send(EventAdd, NewAddPayload(uuid.NewString(), chat.RoleAssistant, Notice(err))); sendErr != nil {
		log.Warn().Err(sendErr).Str("component", "conversation").Msg("could not send error notice")
	}
	t.event.Type = eventbus.TypeTurnFailed
	t.event.Error = err.Error()
	t.publish(ctx)
}

func (t *turnState) complete(ctx context.Context, out Outcome) {
	log.Info().Str("component", "conversation").Str("channel_id", t.sink.ID()).
		Str("user_message_id", out.UserMessageID).Str("assistant_message_id", out.AssistantMessageID).
		Int("partials", t.event.Partials).Dur("took", t.svc.now().Sub(t.started)).Msg("turn completed")
	t.event.Type = eventbus.TypeTurnCompleted
	t.event.AssistantMessageID = out.AssistantMessageID
	t.event.TextLength = len(out.Text)
	t.publish(ctx)
}

func (t *turnState) publish(ctx context.Context) {
	if t.svc.publisher == nil {
		return
	}
	t.event.DurationMs = t.svc.now().Sub(t.started).Milliseconds()
	if err := t.svc.publisher.Publish(context.WithoutCancel(ctx), t.event); err != nil {
		log.Warn().Err(err).Str("component", "conversation").Str("type", t.event.Type).Msg("could not publish turn event")
	}
}
