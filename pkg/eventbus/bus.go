// Package eventbus publishes conversation turn lifecycle events over watermill.
package eventbus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	TopicTurns = "chatproxy.turns"

	TypeTurnCompleted = "turn.completed"
	TypeTurnFailed    = "turn.failed"

	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// TurnEvent describes how one conversation turn ended.
type TurnEvent struct {
	Type               string    `json:"type"`
	ChannelID          string    `json:"channel_id,omitempty"`
	UserMessageID      string    `json:"user_message_id"`
	AssistantMessageID string    `json:"assistant_message_id,omitempty"`
	ParentMessageID    string    `json:"parent_message_id,omitempty"`
	Model              string    `json:"model,omitempty"`
	PromptTokens       int       `json:"prompt_tokens"`
	MaxTokens          int       `json:"max_tokens"`
	Partials           int       `json:"partials"`
	TextLength         int       `json:"text_length"`
	Error              string    `json:"error,omitempty"`
	DurationMs         int64     `json:"duration_ms"`
	At                 time.Time `json:"at"`
}

type Config struct {
	Backend       string
	RedisAddr     string
	ConsumerGroup string
	Consumer      string
}

type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	closers    []func() error
}

func New(cfg Config) (*Bus, error) {
	logger := NewWatermillLogger(log.Logger)
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		gc := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		return &Bus{publisher: gc, subscriber: gc, closers: []func() error{gc.Close}}, nil
	case BackendRedis:
		return newRedisBus(cfg, logger)
	default:
		return nil, errors.Errorf("unknown event bus backend %q", cfg.Backend)
	}
}

func newRedisBus(cfg Config, logger watermill.LoggerAdapter) (*Bus, error) {
	if cfg.RedisAddr == "" {
		return nil, errors.New("eventbus: redis addr is empty")
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "chatproxy"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = watermill.NewShortUUID()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "eventbus: redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: cfg.ConsumerGroup,
		Consumer:      cfg.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "eventbus: redis subscriber")
	}
	return &Bus{
		publisher:  pub,
		subscriber: sub,
		closers:    []func() error{sub.Close, pub.Close, client.Close},
	}, nil
}

func (b *Bus) Publish(ctx context.Context, ev TurnEvent) error {
	if b == nil || b.publisher == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "eventbus: encode turn event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", ev.Type)
	msg.SetContext(ctx)
	if err := b.publisher.Publish(TopicTurns, msg); err != nil {
		return errors.Wrapf(err, "eventbus: publish %s", ev.Type)
	}
	return nil
}

// Subscribe returns decoded turn events until ctx is cancelled. Messages are
// acked once decoded; undecodable ones are logged and dropped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan TurnEvent, error) {
	if b == nil || b.subscriber == nil {
		return nil, errors.New("eventbus: nil bus")
	}
	msgs, err := b.subscriber.Subscribe(ctx, TopicTurns)
	if err != nil {
		return nil, errors.Wrap(err, "eventbus: subscribe")
	}
	out := make(chan TurnEvent)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev TurnEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn().Err(err).Str("component", "eventbus").Str("message_uuid", msg.UUID).Msg("dropping undecodable turn event")
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RunLogger logs every turn event until ctx is cancelled.
func (b *Bus) RunLogger(ctx context.Context) error {
	events, err := b.Subscribe(ctx)
	if err != nil {
		return err
	}
	for ev := range events {
		e := log.Info()
		if ev.Type == TypeTurnFailed {
			e = log.Warn().Str("error", ev.Error)
		}
		e.Str("component", "eventbus").
			Str("type", ev.Type).
			Str("channel_id", ev.ChannelID).
			Str("user_message_id", ev.UserMessageID).
			Str("assistant_message_id", ev.AssistantMessageID).
			Int("prompt_tokens", ev.PromptTokens).
			Int("partials", ev.Partials).
			Int64("duration_ms", ev.DurationMs).
			Msg("turn finished")
	}
	return nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var first error
	for _, c := range b.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	b.closers = nil
	return first
}
