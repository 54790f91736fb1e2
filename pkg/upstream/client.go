// Package upstream talks to an OpenAI-compatible chat completions endpoint.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/go-go-golems/chatproxy/pkg/chat"
)

const (
	DefaultBaseURL         = "https://api.openai.com/v1"
	DefaultModel           = "gpt-3.5-turbo"
	DefaultTemperature     = 0.8
	DefaultTopP            = 1.0
	DefaultPresencePenalty = 1.0
)

type Config struct {
	APIKey          string
	BaseURL         string
	Model           string
	Temperature     float64
	TopP            float64
	PresencePenalty float64
	// Timeout bounds the whole call, stream reading included. Zero means no deadline.
	Timeout time.Duration
	Debug   bool
}

type Request struct {
	Messages  []chat.Message
	MaxTokens int
}

type Result struct {
	ID   string
	Role chat.Role
	Text string
	Raw  json.RawMessage
}

// Partial is one streamed fragment together with the text accumulated so far.
type Partial struct {
	ID    string
	Role  chat.Role
	Delta string
	Text  string
	Raw   json.RawMessage
}

type Client struct {
	cfg       Config
	transport Transport
}

func NewClient(cfg Config, transport Transport) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if transport == nil {
		transport = NewDirectTransport()
	}
	return &Client{cfg: cfg, transport: transport}, nil
}

func (c *Client) Model() string {
	if c == nil {
		return ""
	}
	return c.cfg.Model
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type wireRequest struct {
	Model           string        `json:"model"`
	Temperature     float64       `json:"temperature"`
	TopP            float64       `json:"top_p"`
	PresencePenalty float64       `json:"presence_penalty"`
	MaxTokens       int           `json:"max_tokens"`
	Messages        []wireMessage `json:"messages"`
	Stream          bool          `json:"stream"`
}

func (c *Client) body(req Request, stream bool) ([]byte, error) {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := m.Role
		if role == "" {
			role = chat.RoleUser
		}
		msgs = append(msgs, wireMessage{Role: string(role), Content: m.Text, Name: m.Name})
	}
	return json.Marshal(wireRequest{
		Model:           c.cfg.Model,
		Temperature:     c.cfg.Temperature,
		TopP:            c.cfg.TopP,
		PresencePenalty: c.cfg.PresencePenalty,
		MaxTokens:       req.MaxTokens,
		Messages:        msgs,
		Stream:          stream,
	})
}

// callContext derives the per-call context. The returned cancel must always
// be called once the call settles.
func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, c.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// classify turns a deadline hit on the call context into a TimeoutError.
// Cancellation of the parent context is passed through unchanged.
func (c *Client) classify(parent, call context.Context, err error) error {
	if err == nil {
		return nil
	}
	if parent.Err() == nil && errors.Is(call.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Timeout: c.cfg.Timeout.String()}
	}
	return err
}

func (c *Client) do(ctx context.Context, req Request, stream bool) (*http.Response, error) {
	payload, err := c.body(req, stream)
	if err != nil {
		return nil, errors.Wrap(err, "upstream: marshal request")
	}
	if c.cfg.Debug {
		log.Debug().Str("component", "upstream").Str("model", c.cfg.Model).Int("messages", len(req.Messages)).
			Int("max_tokens", req.MaxTokens).Bool("stream", stream).RawJSON("body", payload).Msg("sending completion request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "upstream: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.transport.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "upstream: request failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if c.cfg.Debug {
			log.Debug().Str("component", "upstream").Int("status", resp.StatusCode).Str("body", string(body)).Msg("completion request rejected")
		}
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return resp, nil
}

// Complete issues a buffered completion request.
func (c *Client) Complete(ctx context.Context, req Request) (Result, error) {
	if c == nil {
		return Result{}, errors.New("upstream: nil client")
	}
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.do(callCtx, req, false)
	if err != nil {
		return Result{}, c.classify(ctx, callCtx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, c.classify(ctx, callCtx, errors.Wrap(err, "upstream: read response"))
	}
	if c.cfg.Debug {
		log.Debug().Str("component", "upstream").Str("body", string(body)).Msg("completion response")
	}
	raw := string(body)
	if !gjson.Valid(raw) {
		return Result{}, &StreamParseError{Payload: raw}
	}
	choice := gjson.Get(raw, "choices.0")
	if !choice.Exists() {
		return Result{}, responseErrorFrom(raw)
	}
	role := chat.RoleAssistant
	if r := choice.Get("message.role").String(); r != "" {
		role = chat.ParseRole(r)
	}
	return Result{
		ID:   gjson.Get(raw, "id").String(),
		Role: role,
		Text: strings.TrimSpace(choice.Get("message.content").String()),
		Raw:  json.RawMessage(body),
	}, nil
}

// Stream issues a streaming completion request. The returned Stream must be
// closed by the caller.
func (c *Client) Stream(ctx context.Context, req Request) (*Stream, error) {
	if c == nil {
		return nil, errors.New("upstream: nil client")
	}
	callCtx, cancel := c.callContext(ctx)
	resp, err := c.do(callCtx, req, true)
	if err != nil {
		err = c.classify(ctx, callCtx, err)
		cancel()
		return nil, err
	}
	return newStream(c, ctx, callCtx, cancel, resp.Body), nil
}
