package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/go-go-golems/chatproxy/pkg/chat"
)

const doneMarker = "[DONE]"

var errStreamClosed = errors.New("upstream: stream closed")

// Stream reads server-sent completion chunks. It is not safe for concurrent
// use; one goroutine calls Recv until it returns an error.
type Stream struct {
	client *Client
	parent context.Context
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	reader *bufio.Reader

	result Result
	text   strings.Builder
	sawEOF bool
	err    error
}

func newStream(c *Client, parent, ctx context.Context, cancel context.CancelFunc, body io.ReadCloser) *Stream {
	return &Stream{
		client: c,
		parent: parent,
		ctx:    ctx,
		cancel: cancel,
		body:   body,
		reader: bufio.NewReaderSize(body, 32<<10),
		result: Result{Role: chat.RoleAssistant},
	}
}

// Recv returns the next partial. After the [DONE] marker it returns io.EOF;
// any other error is terminal and repeated on subsequent calls.
func (s *Stream) Recv() (Partial, error) {
	if s == nil {
		return Partial{}, errors.New("upstream: nil stream")
	}
	for s.err == nil {
		payload, err := s.nextPayload()
		if err != nil {
			s.finish(s.client.classify(s.parent, s.ctx, err))
			break
		}
		if payload == doneMarker {
			s.finish(io.EOF)
			break
		}
		p, ok, err := s.apply(payload)
		if err != nil {
			s.finish(err)
			break
		}
		if ok {
			return p, nil
		}
	}
	return Partial{}, s.err
}

// Result returns the final result once Recv has returned io.EOF.
func (s *Stream) Result() (Result, error) {
	if s == nil {
		return Result{}, errors.New("upstream: nil stream")
	}
	switch {
	case s.err == nil:
		return Result{}, errors.New("upstream: stream still open")
	case s.err == io.EOF:
		return s.result, nil
	default:
		return Result{}, s.err
	}
}

// Close aborts the underlying request if the stream has not finished.
func (s *Stream) Close() error {
	if s == nil {
		return nil
	}
	if s.err == nil {
		s.finish(errStreamClosed)
	}
	return nil
}

func (s *Stream) finish(err error) {
	s.err = err
	if err == io.EOF {
		s.result.Text = strings.TrimSpace(s.text.String())
	}
	s.cancel()
	_ = s.body.Close()
}

// nextPayload returns the data of the next event. Multiple data lines of one
// event are joined with newlines; other SSE fields and comments are ignored.
func (s *Stream) nextPayload() (string, error) {
	var data []string
	for {
		if s.sawEOF {
			if len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			return "", ErrStreamTruncated
		}
		line, err := s.reader.ReadBytes('\n')
		if err == io.EOF {
			s.sawEOF = true
		} else if err != nil {
			return "", errors.Wrap(err, "upstream: read stream")
		}
		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			if len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			continue
		}
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		value := bytes.TrimPrefix(line, []byte("data:"))
		value = bytes.TrimPrefix(value, []byte(" "))
		data = append(data, string(value))
	}
}

func (s *Stream) apply(payload string) (Partial, bool, error) {
	if s.client.cfg.Debug {
		log.Debug().Str("component", "upstream").Str("payload", payload).Msg("stream chunk")
	}
	if !gjson.Valid(payload) {
		return Partial{}, false, &StreamParseError{Payload: payload}
	}
	parsed := gjson.Parse(payload)
	if parsed.Get("error").Exists() {
		return Partial{}, false, responseErrorFrom(payload)
	}
	if id := parsed.Get("id").String(); id != "" {
		s.result.ID = id
	}
	delta := parsed.Get("choices.0.delta")
	if role := delta.Get("role").String(); role != "" {
		s.result.Role = chat.ParseRole(role)
	}
	content := delta.Get("content").String()
	if content == "" {
		return Partial{}, false, nil
	}
	s.text.WriteString(content)
	s.result.Raw = json.RawMessage(payload)
	return Partial{
		ID:    s.result.ID,
		Role:  s.result.Role,
		Delta: content,
		Text:  s.text.String(),
		Raw:   json.RawMessage(payload),
	}, true, nil
}
