package upstream

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

var (
	ErrMissingAPIKey = errors.New("upstream: api key is not configured")
	// ErrStreamTruncated is returned when the body ends before the [DONE] marker.
	ErrStreamTruncated = errors.WithMessage(io.ErrUnexpectedEOF, "upstream: stream ended before [DONE]")
)

// HTTPError is a non-2xx reply from the completion service.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	msg := e.Message()
	if msg == "" {
		return fmt.Sprintf("upstream: http %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("upstream: http %d: %s", e.StatusCode, msg)
}

// Message extracts the vendor error message from the body when it is JSON,
// otherwise it returns the trimmed body.
func (e *HTTPError) Message() string {
	if gjson.Valid(e.Body) {
		for _, path := range []string{"error.message", "detail.message", "detail", "message"} {
			if v := gjson.Get(e.Body, path); v.Type == gjson.String && v.Str != "" {
				return v.Str
			}
		}
	}
	return truncate(strings.TrimSpace(e.Body), 400)
}

// StreamParseError is a chunk payload that is not valid JSON.
type StreamParseError struct {
	Payload string
}

func (e *StreamParseError) Error() string {
	return fmt.Sprintf("upstream: malformed stream payload %q", truncate(e.Payload, 200))
}

type TimeoutError struct {
	Timeout string
}

func (e *TimeoutError) Error() string {
	return "upstream: request timed out after " + e.Timeout
}

// ResponseError is a 2xx reply that carries no completion choices.
type ResponseError struct {
	Detail string
	Raw    string
}

func (e *ResponseError) Error() string {
	return "upstream: OpenAI error: " + e.Detail
}

func responseErrorFrom(raw string) *ResponseError {
	detail := "unknown"
	for _, path := range []string{"detail.message", "detail", "error.message"} {
		if v := gjson.Get(raw, path); v.Exists() && v.String() != "" {
			detail = v.String()
			break
		}
	}
	return &ResponseError{Detail: detail, Raw: raw}
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
