package conversation

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatproxy/pkg/contextwindow"
	"github.com/go-go-golems/chatproxy/pkg/upstream"
)

// Notice turns a failed turn into the text shown to the user as the
// assistant's reply.
func Notice(err error) string {
	var (
		httpErr    *upstream.HTTPError
		timeoutErr *upstream.TimeoutError
		parseErr   *upstream.StreamParseError
		respErr    *upstream.ResponseError
	)
	switch {
	case errors.As(err, &httpErr):
		switch httpErr.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return "Invalid API key: the completion service rejected the configured credentials."
		case http.StatusTooManyRequests:
			return "The completion service is rate limiting requests. Please try again in a moment."
		default:
			if msg := httpErr.Message(); msg != "" {
				return fmt.Sprintf("The completion service returned HTTP %d: %s", httpErr.StatusCode, msg)
			}
			return fmt.Sprintf("The completion service returned HTTP %d.", httpErr.StatusCode)
		}
	case errors.As(err, &timeoutErr):
		return "The completion service did not answer in time. Please try again."
	case errors.As(err, &parseErr):
		return "The completion service sent a malformed response."
	case errors.As(err, &respErr):
		return "OpenAI error: " + respErr.Detail
	case errors.Is(err, contextwindow.ErrParentCycle):
		return "This conversation's history is inconsistent. Please start a new conversation."
	case errors.Is(err, upstream.ErrStreamTruncated):
		return "The reply was cut off before it finished. Please try again."
	default:
		return "Something went wrong while generating a reply."
	}
}
