package conversation

import (
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatproxy/pkg/contextwindow"
	"github.com/go-go-golems/chatproxy/pkg/upstream"
)

func TestNotice(t *testing.T) {
	require.Contains(t, Notice(&upstream.HTTPError{StatusCode: http.StatusUnauthorized}), "Invalid API key")
	require.Contains(t, Notice(errors.Wrap(&upstream.HTTPError{StatusCode: http.StatusForbidden}, "x")), "Invalid API key")
	require.Contains(t, Notice(&upstream.HTTPError{StatusCode: http.StatusTooManyRequests}), "rate limiting")
	require.Equal(t, "The completion service returned HTTP 502: bad gateway", Notice(&upstream.HTTPError{StatusCode: 502, Body: "bad gateway"}))
	require.Contains(t, Notice(&upstream.TimeoutError{Timeout: "1s"}), "in time")
	require.Contains(t, Notice(&upstream.StreamParseError{Payload: "{"}), "malformed")
	require.Equal(t, "OpenAI error: unknown", Notice(&upstream.ResponseError{Detail: "unknown"}))
	require.Contains(t, Notice(errors.Wrap(contextwindow.ErrParentCycle, "m1")), "inconsistent")
	require.Contains(t, Notice(upstream.ErrStreamTruncated), "cut off")
	require.Equal(t, "Something went wrong while generating a reply.", Notice(errors.New("boom")))
}
