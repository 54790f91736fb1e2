package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestChannel_SSEFramingAndOrder(t *testing.T) {
	reg := NewRegistry()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ch, err := reg.OpenSSE(w, r)
		require.NoError(t, err)
		defer func() { _ = ch.Close() }()
		require.NoError(t, ch.Send("add", map[string]string{"text": "A"}))
		require.NoError(t, ch.Send("add", map[string]string{"text": "AB"}))
		require.NoError(t, ch.Send("", "[DONE]", WithID("final")))
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	require.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t,
		"id: 0\nevent: add\ndata: {\"text\":\"A\"}\n\n"+
			"id: 1\nevent: add\ndata: {\"text\":\"AB\"}\n\n"+
			"id: final\ndata: [DONE]\n\n",
		string(body))
	require.Equal(t, 0, reg.Len())
}

func TestChannel_PreservesSendOrder(t *testing.T) {
	reg := NewRegistry()
	rec := httptest.NewRecorder()
	ch, err := reg.OpenSSE(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, ch.Send("n", i))
	}
	require.NoError(t, ch.Close())

	var got []string
	sc := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			got = append(got, v)
		}
	}
	require.Len(t, got, 50)
	for i, v := range got {
		require.Equal(t, fmt.Sprint(i), v)
	}
}

func TestChannel_SendAfterCloseIsNoop(t *testing.T) {
	reg := NewRegistry()
	rec := httptest.NewRecorder()
	ch, err := reg.OpenSSE(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())
	found, ok := reg.Lookup(ch.ID())
	require.True(t, ok)
	require.Same(t, ch, found)

	require.NoError(t, ch.Close())
	require.Equal(t, 0, reg.Len())
	before := rec.Body.Len()
	require.NoError(t, ch.Send("add", "late"))
	require.Equal(t, before, rec.Body.Len())
	require.NoError(t, ch.Close())

	select {
	case <-ch.Done():
	default:
		t.Fatal("done not closed")
	}
}

func TestChannel_RemovedOnPeerDisconnect(t *testing.T) {
	reg := NewRegistry()
	opened := make(chan *Channel, 1)
	finished := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(finished)
		ch, err := reg.OpenSSE(w, r)
		require.NoError(t, err)
		opened <- ch
		<-ch.Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	ch := <-opened
	require.Equal(t, 1, reg.Len())
	cancel()
	_ = resp.Body.Close()

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not observe disconnect")
	}
	require.Equal(t, 0, reg.Len())
	require.NoError(t, ch.Send("add", "ignored"))
}

func TestChannel_WebSocket(t *testing.T) {
	reg := NewRegistry()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		ch := reg.OpenWebSocket(conn)
		require.NoError(t, ch.Send("add", map[string]string{"text": "A"}))
		require.NoError(t, ch.Send("", "[DONE]"))
		require.NoError(t, ch.Close())
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	var frames []string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
		frames = append(frames, string(data))
	}
	require.Len(t, frames, 2)
	require.JSONEq(t, `{"id":"0","event":"add","data":{"text":"A"}}`, frames[0])
	require.JSONEq(t, `{"id":"1","data":"[DONE]"}`, frames[1])
	require.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestRegistry_CloseAll(t *testing.T) {
	reg := NewRegistry()
	for i := 0; i < 3; i++ {
		_, err := reg.OpenSSE(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		require.NoError(t, err)
	}
	require.Equal(t, 3, reg.Len())
	reg.CloseAll()
	require.Equal(t, 0, reg.Len())
}
