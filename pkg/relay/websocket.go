package relay

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const wsCloseGrace = time.Second

type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) write(ev Event) error {
	b, err := EncodeWebSocket(ev)
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *wsSink) close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
	return s.conn.Close()
}

// OpenWebSocket registers a channel on an upgraded connection. The caller
// must have finished reading from conn: a read loop is started here to
// observe the peer closing.
func (r *Registry) OpenWebSocket(conn *websocket.Conn) *Channel {
	c := newChannel(uuid.NewString(), "ws", r, &wsSink{conn: conn})
	r.add(c)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				c.disconnected()
				return
			}
		}
	}()
	return c
}
