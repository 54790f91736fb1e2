package relay

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Event is one framed message on a channel.
type Event struct {
	ID    string
	Name  string
	Retry int
	// Data is either verbatim text or a JSON document, see Text.
	Data []byte
	Text bool
}

func newEvent(id, name string, retry int, payload any) (Event, error) {
	ev := Event{ID: id, Name: name, Retry: retry}
	switch p := payload.(type) {
	case string:
		ev.Data, ev.Text = []byte(p), true
	case []byte:
		ev.Data, ev.Text = p, true
	case json.RawMessage:
		ev.Data = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return Event{}, errors.Wrap(err, "relay: encode payload")
		}
		ev.Data = b
	}
	return ev, nil
}

// EncodeSSE renders ev in text/event-stream framing. Multi-line data is
// split over several data: lines so the client reassembles it verbatim.
func EncodeSSE(ev Event) []byte {
	var buf bytes.Buffer
	buf.WriteString("id: ")
	buf.WriteString(ev.ID)
	buf.WriteByte('\n')
	if ev.Name != "" {
		buf.WriteString("event: ")
		buf.WriteString(ev.Name)
		buf.WriteByte('\n')
	}
	if ev.Retry > 0 {
		buf.WriteString("retry: ")
		buf.WriteString(strconv.Itoa(ev.Retry))
		buf.WriteByte('\n')
	}
	data := strings.ReplaceAll(string(ev.Data), "\r\n", "\n")
	for _, line := range strings.Split(data, "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

type wsEnvelope struct {
	ID    string          `json:"id"`
	Event string          `json:"event,omitempty"`
	Retry int             `json:"retry,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// EncodeWebSocket renders ev as the JSON envelope carried in one text frame.
// Text payloads become JSON strings, JSON payloads are embedded as is.
func EncodeWebSocket(ev Event) ([]byte, error) {
	data := json.RawMessage(ev.Data)
	if ev.Text {
		b, err := json.Marshal(string(ev.Data))
		if err != nil {
			return nil, errors.Wrap(err, "relay: encode text payload")
		}
		data = b
	}
	return json.Marshal(wsEnvelope{ID: ev.ID, Event: ev.Name, Retry: ev.Retry, Data: data})
}
