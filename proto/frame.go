// Package proto implements the Socket.IO-flavored framing the trading
// platform speaks over a single websocket: engine.io control frames as
// short text messages, events as `42["name",args...]` text frames, and
// bulk payloads delivered as binary frames announced by a `451-["name",...]`
// header frame.
package proto

import (
	"bytes"
	"encoding/json"

	"github.com/juju/errors"
)

// FrameType represents the wire-level kind of a single websocket message.
type FrameType int32

const (
	FrameUnknown FrameType = iota

	// FrameOpen is the engine.io session opener: "0" followed by a JSON
	// object with the session id and ping settings.
	FrameOpen

	// FramePing is the server's engine.io heartbeat probe: "2".
	FramePing

	// FramePong is the heartbeat reply: "3".
	FramePong

	// FrameConnect is the namespace attach message "40". The server echoes
	// it back with a JSON object appended once the namespace is ready.
	FrameConnect

	// FrameEvent is a text event: `42["name",args...]`.
	FrameEvent

	// FrameEventHeader is a binary-event announcement: `45<n>-["name",...]`.
	// The payload arrives in the next n binary frames.
	FrameEventHeader

	// FramePayload is a binary frame carrying bare JSON. It belongs to the
	// most recent FrameEventHeader.
	FramePayload
)

// FrameTypeNames contains human-readable names of frame types.
var FrameTypeNames = map[FrameType]string{
	FrameUnknown:     "unknown",
	FrameOpen:        "open",
	FramePing:        "ping",
	FramePong:        "pong",
	FrameConnect:     "connect",
	FrameEvent:       "event",
	FrameEventHeader: "event-header",
	FramePayload:     "payload",
}

func (t FrameType) String() string {
	if name, ok := FrameTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Control frames sent by the client verbatim.
var (
	PongMessage      = []byte("3")
	ConnectMessage   = []byte("40")
	KeepAliveMessage = []byte(`42["ps"]`)
)

// Frame is a single classified websocket message.
type Frame struct {
	Type FrameType

	// Name is the event name; set for FrameEvent and FrameEventHeader.
	Name string

	// Arg is the raw first argument of an event, the JSON object following
	// an open or connect prefix, or the whole body of a binary payload.
	Arg json.RawMessage

	// Raw is the message exactly as it came off the wire.
	Raw []byte
}

// Classify parses a single websocket message into a Frame. Binary
// messages carry bare JSON payloads; text messages carry engine.io
// control frames and events. Classify never fails: messages it doesn't
// recognize come back as FrameUnknown so the caller can log them.
func Classify(data []byte, binary bool) Frame {
	if binary {
		return Frame{Type: FramePayload, Arg: json.RawMessage(data), Raw: data}
	}

	switch {
	case len(data) == 1 && data[0] == '2':
		return Frame{Type: FramePing, Raw: data}

	case len(data) == 1 && data[0] == '3':
		return Frame{Type: FramePong, Raw: data}

	case bytes.HasPrefix(data, []byte("0{")):
		return Frame{Type: FrameOpen, Arg: json.RawMessage(data[1:]), Raw: data}

	case bytes.HasPrefix(data, []byte("40")):
		f := Frame{Type: FrameConnect, Raw: data}
		if len(data) > 2 {
			f.Arg = json.RawMessage(data[2:])
		}
		return f

	case bytes.HasPrefix(data, []byte("42[")):
		f := Frame{Type: FrameEvent, Raw: data}
		if name, arg, err := parseEventArray(data[2:]); err == nil {
			f.Name = name
			f.Arg = arg
		}
		return f

	case bytes.HasPrefix(data, []byte("45")):
		// 45<n>-["name",...]: skip the attachment count up to the dash.
		rest := data[2:]
		if i := bytes.IndexByte(rest, '-'); i >= 0 && len(rest) > i+1 {
			f := Frame{Type: FrameEventHeader, Raw: data}
			if name, arg, err := parseEventArray(rest[i+1:]); err == nil {
				f.Name = name
				f.Arg = arg
			}
			return f
		}
	}

	return Frame{Type: FrameUnknown, Raw: data}
}

// parseEventArray decodes `["name",arg,...]` into the event name and the
// raw first argument, if any.
func parseEventArray(data []byte) (string, json.RawMessage, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return "", nil, errors.Annotatef(err, "parsing event array")
	}

	if len(elems) == 0 {
		return "", nil, errors.New("empty event array")
	}

	var name string
	if err := json.Unmarshal(elems[0], &name); err != nil {
		return "", nil, errors.Annotatef(err, "parsing event name")
	}

	var arg json.RawMessage
	if len(elems) > 1 {
		arg = elems[1]
	}

	return name, arg, nil
}

// EncodeEvent builds a `42["name",args...]` text frame.
func EncodeEvent(name string, args ...interface{}) ([]byte, error) {
	elems := make([]interface{}, 0, len(args)+1)
	elems = append(elems, name)
	elems = append(elems, args...)

	body, err := json.Marshal(elems)
	if err != nil {
		return nil, errors.Annotatef(err, "encoding event %q", name)
	}

	return append([]byte("42"), body...), nil
}

// SessionInfo is the body of the engine.io open packet.
type SessionInfo struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

// ParseSessionInfo extracts session parameters from an open or connect
// frame.
func ParseSessionInfo(f Frame) (SessionInfo, error) {
	var info SessionInfo
	if len(f.Arg) == 0 {
		return info, errors.New("frame has no session body")
	}

	if err := json.Unmarshal(f.Arg, &info); err != nil {
		return info, errors.Annotatef(err, "parsing session info")
	}

	return info, nil
}
