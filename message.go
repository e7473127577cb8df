package qmp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// MessageKind identifies one of the inbound message shapes.
type MessageKind int

const (
	KindGreeting MessageKind = iota
	KindEvent
	KindSuccess
	KindError
)

func (k MessageKind) String() string {
	switch k {
	case KindGreeting:
		return "greeting"
	case KindEvent:
		return "event"
	case KindSuccess:
		return "success response"
	case KindError:
		return "error response"
	default:
		return fmt.Sprintf("MessageKind(%d)", int(k))
	}
}

// Message is a classified inbound frame: *Greeting, *Event or *Response.
type Message interface {
	Kind() MessageKind
	message()
}

// VersionTriple is a major.minor.micro version number.
type VersionTriple struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Micro int `json:"micro"`
}

func (v VersionTriple) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Micro)
}

// IsDevelopment reports a development branch build (micro version 50).
func (v VersionTriple) IsDevelopment() bool { return v.Micro == 50 }

// IsReleaseCandidate reports a release candidate for the next minor version.
func (v VersionTriple) IsReleaseCandidate() bool { return v.Micro >= 90 }

// VersionInfo has the same shape as the query-version return value.
type VersionInfo struct {
	QEMU VersionTriple `json:"qemu"`
	// Package is empty for upstream builds.
	Package string `json:"package"`
}

// Greeting is the first frame QEMU sends on a new connection.
type Greeting struct {
	Version      VersionInfo `json:"version"`
	Capabilities []string    `json:"capabilities"`
}

func (*Greeting) Kind() MessageKind { return KindGreeting }
func (*Greeting) message()          {}

// Supports reports whether the server advertised capability name.
func (g *Greeting) Supports(name string) bool {
	for _, c := range g.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

type greetingBody Greeting

func (g *Greeting) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		QMP *greetingBody `json:"QMP"`
	}{(*greetingBody)(g)})
}

// Command is a request sent to QEMU. Arguments may be any value that
// marshals to JSON, including json.RawMessage. ID is optional; the session
// assigns one when left nil.
type Command struct {
	Execute   string
	Arguments any
	ID        any
	// OOB sends the command as exec-oob. The server must have the oob
	// capability enabled.
	OOB bool
}

// MarshalJSON produces the single-line wire form of the command.
func (c Command) MarshalJSON() ([]byte, error) {
	b, err := EncodeCommand(c)
	if err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(b, []byte{'\n'}), nil
}

// Response is a reply to a command. Error is nil for a success reply.
type Response struct {
	ID     json.RawMessage
	Return json.RawMessage
	Error  *Error
}

func (r *Response) Kind() MessageKind {
	if r.Error != nil {
		return KindError
	}
	return KindSuccess
}

func (*Response) message() {}

// Err returns the server error carried by an error reply, or nil.
func (r *Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

func (r *Response) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			Error *Error          `json:"error"`
			ID    json.RawMessage `json:"id,omitempty"`
		}{r.Error, r.ID})
	}
	ret := r.Return
	if len(ret) == 0 {
		ret = json.RawMessage(`{}`)
	}
	return json.Marshal(struct {
		Return json.RawMessage `json:"return"`
		ID     json.RawMessage `json:"id,omitempty"`
	}{ret, r.ID})
}

// Timestamp is the event time as sent by QEMU. Both fields are -1 when the
// host failed to read its clock.
type Timestamp struct {
	Seconds      int64 `json:"seconds"`
	Microseconds int64 `json:"microseconds"`
}

// Time converts the timestamp, returning the zero time when unavailable.
func (t Timestamp) Time() time.Time {
	if t.Seconds < 0 || t.Microseconds < 0 {
		return time.Time{}
	}
	return time.Unix(t.Seconds, t.Microseconds*1000)
}

// Event is an asynchronous notification from QEMU.
type Event struct {
	Name      string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp Timestamp       `json:"timestamp"`
}

func (*Event) Kind() MessageKind { return KindEvent }
func (*Event) message()          {}

// Decode unmarshals the event data into v.
func (e *Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Classify turns a decoded frame into a Message. QMP frames carry no type
// tag, so the shape is decided by which member is present, in this order:
// QMP, event, error, return.
func Classify(frame []byte) (Message, error) {
	if !gjson.ValidBytes(frame) {
		return nil, &FrameError{Line: frame}
	}
	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: not an object", ErrUnrecognizedMessage)
	}

	if v := root.Get("QMP"); v.Exists() {
		g := &Greeting{}
		if err := json.Unmarshal([]byte(v.Raw), (*greetingBody)(g)); err != nil {
			return nil, fmt.Errorf("%w: bad greeting: %v", ErrUnrecognizedMessage, err)
		}
		return g, nil
	}

	if v := root.Get("event"); v.Exists() {
		if v.Type != gjson.String {
			return nil, fmt.Errorf("%w: event name is not a string", ErrUnrecognizedMessage)
		}
		ev := &Event{Name: v.Str}
		if d := root.Get("data"); d.Exists() {
			ev.Data = rawValue(d)
		}
		if ts := root.Get("timestamp"); ts.Exists() {
			ev.Timestamp = Timestamp{
				Seconds:      ts.Get("seconds").Int(),
				Microseconds: ts.Get("microseconds").Int(),
			}
		}
		return ev, nil
	}

	var id json.RawMessage
	if v := root.Get("id"); v.Exists() {
		id = rawValue(v)
	}

	if v := root.Get("error"); v.Exists() {
		if !v.IsObject() {
			return nil, fmt.Errorf("%w: error member is not an object", ErrUnrecognizedMessage)
		}
		return &Response{
			ID: id,
			Error: &Error{
				Class:       v.Get("class").String(),
				Description: v.Get("desc").String(),
			},
		}, nil
	}

	if v := root.Get("return"); v.Exists() {
		return &Response{ID: id, Return: rawValue(v)}, nil
	}

	return nil, ErrUnrecognizedMessage
}

// rawValue copies a gjson result into compact JSON text.
func rawValue(r gjson.Result) json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(r.Raw)); err != nil {
		return json.RawMessage(r.Raw)
	}
	return json.RawMessage(buf.Bytes())
}
