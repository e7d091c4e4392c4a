package frame

import (
	"encoding/json"
	"fmt"
)

// Message types as they appear in the "type" field.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Message is a decoded frame body. The routing fields are lifted out; every
// other field is preserved verbatim so an untouched message re-serialises
// byte for byte.
type Message struct {
	seq        int
	requestSeq int
	typ        string
	command    string
	event      string

	raw    []byte
	fields map[string]json.RawMessage
	dirty  bool
}

type envelope struct {
	Seq        int    `json:"seq"`
	RequestSeq int    `json:"request_seq"`
	Type       string `json:"type"`
	Command    string `json:"command"`
	Event      string `json:"event"`
}

// ParseMessage decodes a JSON object into a Message.
func ParseMessage(body []byte) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("message body is not a JSON object: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("message body is null")
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("malformed message envelope: %w", err)
	}

	raw := make([]byte, len(body))
	copy(raw, body)

	return &Message{
		seq:        env.Seq,
		requestSeq: env.RequestSeq,
		typ:        env.Type,
		command:    env.Command,
		event:      env.Event,
		raw:        raw,
		fields:     fields,
	}, nil
}

func (m *Message) Seq() int        { return m.seq }
func (m *Message) RequestSeq() int { return m.requestSeq }
func (m *Message) Type() string    { return m.typ }
func (m *Message) Command() string { return m.command }
func (m *Message) Event() string   { return m.event }

func (m *Message) IsResponse() bool { return m.typ == TypeResponse }
func (m *Message) IsEvent() bool    { return m.typ == TypeEvent }

// Field returns the raw JSON of a top-level field, or nil if absent.
func (m *Message) Field(name string) json.RawMessage {
	return m.fields[name]
}

func (m *Message) Arguments() json.RawMessage {
	return m.Field("arguments")
}

// SetArguments replaces the arguments field. A nil value removes it.
func (m *Message) SetArguments(args json.RawMessage) {
	if args == nil {
		delete(m.fields, "arguments")
	} else {
		m.fields["arguments"] = args
	}
	m.dirty = true
}

func (m *Message) MarshalJSON() ([]byte, error) {
	if !m.dirty {
		return m.raw, nil
	}
	return json.Marshal(m.fields)
}
