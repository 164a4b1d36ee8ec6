// ABOUTME: JSON message envelope exchanged with connected agents.
// ABOUTME: Validates the type tag at the boundary and preserves unknown fields.

package agent

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingType indicates an inbound message without a type tag.
var ErrMissingType = errors.New("message has no type")

// Reserved message types handled by the dispatch pipeline itself.
const (
	TypePing = "ping"
	TypePong = "pong"
)

// Message is the wire envelope for agent traffic:
//
//	{ "type": "...", "requestId": "...", ...payload }
//
// Type and RequestID are lifted out for routing and correlation; every other
// field is carried opaquely so operation-specific payloads pass through the
// gateway untouched.
type Message struct {
	Type      string
	RequestID string

	extra map[string]json.RawMessage
}

// NewMessage creates an outbound message with the given type tag.
func NewMessage(msgType string) Message {
	return Message{Type: msgType}
}

// ParseMessage decodes raw bytes into a Message. Messages without a type tag
// are rejected here so handlers never see an unroutable envelope.
func ParseMessage(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}

	var m Message
	if raw, ok := fields["type"]; ok {
		if err := json.Unmarshal(raw, &m.Type); err != nil {
			return Message{}, fmt.Errorf("decoding message type: %w", err)
		}
	}
	if m.Type == "" {
		return Message{}, ErrMissingType
	}
	if raw, ok := fields["requestId"]; ok {
		if err := json.Unmarshal(raw, &m.RequestID); err != nil {
			return Message{}, fmt.Errorf("decoding requestId: %w", err)
		}
	}
	delete(fields, "type")
	delete(fields, "requestId")
	m.extra = fields
	return m, nil
}

// Set attaches a payload field to the message, replacing any prior value.
// It panics only if v cannot be marshaled, which callers control statically.
func (m *Message) Set(key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("agent: marshaling message field %q: %v", key, err))
	}
	if m.extra == nil {
		m.extra = make(map[string]json.RawMessage)
	}
	m.extra[key] = raw
}

// Get returns the raw payload field, or nil if absent.
func (m Message) Get(key string) json.RawMessage {
	return m.extra[key]
}

// GetString decodes a payload field as a string. Absent or non-string fields
// yield "".
func (m Message) GetString(key string) string {
	raw, ok := m.extra[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// Decode unmarshals a payload field into v.
func (m Message) Decode(key string, v any) error {
	raw, ok := m.extra[key]
	if !ok {
		return fmt.Errorf("message field %q absent", key)
	}
	return json.Unmarshal(raw, v)
}

// Has reports whether a payload field is present.
func (m Message) Has(key string) bool {
	_, ok := m.extra[key]
	return ok
}

// MarshalJSON flattens the envelope back to its wire form.
func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(m.extra)+2)
	for k, v := range m.extra {
		out[k] = v
	}
	typeRaw, err := json.Marshal(m.Type)
	if err != nil {
		return nil, err
	}
	out["type"] = typeRaw
	if m.RequestID != "" {
		idRaw, err := json.Marshal(m.RequestID)
		if err != nil {
			return nil, err
		}
		out["requestId"] = idRaw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the wire form, enforcing the type tag.
func (m *Message) UnmarshalJSON(data []byte) error {
	parsed, err := ParseMessage(data)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
