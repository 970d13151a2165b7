package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/labctrl/errors"
)

// Envelope types
const (
	TypeCall     = "call"
	TypeGet      = "get"
	TypeSet      = "set"
	TypeWatch    = "watch"
	TypeUnwatch  = "unwatch"
	TypeListen   = "listen"
	TypeUnlisten = "unlisten"
	TypeReply    = "reply"
	TypeUpdate   = "update"
	TypeSignal   = "signal"
)

// MaxMessageSize is the default limit of one inbound frame
const MaxMessageSize = 1024 * 1024

// Envelope wraps every websocket message
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an envelope stamped with the current
// time. A nil payload is left out.
func NewEnvelope(typ, id string, payload any) (Envelope, error) {
	env := Envelope{Type: typ, ID: id, Timestamp: time.Now().UnixMilli()}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.WrapInvalid(err, "Envelope", "New", fmt.Sprintf("marshal %s payload", typ))
	}
	env.Payload = raw
	return env, nil
}

// DecodeEnvelope parses one frame
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.WrapInvalid(err, "Envelope", "Decode", "JSON parsing")
	}
	if env.Type == "" {
		return Envelope{}, errors.WrapInvalid(errors.ErrInvalidParams, "Envelope", "Decode", "type check")
	}
	return env, nil
}

// HasPayload reports whether the envelope carries a value. JSON null
// counts as no value.
func (e Envelope) HasPayload() bool {
	return len(e.Payload) > 0 && string(e.Payload) != "null"
}

// IsRequest reports whether typ is a client request type
func IsRequest(typ string) bool {
	switch typ {
	case TypeCall, TypeGet, TypeSet, TypeWatch, TypeUnwatch, TypeListen, TypeUnlisten:
		return true
	}
	return false
}
