// Package bus is the broker-mediated command channel between any fleet
// process and the gateway owning a bot. Callers publish immutable
// CommandEnvelopes onto the owning gateway's inbound stream and block on a
// correlated reply key; each gateway runs one Consumer that reads its stream
// through a consumer group, dispatches by command kind, replies, and acks.
//
// Delivery is at-least-once: streams are trimmed, not transactional, and a
// caller timeout never cancels the remote handler. Handlers must be
// idempotent or tolerate one observable duplicate.
package bus

import (
	"encoding/json"
	"fmt"
)

// Kind is the closed set of commands a gateway accepts for a bot it owns.
type Kind string

const (
	KindStartConnection Kind = "START_CONNECTION"
	KindStopConnection  Kind = "STOP_CONNECTION"
	KindSendPayload     Kind = "SEND_PAYLOAD"
	KindForceProcessing Kind = "FORCE_PROCESSING"
	KindSyncState       Kind = "SYNC_STATE"
	KindAddTag          Kind = "ADD_TAG"
	KindRemoveTag       Kind = "REMOVE_TAG"
)

// Valid reports whether k names a known command kind.
func (k Kind) Valid() bool {
	switch k {
	case KindStartConnection, KindStopConnection, KindSendPayload,
		KindForceProcessing, KindSyncState, KindAddTag, KindRemoveTag:
		return true
	}
	return false
}

// CommandEnvelope is the wire form of one command. Immutable once published.
type CommandEnvelope struct {
	ID       string          `json:"id"`
	Kind     Kind            `json:"type"`
	TargetID string          `json:"targetId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	ReplyTo  string          `json:"replyTo,omitempty"`
}

// Bind unmarshals the kind-specific payload into out.
func (e *CommandEnvelope) Bind(out interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("command %s has no payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("invalid %s payload: %w", e.Kind, err)
	}
	return nil
}

// ReplyEnvelope is written once by a handler to the envelope's reply key and
// read at most once by the waiting caller.
type ReplyEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Decode unmarshals the reply data into out. A no-op when out is nil or the
// reply carries no data.
func (r *ReplyEnvelope) Decode(out interface{}) error {
	if out == nil || len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, out)
}

// OK constructs a successful reply with payload marshalled to JSON.
func OK(payload interface{}) *ReplyEnvelope {
	if payload == nil {
		return &ReplyEnvelope{Success: true}
	}
	b, _ := json.Marshal(payload)
	return &ReplyEnvelope{Success: true, Data: b}
}

// Errf constructs a failure reply.
func Errf(format string, args ...interface{}) *ReplyEnvelope {
	return &ReplyEnvelope{Success: false, Error: fmt.Sprintf(format, args...)}
}

// TagPayload accompanies ADD_TAG and REMOVE_TAG.
type TagPayload struct {
	SessionID string `json:"sessionId"`
	Tag       string `json:"tag"`
}

// ForcePayload accompanies FORCE_PROCESSING.
type ForcePayload struct {
	SessionID string `json:"sessionId"`
}

// SendPayloadBody accompanies SEND_PAYLOAD: an outbound message for a
// counterparty reachable through the bot's connection.
type SendPayloadBody struct {
	Target  string `json:"target"`
	Text    string `json:"text,omitempty"`
	Image   string `json:"image,omitempty"`
	Audio   string `json:"audio,omitempty"`
	Caption string `json:"caption,omitempty"`
	PTT     bool   `json:"ptt,omitempty"`
}
