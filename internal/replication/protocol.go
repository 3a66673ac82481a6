package replication

import (
	"encoding/json"
	"fmt"

	"github.com/Misty4119/nds-api/internal/ir"
)

// MessageType tags a Message envelope.
type MessageType string

const (
	TypeHello        MessageType = "hello"
	TypeRequestRange MessageType = "request_range"
	TypeEventBatch   MessageType = "event_batch"
	TypeAck          MessageType = "ack"
	TypeError        MessageType = "error"
)

// Hello opens a session. Heads is the sender's latest seq per origin.
type Hello struct {
	Node  ir.OriginID    `json:"node"`
	Heads ir.VectorClock `json:"heads"`
	Token string         `json:"token,omitempty"`
}

// RequestRange asks for origin's events from FromSeq on. Limit <= 0 lets
// the responder choose.
type RequestRange struct {
	Origin  ir.OriginID `json:"origin"`
	FromSeq uint64      `json:"from_seq"`
	Limit   int         `json:"limit,omitempty"`
}

// EventBatch answers a RequestRange. WatermarkAck is what the responder
// has durably received from the requester so far. More is set when the
// range continues past this batch.
type EventBatch struct {
	Events       []ir.Event     `json:"events"`
	WatermarkAck ir.VectorClock `json:"watermark_ack,omitempty"`
	More         bool           `json:"more,omitempty"`
}

// Ack reports the requester's watermark after a round.
type Ack struct {
	Watermark ir.Watermark `json:"watermark"`
}

// ErrorMessage ends a session with a coded error.
type ErrorMessage struct {
	Code    ir.ErrorCode `json:"code"`
	Message string       `json:"message"`
}

// Message is the wire envelope. Exactly the body matching Type is set.
type Message struct {
	Type    MessageType   `json:"type"`
	Hello   *Hello        `json:"hello,omitempty"`
	Request *RequestRange `json:"request,omitempty"`
	Batch   *EventBatch   `json:"batch,omitempty"`
	Ack     *Ack          `json:"ack,omitempty"`
	Error   *ErrorMessage `json:"error,omitempty"`
}

// Validate checks that the body matching Type is present.
func (m Message) Validate() error {
	var ok bool
	switch m.Type {
	case TypeHello:
		ok = m.Hello != nil
	case TypeRequestRange:
		ok = m.Request != nil
	case TypeEventBatch:
		ok = m.Batch != nil
	case TypeAck:
		ok = m.Ack != nil
	case TypeError:
		ok = m.Error != nil
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if !ok {
		return fmt.Errorf("%s message without body", m.Type)
	}
	return nil
}

// Encode renders m as JSON.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// Decode parses and validates a JSON message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return m, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}

func helloMessage(h Hello) Message        { return Message{Type: TypeHello, Hello: &h} }
func requestMessage(r RequestRange) Message { return Message{Type: TypeRequestRange, Request: &r} }
func batchMessage(b EventBatch) Message   { return Message{Type: TypeEventBatch, Batch: &b} }
func ackMessage(a Ack) Message            { return Message{Type: TypeAck, Ack: &a} }

func errorMessage(err error) Message {
	return Message{Type: TypeError, Error: &ErrorMessage{Code: ir.CodeOf(err), Message: err.Error()}}
}
