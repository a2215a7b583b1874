package network

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies what a message carries
type MessageType uint8

const (
	MessageData MessageType = iota + 1
	MessageAck
	MessageHeartbeat
	MessageRPCRequest
	MessageRPCResponse
)

var messageTypeNames = map[MessageType]string{
	MessageData:        "DATA",
	MessageAck:         "ACK",
	MessageHeartbeat:   "HEARTBEAT",
	MessageRPCRequest:  "RPC_REQUEST",
	MessageRPCResponse: "RPC_RESPONSE",
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// lossy reports whether the loss model may drop messages of this type.
// Heartbeats are exempt so liveness reflects host state, not the loss dial.
func (t MessageType) lossy() bool {
	return t != MessageHeartbeat
}

// reliable reports whether messages of this type are acknowledged by default
func (t MessageType) reliable() bool {
	switch t {
	case MessageData, MessageRPCRequest, MessageRPCResponse:
		return true
	}
	return false
}

// Message is the envelope moved by the Manager.
// It is passed by value and never modified after Send.
type Message struct {
	SentAt        time.Time   `json:"sent_at"`
	ID            string      `json:"message_id"`
	SourceIP      string      `json:"source_ip"`
	DestIP        string      `json:"dest_ip"`
	CorrelationID string      `json:"correlation_id,omitempty"` // acked message for ACK, request for RPC_RESPONSE
	Payload       []byte      `json:"payload,omitempty"`
	Type          MessageType `json:"type"`
	RequiresAck   bool        `json:"requires_ack"`
}

// NewMessage builds a message with a fresh id.
// Data and RPC messages require an ack.
func NewMessage(typ MessageType, sourceIP, destIP string, payload []byte) Message {
	return Message{
		ID:          uuid.NewString(),
		SourceIP:    sourceIP,
		DestIP:      destIP,
		Type:        typ,
		Payload:     payload,
		RequiresAck: typ.reliable(),
	}
}

func (m Message) String() string {
	return fmt.Sprintf("%s %s %s->%s", m.Type, m.ID, m.SourceIP, m.DestIP)
}
