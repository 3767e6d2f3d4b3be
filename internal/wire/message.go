package wire

import (
	"fmt"

	"github.com/roach88/scenehost/internal/ir"
)

// MessageType is the frame type of a component update.
type MessageType uint32

const (
	PutComponent    MessageType = 1
	DeleteComponent MessageType = 2
	DeleteEntity    MessageType = 3
	AppendValue     MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case PutComponent:
		return "PutComponent"
	case DeleteComponent:
		return "DeleteComponent"
	case DeleteEntity:
		return "DeleteEntity"
	case AppendValue:
		return "AppendValue"
	default:
		return fmt.Sprintf("MessageType(%d)", uint32(t))
	}
}

// Valid reports whether t is one of the four defined message types.
func (t MessageType) Valid() bool {
	return t >= PutComponent && t <= AppendValue
}

// Message is one decoded component update.
//
// Component, Timestamp and Payload are unused for DeleteEntity; Payload is
// unused for DeleteComponent.
type Message struct {
	Type      MessageType    `json:"type"`
	Entity    ir.Entity      `json:"entity"`
	Component ir.ComponentID `json:"component,omitempty"`
	Timestamp ir.Timestamp   `json:"timestamp,omitempty"`
	Payload   []byte         `json:"payload,omitempty"`
}

// Put builds a PutComponent message.
func Put(e ir.Entity, c ir.ComponentID, ts ir.Timestamp, payload []byte) Message {
	return Message{Type: PutComponent, Entity: e, Component: c, Timestamp: ts, Payload: payload}
}

// Delete builds a DeleteComponent message.
func Delete(e ir.Entity, c ir.ComponentID, ts ir.Timestamp) Message {
	return Message{Type: DeleteComponent, Entity: e, Component: c, Timestamp: ts}
}

// DeleteEnt builds a DeleteEntity message.
func DeleteEnt(e ir.Entity) Message {
	return Message{Type: DeleteEntity, Entity: e}
}

// Append builds an AppendValue message.
func Append(e ir.Entity, c ir.ComponentID, ts ir.Timestamp, payload []byte) Message {
	return Message{Type: AppendValue, Entity: e, Component: c, Timestamp: ts, Payload: payload}
}

func (m Message) String() string {
	switch m.Type {
	case DeleteEntity:
		return fmt.Sprintf("%s(e=%s)", m.Type, m.Entity)
	case DeleteComponent:
		return fmt.Sprintf("%s(e=%s c=%d ts=%d)", m.Type, m.Entity, m.Component, m.Timestamp)
	default:
		return fmt.Sprintf("%s(e=%s c=%d ts=%d len=%d)", m.Type, m.Entity, m.Component, m.Timestamp, len(m.Payload))
	}
}
