package domain

import (
	"context"
	"encoding/json"
	"time"
)

const (
	TypeJoinRoom    = "join_room"
	TypeChatMessage = "chat_message"
	TypePing        = "ping"
	TypePong        = "pong"
)

// Inbound is the envelope every client frame arrives in. Data is decoded
// according to Type.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type JoinRoomData struct {
	RoomID string `json:"roomId"`
}

type ChatMessageData struct {
	RoomID  string          `json:"roomId"`
	Message json.RawMessage `json:"message"`
}

type PingData struct {
	Timestamp int64 `json:"timestamp"`
}

// Outbound is what peers receive. Message carries the sender's operation as-is.
type Outbound struct {
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Operation is one drawing action in a room. Message is opaque to the server.
type Operation struct {
	RoomID  string          `json:"roomId"`
	UserID  string          `json:"userId"`
	Message json.RawMessage `json:"message"`
}

// LogEntry is an Operation as stored in the append log, tagged with the id
// the log assigned to it. Raw holds the undecoded field so a malformed entry
// can still be reported.
type LogEntry struct {
	ID  string
	Raw string
}

type Connection interface {
	ID() string
	UserID() string
	Send(data []byte) error
	Close() error
}

type Registry interface {
	JoinRoom(roomID string, conn Connection)
	LeaveRoom(roomID string, conn Connection)
	LeaveAll(conn Connection)
	IsMember(roomID string, conn Connection) bool
	Broadcast(roomID string, data []byte, exclude Connection) int
	Stats() (rooms, members int)
}

// AppendLog is the durable, ordered stream every operation is written to
// before it reaches the history store.
type AppendLog interface {
	Append(ctx context.Context, op Operation) (string, error)
	Read(ctx context.Context, fromID string, block time.Duration, count int64) ([]LogEntry, error)
}

type MessageHandler interface {
	Handle(ctx context.Context, conn Connection, data []byte) error
}

type Authenticator interface {
	Authenticate(token string) (string, error)
}
