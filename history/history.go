// Package history stores the operations of every room in the order they were
// persisted, and reads them back for replay when a client opens a room.
package history

import (
	"context"
	"sync"
	"time"
)

// Record is one persisted operation. Message is the operation payload as
// JSON text.
type Record struct {
	ID        int64     `json:"id"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is append-only. ReadRoom returns records in insertion order.
// All implementations must be safe for concurrent use.
type Store interface {
	Append(ctx context.Context, rec Record) error
	ReadRoom(ctx context.Context, roomID string) ([]Record, error)
}

// MemoryStore keeps history in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	rooms  map[string][]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string][]Record)}
}

func (m *MemoryStore) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	rec.ID = m.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	m.rooms[rec.RoomID] = append(m.rooms[rec.RoomID], rec)
	return nil
}

// ReadRoom returns a copy so callers cannot mutate stored history.
func (m *MemoryStore) ReadRoom(_ context.Context, roomID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]Record, len(m.rooms[roomID]))
	copy(records, m.rooms[roomID])
	return records, nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, records := range m.rooms {
		n += len(records)
	}
	return n
}
