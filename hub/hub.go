package hub

import (
	"log/slog"
	"sync"

	"github.com/rishabhknowss/boardly/domain"
	"github.com/rishabhknowss/boardly/metrics"
)

// Hub is the room registry: room id to live members, plus the reverse index
// of rooms each connection has joined. It does not own connection lifetime.
type Hub struct {
	mu          sync.RWMutex
	rooms       map[string]map[string]domain.Connection
	memberships map[string]map[string]struct{}
	metrics     *metrics.Metrics
}

func New(m *metrics.Metrics) *Hub {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Hub{
		rooms:       make(map[string]map[string]domain.Connection),
		memberships: make(map[string]map[string]struct{}),
		metrics:     m,
	}
}

func (h *Hub) JoinRoom(roomID string, conn domain.Connection) {
	h.mu.Lock()
	members, exists := h.rooms[roomID]
	if !exists {
		members = make(map[string]domain.Connection)
		h.rooms[roomID] = members
	}
	members[conn.ID()] = conn

	joined, ok := h.memberships[conn.ID()]
	if !ok {
		joined = make(map[string]struct{})
		h.memberships[conn.ID()] = joined
	}
	joined[roomID] = struct{}{}
	count := len(members)
	h.mu.Unlock()

	slog.Debug("joined room", "roomId", roomID, "clientId", conn.ID(), "members", count)
}

func (h *Hub) LeaveRoom(roomID string, conn domain.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(roomID, conn.ID())
}

// LeaveAll removes conn from every room it joined.
func (h *Hub) LeaveAll(conn domain.Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for roomID := range h.memberships[conn.ID()] {
		h.leaveLocked(roomID, conn.ID())
	}
	delete(h.memberships, conn.ID())
}

func (h *Hub) leaveLocked(roomID, connID string) {
	if joined, ok := h.memberships[connID]; ok {
		delete(joined, roomID)
		if len(joined) == 0 {
			delete(h.memberships, connID)
		}
	}

	members, exists := h.rooms[roomID]
	if !exists {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.rooms, roomID)
		slog.Debug("room removed", "roomId", roomID)
	}
}

func (h *Hub) IsMember(roomID string, conn domain.Connection) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[roomID][conn.ID()]
	return ok
}

// Rooms lists the rooms conn has joined.
func (h *Hub) Rooms(conn domain.Connection) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	rooms := make([]string, 0, len(h.memberships[conn.ID()]))
	for roomID := range h.memberships[conn.ID()] {
		rooms = append(rooms, roomID)
	}
	return rooms
}

func (h *Hub) Members(roomID string) []domain.Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	members := make([]domain.Connection, 0, len(h.rooms[roomID]))
	for _, conn := range h.rooms[roomID] {
		members = append(members, conn)
	}
	return members
}

// Broadcast sends data to every member of roomID except exclude and returns
// how many sends succeeded. Member sends happen outside the lock on a
// snapshot, so a member that closes while being sent to can leave freely.
func (h *Hub) Broadcast(roomID string, data []byte, exclude domain.Connection) int {
	var excludeID string
	if exclude != nil {
		excludeID = exclude.ID()
	}

	h.mu.RLock()
	targets := make([]domain.Connection, 0, len(h.rooms[roomID]))
	for id, conn := range h.rooms[roomID] {
		if id == excludeID {
			continue
		}
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if err := conn.Send(data); err != nil {
			h.metrics.BroadcastFailures.Inc()
			slog.Warn("broadcast send failed", "roomId", roomID, "clientId", conn.ID(), "error", err)
			continue
		}
		delivered++
	}
	return delivered
}

// Stats returns the number of rooms and of connections in at least one room.
func (h *Hub) Stats() (rooms, members int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms), len(h.memberships)
}
