package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rishabhknowss/boardly/domain"
	"github.com/rishabhknowss/boardly/metrics"
)

// ErrNotPersisted means an operation was fanned out (or attempted) but could
// not be written to the append log, so its durability is not guaranteed.
var ErrNotPersisted = errors.New("operation not persisted")

const DefaultAppendTimeout = 5 * time.Second

type Options struct {
	// AppendTimeout bounds each append log write.
	AppendTimeout time.Duration
	// RequireMembership drops chat messages for rooms the sender has not joined.
	RequireMembership bool
	Metrics           *metrics.Metrics
}

type Handler struct {
	registry domain.Registry
	log      domain.AppendLog
	opts     Options
}

func NewHandler(registry domain.Registry, log domain.AppendLog, opts Options) *Handler {
	if opts.AppendTimeout <= 0 {
		opts.AppendTimeout = DefaultAppendTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	return &Handler{registry: registry, log: log, opts: opts}
}

// Handle dispatches one inbound frame. Frames that cannot be understood are
// dropped and never surface as errors; the only error returned is a failed
// append for a chat message.
func (h *Handler) Handle(ctx context.Context, conn domain.Connection, data []byte) error {
	// the history column is text, so bytes it cannot store never enter the log
	if !utf8.Valid(data) {
		h.drop(conn, "invalid_utf8", "message is not valid UTF-8", nil)
		return nil
	}
	var msg domain.Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		h.drop(conn, "invalid_json", "invalid message", err)
		return nil
	}
	h.opts.Metrics.MessagesReceived.WithLabelValues(typeLabel(msg.Type)).Inc()

	switch msg.Type {
	case domain.TypeJoinRoom:
		h.joinRoom(conn, msg.Data)
	case domain.TypeChatMessage:
		return h.chatMessage(ctx, conn, msg.Data)
	case domain.TypePing:
		h.ping(conn, msg.Data)
	default:
		h.drop(conn, "unknown_type", "unknown message type", nil, "type", msg.Type)
	}
	return nil
}

func (h *Handler) joinRoom(conn domain.Connection, raw json.RawMessage) {
	var data domain.JoinRoomData
	if err := json.Unmarshal(raw, &data); err != nil || !validRoomID(data.RoomID) {
		h.drop(conn, "invalid_payload", "invalid join_room payload", err)
		return
	}
	h.registry.JoinRoom(data.RoomID, conn)
	slog.Info("client joined room", "clientId", conn.ID(), "userId", conn.UserID(), "roomId", data.RoomID)
}

func (h *Handler) chatMessage(ctx context.Context, conn domain.Connection, raw json.RawMessage) error {
	var data domain.ChatMessageData
	if err := json.Unmarshal(raw, &data); err != nil || !validRoomID(data.RoomID) || len(data.Message) == 0 {
		h.drop(conn, "invalid_payload", "invalid chat_message payload", err)
		return nil
	}
	if h.opts.RequireMembership && !h.registry.IsMember(data.RoomID, conn) {
		h.drop(conn, "not_member", "chat_message for a room not joined", nil, "roomId", data.RoomID)
		return nil
	}

	out, err := json.Marshal(domain.Outbound{Type: domain.TypeChatMessage, Message: data.Message})
	if err != nil {
		h.drop(conn, "invalid_payload", "marshal error", err)
		return nil
	}
	delivered := h.registry.Broadcast(data.RoomID, out, conn)

	appendCtx, cancel := context.WithTimeout(ctx, h.opts.AppendTimeout)
	defer cancel()

	op := domain.Operation{RoomID: data.RoomID, UserID: conn.UserID(), Message: data.Message}
	id, err := h.log.Append(appendCtx, op)
	if err != nil {
		h.opts.Metrics.AppendFailures.Inc()
		return fmt.Errorf("%w: room %s: %w", ErrNotPersisted, data.RoomID, err)
	}

	slog.Debug("chat message handled", "clientId", conn.ID(), "roomId", data.RoomID, "entryId", id, "delivered", delivered)
	return nil
}

func (h *Handler) ping(conn domain.Connection, raw json.RawMessage) {
	var data domain.PingData
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &data)
	}
	pong, err := json.Marshal(domain.Outbound{Type: domain.TypePong, Timestamp: data.Timestamp})
	if err != nil {
		return
	}
	if err := conn.Send(pong); err != nil {
		slog.Warn("pong send failed", "clientId", conn.ID(), "error", err)
	}
}

func (h *Handler) drop(conn domain.Connection, reason, msg string, err error, attrs ...any) {
	h.opts.Metrics.MessagesDropped.WithLabelValues(reason).Inc()
	args := append([]any{"clientId", conn.ID(), "reason", reason}, attrs...)
	if err != nil {
		args = append(args, "error", err)
	}
	slog.Warn(msg, args...)
}

// validRoomID rejects empty ids and ids carrying NUL, which a "\u0000"
// escape can smuggle past the UTF-8 check.
func validRoomID(id string) bool {
	return id != "" && !strings.ContainsRune(id, 0)
}

// typeLabel keeps metric cardinality bounded against arbitrary client input.
func typeLabel(t string) string {
	switch t {
	case domain.TypeJoinRoom, domain.TypeChatMessage, domain.TypePing:
		return t
	default:
		return "other"
	}
}
