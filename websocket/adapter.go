package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rishabhknowss/boardly/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	DefaultSendQueueSize = 256
)

var (
	// ErrSendQueueFull is returned when a peer is too slow to drain its
	// queue. The connection is closed when this happens.
	ErrSendQueueFull = errors.New("send queue full")
	ErrClosed        = errors.New("connection closed")
)

type Conn struct {
	id      string
	userID  string
	ws      *websocket.Conn
	send    chan []byte
	handler domain.MessageHandler
	onClose func(*Conn)

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewConn wraps an upgraded socket. onClose runs exactly once, after the
// read pump stops.
func NewConn(id, userID string, ws *websocket.Conn, queueSize int, h domain.MessageHandler, onClose func(*Conn)) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	return &Conn{
		id:      id,
		userID:  userID,
		ws:      ws,
		send:    make(chan []byte, queueSize),
		handler: h,
		onClose: onClose,
		done:    make(chan struct{}),
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

// Send queues data without blocking. A full queue disconnects the peer.
func (c *Conn) Send(data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
		return nil
	default:
		c.mu.Unlock()
	}

	slog.Warn("disconnecting slow consumer", "clientId", c.id, "userId", c.userID, "queued", cap(c.send))
	c.Close()
	return ErrSendQueueFull
}

// Close stops both pumps. It never writes to the socket, so it is safe to
// call from a broadcast, and safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	return c.ws.Close()
}

// Done is closed once the connection starts shutting down.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Start() {
	go c.writePump()
	go c.readPump()
}

func (c *Conn) readPump() {
	defer func() {
		c.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				slog.Error("read error", "clientId", c.id, "error", err)
			}
			return
		}

		if err := c.handler.Handle(context.Background(), c, data); err != nil {
			slog.Warn("message not guaranteed durable", "clientId", c.id, "userId", c.userID, "error", err)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
