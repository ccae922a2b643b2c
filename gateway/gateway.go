// Package gateway accepts realtime connections, authenticates them and ties
// each one to the room registry for its lifetime.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rishabhknowss/boardly/domain"
	"github.com/rishabhknowss/boardly/metrics"
	ws "github.com/rishabhknowss/boardly/websocket"
)

var ErrClosed = errors.New("gateway closed")

type Options struct {
	SendQueueSize int
	Metrics       *metrics.Metrics
}

type Gateway struct {
	auth     domain.Authenticator
	registry domain.Registry
	handler  domain.MessageHandler
	opts     Options
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*ws.Conn
	closed bool
}

func New(auth domain.Authenticator, registry domain.Registry, handler domain.MessageHandler, opts Options) *Gateway {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNop()
	}
	return &Gateway{
		auth:     auth,
		registry: registry,
		handler:  handler,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*ws.Conn),
	}
}

// ServeHTTP upgrades the request and authenticates the token query
// parameter. A connection whose token does not verify is dropped at the
// transport level without a close or error frame.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		http.Error(w, ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	userID, authErr := g.auth.Authenticate(r.URL.Query().Get("token"))

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("upgrade error", "error", err)
		return
	}

	if authErr != nil {
		g.opts.Metrics.AuthRejected.Inc()
		slog.Info("connection rejected", "remote", r.RemoteAddr, "error", authErr)
		conn.NetConn().Close()
		return
	}

	c := ws.NewConn(uuid.New().String(), userID, conn, g.opts.SendQueueSize, g.handler, g.release)
	if !g.track(c) {
		conn.NetConn().Close()
		return
	}

	slog.Info("client connected", "clientId", c.ID(), "userId", userID)
	c.Start()
}

func (g *Gateway) track(c *ws.Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns[c.ID()] = c
	g.opts.Metrics.ConnectionsActive.Inc()
	return true
}

// release is the close handler of every connection.
func (g *Gateway) release(c *ws.Conn) {
	g.registry.LeaveAll(c)

	g.mu.Lock()
	if _, ok := g.conns[c.ID()]; ok {
		delete(g.conns, c.ID())
		g.opts.Metrics.ConnectionsActive.Dec()
	}
	g.mu.Unlock()

	slog.Info("client disconnected", "clientId", c.ID(), "userId", c.UserID())
}

func (g *Gateway) ConnectionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Close stops accepting connections and closes every live one. Each
// connection leaves its rooms through its own close handler.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	conns := make([]*ws.Conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	slog.Info("gateway closed", "connections", len(conns))
}
