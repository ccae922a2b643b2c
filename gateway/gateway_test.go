package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rishabhknowss/boardly/auth"
	"github.com/rishabhknowss/boardly/domain"
	"github.com/rishabhknowss/boardly/hub"
	"github.com/rishabhknowss/boardly/protocol"
)

const secret = "test-secret"

type memLog struct {
	mu  sync.Mutex
	ops []domain.Operation
}

func (m *memLog) Append(_ context.Context, op domain.Operation) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, op)
	return "1-0", nil
}

func (m *memLog) Read(context.Context, string, time.Duration, int64) ([]domain.LogEntry, error) {
	return nil, nil
}

func (m *memLog) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ops)
}

type countingHandler struct {
	mu    sync.Mutex
	calls int
	next  domain.MessageHandler
}

func (h *countingHandler) Handle(ctx context.Context, conn domain.Connection, data []byte) error {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	return h.next.Handle(ctx, conn, data)
}

func (h *countingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type fixture struct {
	gw       *Gateway
	registry *hub.Hub
	log      *memLog
	handler  *countingHandler
	verifier *auth.Verifier
	url      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := hub.New(nil)
	log := &memLog{}
	handler := &countingHandler{next: protocol.NewHandler(registry, log, protocol.Options{})}
	verifier := auth.NewVerifier(secret)
	gw := New(verifier, registry, handler, Options{SendQueueSize: 16})

	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		gw.Close()
		srv.Close()
	})

	return &fixture{
		gw:       gw,
		registry: registry,
		log:      log,
		handler:  handler,
		verifier: verifier,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (f *fixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token="+token, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *fixture) dialUser(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := f.verifier.Issue(userID, time.Hour)
	require.NoError(t, err)
	return f.dial(t, token)
}

func (f *fixture) join(t *testing.T, conn *websocket.Conn, room string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join_room","data":{"roomId":"`+room+`"}}`)))
}

func (f *fixture) memberCount(room string) int {
	return len(f.registry.Members(room))
}

func TestGateway_FanOut(t *testing.T) {
	f := newFixture(t)

	a := f.dialUser(t, "ua")
	b := f.dialUser(t, "ub")
	c := f.dialUser(t, "uc")
	d := f.dialUser(t, "ud")
	for _, conn := range []*websocket.Conn{a, b, c} {
		f.join(t, conn, "r1")
	}
	f.join(t, d, "r2")

	require.Eventually(t, func() bool {
		return f.memberCount("r1") == 3 && f.memberCount("r2") == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_message","data":{"roomId":"r1","message":"op1"}}`)))

	for _, peer := range []*websocket.Conn{b, c} {
		peer.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := peer.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"chat_message","message":"op1"}`, string(data))
	}

	require.Eventually(t, func() bool { return f.log.len() == 1 }, 2*time.Second, 10*time.Millisecond)

	for _, silent := range []*websocket.Conn{a, d} {
		silent.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		_, _, err := silent.ReadMessage()
		assert.Error(t, err, "sender and other-room members receive nothing")
	}
}

func TestGateway_RejectsTokenWithoutUserClaim(t *testing.T) {
	f := newFixture(t)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"}).SignedString([]byte(secret))
	require.NoError(t, err)

	conn := f.dial(t, token)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)

	var closeErr *websocket.CloseError
	if assert.ErrorAs(t, err, &closeErr) {
		assert.Equal(t, websocket.CloseAbnormalClosure, closeErr.Code, "no close frame is sent")
	}

	assert.Equal(t, 0, f.handler.count())
	assert.Equal(t, 0, f.gw.ConnectionCount())
	rooms, _ := f.registry.Stats()
	assert.Equal(t, 0, rooms)
}

func TestGateway_RejectedConnectionProcessesNothing(t *testing.T) {
	f := newFixture(t)

	peer := f.dialUser(t, "peer")
	f.join(t, peer, "r1")
	require.Eventually(t, func() bool { return f.memberCount("r1") == 1 }, 2*time.Second, 10*time.Millisecond)
	handled := f.handler.count()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u1"}).SignedString([]byte(secret))
	require.NoError(t, err)
	conn := f.dial(t, token)

	// the server may already have dropped the socket, so write errors are expected
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"join_room","data":{"roomId":"r2"}}`))
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_message","data":{"roomId":"r1","message":"x"}}`))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)

	peer.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = peer.ReadMessage()
	assert.Error(t, err, "peer receives nothing from a rejected connection")

	assert.Equal(t, handled, f.handler.count())
	assert.Equal(t, 0, f.log.len())
	assert.Equal(t, 0, f.memberCount("r2"))
	rooms, _ := f.registry.Stats()
	assert.Equal(t, 1, rooms)
	assert.Equal(t, 1, f.gw.ConnectionCount())
}

func TestGateway_RejectsMissingToken(t *testing.T) {
	f := newFixture(t)

	conn := f.dial(t, "")
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.Equal(t, 0, f.handler.count())
}

func TestGateway_DisconnectLeavesRooms(t *testing.T) {
	f := newFixture(t)

	conn := f.dialUser(t, "u1")
	f.join(t, conn, "r1")
	f.join(t, conn, "r2")
	require.Eventually(t, func() bool {
		rooms, _ := f.registry.Stats()
		return rooms == 2
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		rooms, members := f.registry.Stats()
		return rooms == 0 && members == 0 && f.gw.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_CountsConnectionsBeforeJoin(t *testing.T) {
	f := newFixture(t)

	f.dialUser(t, "u1")
	joined := f.dialUser(t, "u2")
	f.join(t, joined, "r1")

	require.Eventually(t, func() bool {
		_, members := f.registry.Stats()
		return members == 1 && f.gw.ConnectionCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_Close(t *testing.T) {
	f := newFixture(t)

	conn := f.dialUser(t, "u1")
	f.join(t, conn, "r1")
	require.Eventually(t, func() bool { return f.memberCount("r1") == 1 }, 2*time.Second, 10*time.Millisecond)

	f.gw.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		rooms, _ := f.registry.Stats()
		return rooms == 0 && f.gw.ConnectionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	token, err := f.verifier.Issue("u2", time.Hour)
	require.NoError(t, err)
	_, _, err = websocket.DefaultDialer.Dial(f.url+"?token="+token, nil)
	assert.ErrorIs(t, err, websocket.ErrBadHandshake)
}
