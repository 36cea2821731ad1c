package signal

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"telesignal/internal/core/domain"
	"telesignal/internal/core/ports"
	"telesignal/internal/core/services"
	"telesignal/internal/infrastructure/middleware"
	"telesignal/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	ws       *WebSocketServer
	registry ports.ConnectionRegistry
	url      string
}

func newTestServer(t *testing.T, opts Options, allowedOrigins ...string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop().Sugar()
	registry := memory.NewConnectionRegistry()
	broadcaster := services.NewBroadcastService(registry, logger)
	ws := NewWebSocketServer(registry, broadcaster, opts, logger)
	if len(allowedOrigins) > 0 {
		ws.SetOriginPolicy(middleware.NewCORS(allowedOrigins))
	}

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	router.GET("/ws", ws.HandleWebSocket)

	server := httptest.NewServer(router)
	t.Cleanup(func() {
		ws.Shutdown()
		server.Close()
	})

	return &testServer{
		ws:       ws,
		registry: registry,
		url:      "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
	}
}

// connect dials a client and waits until the server has registered it, so
// that registry order matches dial order.
func (s *testServer) connect(t *testing.T) (*websocket.Conn, domain.ConnectionID) {
	t.Helper()
	before := s.registry.Count()

	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return s.registry.Count() == before+1
	}, 2*time.Second, 5*time.Millisecond)

	snapshot := s.registry.Snapshot()
	return conn, snapshot[len(snapshot)-1].ID()
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)
	return string(data)
}

// expectSilence must be the last read on conn: a timed out gorilla
// connection cannot be read again.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected message %q", data)

	var netErr net.Error
	if assert.ErrorAs(t, err, &netErr) {
		assert.True(t, netErr.Timeout())
	}
}

func TestWebSocketServer_BroadcastsToEveryoneButSender(t *testing.T) {
	s := newTestServer(t, DefaultOptions())
	a, _ := s.connect(t)
	b, _ := s.connect(t)
	c, _ := s.connect(t)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer","sdp":"v=0"}`)))

	assert.Equal(t, `{"type":"offer","sdp":"v=0"}`, readText(t, b))
	assert.Equal(t, `{"type":"offer","sdp":"v=0"}`, readText(t, c))
	expectSilence(t, a)
}

func TestWebSocketServer_PreservesOrderPerPeer(t *testing.T) {
	s := newTestServer(t, DefaultOptions())
	a, _ := s.connect(t)
	b, _ := s.connect(t)

	for _, msg := range []string{"1", "2", "3"} {
		require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(msg)))
	}

	assert.Equal(t, "1", readText(t, b))
	assert.Equal(t, "2", readText(t, b))
	assert.Equal(t, "3", readText(t, b))
}

func TestWebSocketServer_AnnouncesDepartureOnce(t *testing.T) {
	s := newTestServer(t, DefaultOptions())
	a, _ := s.connect(t)
	b, bID := s.connect(t)
	c, _ := s.connect(t)

	require.NoError(t, b.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))

	for _, conn := range []*websocket.Conn{a, c} {
		var notice domain.PeerLeftMessage
		require.NoError(t, json.Unmarshal([]byte(readText(t, conn)), &notice))
		assert.Equal(t, domain.MessageTypePeerLeft, notice.Type)
		assert.Equal(t, bID, notice.PeerID)
	}

	require.Eventually(t, func() bool { return s.registry.Count() == 2 }, time.Second, 5*time.Millisecond)
	for _, peer := range s.registry.Snapshot() {
		assert.NotEqual(t, bID, peer.ID())
	}

	expectSilence(t, a)
}

func TestWebSocketServer_AbruptDisconnectIsAnnounced(t *testing.T) {
	s := newTestServer(t, DefaultOptions())
	a, _ := s.connect(t)
	b, bID := s.connect(t)

	// Drop the TCP connection without a close handshake.
	b.UnderlyingConn().Close()

	var notice domain.PeerLeftMessage
	require.NoError(t, json.Unmarshal([]byte(readText(t, a)), &notice))
	assert.Equal(t, bID, notice.PeerID)
	assert.Eventually(t, func() bool { return s.ws.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketServer_DropsBinaryFrames(t *testing.T) {
	s := newTestServer(t, DefaultOptions())
	a, _ := s.connect(t)
	b, _ := s.connect(t)

	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("text")))

	assert.Equal(t, "text", readText(t, b))
}

func TestWebSocketServer_RateLimitsInboundMessages(t *testing.T) {
	opts := DefaultOptions()
	opts.MessagesPerSecond = 0.001
	opts.MessageBurst = 1
	s := newTestServer(t, opts)
	a, _ := s.connect(t)
	b, _ := s.connect(t)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("first")))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("second")))

	assert.Equal(t, "first", readText(t, b))
	expectSilence(t, b)
}

func TestWebSocketServer_RejectsDisallowedOrigin(t *testing.T) {
	s := newTestServer(t, DefaultOptions(), "https://clinic.example")

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(s.url, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, s.registry.Count())

	header = http.Header{"Origin": []string{"https://clinic.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(s.url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestWebSocketServer_EnforcesConnectionCap(t *testing.T) {
	opts := DefaultOptions()
	opts.MaxConnections = 1
	s := newTestServer(t, opts)
	s.connect(t)

	_, resp, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebSocketServer_ShutdownClosesPeers(t *testing.T) {
	s := newTestServer(t, DefaultOptions())
	a, _ := s.connect(t)
	s.connect(t)

	s.ws.Shutdown()

	a.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := a.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	assert.Eventually(t, func() bool { return s.registry.Count() == 0 }, 2*time.Second, 5*time.Millisecond)

	_, resp, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestConnection_SendIsBoundedAndNonBlocking(t *testing.T) {
	opts := DefaultOptions()
	opts.SendQueueSize = 1
	conn := newConnection("peer-1", nil, opts, zap.NewNop().Sugar())

	require.NoError(t, conn.Send([]byte("queued")))
	assert.ErrorIs(t, conn.Send([]byte("overflow")), domain.ErrSendQueueFull)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.False(t, conn.IsAlive())
	assert.ErrorIs(t, conn.Send([]byte("late")), domain.ErrConnectionClosed)
}

func TestWebSocketServer_NoOriginHeaderIsAllowed(t *testing.T) {
	s := newTestServer(t, DefaultOptions(), "https://clinic.example")

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, s.ws.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, s.ws.checkOrigin(req))
}
