package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"telesignal/internal/core/domain"
	"telesignal/internal/core/ports"
	apperrors "telesignal/pkg/errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// OriginPolicy decides whether a browser origin may open a signaling socket.
// *cors.Cors satisfies it.
type OriginPolicy interface {
	OriginAllowed(r *http.Request) bool
}

type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueueSize  int
	MaxMessageSize int64
	MaxConnections int // 0 means unlimited

	// Inbound rate limit per connection; zero disables it.
	MessagesPerSecond float64
	MessageBurst      int
}

func DefaultOptions() Options {
	return Options{
		PingInterval:  30 * time.Second,
		PongTimeout:   60 * time.Second,
		WriteTimeout:  10 * time.Second,
		SendQueueSize: 64,
	}
}

// WebSocketServer is the signaling endpoint. Each accepted socket is
// registered, its inbound messages are handed to the broadcaster, and on every
// exit path it is unregistered and announced to the remaining peers.
type WebSocketServer struct {
	registry    ports.ConnectionRegistry
	broadcaster ports.Broadcaster
	metrics     ports.SignalingMetrics
	origins     OriginPolicy

	upgrader websocket.Upgrader
	opts     Options

	active   atomic.Int64
	draining atomic.Bool

	logger *zap.SugaredLogger
}

var _ ports.WebSocketHandler = (*WebSocketServer)(nil)

func NewWebSocketServer(
	registry ports.ConnectionRegistry,
	broadcaster ports.Broadcaster,
	opts Options,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	defaults := DefaultOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaults.PingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = defaults.PongTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaults.WriteTimeout
	}
	if opts.SendQueueSize <= 0 {
		opts.SendQueueSize = defaults.SendQueueSize
	}

	s := &WebSocketServer{
		registry:    registry,
		broadcaster: broadcaster,
		opts:        opts,
		logger:      logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetOriginPolicy restricts upgrades to allowed browser origins. Must be
// called before serving.
func (s *WebSocketServer) SetOriginPolicy(policy OriginPolicy) {
	s.origins = policy
}

// SetMetrics must be called before serving.
func (s *WebSocketServer) SetMetrics(metrics ports.SignalingMetrics) {
	s.metrics = metrics
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	// Non-browser clients send no Origin header.
	if r.Header.Get("Origin") == "" || s.origins == nil {
		return true
	}
	return s.origins.OriginAllowed(r)
}

// HandleWebSocket serves GET /ws. It blocks for the lifetime of the connection.
func (s *WebSocketServer) HandleWebSocket(c *gin.Context) {
	if appErr := s.admit(c.Request); appErr != nil {
		c.Error(appErr)
		c.Abort()
		return
	}

	s.serve(c.Writer, c.Request)
}

// admit rejects the upgrade or reserves a connection slot that the caller
// must release.
func (s *WebSocketServer) admit(r *http.Request) *apperrors.AppError {
	if s.draining.Load() {
		return apperrors.NewServiceUnavailableError("server is shutting down")
	}
	if !s.checkOrigin(r) {
		return apperrors.NewForbiddenError("origin not allowed").
			WithContext("origin", r.Header.Get("Origin"))
	}
	if n := s.active.Add(1); s.opts.MaxConnections > 0 && n > int64(s.opts.MaxConnections) {
		s.active.Add(-1)
		return apperrors.NewServiceUnavailableError("too many signaling connections")
	}
	return nil
}

func (s *WebSocketServer) serve(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error response.
		s.active.Add(-1)
		s.logger.Infow("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	if s.opts.MaxMessageSize > 0 {
		ws.SetReadLimit(s.opts.MaxMessageSize)
	}

	conn := newConnection(domain.ConnectionID(uuid.NewString()), ws, s.opts, s.logger)
	go conn.writePump()

	if err := s.registry.Add(conn); err != nil {
		s.logger.DPanicw("connection identity collision", "peer_id", conn.ID(), "error", err)
		s.active.Add(-1)
		conn.Close()
		return
	}

	if s.metrics != nil {
		s.metrics.RecordConnectionOpened()
	}
	s.logger.Infow("peer connected",
		"peer_id", conn.ID(),
		"remote_addr", r.RemoteAddr,
		"connections", s.registry.Count(),
	)

	ctx := context.WithoutCancel(r.Context())
	defer s.closeConnection(ctx, conn)

	s.readLoop(ctx, conn)
}

func (s *WebSocketServer) readLoop(ctx context.Context, conn *Connection) {
	ws := conn.ws

	ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	})

	var limiter *rate.Limiter
	if s.opts.MessagesPerSecond > 0 {
		burst := s.opts.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(s.opts.MessagesPerSecond), burst)
	}

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && conn.IsAlive() {
				s.logger.Infow("error reading message from peer", "peer_id", conn.ID(), "error", err)
			} else {
				s.logger.Debugw("peer closed connection", "peer_id", conn.ID(), "error", err)
			}
			return
		}
		ws.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		if messageType != websocket.TextMessage {
			s.dropMessage(conn, "binary")
			continue
		}
		if limiter != nil && !limiter.Allow() {
			s.dropMessage(conn, "rate_limited")
			continue
		}

		if s.metrics != nil {
			s.metrics.RecordMessageReceived(len(data))
		}
		s.broadcaster.Broadcast(ctx, data, conn.ID())
	}
}

func (s *WebSocketServer) dropMessage(conn *Connection, reason string) {
	s.logger.Debugw("dropping inbound message", "peer_id", conn.ID(), "reason", reason)
	if s.metrics != nil {
		s.metrics.RecordMessageDropped(reason)
	}
}

// closeConnection runs exactly once per registered connection, whatever ended
// its read loop.
func (s *WebSocketServer) closeConnection(ctx context.Context, conn *Connection) {
	s.registry.Remove(conn.ID())
	conn.Close()
	s.active.Add(-1)

	if s.metrics != nil {
		s.metrics.RecordConnectionClosed(time.Since(conn.openedAt))
	}

	notice, err := json.Marshal(domain.NewPeerLeftMessage(conn.ID()))
	if err != nil {
		s.logger.Errorw("failed to encode peer-left notice", "peer_id", conn.ID(), "error", err)
		return
	}
	report := s.broadcaster.Broadcast(ctx, notice, conn.ID())

	s.logger.Infow("peer disconnected",
		"peer_id", conn.ID(),
		"notified", report.Delivered,
		"connections", s.registry.Count(),
	)
}

// Shutdown stops accepting sockets and closes every live connection. Their
// handlers then run the normal close path.
func (s *WebSocketServer) Shutdown() {
	s.draining.Store(true)

	peers := s.registry.Snapshot()
	for _, peer := range peers {
		peer.Close()
	}
	s.logger.Infow("closed signaling connections", "count", len(peers))
}

func (s *WebSocketServer) ConnectionCount() int {
	return s.registry.Count()
}
