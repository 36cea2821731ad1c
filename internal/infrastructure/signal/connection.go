package signal

import (
	"sync"
	"sync/atomic"
	"time"

	"telesignal/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Connection is one accepted signaling socket. Outbound messages go through a
// bounded queue drained by a single writer goroutine, which keeps delivery to
// this peer in FIFO order and keeps a stalled peer from blocking broadcasters.
type Connection struct {
	id       domain.ConnectionID
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	openedAt time.Time

	alive     atomic.Bool
	closeOnce sync.Once

	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *zap.SugaredLogger
}

func newConnection(id domain.ConnectionID, ws *websocket.Conn, opts Options, logger *zap.SugaredLogger) *Connection {
	c := &Connection{
		id:           id,
		ws:           ws,
		send:         make(chan []byte, opts.SendQueueSize),
		done:         make(chan struct{}),
		openedAt:     time.Now(),
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
		logger:       logger,
	}
	c.alive.Store(true)
	return c
}

func (c *Connection) ID() domain.ConnectionID {
	return c.id
}

// Send queues message for delivery. It never blocks: a full queue is reported
// as ErrSendQueueFull and a closed connection as ErrConnectionClosed.
func (c *Connection) Send(message []byte) error {
	if !c.alive.Load() {
		return domain.ErrConnectionClosed
	}

	select {
	case c.send <- message:
		return nil
	case <-c.done:
		return domain.ErrConnectionClosed
	default:
		return domain.ErrSendQueueFull
	}
}

// Close marks the connection dead and asks the writer to tear the socket
// down. It never blocks, so a broadcaster evicting a stalled peer is not held
// up; the socket is closed within the write timeout at the latest.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		close(c.done)
	})
	return nil
}

func (c *Connection) IsAlive() bool {
	return c.alive.Load()
}

// writePump is the only goroutine writing data frames to the socket, and the
// one that finally closes it.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debugw("write failed", "peer_id", c.id, "error", err)
				c.Close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debugw("ping failed", "peer_id", c.id, "error", err)
				c.Close()
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
