// Package server manages individual WebSocket connections, handling
// read/write pumps, rate limiting, and lifecycle control for each one.
package server

import (
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// wsClient adapts a gorilla WebSocket connection to the Conn capability the
// room layer consumes. Outbound frames are queued on a buffered channel and
// written by the write pump; the channel is never closed, teardown happens
// through the done channel instead.
type wsClient struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
	limiter   *rateLimiter
	rateLimit RateLimitConfig
}

func newWSClient(conn *websocket.Conn, cfg Config) *wsClient {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &wsClient{
		id:        uuid.New().String(),
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
		limiter:   newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		rateLimit: cfg.RateLimit,
	}
}

// ID returns the identifier assigned to this connection at upgrade time.
func (c *wsClient) ID() string {
	return c.id
}

// IsOpen reports whether the connection can still accept outbound frames.
func (c *wsClient) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Send queues payload for delivery. It never blocks: a closed connection or
// a full buffer drops the frame and reports false.
func (c *wsClient) Send(payload []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close marks the connection closed and signals the write pump to flush any
// queued frames and tear the socket down. Safe to call more than once.
func (c *wsClient) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
}

// setupRead configures the read deadline and pong handler before the read
// loop starts consuming frames.
func (c *wsClient) setupRead() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("Error setting read deadline for %s: %v", c.id, err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// allowInbound enforces the per-connection rate limit on inbound frames.
func (c *wsClient) allowInbound() bool {
	if c.limiter != nil && !c.limiter.allow() {
		log.Printf("Rate limit exceeded for %s (%d frames per %s); discarding frame", c.id, c.rateLimit.Burst, c.rateLimit.RefillInterval)
		return false
	}
	return true
}

// logReadError logs the read failure that ended the read loop, with quieter
// treatment for the expected close scenarios.
func (c *wsClient) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		log.Printf("Frame from %s exceeded the configured size limit", c.id)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		log.Printf("Connection %s disconnected: %v", c.id, err)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		log.Printf("Connection %s closed: %v", c.id, err)
	default:
		log.Printf("WebSocket read error from %s: %v", c.id, err)
	}
}

// readPump consumes inbound frames and hands them to the dispatcher until
// the connection fails or closes, then triggers the disconnect path.
func (c *wsClient) readPump(d *Dispatcher) {
	defer func() {
		d.Disconnect()
		c.Close()
	}()

	c.setupRead()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		if !c.allowInbound() {
			continue
		}

		d.HandleFrame(raw)
	}
}

// writePump writes queued frames and keepalive pings until the connection is
// closed, then flushes the remaining queue and sends a close frame.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.teardown()
	}()

	for {
		select {
		case payload := <-c.send:
			if !c.writeFrame(payload) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		case <-c.done:
			c.flushQueued()
			return
		}
	}
}

// flushQueued drains frames already accepted into the buffer, then sends the
// close frame. Queued frames carry events the room layer already considers
// delivered, so they go out before the socket drops.
func (c *wsClient) flushQueued() {
	for {
		select {
		case payload := <-c.send:
			if !c.writeFrame(payload) {
				return
			}
		default:
			c.writeClose()
			return
		}
	}
}

func (c *wsClient) writeFrame(payload []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Printf("Error setting write deadline for %s: %v", c.id, err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing frame to %s: %v", c.id, err)
		}
		return false
	}
	return true
}

func (c *wsClient) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		log.Printf("Error setting write deadline for ping to %s: %v", c.id, err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing ping to %s: %v", c.id, err)
		}
		return false
	}
	return true
}

func (c *wsClient) writeClose() {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return
	}
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error writing close message to %s: %v", c.id, err)
		}
	}
}

// teardown closes the underlying socket once the write pump exits.
func (c *wsClient) teardown() {
	c.Close()
	if err := c.conn.Close(); err != nil {
		if !isExpectedCloseError(err) {
			log.Printf("Error closing connection %s: %v", c.id, err)
		}
	}
}
