// Package ws holds the gorilla-websocket handlers for the lobby and room
// scopes. Handlers own their connections; the directory never touches them.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Parley/internal/core"
	"github.com/dkeye/Parley/internal/protocol"
)

var ErrBackpressure = errors.New("backpressure")

const writeWait = 5 * time.Second

// Conn wraps a server-side websocket with a buffered outbound queue so
// broadcasts never block on a slow reader. Closing goes through the queue:
// frames enqueued before the close are flushed, then the close frame goes
// out, then the socket is torn down.
type Conn struct {
	ws   *websocket.Conn
	send chan core.Frame
	done chan struct{}

	mu          sync.RWMutex
	closed      bool
	closeCode   int
	closeReason string
}

func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:   ws,
		send: make(chan core.Frame, 32),
		done: make(chan struct{}),
	}
}

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// CloseWith flushes the queue, sends a close frame carrying code and tears
// down. Terminal codes tell the client not to reconnect.
func (c *Conn) CloseWith(code int, reason string) {
	c.shutdown(code, reason)
}

func (c *Conn) Close() {
	c.shutdown(0, "")
}

// shutdown marks the connection closed and blocks until the pump has
// drained and sent the close frame, so callers may cancel the pump's
// context right after.
func (c *Conn) shutdown(code int, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
	c.mu.Unlock()

	select {
	case <-c.done:
	case <-time.After(writeWait):
	}
}

// sendEnvelope queues one envelope, best effort.
func (c *Conn) sendEnvelope(env protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "ws").Msg("encode envelope")
		return
	}
	_ = c.TrySend(data)
}

// writePump owns all writes on the socket and is the only place that closes
// it. It drains the queue after shutdown so a final error envelope is never
// lost to the close.
func (c *Conn) writePump(ctx context.Context) {
	defer close(c.done)
	defer func() { _ = c.ws.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				c.mu.RLock()
				code, reason := c.closeCode, c.closeReason
				c.mu.RUnlock()
				if code != 0 {
					deadline := time.Now().Add(writeWait)
					_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
				}
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "ws").Msg("writePump set deadline")
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "ws").Msg("writePump write error")
				return
			}
		}
	}
}
