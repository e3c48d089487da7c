package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatrelay/pkg/types"
)

const (
	writeBuffer  = 100
	writeTimeout = 5 * time.Second
)

// Connection wraps a websocket transport behind interfaces.Connection. All
// writes are serialized through a single writer goroutine; gorilla/websocket
// permits only one concurrent writer per connection. The identity is fixed
// at construction, after token verification, and never changes.
type Connection struct {
	id       string
	identity types.Identity
	joinedAt time.Time

	conn      *websocket.Conn
	writeCh   chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewConnection wraps an upgraded websocket connection for the verified
// identity and starts its writer goroutine.
func NewConnection(conn *websocket.Conn, identity types.Identity) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:       uuid.New().String(),
		identity: identity,
		joinedAt: time.Now(),
		conn:     conn,
		writeCh:  make(chan []byte, writeBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}

	go c.writeLoop()

	return c
}

// ID returns the opaque per-connection identifier.
func (c *Connection) ID() string { return c.id }

// Identity returns the verified user bound at handshake.
func (c *Connection) Identity() types.Identity { return c.identity }

// JoinedAt returns when the connection became active.
func (c *Connection) JoinedAt() time.Time { return c.joinedAt }

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON marshals v and queues it for the writer goroutine. A full queue
// for longer than the write timeout means the client has stopped draining;
// the send fails rather than blocking the caller indefinitely.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close tears down the transport. Idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}
