// Package transport provides a gorilla/websocket adapter satisfying
// the clientconn.Transport capability.
package transport

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// writeWait bounds how long a close control frame write may block.
const writeWait = 5 * time.Second

func deadlineNow() time.Time { return time.Now().Add(writeWait) }

// Conn adapts a *websocket.Conn to the clientconn.Transport capability.
// Binary messages only; gorilla handles ping/pong/close control frames
// internally.
type Conn struct {
	ws           *websocket.Conn
	connectionID string
	remoteAddr   string

	writeMu sync.Mutex

	mu            sync.Mutex
	open          bool
	pumpOnce      sync.Once
	listener      func([]byte)
	closeListener func()
}

// New wraps ws, minting a connection id with google/uuid.
func New(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:           ws,
		connectionID: uuid.NewString(),
		remoteAddr:   ws.RemoteAddr().String(),
		open:         true,
	}
}

// Send writes a binary message. Safe for concurrent use; gorilla
// requires callers to serialize writes to one connection themselves.
func (c *Conn) Send(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// Close sends a proper RFC 6455 close frame carrying code/reason, then
// closes the TCP connection.
func (c *Conn) Close(code uint16, reason string) {
	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return
	}
	c.open = false
	c.mu.Unlock()

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(int(code), reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadlineNow())
	c.writeMu.Unlock()
	_ = c.ws.Close()
}

// IsOpen reports whether Close has not yet been called.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// ConnectionID returns the uuid minted at construction.
func (c *Conn) ConnectionID() string { return c.connectionID }

// RemoteAddress returns the underlying socket's remote address.
func (c *Conn) RemoteAddress() string { return c.remoteAddr }

// SetReceiveListener starts (once) a read-pump goroutine that invokes
// fn for every binary message. Any read error, including a normal
// closure handshake, stops the pump and lets the caller's own
// disconnect path (driven by ClientConnection.Close) take over.
func (c *Conn) SetReceiveListener(fn func([]byte)) {
	c.mu.Lock()
	c.listener = fn
	c.mu.Unlock()

	c.pumpOnce.Do(func() {
		go c.readPump()
	})
}

// SetCloseListener registers fn to run once the read pump stops —
// whether because the peer disconnected or because Close tore the
// socket down locally.
func (c *Conn) SetCloseListener(fn func()) {
	c.mu.Lock()
	c.closeListener = fn
	c.mu.Unlock()
}

func (c *Conn) readPump() {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.open = false
			closeListener := c.closeListener
			c.mu.Unlock()
			if closeListener != nil {
				closeListener()
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		c.mu.Lock()
		listener := c.listener
		c.mu.Unlock()
		if listener != nil {
			listener(data)
		}
	}
}
