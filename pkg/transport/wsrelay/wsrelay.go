// Package wsrelay provides a WebSocket-based control channel, for sites
// where only HTTP(S) egress is permitted, as a third alternative alongside
// plain TCP and QUIC for the fallback path. The message stream is exposed
// as a plain io.Reader/io.Writer so it can be handed to
// pkg/transport/tcp's framing like any other stream.
package wsrelay

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn adapts a gorilla *websocket.Conn's message framing to a plain byte
// stream: each Write sends one binary message; Read drains buffered
// message bytes before blocking on the next one.
type Conn struct {
	ws      *websocket.Conn
	pending []byte
}

// Upgrade promotes an HTTP request to a WebSocket connection and wraps it.
func Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wsrelay: upgrade: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// Dial connects to a relay's control-channel WebSocket endpoint.
func Dial(url string) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("wsrelay: dial %s: %w", url, err)
	}
	return &Conn{ws: ws}, nil
}

// Read implements io.Reader over the underlying message stream.
func (c *Conn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, fmt.Errorf("wsrelay: read message: %w", err)
		}
		c.pending = data
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write implements io.Writer as one binary WebSocket message per call.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, fmt.Errorf("wsrelay: write message: %w", err)
	}
	return len(p), nil
}

// SetDeadline propagates a combined read/write deadline for idle timeout
// handling.
func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}
