package protocol

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn is the subset of *websocket.Conn the bridge depends on.
// Tests substitute hand-written fakes.
type WebSocketConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteJSON(v interface{}) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// GorillaWebSocketConn adapts *websocket.Conn to WebSocketConn.
type GorillaWebSocketConn struct {
	*websocket.Conn
}

func (c *GorillaWebSocketConn) ReadMessage() (int, []byte, error) {
	return c.Conn.ReadMessage()
}

func (c *GorillaWebSocketConn) WriteMessage(messageType int, data []byte) error {
	return c.Conn.WriteMessage(messageType, data)
}

func (c *GorillaWebSocketConn) WriteJSON(v interface{}) error {
	return c.Conn.WriteJSON(v)
}

func (c *GorillaWebSocketConn) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

func (c *GorillaWebSocketConn) Close() error {
	return c.Conn.Close()
}

// LockedConn serializes writes on a WebSocketConn
// (gorilla/websocket allows one concurrent writer). Writes go through
// WriteWithDeadline only.
type LockedConn struct {
	conn    WebSocketConn
	writeMu sync.Mutex
}

// NewLockedConn wraps conn with a write mutex.
func NewLockedConn(conn WebSocketConn) *LockedConn {
	return &LockedConn{conn: conn}
}

func (c *LockedConn) ReadMessage() (int, []byte, error) {
	return c.conn.ReadMessage()
}

func (c *LockedConn) Close() error {
	return c.conn.Close()
}

// WriteWithDeadline writes one message with a write deadline that is
// cleared again before the lock is released. The first error wins.
func (c *LockedConn) WriteWithDeadline(messageType int, data []byte, timeout time.Duration) (err error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer func() {
			if clearErr := c.conn.SetWriteDeadline(time.Time{}); err == nil {
				err = clearErr
			}
		}()
	}
	return c.conn.WriteMessage(messageType, data)
}
