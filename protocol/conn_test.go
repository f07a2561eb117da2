package protocol

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordingConn struct {
	mu        sync.Mutex
	deadlines []time.Time
	writes    []int
	inWrite   bool
	overlap   bool
	writeErr  error
	setErrs   []error
}

func (c *recordingConn) ReadMessage() (int, []byte, error) { return 0, nil, errors.New("not readable") }
func (c *recordingConn) WriteJSON(v interface{}) error     { return c.WriteMessage(websocket.TextMessage, nil) }
func (c *recordingConn) Close() error                      { return nil }

func (c *recordingConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	if c.inWrite {
		c.overlap = true
	}
	c.inWrite = true
	c.writes = append(c.writes, messageType)
	c.mu.Unlock()

	time.Sleep(time.Millisecond)

	c.mu.Lock()
	c.inWrite = false
	c.mu.Unlock()
	return c.writeErr
}

func (c *recordingConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadlines = append(c.deadlines, t)
	if len(c.setErrs) > 0 {
		err := c.setErrs[0]
		c.setErrs = c.setErrs[1:]
		return err
	}
	return nil
}

func TestLockedConn_WriteWithDeadline(t *testing.T) {
	raw := &recordingConn{writeErr: errors.New("broken pipe")}
	conn := NewLockedConn(raw)

	err := conn.WriteWithDeadline(websocket.PingMessage, []byte{}, 5*time.Second)
	if err == nil || err.Error() != "broken pipe" {
		t.Errorf("err = %v, want write error passed through", err)
	}

	if len(raw.deadlines) != 2 {
		t.Fatalf("deadlines = %v, want set then cleared", raw.deadlines)
	}
	if raw.deadlines[0].IsZero() {
		t.Error("First deadline should be set")
	}
	if !raw.deadlines[1].IsZero() {
		t.Error("Deadline should be cleared after the write")
	}
	if len(raw.writes) != 1 || raw.writes[0] != websocket.PingMessage {
		t.Errorf("writes = %v", raw.writes)
	}
}

func TestLockedConn_NoDeadlineWhenZero(t *testing.T) {
	raw := &recordingConn{}
	conn := NewLockedConn(raw)

	if err := conn.WriteWithDeadline(websocket.TextMessage, []byte("x"), 0); err != nil {
		t.Fatalf("WriteWithDeadline failed: %v", err)
	}
	if len(raw.deadlines) != 0 {
		t.Errorf("deadlines = %v, want none", raw.deadlines)
	}
}

func TestLockedConn_SerializesWriters(t *testing.T) {
	raw := &recordingConn{}
	conn := NewLockedConn(raw)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			conn.WriteWithDeadline(websocket.TextMessage, []byte("a"), 0)
		}()
		go func() {
			defer wg.Done()
			conn.WriteWithDeadline(websocket.TextMessage, []byte(`{"a":"b"}`), time.Second)
		}()
		go func() {
			defer wg.Done()
			conn.WriteWithDeadline(websocket.PingMessage, nil, time.Second)
		}()
	}
	wg.Wait()

	if raw.overlap {
		t.Error("Concurrent writes reached the underlying connection")
	}
	if len(raw.writes) != 30 {
		t.Errorf("writes = %d, want 30", len(raw.writes))
	}
}

func TestLockedConn_DeadlineErrors(t *testing.T) {
	setFailed := errors.New("set deadline failed")
	clearFailed := errors.New("clear deadline failed")
	writeFailed := errors.New("broken pipe")

	tests := []struct {
		name       string
		setErrs    []error
		writeErr   error
		wantErr    error
		wantWrites int
	}{
		{"set fails, no write", []error{setFailed}, nil, setFailed, 0},
		{"clear fails after write", []error{nil, clearFailed}, nil, clearFailed, 1},
		{"write error wins over clear error", []error{nil, clearFailed}, writeFailed, writeFailed, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := &recordingConn{setErrs: tt.setErrs, writeErr: tt.writeErr}
			err := NewLockedConn(raw).WriteWithDeadline(websocket.TextMessage, []byte("x"), time.Second)

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
			if len(raw.writes) != tt.wantWrites {
				t.Errorf("writes = %d, want %d", len(raw.writes), tt.wantWrites)
			}
		})
	}
}
