package protocol

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketDialer abstracts WebSocket dialing for testing
type WebSocketDialer interface {
	DialContext(ctx context.Context, url string, header http.Header) (WebSocketConn, *http.Response, error)
}

// DefaultWebSocketDialer dials with gorilla/websocket
type DefaultWebSocketDialer struct {
	HandshakeTimeout time.Duration
}

// DialContext connects to a WebSocket URL
func (d *DefaultWebSocketDialer) DialContext(ctx context.Context, url string, header http.Header) (WebSocketConn, *http.Response, error) {
	dialer := *websocket.DefaultDialer
	if d.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = d.HandshakeTimeout
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, resp, err
	}
	return &GorillaWebSocketConn{Conn: conn}, resp, nil
}
