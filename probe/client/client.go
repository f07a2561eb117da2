// Package client submits one request to a bridge and waits for its
// terminal reply.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pollbridge/messages"
	"pollbridge/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ErrNoReply is returned when the bridge closes the connection before
// sending a terminal message.
var ErrNoReply = errors.New("connection closed before a reply was received")

// Reply is the terminal message for a request
type Reply struct {
	Raw     string
	Success bool
	Message string
	Error   string // failure code, empty on success
}

// Probe dials a bridge, submits a request and waits for the reply
type Probe struct {
	dialer protocol.WebSocketDialer
	logger zerolog.Logger
}

// New creates a Probe
func New(dialer protocol.WebSocketDialer, logger zerolog.Logger) *Probe {
	return &Probe{dialer: dialer, logger: logger}
}

// Run sends req to the bridge at url and blocks until the first text
// frame arrives, the connection closes, or ctx is done.
func (p *Probe) Run(ctx context.Context, url string, req messages.ClientRequest) (*Reply, error) {
	conn, _, err := p.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer conn.Close()
	p.logger.Debug().Str("url", url).Msg("Connected to bridge")

	// ReadMessage does not take a context; closing the connection unblocks it
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if err := conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	p.logger.Info().Str("action", req.Action).Msg("Request sent, waiting for reply")

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("waiting for reply: %w", ctxErr)
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				p.logger.Info().Int("code", closeErr.Code).Str("reason", closeErr.Text).Msg("Bridge closed the connection")
				return nil, fmt.Errorf("%w (close %d %s)", ErrNoReply, closeErr.Code, closeErr.Text)
			}
			return nil, fmt.Errorf("read failed: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		return parseReply(data)
	}
}

// replyFields distinguishes absent fields from empty strings
type replyFields struct {
	Message *string `json:"message"`
	Error   *string `json:"error"`
}

func parseReply(data []byte) (*Reply, error) {
	var fields replyFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("invalid reply %q: %w", data, err)
	}

	reply := &Reply{Raw: string(data)}
	switch {
	case fields.Error != nil:
		reply.Error = *fields.Error
		if fields.Message != nil {
			reply.Message = *fields.Message
		}
	case fields.Message != nil:
		reply.Success = true
		reply.Message = *fields.Message
	default:
		return nil, fmt.Errorf("reply has neither message nor error: %s", data)
	}
	return reply, nil
}
