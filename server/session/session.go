package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pollbridge/messages"
	"pollbridge/protocol"
	bridgeerrors "pollbridge/server/errors"
	"pollbridge/server/poller"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// FailurePolicy decides what happens to the connection after a request
// times out
type FailurePolicy string

const (
	// PolicyReport tells the client and keeps the connection open
	PolicyReport FailurePolicy = "report"
	// PolicyClose closes the connection without a payload
	PolicyClose FailurePolicy = "close"
)

// ParseFailurePolicy validates a policy name
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case PolicyReport, PolicyClose:
		return FailurePolicy(s), nil
	default:
		return "", fmt.Errorf("unknown failure policy %q (want %q or %q)", s, PolicyReport, PolicyClose)
	}
}

// ErrRequestFailed ends a session under PolicyClose
var ErrRequestFailed = errors.New("request failed, closing connection")

// Runner runs the polling loop for one request
type Runner interface {
	Run(ctx context.Context, pinger poller.Pinger, logger zerolog.Logger) (*poller.Outcome, error)
}

// Recorder tracks session metrics
type Recorder interface {
	SessionStarted()
	SessionEnded()
	ObserveRequest(outcome string, duration time.Duration)
	IncrementInvalidRequests()
	IncrementWebsocketMessage(direction, messageType string)
}

type nopRecorder struct{}

func (nopRecorder) SessionStarted()                          {}
func (nopRecorder) SessionEnded()                            {}
func (nopRecorder) ObserveRequest(string, time.Duration)     {}
func (nopRecorder) IncrementInvalidRequests()                {}
func (nopRecorder) IncrementWebsocketMessage(string, string) {}

// Config holds per-session settings
type Config struct {
	FailurePolicy FailurePolicy
	WriteTimeout  time.Duration // deadline for pings, responses and close frames
	QueueSize     int           // inbound messages buffered while a poll runs
}

type inbound struct {
	messageType int
	payload     []byte
}

// Session owns one client connection for its whole lifetime
type Session struct {
	id       string
	conn     *protocol.LockedConn
	runner   Runner
	config   Config
	recorder Recorder
	logger   zerolog.Logger
}

// New creates a session for an upgraded connection
func New(id string, conn protocol.WebSocketConn, runner Runner, cfg Config, recorder Recorder, logger zerolog.Logger) *Session {
	if cfg.FailurePolicy == "" {
		cfg.FailurePolicy = PolicyReport
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Session{
		id:       id,
		conn:     protocol.NewLockedConn(conn),
		runner:   runner,
		config:   cfg,
		recorder: recorder,
		logger:   logger,
	}
}

// ID returns the session identifier
func (s *Session) ID() string {
	return s.id
}

// Close drops the underlying connection without a close frame. Used to
// unblock a session that did not end within the shutdown timeout.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Run serves requests until the peer disconnects, a channel fault occurs,
// the policy ends the session, or ctx is cancelled. It always closes the
// connection before returning. A nil error means an orderly end (peer
// close or server shutdown).
func (s *Session) Run(ctx context.Context) error {
	s.recorder.SessionStarted()
	defer s.recorder.SessionEnded()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	msgs := make(chan inbound, s.config.QueueSize)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	go s.readLoop(sessionCtx, cancel, msgs, readErr, readerDone)

	// The reader may be parked on a full queue rather than in ReadMessage,
	// so cancel before closing and waiting for it.
	defer func() {
		cancel()
		s.conn.Close()
		<-readerDone
		s.logger.Info().Msg("Connection closed")
	}()

	for {
		if sessionCtx.Err() != nil {
			return s.finish(ctx, readErr)
		}

		select {
		case <-sessionCtx.Done():
			return s.finish(ctx, readErr)
		case msg := <-msgs:
			if err := s.handleMessage(sessionCtx, msg); err != nil {
				if errors.Is(err, ErrRequestFailed) {
					s.sendClose(websocket.CloseNormalClosure, "request failed")
				}
				return err
			}
		}
	}
}

// readLoop is the only reader of the connection. Any read error (peer
// close included) cancels the session, which also aborts a running poll.
func (s *Session) readLoop(ctx context.Context, cancel context.CancelFunc, msgs chan<- inbound, readErr chan<- error, done chan<- struct{}) {
	defer close(done)

	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			readErr <- err
			cancel()
			return
		}

		select {
		case msgs <- inbound{messageType: messageType, payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}

// finish decides how the session ended once its context is done
func (s *Session) finish(parent context.Context, readErr <-chan error) error {
	select {
	case err := <-readErr:
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			s.logger.Info().Msg("Client disconnected")
			return nil
		}
		s.logger.Warn().Err(err).Msg("Error while receiving message")
		return fmt.Errorf("read: %w", err)
	default:
	}

	if parent.Err() != nil {
		s.logger.Info().Msg("Server shutting down, closing session")
		s.sendClose(websocket.CloseGoingAway, "server shutting down")
		return nil
	}
	return nil
}

func (s *Session) handleMessage(ctx context.Context, msg inbound) error {
	switch msg.messageType {
	case websocket.TextMessage:
		s.recorder.IncrementWebsocketMessage("recv", "text")
		req, err := messages.ParseClientRequest(msg.payload)
		if err != nil {
			s.recorder.IncrementInvalidRequests()
			s.logger.Warn().Err(err).Int("bytes", len(msg.payload)).Msg("Invalid request format")
			return nil
		}
		return s.serve(ctx, req)
	default:
		s.recorder.IncrementWebsocketMessage("recv", "binary")
		s.logger.Debug().Int("bytes", len(msg.payload)).Msg("Ignoring binary message")
		return nil
	}
}

// serve runs one request to completion and relays its outcome
func (s *Session) serve(ctx context.Context, req messages.ClientRequest) error {
	reqLogger := s.logger.With().Str("action", req.Action).Logger()
	reqLogger.Info().Int("dataBytes", len(req.Data)).Msg("Received request")

	start := time.Now()
	outcome, err := s.runner.Run(ctx, poller.PingFunc(s.ping), reqLogger)
	s.recorder.ObserveRequest(string(outcome.State), time.Since(start))

	switch {
	case err == nil:
		if werr := s.send(messages.ClientResponse{Message: outcome.Message}, "response"); werr != nil {
			reqLogger.Error().Err(werr).Msg("Failed to send response")
			return fmt.Errorf("send response: %w", werr)
		}
		reqLogger.Info().Int("attempts", outcome.Attempts).Dur("elapsed", outcome.Elapsed).Msg("Relayed success response")
		return nil

	case errors.Is(err, poller.ErrTimedOut):
		reqLogger.Warn().Err(err).Int("attempts", outcome.Attempts).Dur("elapsed", outcome.Elapsed).Msg("Error during service response loop")
		if s.config.FailurePolicy == PolicyClose {
			return ErrRequestFailed
		}
		if werr := s.send(bridgeerrors.Format(bridgeerrors.CodeTimeout, ""), "failure"); werr != nil {
			reqLogger.Error().Err(werr).Msg("Failed to send failure response")
			return fmt.Errorf("send failure: %w", werr)
		}
		return nil

	case errors.Is(err, poller.ErrConnectionFault):
		if s.peerClosed(ctx, err) {
			reqLogger.Debug().Err(err).Msg("Ping failed after peer close")
			return nil
		}
		return err

	default:
		// Cancelled: the main loop observes the context and finishes.
		reqLogger.Debug().Err(err).Msg("Polling cancelled")
		return nil
	}
}

// peerClosed reports whether a failed ping was caused by the peer closing
// the connection. gorilla replies to a close frame before ReadMessage
// returns, so a ping can see ErrCloseSent just before the reader cancels
// the session.
func (s *Session) peerClosed(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if !errors.Is(err, websocket.ErrCloseSent) {
		return false
	}
	select {
	case <-ctx.Done():
		return true
	case <-time.After(s.config.WriteTimeout):
		return false
	}
}

func (s *Session) ping() error {
	if err := s.conn.WriteWithDeadline(websocket.PingMessage, []byte{}, s.config.WriteTimeout); err != nil {
		return err
	}
	s.recorder.IncrementWebsocketMessage("sent", "ping")
	return nil
}

func (s *Session) send(v interface{}, messageType string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.conn.WriteWithDeadline(websocket.TextMessage, data, s.config.WriteTimeout); err != nil {
		return err
	}
	s.recorder.IncrementWebsocketMessage("sent", messageType)
	return nil
}

func (s *Session) sendClose(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := s.conn.WriteWithDeadline(websocket.CloseMessage, msg, s.config.WriteTimeout); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to send close frame")
	}
}
