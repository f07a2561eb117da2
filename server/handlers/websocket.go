package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"pollbridge/protocol"
	bridgeerrors "pollbridge/server/errors"
	"pollbridge/server/session"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// AcceptorConfig holds connection acceptance settings
type AcceptorConfig struct {
	AllowedOrigins []string // empty allows any origin
	MaxMessageSize int64
	Session        session.Config
}

// Acceptor upgrades client requests to WebSockets and runs one session per
// connection. Sessions live until the peer leaves or the root context is
// cancelled.
type Acceptor struct {
	ctx      context.Context
	upgrader websocket.Upgrader
	runner   session.Runner
	config   AcceptorConfig
	recorder session.Recorder
	logger   zerolog.Logger

	sessionsLock sync.Mutex
	sessions     map[string]*session.Session
	wg           sync.WaitGroup
	draining     atomic.Bool
}

// NewAcceptor creates an Acceptor. ctx is the root context for all
// sessions; cancelling it asks every session to close with GoingAway.
func NewAcceptor(ctx context.Context, runner session.Runner, cfg AcceptorConfig, recorder session.Recorder, logger zerolog.Logger) *Acceptor {
	a := &Acceptor{
		ctx:      ctx,
		runner:   runner,
		config:   cfg,
		recorder: recorder,
		logger:   logger,
		sessions: make(map[string]*session.Session),
	}
	a.upgrader = websocket.Upgrader{
		CheckOrigin: a.checkOrigin,
	}
	return a
}

func (a *Acceptor) checkOrigin(r *http.Request) bool {
	if len(a.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients do not send Origin
		return true
	}
	for _, allowed := range a.config.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	a.logger.Info().Str("origin", origin).Msg("Rejecting connection from disallowed origin")
	return false
}

func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if a.draining.Load() {
		writeFailure(w, http.StatusServiceUnavailable, bridgeerrors.CodeShuttingDown, "")
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		writeFailure(w, http.StatusBadRequest, bridgeerrors.CodeInvalidRequest, "WebSocket upgrade required")
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Info().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	if a.config.MaxMessageSize > 0 {
		conn.SetReadLimit(a.config.MaxMessageSize)
	}

	sessionID := uuid.New().String()
	logger := a.logger.With().Str("sessionID", sessionID).Str("remoteAddr", r.RemoteAddr).Logger()
	s := session.New(sessionID, &protocol.GorillaWebSocketConn{Conn: conn}, a.runner, a.config.Session, a.recorder, logger)

	a.wg.Add(1)
	defer a.wg.Done()
	a.register(s)
	defer a.unregister(s)

	logger.Info().Msg("Client connected")
	if err := s.Run(a.ctx); err != nil {
		logger.Info().Err(err).Msg("Session ended")
	}
}

func (a *Acceptor) register(s *session.Session) {
	a.sessionsLock.Lock()
	defer a.sessionsLock.Unlock()
	a.sessions[s.ID()] = s
}

func (a *Acceptor) unregister(s *session.Session) {
	a.sessionsLock.Lock()
	defer a.sessionsLock.Unlock()
	delete(a.sessions, s.ID())
}

// ActiveSessions returns the number of live sessions
func (a *Acceptor) ActiveSessions() int {
	a.sessionsLock.Lock()
	defer a.sessionsLock.Unlock()
	return len(a.sessions)
}

// Drain refuses new connections from now on
func (a *Acceptor) Drain() {
	a.draining.Store(true)
}

// Draining reports whether Drain was called
func (a *Acceptor) Draining() bool {
	return a.draining.Load()
}

// Wait blocks until every session has ended or ctx is done
func (a *Acceptor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseAll drops every live connection
func (a *Acceptor) CloseAll() {
	a.sessionsLock.Lock()
	defer a.sessionsLock.Unlock()
	for _, s := range a.sessions {
		s.Close()
	}
}

func writeFailure(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(bridgeerrors.Format(code, message))
}
