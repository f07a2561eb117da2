// Package poller runs the per-request polling loop: call the upstream,
// ping the client, wait, and repeat until success or the budget runs out.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pollbridge/clock"
	"pollbridge/server/upstream"

	"github.com/rs/zerolog"
)

const (
	DefaultBudget   = 180 * time.Second
	DefaultInterval = 5 * time.Second
)

var (
	// ErrTimedOut is returned when the budget elapses without success.
	ErrTimedOut = errors.New("request timed out without success")
	// ErrConnectionFault is returned when a liveness ping cannot be sent.
	ErrConnectionFault = errors.New("client connection fault")
)

// State is the terminal state of one loop run
type State string

const (
	StateSucceeded       State = "succeeded"
	StateTimedOut        State = "timed_out"
	StateConnectionFault State = "connection_fault"
	StateCancelled       State = "cancelled"
)

// Upstream performs one classified upstream call
type Upstream interface {
	Poll(ctx context.Context) upstream.Result
}

// Pinger sends one liveness signal to the client
type Pinger interface {
	Ping() error
}

// PingFunc adapts a function to Pinger
type PingFunc func() error

func (f PingFunc) Ping() error { return f() }

// Recorder receives per-poll observations
type Recorder interface {
	ObservePoll(result string, duration time.Duration)
	IncrementPings(status string)
}

type nopRecorder struct{}

func (nopRecorder) ObservePoll(string, time.Duration) {}
func (nopRecorder) IncrementPings(string)             {}

// Config holds polling loop configuration
type Config struct {
	Budget   time.Duration
	Interval time.Duration
}

// Outcome describes how a loop run ended
type Outcome struct {
	State    State
	Message  string // success description, empty otherwise
	Attempts int
	Pings    int
	Elapsed  time.Duration
}

// Poller drives the upstream on behalf of one request at a time. A single
// Poller is safe to share between sessions; all per-run state lives on the
// stack of Run.
type Poller struct {
	upstream Upstream
	config   Config
	clock    clock.Clock
	recorder Recorder
}

// New creates a Poller. Zero config values fall back to the defaults and
// nil clock or recorder fall back to the real clock and a no-op recorder.
func New(up Upstream, cfg Config, clk clock.Clock, recorder Recorder) *Poller {
	if cfg.Budget <= 0 {
		cfg.Budget = DefaultBudget
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Poller{
		upstream: up,
		config:   cfg,
		clock:    clk,
		recorder: recorder,
	}
}

// Run polls until success, budget exhaustion, a failed ping, or ctx
// cancellation. The returned Outcome is never nil. The error is nil only
// for StateSucceeded; otherwise it matches ErrTimedOut, ErrConnectionFault
// or the context error.
//
// Every iteration pings the client after classifying the poll, including
// the iteration that succeeds, so Pings == Attempts unless a ping failed.
func (p *Poller) Run(ctx context.Context, pinger Pinger, logger zerolog.Logger) (*Outcome, error) {
	start := p.clock.Now()
	out := &Outcome{}
	finish := func(state State) *Outcome {
		out.State = state
		out.Elapsed = p.clock.Now().Sub(start)
		return out
	}

	for p.clock.Now().Sub(start) < p.config.Budget {
		if err := ctx.Err(); err != nil {
			return finish(StateCancelled), err
		}

		out.Attempts++
		pollStart := time.Now()
		res := p.upstream.Poll(ctx)
		if err := ctx.Err(); err != nil {
			return finish(StateCancelled), err
		}
		p.recorder.ObservePoll(res.Kind.String(), time.Since(pollStart))

		succeeded := false
		switch res.Kind {
		case upstream.KindSuccess:
			succeeded = true
			out.Message = fmt.Sprintf("Received success response: %s", res.Describe())
			logger.Info().Int("attempt", out.Attempts).Int("status", res.StatusCode).Msg("Upstream reported success")
		case upstream.KindNotYetSuccessful:
			logger.Debug().
				Int("attempt", out.Attempts).
				Int("status", res.StatusCode).
				Str("reason", res.Reason).
				Str("body", res.Describe()).
				Msg("Received non-success response")
		default:
			logger.Warn().
				Err(res.Err).
				Int("attempt", out.Attempts).
				Int("status", res.StatusCode).
				Str("reason", res.Reason).
				Msg("Upstream poll failed")
		}

		if err := pinger.Ping(); err != nil {
			p.recorder.IncrementPings("failed")
			logger.Info().Err(err).Int("attempt", out.Attempts).Msg("Liveness ping failed, client connection presumed closed")
			return finish(StateConnectionFault), fmt.Errorf("%w: %w", ErrConnectionFault, err)
		}
		p.recorder.IncrementPings("sent")
		out.Pings++

		if succeeded {
			return finish(StateSucceeded), nil
		}

		select {
		case <-ctx.Done():
			return finish(StateCancelled), ctx.Err()
		case <-p.clock.After(p.config.Interval):
		}
	}

	return finish(StateTimedOut), ErrTimedOut
}
