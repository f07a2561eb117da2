package poller

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pollbridge/clock"
	"pollbridge/server/upstream"

	"github.com/rs/zerolog"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// scriptedUpstream returns results from a script; the last entry repeats.
type scriptedUpstream struct {
	mu      sync.Mutex
	script  []upstream.Result
	calls   int
	onPoll  func(call int)
	pollCtx []context.Context
}

func (u *scriptedUpstream) Poll(ctx context.Context) upstream.Result {
	u.mu.Lock()
	u.calls++
	call := u.calls
	u.pollCtx = append(u.pollCtx, ctx)
	idx := call - 1
	if idx >= len(u.script) {
		idx = len(u.script) - 1
	}
	res := u.script[idx]
	hook := u.onPoll
	u.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	return res
}

func (u *scriptedUpstream) Calls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls
}

// countingPinger records pings and fails from failAt onward (0 = never).
type countingPinger struct {
	mu     sync.Mutex
	count  int
	failAt int
}

func (p *countingPinger) Ping() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.count++
	if p.failAt > 0 && p.count >= p.failAt {
		return errors.New("write: broken pipe")
	}
	return nil
}

func (p *countingPinger) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

type recordingRecorder struct {
	mu    sync.Mutex
	polls map[string]int
	pings map[string]int
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{polls: map[string]int{}, pings: map[string]int{}}
}

func (r *recordingRecorder) ObservePoll(result string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.polls[result]++
}

func (r *recordingRecorder) IncrementPings(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pings[status]++
}

func success(body string) upstream.Result {
	return upstream.Result{Kind: upstream.KindSuccess, StatusCode: 200, Body: []byte(body)}
}

func pending() upstream.Result {
	return upstream.Result{Kind: upstream.KindNotYetSuccessful, StatusCode: 200, Body: []byte(`{"flag":"pending"}`), Reason: "flag_mismatch"}
}

func unreachable() upstream.Result {
	return upstream.Result{Kind: upstream.KindTransportError, Reason: "connection_error", Err: errors.New("connection refused")}
}

type runResult struct {
	outcome *Outcome
	err     error
}

// runDriven runs the loop in a goroutine and advances the fake clock by
// step every time the loop starts waiting, until the loop returns.
func runDriven(t *testing.T, p *Poller, fake *clock.FakeClock, ctx context.Context, pinger Pinger, step time.Duration) runResult {
	t.Helper()

	done := make(chan runResult, 1)
	go func() {
		out, err := p.Run(ctx, pinger, zerolog.Nop())
		done <- runResult{out, err}
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case res := <-done:
			return res
		case <-fake.Registered():
			fake.Advance(step)
		case <-deadline:
			t.Fatal("Polling loop did not finish")
			return runResult{}
		}
	}
}

func TestRun_SuccessOnFirstCall(t *testing.T) {
	fake := clock.Fake(epoch)
	up := &scriptedUpstream{script: []upstream.Result{success(`{"flag":"success","id":7}`)}}
	pinger := &countingPinger{}
	rec := newRecordingRecorder()
	p := New(up, Config{}, fake, rec)

	res := runDriven(t, p, fake, context.Background(), pinger, DefaultInterval)

	if res.err != nil {
		t.Fatalf("Run() error = %v", res.err)
	}
	if res.outcome.State != StateSucceeded {
		t.Errorf("State = %v, want succeeded", res.outcome.State)
	}
	if up.Calls() != 1 {
		t.Errorf("Upstream calls = %d, want 1", up.Calls())
	}
	if pinger.Count() != 1 || res.outcome.Pings != 1 {
		t.Errorf("Pings = %d (outcome %d), want 1", pinger.Count(), res.outcome.Pings)
	}
	if !strings.HasPrefix(res.outcome.Message, "Received success response: ") {
		t.Errorf("Message = %q", res.outcome.Message)
	}
	if !strings.Contains(res.outcome.Message, `"id":7`) {
		t.Errorf("Message should embed the upstream payload, got %q", res.outcome.Message)
	}
	if fake.Pending() != 0 {
		t.Errorf("No sleep expected after success, %d waiters pending", fake.Pending())
	}
	if rec.polls["success"] != 1 || rec.pings["sent"] != 1 {
		t.Errorf("Recorder = polls %v pings %v", rec.polls, rec.pings)
	}
}

func TestRun_SuccessOnKthCall(t *testing.T) {
	for _, k := range []int{2, 5, 36} {
		fake := clock.Fake(epoch)
		script := make([]upstream.Result, 0, k)
		for i := 1; i < k; i++ {
			script = append(script, pending())
		}
		script = append(script, success(`{"flag":"success"}`))
		up := &scriptedUpstream{script: script}
		pinger := &countingPinger{}
		p := New(up, Config{}, fake, nil)

		res := runDriven(t, p, fake, context.Background(), pinger, DefaultInterval)

		if res.err != nil {
			t.Fatalf("k=%d: Run() error = %v", k, res.err)
		}
		if res.outcome.State != StateSucceeded {
			t.Errorf("k=%d: State = %v, want succeeded", k, res.outcome.State)
		}
		if up.Calls() != k || res.outcome.Attempts != k {
			t.Errorf("k=%d: calls = %d attempts = %d", k, up.Calls(), res.outcome.Attempts)
		}
		if pinger.Count() != k {
			t.Errorf("k=%d: pings = %d, want %d", k, pinger.Count(), k)
		}
		if want := time.Duration(k-1) * DefaultInterval; res.outcome.Elapsed != want {
			t.Errorf("k=%d: Elapsed = %v, want %v", k, res.outcome.Elapsed, want)
		}
	}
}

func TestRun_TimesOutAfter36Calls(t *testing.T) {
	fake := clock.Fake(epoch)
	up := &scriptedUpstream{script: []upstream.Result{pending()}}
	pinger := &countingPinger{}
	rec := newRecordingRecorder()
	p := New(up, Config{Budget: 180 * time.Second, Interval: 5 * time.Second}, fake, rec)

	res := runDriven(t, p, fake, context.Background(), pinger, 5*time.Second)

	if !errors.Is(res.err, ErrTimedOut) {
		t.Fatalf("Run() error = %v, want ErrTimedOut", res.err)
	}
	if res.outcome.State != StateTimedOut {
		t.Errorf("State = %v, want timed_out", res.outcome.State)
	}
	if up.Calls() != 36 {
		t.Errorf("Upstream calls = %d, want 36", up.Calls())
	}
	if pinger.Count() != 36 {
		t.Errorf("Pings = %d, want 36", pinger.Count())
	}
	if res.outcome.Elapsed != 180*time.Second {
		t.Errorf("Elapsed = %v, want 180s", res.outcome.Elapsed)
	}
	if rec.polls["not_yet"] != 36 {
		t.Errorf("Recorded not_yet polls = %d, want 36", rec.polls["not_yet"])
	}
}

func TestRun_TransportErrorsAreTransient(t *testing.T) {
	fake := clock.Fake(epoch)
	up := &scriptedUpstream{script: []upstream.Result{unreachable(), unreachable(), pending(), success(`{"flag":"success"}`)}}
	pinger := &countingPinger{}
	p := New(up, Config{}, fake, nil)

	res := runDriven(t, p, fake, context.Background(), pinger, DefaultInterval)

	if res.err != nil {
		t.Fatalf("Run() error = %v", res.err)
	}
	if res.outcome.Attempts != 4 || pinger.Count() != 4 {
		t.Errorf("attempts = %d pings = %d, want 4/4", res.outcome.Attempts, pinger.Count())
	}
}

func TestRun_NeverSucceedingUnreachableUpstream(t *testing.T) {
	fake := clock.Fake(epoch)
	up := &scriptedUpstream{script: []upstream.Result{unreachable()}}
	p := New(up, Config{Budget: 30 * time.Second, Interval: 5 * time.Second}, fake, nil)

	res := runDriven(t, p, fake, context.Background(), &countingPinger{}, 5*time.Second)

	if !errors.Is(res.err, ErrTimedOut) {
		t.Fatalf("Run() error = %v, want ErrTimedOut", res.err)
	}
	if up.Calls() != 6 {
		t.Errorf("Upstream calls = %d, want 6", up.Calls())
	}
}

func TestRun_SlowUpstreamOverrunsBudgetByAtMostOneIteration(t *testing.T) {
	fake := clock.Fake(epoch)
	up := &scriptedUpstream{script: []upstream.Result{pending()}}
	// Each poll takes 7s of clock time.
	up.onPoll = func(int) { fake.Advance(7 * time.Second) }
	p := New(up, Config{Budget: 20 * time.Second, Interval: 5 * time.Second}, fake, nil)

	res := runDriven(t, p, fake, context.Background(), &countingPinger{}, 5*time.Second)

	if !errors.Is(res.err, ErrTimedOut) {
		t.Fatalf("Run() error = %v, want ErrTimedOut", res.err)
	}
	// Checks at 0s, 12s, 24s: two polls fit.
	if up.Calls() != 2 {
		t.Errorf("Upstream calls = %d, want 2", up.Calls())
	}
	if res.outcome.Elapsed > 20*time.Second+12*time.Second {
		t.Errorf("Elapsed = %v overran by more than one iteration", res.outcome.Elapsed)
	}
}

func TestRun_PingFailureAbortsWithConnectionFault(t *testing.T) {
	fake := clock.Fake(epoch)
	up := &scriptedUpstream{script: []upstream.Result{pending()}}
	pinger := &countingPinger{failAt: 3}
	rec := newRecordingRecorder()
	p := New(up, Config{}, fake, rec)

	res := runDriven(t, p, fake, context.Background(), pinger, DefaultInterval)

	if !errors.Is(res.err, ErrConnectionFault) {
		t.Fatalf("Run() error = %v, want ErrConnectionFault", res.err)
	}
	if errors.Is(res.err, ErrTimedOut) {
		t.Error("Connection fault must be distinct from timeout")
	}
	if res.outcome.State != StateConnectionFault {
		t.Errorf("State = %v, want connection_fault", res.outcome.State)
	}
	if up.Calls() != 3 {
		t.Errorf("Upstream calls = %d, want 3 (no polls after the failed ping)", up.Calls())
	}
	if res.outcome.Pings != 2 {
		t.Errorf("Successful pings = %d, want 2", res.outcome.Pings)
	}
	if rec.pings["failed"] != 1 || rec.pings["sent"] != 2 {
		t.Errorf("Recorded pings = %v", rec.pings)
	}
	if fake.Pending() != 0 {
		t.Errorf("No sleep expected after a failed ping, %d pending", fake.Pending())
	}
}

func TestRun_PingFailureOnSuccessfulIteration(t *testing.T) {
	fake := clock.Fake(epoch)
	up := &scriptedUpstream{script: []upstream.Result{success(`{"flag":"success"}`)}}
	p := New(up, Config{}, fake, nil)

	res := runDriven(t, p, fake, context.Background(), &countingPinger{failAt: 1}, DefaultInterval)

	if !errors.Is(res.err, ErrConnectionFault) {
		t.Fatalf("Run() error = %v, want ErrConnectionFault", res.err)
	}
}

func TestRun_CancelDuringSleep(t *testing.T) {
	fake := clock.Fake(epoch)
	up := &scriptedUpstream{script: []upstream.Result{pending()}}
	p := New(up, Config{}, fake, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runResult, 1)
	go func() {
		out, err := p.Run(ctx, &countingPinger{}, zerolog.Nop())
		done <- runResult{out, err}
	}()

	select {
	case <-fake.Registered():
	case <-time.After(5 * time.Second):
		t.Fatal("Loop never started sleeping")
	}
	cancel()

	select {
	case res := <-done:
		if !errors.Is(res.err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", res.err)
		}
		if res.outcome.State != StateCancelled {
			t.Errorf("State = %v, want cancelled", res.outcome.State)
		}
		if up.Calls() != 1 {
			t.Errorf("Upstream calls = %d, want 1", up.Calls())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Cancellation did not interrupt the sleep")
	}
}

func TestRun_CancelDuringPoll(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	up := &scriptedUpstream{
		script: []upstream.Result{unreachable()},
		onPoll: func(int) { cancel() },
	}
	pinger := &countingPinger{}
	rec := newRecordingRecorder()
	p := New(up, Config{}, clock.Fake(epoch), rec)

	out, err := p.Run(ctx, pinger, zerolog.Nop())

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if out.State != StateCancelled {
		t.Errorf("State = %v, want cancelled", out.State)
	}
	if pinger.Count() != 0 {
		t.Errorf("Pings = %d, want none after cancellation", pinger.Count())
	}
	if len(rec.polls) != 0 {
		t.Errorf("Recorded polls = %v, want none for a cancelled call", rec.polls)
	}
}

func TestRun_ConnectionFaultKeepsPingError(t *testing.T) {
	up := &scriptedUpstream{script: []upstream.Result{pending()}}
	p := New(up, Config{}, clock.Fake(epoch), nil)

	sentinel := errors.New("close sent")
	_, err := p.Run(context.Background(), PingFunc(func() error { return sentinel }), zerolog.Nop())

	if !errors.Is(err, ErrConnectionFault) || !errors.Is(err, sentinel) {
		t.Errorf("Run() error = %v, want both ErrConnectionFault and the ping error", err)
	}
}

func TestRun_AlreadyCancelled(t *testing.T) {
	up := &scriptedUpstream{script: []upstream.Result{pending()}}
	p := New(up, Config{}, clock.Fake(epoch), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := p.Run(ctx, &countingPinger{}, zerolog.Nop())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
	if out.State != StateCancelled || up.Calls() != 0 {
		t.Errorf("State = %v calls = %d, want cancelled with no calls", out.State, up.Calls())
	}
}

func TestRun_PassesContextToUpstream(t *testing.T) {
	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "session-1")
	up := &scriptedUpstream{script: []upstream.Result{success(`{"flag":"success"}`)}}
	p := New(up, Config{}, clock.Fake(epoch), nil)

	if _, err := p.Run(ctx, PingFunc(func() error { return nil }), zerolog.Nop()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := up.pollCtx[0].Value(key{}); got != "session-1" {
		t.Errorf("Upstream saw context value %v", got)
	}
}

func TestNew_Defaults(t *testing.T) {
	p := New(&scriptedUpstream{}, Config{}, nil, nil)
	if p.config.Budget != 180*time.Second {
		t.Errorf("Budget = %v, want 180s", p.config.Budget)
	}
	if p.config.Interval != 5*time.Second {
		t.Errorf("Interval = %v, want 5s", p.config.Interval)
	}
	if p.clock == nil || p.recorder == nil {
		t.Error("Expected default clock and recorder")
	}
}
