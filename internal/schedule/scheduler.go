// Package schedule drives scan cycles on a fixed interval while a session
// is active.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	gc "github.com/joshsymonds/codesnap/internal/gmail"
	"github.com/joshsymonds/codesnap/internal/scan"
)

const (
	DefaultInterval     = 10 * time.Second
	DefaultCycleTimeout = time.Minute
)

type State int

const (
	Stopped State = iota
	Active
)

func (s State) String() string {
	if s == Active {
		return "active"
	}
	return "stopped"
}

// Ticker delivers ticks until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// NewRealTicker wraps time.Ticker. Ticks missed while a cycle runs are
// dropped, not queued.
func NewRealTicker(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

// Runner runs one pipeline cycle.
type Runner interface {
	RunCycle(ctx context.Context, token string) (scan.CycleReport, error)
}

// Scheduler runs one cycle immediately on Start, then one per tick. Cycles
// never overlap.
type Scheduler struct {
	Runner       Runner
	Interval     time.Duration
	CycleTimeout time.Duration
	NewTicker    TickerFunc
	Logger       *slog.Logger
	// OnInvalidated is called from the loop after a credential error has
	// already moved the scheduler to Stopped.
	OnInvalidated func(err error)

	mu      sync.Mutex
	state   State
	token   string
	cancel  context.CancelFunc
	done    chan struct{}
	trigger chan struct{}
}

func New(runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		Runner:       runner,
		Interval:     interval,
		CycleTimeout: DefaultCycleTimeout,
		NewTicker:    NewRealTicker,
		Logger:       logger,
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start activates the scheduler for token. Starting with the token already
// active is a no-op; a different token replaces the running loop.
func (s *Scheduler) Start(token string) {
	s.mu.Lock()
	if s.state == Active && s.token == token {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.Stop()

	interval := s.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	newTicker := s.NewTicker
	if newTicker == nil {
		newTicker = NewRealTicker
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	trigger := make(chan struct{}, 1)
	ticker := newTicker(interval)

	s.mu.Lock()
	s.state = Active
	s.token = token
	s.cancel = cancel
	s.done = done
	s.trigger = trigger
	s.mu.Unlock()

	s.Logger.Info("scheduler started", "interval", interval)
	go s.loop(ctx, token, ticker, trigger, done)
}

// Stop cancels the timer and waits for the loop to exit. A cycle already
// running is allowed to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state != Active {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.clearLocked()
	s.mu.Unlock()

	cancel()
	<-done
	s.Logger.Info("scheduler stopped")
}

// Trigger requests a cycle now. Requests made while one is pending are
// merged.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Active {
		return
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

func (s *Scheduler) clearLocked() {
	s.state = Stopped
	s.token = ""
	s.cancel = nil
	s.done = nil
	s.trigger = nil
}

func (s *Scheduler) loop(ctx context.Context, token string, ticker Ticker, trigger <-chan struct{}, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	if !s.runOnce(ctx, token) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		case <-trigger:
		}
		if ctx.Err() != nil {
			return
		}
		if !s.runOnce(ctx, token) {
			return
		}
	}
}

// runOnce reports whether the loop should keep going.
func (s *Scheduler) runOnce(ctx context.Context, token string) bool {
	timeout := s.CycleTimeout
	if timeout <= 0 {
		timeout = DefaultCycleTimeout
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	_, err := s.Runner.RunCycle(cctx, token)
	switch {
	case err == nil:
		return true
	case errors.Is(err, scan.ErrSessionEnded):
		s.Logger.Info("cycle ended with session", "error", err)
		s.release(token, nil)
		return false
	case gc.IsCredentialError(err):
		s.Logger.Warn("credential rejected", "error", err)
		s.release(token, err)
		return false
	default:
		s.Logger.Warn("cycle failed", "error", err)
		return ctx.Err() == nil
	}
}

// release moves a loop that is still current to Stopped from inside the
// loop itself. A non-nil err is reported through OnInvalidated.
func (s *Scheduler) release(token string, err error) {
	s.mu.Lock()
	owned := s.state == Active && s.token == token
	if owned {
		s.cancel()
		s.clearLocked()
	}
	s.mu.Unlock()
	if owned && err != nil && s.OnInvalidated != nil {
		s.OnInvalidated(err)
	}
}
