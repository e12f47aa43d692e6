package rate

import (
	"context"
	"fmt"
	"time"
)

// Limiter paces outbound calls to the mail provider and the classifier.
type Limiter interface {
	Wait(ctx context.Context) error
}

// TokenBucket releases tokens at a fixed interval up to a burst size.
type TokenBucket struct {
	ticker   *time.Ticker
	tokens   chan struct{}
	stop     chan struct{}
	stopDone chan struct{}
}

// NewTokenBucket returns a limiter that allows n calls per period, with a
// burst of up to n calls when idle.
func NewTokenBucket(n int, period time.Duration) *TokenBucket {
	if n <= 0 {
		n = 1
	}
	if period <= 0 {
		period = time.Second
	}
	interval := period / time.Duration(n)
	if interval <= 0 {
		interval = time.Nanosecond
	}
	tb := &TokenBucket{
		ticker:   time.NewTicker(interval),
		tokens:   make(chan struct{}, n),
		stop:     make(chan struct{}),
		stopDone: make(chan struct{}),
	}
	// the first call never waits
	tb.tokens <- struct{}{}
	go tb.run()
	return tb
}

// PerMinute is shorthand for NewTokenBucket(n, time.Minute).
func PerMinute(n int) *TokenBucket {
	return NewTokenBucket(n, time.Minute)
}

func (t *TokenBucket) run() {
	defer close(t.stopDone)
	for {
		select {
		case <-t.stop:
			return
		case <-t.ticker.C:
			select {
			case t.tokens <- struct{}{}:
			default:
			}
		}
	}
}

// Wait blocks until a token is available or the context is canceled.
func (t *TokenBucket) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate wait canceled: %w", ctx.Err())
	case <-t.tokens:
		return nil
	}
}

// Stop releases the ticker goroutine. It is safe to call once.
func (t *TokenBucket) Stop() {
	t.ticker.Stop()
	close(t.stop)
	<-t.stopDone
}

// Unlimited never blocks.
type Unlimited struct{}

func (Unlimited) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rate wait canceled: %w", err)
	}
	return nil
}

var (
	_ Limiter = (*TokenBucket)(nil)
	_ Limiter = Unlimited{}
)
