package rate

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFirstWaitIsImmediate(t *testing.T) {
	tb := NewTokenBucket(1, time.Hour)
	defer tb.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first wait should pass: %v", err)
	}
}

func TestWaitHonorsCancel(t *testing.T) {
	tb := NewTokenBucket(1, time.Hour)
	defer tb.Stop()
	_ = tb.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tb.Wait(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRefill(t *testing.T) {
	tb := NewTokenBucket(100, time.Second)
	defer tb.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 5; i++ {
		if err := tb.Wait(ctx); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
}

func TestUnlimited(t *testing.T) {
	if err := (Unlimited{}).Wait(context.Background()); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (Unlimited{}).Wait(ctx); err == nil {
		t.Fatalf("expected canceled context to fail")
	}
}
