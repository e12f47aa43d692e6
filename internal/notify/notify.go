// Package notify delivers code alerts through an ordered list of
// strategies, falling back when one is unavailable or fails.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/joshsymonds/codesnap/internal/metrics"
)

const DefaultTag = "codesnap-code"

// Notification is one alert. Tag groups alerts so a newer one replaces an
// older one instead of stacking.
type Notification struct {
	Title      string
	Body       string
	Tag        string
	OnActivate func()
}

// Result is the outcome of a delivery. Error holds the accumulated
// per-strategy diagnostics when every strategy failed.
type Result struct {
	Success bool
	Error   string
}

// Strategy is one delivery surface. Available is checked on every call.
type Strategy interface {
	Name() string
	Available() error
	Deliver(ctx context.Context, n Notification) error
}

// Dispatcher tries strategies in order and stops at the first success.
type Dispatcher struct {
	Strategies []Strategy
	Tag        string
	Logger     *slog.Logger
}

func NewDispatcher(logger *slog.Logger, strategies ...Strategy) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{Strategies: strategies, Tag: DefaultTag, Logger: logger}
}

var errUnavailable = errors.New("unavailable")

// Deliver never panics and never returns an error; failures are folded
// into the Result.
func (d *Dispatcher) Deliver(ctx context.Context, title, body string, onActivate func()) Result {
	tag := d.Tag
	if tag == "" {
		tag = DefaultTag
	}
	n := Notification{Title: title, Body: body, Tag: tag, OnActivate: onActivate}
	var diag []string
	for _, s := range d.Strategies {
		name := strategyName(s)
		err := attempt(ctx, s, n)
		if err == nil {
			metrics.RecordDelivery(name, "ok")
			d.Logger.Debug("notification delivered", "strategy", name)
			return Result{Success: true}
		}
		if errors.Is(err, errUnavailable) {
			metrics.RecordDelivery(name, "unavailable")
		} else {
			metrics.RecordDelivery(name, "failed")
		}
		diag = append(diag, fmt.Sprintf("[%s: %v]", name, err))
	}
	if len(diag) == 0 {
		diag = append(diag, "[dispatcher: no strategies configured]")
	}
	res := Result{Error: strings.Join(diag, " ")}
	d.Logger.Warn("notification failed", "error", res.Error)
	return res
}

func attempt(ctx context.Context, s Strategy, n Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if err := s.Available(); err != nil {
		return fmt.Errorf("%w: %v", errUnavailable, err)
	}
	return s.Deliver(ctx, n)
}

func strategyName(s Strategy) (name string) {
	defer func() {
		if recover() != nil {
			name = "unknown"
		}
	}()
	return s.Name()
}
