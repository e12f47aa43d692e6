package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/joshsymonds/codesnap/internal/classifier"
	"github.com/joshsymonds/codesnap/internal/config"
	"github.com/joshsymonds/codesnap/internal/feed"
	"github.com/joshsymonds/codesnap/internal/filter"
	gc "github.com/joshsymonds/codesnap/internal/gmail"
	"github.com/joshsymonds/codesnap/internal/metrics"
	"github.com/joshsymonds/codesnap/internal/notify"
	"github.com/joshsymonds/codesnap/internal/rate"
	"github.com/joshsymonds/codesnap/internal/runtime"
	"github.com/joshsymonds/codesnap/internal/scan"
	"github.com/joshsymonds/codesnap/internal/schedule"
	"github.com/joshsymonds/codesnap/internal/session"
)

func main() {
	fs := pflag.NewFlagSet("codesnap-watch", pflag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultPath(), "path to config.yaml")
	fs.Duration("poll-interval", schedule.DefaultInterval, "time between inbox scans")
	fs.Duration("freshness", filter.DefaultFreshnessWindow, "messages younger than this are always analyzed")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("metrics-addr", "", "serve /metrics, /feed, /scan and /refresh on this address")
	fs.String("feed", "", "write the code feed as JSON to this relative path after every scan")
	fs.String("source", "gmail", "mail source: gmail or imap")
	fs.String("keyring-dir", "", "directory for the file keyring fallback")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*cfgPath, fs)
	if err != nil {
		runtime.DefaultLogger().Error("codesnap-watch failed", "error", err)
		os.Exit(1)
	}
	if err := run(cfg); err != nil {
		runtime.DefaultLogger().Error("codesnap-watch failed", "error", err)
		os.Exit(1)
	}
}

// feedRunner writes the feed file after every cycle.
type feedRunner struct {
	svc    *scan.Service
	path   string
	logger *slog.Logger
}

func (f feedRunner) RunCycle(ctx context.Context, token string) (scan.CycleReport, error) {
	rep, err := f.svc.RunCycle(ctx, token)
	if f.path != "" {
		if writeErr := feed.WriteJSON(f.svc.Tracker.Snapshot(), f.path); writeErr != nil {
			f.logger.Warn("write feed", "path", f.path, "error", writeErr)
		}
	}
	return rep, err
}

func run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := runtime.NewLogger(cfg.LogLevel)

	mgr, err := runtime.OpenSession(cfg.Session, logger)
	if err != nil {
		return err
	}

	src, stopSource := runtime.NewSource(cfg.Mail, logger)
	defer stopSource()

	var clsLimiter rate.Limiter = rate.Unlimited{}
	if cfg.Classifier.PerMinute > 0 {
		bucket := rate.PerMinute(cfg.Classifier.PerMinute)
		clsLimiter = bucket
		defer bucket.Stop()
	}
	cls := classifier.NewGemini(classifier.Config{
		Endpoint: cfg.Classifier.Endpoint,
		Model:    cfg.Classifier.Model,
		APIKey:   cfg.Classifier.APIKey,
		MaxChars: cfg.Classifier.MaxChars,
		Timeout:  cfg.Classifier.Timeout,
		Limiter:  clsLimiter,
		Logger:   logger,
	})
	if cfg.Classifier.APIKey == "" {
		logger.Warn("no classifier API key; candidate messages will not be analyzed")
	}

	flt := filter.New(filter.Policy{FreshnessWindow: cfg.FreshnessWindow, Keywords: cfg.Keywords})

	desktop := notify.NewDesktop(cfg.Notify.AppName, logger)
	desktop.Icon = cfg.Notify.Icon
	desktop.Sound = cfg.Notify.Sound
	defer func() { _ = desktop.Close() }()
	enabled := cfg.Notify.Terminal
	terminal := notify.NewTerminal(os.Stdout, func() (bool, error) { return enabled, nil })
	dispatcher := notify.NewDispatcher(logger, desktop, terminal)
	if cfg.Notify.Tag != "" {
		dispatcher.Tag = cfg.Notify.Tag
	}
	if terminal.Available() == nil {
		logger.Info("terminal alerts", "permission", terminal.RequestPermission().String())
		go watchEnter(ctx, terminal, logger)
	}

	svc := scan.NewService(src, cls, flt, dispatcher, logger)
	svc.Authorized = mgr.Authorized

	sched := schedule.New(feedRunner{svc: svc, path: cfg.FeedPath, logger: logger}, cfg.PollInterval, logger)
	sched.CycleTimeout = cfg.CycleTimeout
	invalidated := make(chan error, 1)
	sched.OnInvalidated = func(err error) {
		if invErr := mgr.Invalidate(err); invErr != nil {
			logger.Warn("clear session", "error", invErr)
		}
		select {
		case invalidated <- err:
		default:
		}
	}
	mgr.Subscribe(func(ev session.Event, c session.Credential) {
		switch ev {
		case session.SignedIn:
			sched.Start(c.Token)
		case session.SignedOut:
			sched.Stop()
			svc.Tracker.Reset()
		}
	})
	defer sched.Stop()

	if cfg.MetricsAddr != "" {
		srv := serve(cfg.MetricsAddr, svc, sched, mgr, logger)
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if _, err := mgr.Restore(); err != nil {
		if errors.Is(err, session.ErrNoCredential) {
			return errors.New("no valid session; run codesnap-login first")
		}
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-invalidated:
		if g := gc.Describe(err); g.Problem != "" {
			fmt.Fprintf(os.Stderr, "%s: %s\n", g.Problem, g.Action)
		}
		return fmt.Errorf("session ended: %w", err)
	}
}

func serve(addr string, svc *scan.Service, sched *schedule.Scheduler, mgr *session.Manager, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/feed", feed.Handler(svc.Tracker.Snapshot))
	mux.Handle("/refresh", feed.RefreshHandler(sched.Trigger))
	mux.Handle("/scan", feed.ScanHandler(func(ctx context.Context, id gc.MessageID) (scan.ExtractedCode, error) {
		cred, ok := mgr.Current()
		if !ok {
			return scan.ExtractedCode{}, scan.ErrSessionEnded
		}
		code, err := svc.ScanByID(ctx, cred.Token, id)
		if err != nil {
			logger.Info("manual scan", "message_id", id, "error", err)
			return code, err
		}
		logger.Info("manual scan", "message_id", id, "service", code.ServiceName)
		return code, nil
	}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}

// watchEnter copies the last alerted code whenever Enter is pressed.
func watchEnter(ctx context.Context, terminal *notify.Terminal, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if terminal.Activate() {
			logger.Info("code copied to clipboard")
		}
	}
}
