package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/joshsymonds/codesnap/internal/classifier"
	"github.com/joshsymonds/codesnap/internal/config"
	"github.com/joshsymonds/codesnap/internal/feed"
	gc "github.com/joshsymonds/codesnap/internal/gmail"
	"github.com/joshsymonds/codesnap/internal/notify"
	"github.com/joshsymonds/codesnap/internal/runtime"
	"github.com/joshsymonds/codesnap/internal/scan"
	"github.com/joshsymonds/codesnap/internal/session"
)

type scanConfig struct {
	cfgPath string
	id      string
	jsonOut bool
	copy    bool
	offline bool
}

func main() {
	fs := pflag.NewFlagSet("codesnap-scan", pflag.ExitOnError)
	sc := scanConfig{}
	fs.StringVar(&sc.cfgPath, "config", config.DefaultPath(), "path to config.yaml")
	fs.StringVar(&sc.id, "id", "", "message id to scan")
	fs.BoolVar(&sc.jsonOut, "json", false, "print the result as JSON")
	fs.BoolVar(&sc.copy, "copy", false, "copy a found code to the clipboard")
	fs.BoolVar(&sc.offline, "offline", false, "scan in this process even when a watcher is running")
	fs.String("metrics-addr", "", "address of a running codesnap-watch")
	fs.String("source", "gmail", "mail source: gmail or imap")
	fs.String("keyring-dir", "", "directory for the file keyring fallback")
	fs.String("log-level", "info", "debug, info, warn or error")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(sc.cfgPath, fs)
	if err == nil {
		err = run(sc, cfg)
	}
	if err != nil {
		runtime.DefaultLogger().Error("codesnap-scan failed", "error", err)
		os.Exit(1)
	}
}

func run(sc scanConfig, cfg *config.Config) error {
	if sc.id == "" {
		return errors.New("--id is required")
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := runtime.NewLogger(cfg.LogLevel)
	id := gc.MessageID(sc.id)

	// A running watcher owns the shared tracker; scan there when it answers.
	if !sc.offline && cfg.MetricsAddr != "" {
		code, err := feed.RequestScan(ctx, &http.Client{Timeout: cfg.CycleTimeout}, cfg.MetricsAddr, id)
		if !errors.Is(err, feed.ErrUnreachable) {
			return report(sc, code, err, logger)
		}
		logger.Info("no watcher answered, scanning locally", "addr", cfg.MetricsAddr)
	}

	mgr, err := runtime.OpenSession(cfg.Session, logger)
	if err != nil {
		return err
	}
	cred, err := mgr.Restore()
	if errors.Is(err, session.ErrNoCredential) {
		return errors.New("no valid session; run codesnap-login first")
	}
	if err != nil {
		return err
	}

	src, stop := runtime.NewSource(cfg.Mail, logger)
	defer stop()
	cls := classifier.NewGemini(classifier.Config{
		Endpoint: cfg.Classifier.Endpoint,
		Model:    cfg.Classifier.Model,
		APIKey:   cfg.Classifier.APIKey,
		MaxChars: cfg.Classifier.MaxChars,
		Timeout:  cfg.Classifier.Timeout,
		Logger:   logger,
	})
	svc := scan.NewService(src, cls, nil, nil, logger)
	svc.Authorized = mgr.Authorized

	code, err := svc.ScanByID(ctx, cred.Token, id)
	if gc.IsCredentialError(err) {
		if invErr := mgr.Invalidate(err); invErr != nil {
			logger.Warn("clear session", "error", invErr)
		}
	}
	return report(sc, code, err, logger)
}

func report(sc scanConfig, code scan.ExtractedCode, err error, logger *slog.Logger) error {
	if gc.IsCredentialError(err) {
		g := gc.Describe(err)
		return fmt.Errorf("%s: %s: %w", g.Problem, g.Action, err)
	}
	if errors.Is(err, scan.ErrSessionEnded) {
		return errors.New("the watcher has no session; run codesnap-login first")
	}
	if errors.Is(err, scan.ErrNoCode) {
		fmt.Println("no code found")
		return err
	}
	if err != nil {
		return err
	}

	if sc.copy {
		if copyErr := notify.CopyToClipboard(code.Code); copyErr != nil {
			logger.Warn("copy code failed", "error", copyErr)
		}
	}
	if sc.jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(code); encErr != nil {
			return fmt.Errorf("encode result: %w", encErr)
		}
		return nil
	}
	fmt.Printf("%s: %s\n", code.ServiceName, code.Code)
	return nil
}
