package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/joshsymonds/codesnap/internal/config"
	"github.com/joshsymonds/codesnap/internal/runtime"
	"github.com/joshsymonds/codesnap/internal/session"
)

type loginConfig struct {
	cfgPath string
	logout  bool
	status  bool
}

func main() {
	fs := pflag.NewFlagSet("codesnap-login", pflag.ExitOnError)
	lc := loginConfig{}
	fs.StringVar(&lc.cfgPath, "config", config.DefaultPath(), "path to config.yaml")
	fs.BoolVar(&lc.logout, "logout", false, "revoke and forget the stored session")
	fs.BoolVar(&lc.status, "status", false, "report whether a usable session is stored")
	fs.String("credentials", "", "OAuth client secrets JSON for an installed app")
	fs.String("keyring-dir", "", "directory for the file keyring fallback")
	fs.String("log-level", "info", "debug, info, warn or error")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(lc.cfgPath, fs)
	if err == nil {
		err = run(lc, cfg)
	}
	if err != nil {
		runtime.DefaultLogger().Error("codesnap-login failed", "error", err)
		os.Exit(1)
	}
}

func run(lc loginConfig, cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := runtime.NewLogger(cfg.LogLevel)
	mgr, err := runtime.OpenSession(cfg.Session, logger)
	if err != nil {
		return err
	}

	switch {
	case lc.status:
		cred, err := mgr.Restore()
		if errors.Is(err, session.ErrNoCredential) {
			fmt.Println("signed out")
			return nil
		}
		if err != nil {
			return err
		}
		remaining := cred.ObtainedAt.Add(cfg.Session.MaxAge).Sub(mgr.Clock())
		fmt.Printf("signed in, session valid for %s\n", remaining.Round(time.Second))
		return nil
	case lc.logout:
		if _, err := mgr.Restore(); err != nil && !errors.Is(err, session.ErrNoCredential) {
			logger.Warn("restore before sign-out", "error", err)
		}
		if err := mgr.SignOut(ctx); err != nil {
			return fmt.Errorf("sign out: %w", err)
		}
		fmt.Println("signed out")
		return nil
	}

	if cfg.OAuth.ClientSecrets == "" {
		return errors.New("no OAuth client secrets; pass --credentials or set oauth.client_secrets")
	}
	oauthCfg, err := runtime.LoadOAuthConfig(cfg.OAuth.ClientSecrets)
	if err != nil {
		return err
	}
	tok, err := runtime.SignIn(ctx, oauthCfg, os.Stdin, os.Stdout)
	if err != nil {
		return err
	}
	if _, err := mgr.SignIn(tok.AccessToken); err != nil {
		return err
	}
	fmt.Printf("signed in; session is kept for %s\n", cfg.Session.MaxAge)
	return nil
}
