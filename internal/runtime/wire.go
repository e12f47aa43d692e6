package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/joshsymonds/codesnap/internal/config"
	gc "github.com/joshsymonds/codesnap/internal/gmail"
	"github.com/joshsymonds/codesnap/internal/imapsource"
	"github.com/joshsymonds/codesnap/internal/rate"
	"github.com/joshsymonds/codesnap/internal/session"
)

// NewSource builds the configured mail source behind a per-minute limiter.
// The returned func stops the limiter.
func NewSource(cfg config.MailConfig, logger *slog.Logger) (gc.Source, func()) {
	var (
		limiter rate.Limiter = rate.Unlimited{}
		stop                 = func() {}
	)
	if cfg.PerMinute > 0 {
		bucket := rate.PerMinute(cfg.PerMinute)
		limiter = bucket
		stop = bucket.Stop
	}
	if cfg.Source == "imap" {
		return imapsource.New(cfg.IMAPAddr, cfg.Username, cfg.MaxResults, limiter, logger), stop
	}
	return NewGmailSource(cfg.MaxResults, limiter), stop
}

// OpenSession opens the keyring named by cfg and returns a session manager
// over it. Sign-out revokes the token with the provider.
func OpenSession(cfg config.SessionConfig, logger *slog.Logger) (*session.Manager, error) {
	ring, err := session.OpenKeyring(cfg.KeyringDir)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	store := session.NewKeyringStore(ring)
	store.MaxAge = cfg.MaxAge

	mgr := session.NewManager(store, logger)
	mgr.MaxAge = cfg.MaxAge
	mgr.Revoke = func(ctx context.Context, token string) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return Revoke(ctx, nil, token)
	}
	return mgr, nil
}
