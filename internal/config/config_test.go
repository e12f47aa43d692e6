package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PollInterval != 10*time.Second || cfg.FreshnessWindow != 7*time.Minute {
		t.Fatalf("unexpected timing defaults %v %v", cfg.PollInterval, cfg.FreshnessWindow)
	}
	if cfg.Session.MaxAge != 55*time.Minute || cfg.Mail.MaxResults != 15 || cfg.Classifier.MaxChars != 8000 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Mail.Source != "gmail" || !cfg.Notify.Terminal {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("poll_interval: 30s\nfreshness_window: 5m\nlog_level: debug\nclassifier:\n  model: gemini-test\nkeywords: [magic link]\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CODESNAP_LOG_LEVEL", "warn")
	t.Setenv("GEMINI_API_KEY", "from-env")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Duration("poll-interval", 10*time.Second, "")
	if err := fs.Parse([]string{"--poll-interval=15s"}); err != nil {
		t.Fatalf("parse: %v", err)
	}

	cfg, err := Load(path, fs)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PollInterval != 15*time.Second {
		t.Fatalf("flag should win, got %v", cfg.PollInterval)
	}
	if cfg.FreshnessWindow != 5*time.Minute || cfg.Classifier.Model != "gemini-test" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("env should override file, got %q", cfg.LogLevel)
	}
	if cfg.Classifier.APIKey != "from-env" {
		t.Fatalf("api key fallback env not applied")
	}
	if len(cfg.Keywords) != 1 || cfg.Keywords[0] != "magic link" {
		t.Fatalf("keywords = %v", cfg.Keywords)
	}
}

func TestUnsetFlagDoesNotOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("poll_interval: 30s\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.Duration("poll-interval", 10*time.Second, "")
	cfg, err := Load(path, fs)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Fatalf("unset flag overrode file: %v", cfg.PollInterval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"interval too small", "poll_interval: 100ms\n"},
		{"bad source", "mail:\n  source: pop3\n"},
		{"imap without user", "mail:\n  source: imap\n"},
		{"broken yaml", "poll_interval: [\n"},
	}
	for _, tt := range tests {
		tc := tt
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tc.yaml), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			if _, err := Load(path, nil); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
