// Package config loads codesnap settings from a YAML file, the environment
// and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type SessionConfig struct {
	MaxAge     time.Duration `mapstructure:"max_age"`
	KeyringDir string        `mapstructure:"keyring_dir"`
}

type MailConfig struct {
	// Source is "gmail" (REST) or "imap".
	Source     string `mapstructure:"source"`
	MaxResults int    `mapstructure:"max_results"`
	PerMinute  int    `mapstructure:"per_minute"`
	IMAPAddr   string `mapstructure:"imap_addr"`
	Username   string `mapstructure:"username"`
}

type ClassifierConfig struct {
	Endpoint  string        `mapstructure:"endpoint"`
	Model     string        `mapstructure:"model"`
	APIKey    string        `mapstructure:"api_key"`
	MaxChars  int           `mapstructure:"max_chars"`
	PerMinute int           `mapstructure:"per_minute"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type NotifyConfig struct {
	AppName  string `mapstructure:"app_name"`
	Tag      string `mapstructure:"tag"`
	Icon     string `mapstructure:"icon"`
	Sound    string `mapstructure:"sound"`
	Terminal bool   `mapstructure:"terminal"`
}

type OAuthConfig struct {
	ClientSecrets string `mapstructure:"client_secrets"`
}

// Config is the full runtime configuration.
type Config struct {
	PollInterval    time.Duration    `mapstructure:"poll_interval"`
	FreshnessWindow time.Duration    `mapstructure:"freshness_window"`
	CycleTimeout    time.Duration    `mapstructure:"cycle_timeout"`
	Keywords        []string         `mapstructure:"keywords"`
	LogLevel        string           `mapstructure:"log_level"`
	MetricsAddr     string           `mapstructure:"metrics_addr"`
	FeedPath        string           `mapstructure:"feed_path"`
	Session         SessionConfig    `mapstructure:"session"`
	Mail            MailConfig       `mapstructure:"mail"`
	Classifier      ClassifierConfig `mapstructure:"classifier"`
	Notify          NotifyConfig     `mapstructure:"notify"`
	OAuth           OAuthConfig      `mapstructure:"oauth"`
}

// DefaultPath is ~/.config/codesnap/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "codesnap", "config.yaml")
}

var defaults = map[string]any{
	"poll_interval":         "10s",
	"freshness_window":      "7m",
	"cycle_timeout":         "1m",
	"keywords":              []string{},
	"log_level":             "info",
	"metrics_addr":          "",
	"feed_path":             "",
	"session.max_age":       "55m",
	"session.keyring_dir":   "~/.config/codesnap/keyring",
	"mail.source":           "gmail",
	"mail.max_results":      15,
	"mail.per_minute":       60,
	"mail.imap_addr":        "imap.gmail.com:993",
	"mail.username":         "",
	"classifier.endpoint":   "https://generativelanguage.googleapis.com/v1beta",
	"classifier.model":      "gemini-2.5-flash",
	"classifier.api_key":    "",
	"classifier.max_chars":  8000,
	"classifier.per_minute": 30,
	"classifier.timeout":    "20s",
	"notify.app_name":       "codesnap",
	"notify.tag":            "codesnap-code",
	"notify.icon":           "dialog-password",
	"notify.sound":          "message-new-instant",
	"notify.terminal":       true,
	"oauth.client_secrets":  "",
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"poll-interval": "poll_interval",
	"freshness":     "freshness_window",
	"log-level":     "log_level",
	"metrics-addr":  "metrics_addr",
	"feed":          "feed_path",
	"source":        "mail.source",
	"credentials":   "oauth.client_secrets",
	"keyring-dir":   "session.keyring_dir",
}

// Load reads path (a missing file means defaults), applies CODESNAP_*
// environment overrides, then any flags in fs that were set.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("CODESNAP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("classifier.api_key", "CODESNAP_CLASSIFIER_API_KEY", "GEMINI_API_KEY"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the watcher cannot run with.
func (c *Config) Validate() error {
	if c.PollInterval < time.Second {
		return fmt.Errorf("poll_interval %s is below 1s", c.PollInterval)
	}
	if c.FreshnessWindow < 0 {
		return fmt.Errorf("freshness_window %s is negative", c.FreshnessWindow)
	}
	switch c.Mail.Source {
	case "gmail", "imap":
	default:
		return fmt.Errorf("mail.source %q: want gmail or imap", c.Mail.Source)
	}
	if c.Mail.Source == "imap" && c.Mail.Username == "" {
		return errors.New("mail.username is required for imap")
	}
	if c.Session.MaxAge <= 0 {
		return fmt.Errorf("session.max_age %s must be positive", c.Session.MaxAge)
	}
	return nil
}
