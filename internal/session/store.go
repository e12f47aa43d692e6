// Package session keeps the mailbox access token across restarts.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/99designs/keyring"
)

const (
	// DefaultMaxAge leaves a five minute margin before the provider's
	// one-hour token expiry.
	DefaultMaxAge = 55 * time.Minute

	StorageKey = "codesnap.session"
)

// ErrNoCredential is returned when no usable credential is available.
var ErrNoCredential = errors.New("no stored credential")

// Credential is an access token plus the time it was obtained.
type Credential struct {
	Token      string
	ObtainedAt time.Time
}

// Valid reports whether the credential is younger than maxAge at now.
func (c Credential) Valid(now time.Time, maxAge time.Duration) bool {
	return c.Token != "" && now.Sub(c.ObtainedAt) < maxAge
}

// Store persists a single credential.
type Store interface {
	Save(c Credential) error
	Load() (Credential, bool, error)
	Clear() error
}

type record struct {
	Token   string `json:"token"`
	SavedAt int64  `json:"savedAt"`
}

// KeyringStore stores the credential as JSON under StorageKey.
type KeyringStore struct {
	Ring   keyring.Keyring
	MaxAge time.Duration
	Clock  func() time.Time
}

// NewKeyringStore wraps ring with the default max age.
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{Ring: ring, MaxAge: DefaultMaxAge, Clock: time.Now}
}

// OpenKeyring opens the OS keyring, falling back to an encrypted file
// under dir.
func OpenKeyring(dir string) (keyring.Keyring, error) {
	if dir == "" {
		dir = "~/.config/codesnap/keyring"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: "codesnap",
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         keyring.FixedStringPrompt("codesnap-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open keyring: %w", err)
	}
	return ring, nil
}

// Save writes c, stamped with its obtained time.
func (s *KeyringStore) Save(c Credential) error {
	data, err := json.Marshal(record{Token: c.Token, SavedAt: c.ObtainedAt.UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := s.Ring.Set(keyring.Item{Key: StorageKey, Data: data, Label: "codesnap session"}); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	return nil
}

// Load returns the stored credential when it is still within MaxAge.
// Expired or unreadable records are removed.
func (s *KeyringStore) Load() (Credential, bool, error) {
	item, err := s.Ring.Get(StorageKey)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return Credential{}, false, nil
	}
	if err != nil {
		return Credential{}, false, fmt.Errorf("load credential: %w", err)
	}
	var rec record
	if err := json.Unmarshal(item.Data, &rec); err != nil || rec.Token == "" {
		return Credential{}, false, s.Clear()
	}
	cred := Credential{Token: rec.Token, ObtainedAt: time.UnixMilli(rec.SavedAt)}
	if !cred.Valid(s.now(), s.maxAge()) {
		return Credential{}, false, s.Clear()
	}
	return cred, true, nil
}

// Clear removes the stored credential. A missing record is not an error.
func (s *KeyringStore) Clear() error {
	if err := s.Ring.Remove(StorageKey); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("clear credential: %w", err)
	}
	return nil
}

func (s *KeyringStore) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock()
}

func (s *KeyringStore) maxAge() time.Duration {
	if s.MaxAge <= 0 {
		return DefaultMaxAge
	}
	return s.MaxAge
}

var _ Store = (*KeyringStore)(nil)
