package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/99designs/keyring"
	"golang.org/x/oauth2"
)

// ErrNoToken means nobody has signed in yet, or the cached grant was cleared.
var ErrNoToken = errors.New("no cached token, sign in first")

// TokenStore persists the single local user's OAuth token.
type TokenStore interface {
	Load() (*oauth2.Token, error)
	Save(token *oauth2.Token) error
	Clear() error
}

type MemoryTokenStore struct {
	mu    sync.RWMutex
	token *oauth2.Token
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

func (s *MemoryTokenStore) Load() (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == nil {
		return nil, ErrNoToken
	}
	clone := *s.token
	return &clone, nil
}

func (s *MemoryTokenStore) Save(token *oauth2.Token) error {
	if token == nil {
		return errors.New("token is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *token
	s.token = &clone
	return nil
}

func (s *MemoryTokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = nil
	return nil
}

type KeyringConfig struct {
	ServiceName string
	// Key names the item; one per mail provider.
	Key string
	// FileDir is used by the encrypted file backend when no OS keyring exists.
	FileDir      string
	FilePassword string
	Backends     []keyring.BackendType
}

// KeyringTokenStore keeps the token JSON in the OS keyring, falling back to
// an encrypted file.
type KeyringTokenStore struct {
	ring keyring.Keyring
	key  string
}

func NewKeyringTokenStore(config KeyringConfig) (*KeyringTokenStore, error) {
	if strings.TrimSpace(config.ServiceName) == "" {
		config.ServiceName = "inbox-triage"
	}
	if strings.TrimSpace(config.Key) == "" {
		config.Key = "oauth-token"
	}
	if strings.TrimSpace(config.FileDir) == "" {
		config.FileDir = "~/.config/inbox-triage/credentials"
	}
	if config.FilePassword == "" {
		config.FilePassword = "inbox-triage-file-key"
	}
	if len(config.Backends) == 0 {
		config.Backends = []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		}
	}

	ring, err := keyring.Open(keyring.Config{
		ServiceName:              config.ServiceName,
		AllowedBackends:          config.Backends,
		FileDir:                  config.FileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(config.FilePassword),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &KeyringTokenStore{ring: ring, key: config.Key}, nil
}

func (s *KeyringTokenStore) Load() (*oauth2.Token, error) {
	item, err := s.ring.Get(s.key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("getting token %q: %w", s.key, err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(item.Data, &token); err != nil {
		return nil, fmt.Errorf("decoding token %q: %w", s.key, err)
	}
	if token.AccessToken == "" && token.RefreshToken == "" {
		return nil, ErrNoToken
	}
	return &token, nil
}

func (s *KeyringTokenStore) Save(token *oauth2.Token) error {
	if token == nil {
		return errors.New("token is required")
	}
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	if err := s.ring.Set(keyring.Item{Key: s.key, Data: data, Label: "inbox triage oauth token"}); err != nil {
		return fmt.Errorf("setting token %q: %w", s.key, err)
	}
	return nil
}

func (s *KeyringTokenStore) Clear() error {
	err := s.ring.Remove(s.key)
	if err != nil && !errors.Is(err, keyring.ErrKeyNotFound) && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("deleting token %q: %w", s.key, err)
	}
	return nil
}
