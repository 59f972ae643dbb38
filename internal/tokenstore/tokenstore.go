// Package tokenstore implements the Token Store (C1): encrypted
// persistence of the OAuth2 token bundle used by the Graph Client.
//
// Encryption follows spec §6/§9: an authenticated cipher (AES-256-GCM) with
// a key derived via HKDF (golang.org/x/crypto/hkdf) from a stable host-local
// secret combined with the upstream user principal, so tokens.enc is not
// usable by copying it to another host.
package tokenstore

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// ErrAbsent is returned by Load when no token bundle is present, including
// when the on-disk blob exists but cannot be decrypted (spec §4.1: corrupt
// or undecryptable files are treated as absent).
var ErrAbsent = errors.New("tokenstore: no token bundle present")

// Bundle is the token bundle persisted by the Graph Client after a
// successful device-code acquisition or refresh (§3).
type Bundle struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
	AccountID    string
}

// Store guards the on-disk token bundle. It has sole write access to the
// token file; the Graph Client is the only mutator (§3 Ownership).
type Store struct {
	path   string
	key    [32]byte
	logger *slog.Logger
	mu     sync.Mutex
}

// Open prepares a Store for the token file at path. hostSecret is a stable,
// host-local secret (e.g. a persisted random seed under the config
// directory, see HostSeed); principal is the upstream user principal mixed
// into the key so a stolen token file cannot be decrypted without both.
func Open(path, hostSecret, principal string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	key, err := deriveKey(hostSecret, principal)
	if err != nil {
		return nil, fmt.Errorf("tokenstore: deriving key: %w", err)
	}
	return &Store{path: path, key: key, logger: logger}, nil
}

// deriveKey runs HKDF-SHA256 over hostSecret, salted with the principal, to
// produce a 32-byte AES-256 key.
func deriveKey(hostSecret, principal string) ([32]byte, error) {
	var key [32]byte
	kdf := hkdf.New(sha256.New, []byte(hostSecret), []byte(principal), []byte("m365proxy-tokenstore-v1"))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, err
	}
	return key, nil
}

// Load returns the persisted bundle, or ErrAbsent if no valid bundle is
// present on disk.
func (s *Store) Load() (Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Bundle{}, ErrAbsent
		}
		return Bundle{}, fmt.Errorf("tokenstore: reading %s: %w", s.path, err)
	}

	plain, err := s.decrypt(raw)
	if err != nil {
		s.logger.Warn("token file present but undecryptable, treating as absent",
			slog.String("path", s.path), slog.String("error", err.Error()))
		return Bundle{}, ErrAbsent
	}

	var b Bundle
	dec := gob.NewDecoder(bytes.NewReader(plain))
	if err := dec.Decode(&b); err != nil {
		s.logger.Warn("token file corrupt, treating as absent",
			slog.String("path", s.path), slog.String("error", err.Error()))
		return Bundle{}, ErrAbsent
	}
	return b, nil
}

// Save atomically persists bundle: write-temp then rename, per §4.1.
func (s *Store) Save(b Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return fmt.Errorf("tokenstore: encoding bundle: %w", err)
	}

	ciphertext, err := s.encrypt(buf.Bytes())
	if err != nil {
		return fmt.Errorf("tokenstore: encrypting bundle: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("tokenstore: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tokens-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenstore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(ciphertext); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenstore: writing temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenstore: chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("tokenstore: syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("tokenstore: closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("tokenstore: renaming into place: %w", err)
	}
	return nil
}

// Clear removes the token file, forcing a fresh device-code login on next
// graph.Client.EnsureToken call.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("tokenstore: removing %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) encrypt(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}

// NeedsRefresh reports whether the access token has ≤5 minutes of life
// remaining, per §4.2's proactive-refresh threshold.
func (b Bundle) NeedsRefresh(now time.Time) bool {
	return !b.ExpiresAt.After(now.Add(5 * time.Minute))
}

// HostSeed returns a stable, host-local secret for key derivation, creating
// and persisting a random seed file under dir on first use (spec §9: "the
// source mixes host-local entropy with a user-provided seed"). This keeps
// tokens.enc bound to a single host without depending on platform-specific
// machine-id files that may be unreadable or absent in a container.
func HostSeed(dir string) (string, error) {
	seedPath := filepath.Join(dir, ".host-seed")

	if existing, err := os.ReadFile(seedPath); err == nil {
		return string(existing), nil
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("tokenstore: reading host seed: %w", err)
	}

	seed := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return "", fmt.Errorf("tokenstore: generating host seed: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("tokenstore: creating %s: %w", dir, err)
	}
	encoded := fmt.Sprintf("%x", seed)
	if err := os.WriteFile(seedPath, []byte(encoded), 0o600); err != nil {
		return "", fmt.Errorf("tokenstore: persisting host seed: %w", err)
	}
	return encoded, nil
}
