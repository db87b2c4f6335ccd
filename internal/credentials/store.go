// Package credentials is the engine's credential-store collaborator: it
// hands out per-source bearer tokens and refreshes them on demand.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// lightweight per-user token store (file, 0600) with AES-GCM obfuscation.
// Not a replacement for OS keychains but avoids plain-text token files.

const fileName = "tokens.json"

type tokenFile struct {
	Tokens map[string]string `json:"tokens"` // source -> base64(ciphertext)
}

// Refresher exchanges an expired token for a fresh one, typically against
// the source's auth endpoint.
type Refresher func(ctx context.Context) (string, error)

// Store caches one token per source. A Refresher, when present, is invoked
// by Refresh and the result persisted for the next run.
type Store struct {
	mu        sync.Mutex
	source    string
	envVar    string
	refresher Refresher
}

// NewStore builds a store for one source. envVar names the environment
// variable consulted before the on-disk cache.
func NewStore(source, envVar string, refresher Refresher) *Store {
	return &Store{source: source, envVar: envVar, refresher: refresher}
}

// Token returns the current token: env var first, then the cached file.
func (s *Store) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.envVar != "" {
		if v := os.Getenv(s.envVar); v != "" {
			return v, nil
		}
	}
	tok, err := fetchToken(s.source)
	if err != nil {
		return "", fmt.Errorf("no token for source %s: %w", s.source, err)
	}
	return tok, nil
}

// Refresh obtains a fresh token and caches it. Without a Refresher the
// credential cannot be renewed and the stale token error propagates.
func (s *Store) Refresh(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refresher == nil {
		return "", fmt.Errorf("source %s has no token refresher", s.source)
	}
	tok, err := s.refresher(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh token for %s: %w", s.source, err)
	}
	if err := storeToken(s.source, tok); err != nil {
		return "", err
	}
	return tok, nil
}

func storeToken(source, token string) error {
	if source = norm(source); source == "" {
		return fmt.Errorf("source required")
	}
	path, err := filePath()
	if err != nil {
		return err
	}
	tf, _ := load(path)
	if tf.Tokens == nil {
		tf.Tokens = map[string]string{}
	}
	ct, err := encrypt([]byte(token))
	if err != nil {
		return err
	}
	tf.Tokens[source] = base64.StdEncoding.EncodeToString(ct)
	return save(path, tf)
}

func fetchToken(source string) (string, error) {
	if source = norm(source); source == "" {
		return "", fmt.Errorf("source required")
	}
	path, err := filePath()
	if err != nil {
		return "", err
	}
	tf, err := load(path)
	if err != nil {
		return "", err
	}
	enc, ok := tf.Tokens[source]
	if !ok {
		return "", fmt.Errorf("token not found")
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return "", err
	}
	pt, err := decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func filePath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir = filepath.Join(dir, "receiptsync")
	if err := os.MkdirAll(dir, 0o700); err != nil { // restrict directory
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

func load(path string) (tokenFile, error) {
	var tf tokenFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tokenFile{}, nil
		}
		return tf, err
	}
	if err := json.Unmarshal(data, &tf); err != nil {
		return tf, err
	}
	return tf, nil
}

func save(path string, tf tokenFile) error {
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func norm(s string) string {
	return strings.TrimSpace(strings.ToLower(s))
}

func masterKey() ([]byte, error) {
	user := os.Getenv("USER")
	base := fmt.Sprintf("receiptsync-%s-%s", runtime.GOOS, user)
	hash := sha256.Sum256([]byte(base))
	return hash[:], nil
}

func encrypt(plain []byte) ([]byte, error) {
	key, err := masterKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
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

func decrypt(ciphertext []byte) ([]byte, error) {
	key, err := masterKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce := ciphertext[:gcm.NonceSize()]
	body := ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}
