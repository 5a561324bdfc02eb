package auth

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/oauth2"

	"github.com/naotama2002/mcp-sse-connector/internal/filelock"
)

const (
	tokenFile   = "tokens.json"
	lockTimeout = 5 * time.Second
)

// DefaultDir returns the base directory for persisted state:
// $MCP_SSE_CONFIG_DIR, or ~/.mcp-sse-connector.
func DefaultDir() string {
	if dir := os.Getenv("MCP_SSE_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".mcp-sse-connector")
	}
	return filepath.Join(home, ".mcp-sse-connector")
}

// ServerURLHash returns the directory name used for a server.
func ServerURLHash(serverURL string) string {
	hash := sha256.Sum256([]byte(serverURL))
	return fmt.Sprintf("%x", hash[:8])
}

// Store persists tokens for one server. Writes are guarded by a file lock
// so concurrent processes never observe a partial file.
type Store struct {
	dir string
}

// NewStore returns the store for serverURL under baseDir.
func NewStore(baseDir, serverURL string) *Store {
	return &Store{dir: filepath.Join(baseDir, ServerURLHash(serverURL))}
}

// Dir returns the directory holding this server's files.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path() string { return filepath.Join(s.dir, tokenFile) }

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("error creating %s: %w", s.dir, err)
	}
	return filelock.New(s.path()).WithLock(ctx, lockTimeout, fn)
}

// LoadToken returns the stored token, or nil when there is none.
func (s *Store) LoadToken(ctx context.Context) (*oauth2.Token, error) {
	var tok *oauth2.Token
	err := s.withLock(ctx, func() error {
		data, err := os.ReadFile(s.path())
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("error reading %s: %w", tokenFile, err)
		}

		var t oauth2.Token
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("error unmarshaling %s: %w", tokenFile, err)
		}
		tok = &t
		return nil
	})
	return tok, err
}

// SaveToken writes tok atomically with owner-only permissions.
func (s *Store) SaveToken(ctx context.Context, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling %s: %w", tokenFile, err)
	}

	return s.withLock(ctx, func() error {
		tmp, err := os.CreateTemp(s.dir, tokenFile+".*")
		if err != nil {
			return fmt.Errorf("error writing %s: %w", tokenFile, err)
		}
		defer func() { _ = os.Remove(tmp.Name()) }()

		if _, err := tmp.Write(data); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("error writing %s: %w", tokenFile, err)
		}
		if err := tmp.Close(); err != nil {
			return fmt.Errorf("error writing %s: %w", tokenFile, err)
		}
		if err := os.Chmod(tmp.Name(), 0600); err != nil {
			return fmt.Errorf("error writing %s: %w", tokenFile, err)
		}
		return os.Rename(tmp.Name(), s.path())
	})
}

// DeleteToken removes the stored token.
func (s *Store) DeleteToken(ctx context.Context) error {
	return s.withLock(ctx, func() error {
		if err := os.Remove(s.path()); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("error deleting %s: %w", tokenFile, err)
		}
		return nil
	})
}
