// Package auth supplies bearer tokens for the upstream MCP server and
// persists them between runs.
package auth

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	apperrors "github.com/naotama2002/mcp-sse-connector/internal/errors"
	"github.com/naotama2002/mcp-sse-connector/internal/logging"
)

// TokenSource supplies the bearer token sent upstream.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Invalidator is implemented by token sources that can discard a token the
// server rejected.
type Invalidator interface {
	Invalidate()
}

// Static is a fixed token.
type Static string

// Token returns the token, or an authentication error when it is empty.
func (s Static) Token(ctx context.Context) (string, error) {
	if s == "" {
		return "", apperrors.NewAuthenticationError("no token configured")
	}
	return string(s), nil
}

// Header returns the Authorization header for src.
func Header(ctx context.Context, src TokenSource) (map[string]string, error) {
	tok, err := src.Token(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + tok}, nil
}

// ClientCredentialsConfig configures the OAuth 2.0 client credentials grant.
type ClientCredentialsConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// ClientCredentials fetches tokens with the client credentials grant and
// keeps them in an optional Store.
type ClientCredentials struct {
	config     clientcredentials.Config
	httpClient *http.Client
	store      *Store
	log        *slog.Logger

	mu    sync.Mutex
	token *oauth2.Token
}

var (
	_ TokenSource = (*ClientCredentials)(nil)
	_ Invalidator = (*ClientCredentials)(nil)
)

// NewClientCredentials creates a token source. store may be nil.
func NewClientCredentials(cfg ClientCredentialsConfig, store *Store) (*ClientCredentials, error) {
	if cfg.ClientID == "" || cfg.TokenURL == "" {
		return nil, apperrors.NewConfigurationError("client credentials need a client id and a token URL")
	}
	return &ClientCredentials{
		config: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		},
		httpClient: cfg.HTTPClient,
		store:      store,
		log:        logging.Or(cfg.Logger),
	}, nil
}

// Token returns a valid access token, fetching a new one when needed.
func (c *ClientCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.Valid() {
		return c.token.AccessToken, nil
	}

	if c.store != nil {
		stored, err := c.store.LoadToken(ctx)
		if err != nil {
			c.log.Warn("ignoring unreadable token store", "error", err)
		} else if stored.Valid() {
			c.token = stored
			return stored.AccessToken, nil
		}
	}

	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}
	tok, err := c.config.Token(ctx)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.AuthenticationError, "client credentials grant failed").
			WithStatusCode(http.StatusUnauthorized)
	}
	c.token = tok
	c.log.Info("fetched access token", "expires", tok.Expiry)

	if c.store != nil {
		if err := c.store.SaveToken(ctx, tok); err != nil {
			c.log.Warn("failed to persist token", "error", err)
		}
	}
	return tok.AccessToken, nil
}

// Invalidate drops the cached and stored token so the next call fetches a
// fresh one.
func (c *ClientCredentials) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.token = nil
	if c.store != nil {
		if err := c.store.DeleteToken(context.Background()); err != nil {
			c.log.Warn("failed to delete stored token", "error", err)
		}
	}
}
