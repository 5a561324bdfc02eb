package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/naotama2002/mcp-sse-connector/internal/httpclient"
	"github.com/naotama2002/mcp-sse-connector/internal/logging"
)

// ServerMetadata holds the OAuth authorization server metadata we use.
type ServerMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	GrantTypesSupported   []string `json:"grant_types_supported,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
}

// protectedResourceMetadata holds RFC 9728 Protected Resource Metadata
type protectedResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
}

// Discoverer locates the authorization server of an MCP server.
type Discoverer struct {
	client *httpclient.Client
	log    *slog.Logger
}

// NewDiscoverer creates a discoverer. client may be nil.
func NewDiscoverer(client *httpclient.Client, logger *slog.Logger) *Discoverer {
	if client == nil {
		client = httpclient.New(nil)
	}
	return &Discoverer{client: client, log: logging.Or(logger)}
}

// Discover tries, in order: RFC 9728 protected resource metadata, RFC 8414
// authorization server metadata on the server origin, and OpenID Connect
// discovery on the server origin.
func (d *Discoverer) Discover(ctx context.Context, serverURL string) (*ServerMetadata, error) {
	origin, err := originOf(serverURL)
	if err != nil {
		return nil, err
	}

	var prm protectedResourceMetadata
	if err := d.fetch(ctx, origin+"/.well-known/oauth-protected-resource", &prm); err == nil {
		for _, as := range prm.AuthorizationServers {
			if md, err := d.discoverAt(ctx, as); err == nil {
				return md, nil
			}
		}
	} else {
		d.log.Debug("no protected resource metadata", "error", err)
	}

	md, err := d.discoverAt(ctx, origin)
	if err != nil {
		return nil, fmt.Errorf("all discovery methods failed, last error: %w", err)
	}
	return md, nil
}

func (d *Discoverer) discoverAt(ctx context.Context, issuer string) (*ServerMetadata, error) {
	origin, err := originOf(issuer)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for _, wellKnown := range []string{"/.well-known/oauth-authorization-server", "/.well-known/openid-configuration"} {
		var md ServerMetadata
		if err := d.fetch(ctx, origin+wellKnown, &md); err != nil {
			lastErr = err
			continue
		}
		if md.TokenEndpoint == "" {
			lastErr = fmt.Errorf("metadata at %s has no token endpoint", origin+wellKnown)
			continue
		}
		d.log.Info("discovered authorization server", "issuer", md.Issuer, "token_endpoint", md.TokenEndpoint)
		return &md, nil
	}
	return nil, lastErr
}

func (d *Discoverer) fetch(ctx context.Context, metadataURL string, v any) error {
	resp, err := d.client.Get(ctx, metadataURL, map[string]string{"Accept": "application/json"})
	if err != nil {
		return fmt.Errorf("failed to fetch metadata from %s: %w", metadataURL, err)
	}
	if err := resp.JSON(v); err != nil {
		return fmt.Errorf("failed to parse metadata from %s: %w", metadataURL, err)
	}
	return nil
}

func originOf(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("server URL must have a scheme and host: %s", raw)
	}
	return fmt.Sprintf("%s://%s", parsed.Scheme, parsed.Host), nil
}
