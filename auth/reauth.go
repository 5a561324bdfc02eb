package auth

import (
	"context"

	"github.com/pkg/browser"

	apperrors "github.com/naotama2002/mcp-sse-connector/internal/errors"
	"github.com/naotama2002/mcp-sse-connector/internal/logging"
)

// openURL is replaced in tests.
var openURL = browser.OpenURL

// PromptReauth asks the user to sign in again by opening loginURL in their
// browser. It is used after the server rejected the configured credential.
func PromptReauth(ctx context.Context, loginURL string) error {
	if loginURL == "" {
		return apperrors.NewConfigurationError("no login URL configured")
	}

	log := logging.FromContext(ctx)
	log.Warn("credential rejected, opening browser to sign in again", "url", loginURL)
	if err := openURL(loginURL); err != nil {
		log.Warn("could not open browser, please visit the URL manually", "url", loginURL, "error", err)
		return apperrors.Wrap(err, apperrors.ConfigurationError, "failed to open browser")
	}
	return nil
}
