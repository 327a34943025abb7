package botframework

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Credentials issues app tokens for calls to the Bot Framework connector and to
// authenticated attachment hosts.
type Credentials struct {
	source oauth2.TokenSource
}

// NewCredentials returns nil when no app id and password are configured, which is the
// local emulator setup.
func NewCredentials(appID string, appPassword string, tokenURL string, scope string, client *http.Client) *Credentials {
	appID = strings.TrimSpace(appID)
	appPassword = strings.TrimSpace(appPassword)
	if appID == "" || appPassword == "" {
		return nil
	}

	cfg := clientcredentials.Config{
		ClientID:     appID,
		ClientSecret: appPassword,
		TokenURL:     strings.TrimSpace(tokenURL),
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	if scope = strings.TrimSpace(scope); scope != "" {
		cfg.Scopes = []string{scope}
	}

	// The token source keeps this context for refreshes, so it must outlive any one turn.
	ctx := context.Background()
	if client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	}

	return &Credentials{source: cfg.TokenSource(ctx)}
}

// BearerToken returns a cached access token, refreshing it when it has expired.
func (c *Credentials) BearerToken(ctx context.Context) (string, error) {
	if c == nil {
		return "", errors.New("bot framework credentials are not configured")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	token, err := c.source.Token()
	if err != nil {
		return "", err
	}
	if token.AccessToken == "" {
		return "", errors.New("token endpoint returned an empty access token")
	}

	return token.AccessToken, nil
}
