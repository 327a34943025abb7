package botframework

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

const (
	tokenIssuer         = "https://api.botframework.com"
	claimServiceURL     = "serviceurl"
	keySetTTL           = 24 * time.Hour
	keySetMinRefresh    = time.Minute
	keySetFetchTimeout  = 10 * time.Second
	keySetRateLimitWait = 250 * time.Millisecond
	tokenClockSkew      = 5 * time.Minute
	tokenContextKey     = "botframework_token"
)

// KeySet resolves the RSA keys Bot Framework signs inbound request tokens with. The set
// is refreshed daily in the background, and at most once per keySetMinRefresh when a
// token names an unknown key.
type KeySet struct {
	keys keyfunc.Keyfunc
}

// NewKeySet fetches keysURL and keeps it fresh until ctx ends. A failed first fetch is
// retried on the next lookup instead of failing startup.
func NewKeySet(ctx context.Context, keysURL string, client *http.Client, log *slog.Logger) (*KeySet, error) {
	return newKeySet(ctx, keysURL, client, log, rate.NewLimiter(rate.Every(keySetMinRefresh), 1))
}

func newKeySet(ctx context.Context, keysURL string, client *http.Client, log *slog.Logger, unknownKID *rate.Limiter) (*KeySet, error) {
	keysURL = strings.TrimSpace(keysURL)
	if keysURL == "" {
		return nil, errors.New("channels.botframework.openid_keys_url is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "channel.botframework.keys")

	parsedKeysURL, err := url.Parse(keysURL)
	if err != nil {
		return nil, err
	}

	remote, err := jwkset.NewStorageFromHTTP(parsedKeysURL, jwkset.HTTPClientStorageOptions{
		Client:                    client,
		Ctx:                       ctx,
		HTTPTimeout:               keySetFetchTimeout,
		NoErrorReturnFirstHTTPReq: true,
		RefreshInterval:           keySetTTL,
		RefreshErrorHandler: func(_ context.Context, err error) {
			log.Warn("Key set refresh failed", "url", keysURL, "error", err)
		},
	})
	if err != nil {
		return nil, err
	}

	storage, err := jwkset.NewHTTPClient(jwkset.HTTPClientOptions{
		HTTPURLs:          map[string]jwkset.Storage{keysURL: remote},
		RefreshUnknownKID: unknownKID,
		RateLimitWaitMax:  keySetRateLimitWait,
	})
	if err != nil {
		return nil, err
	}

	keys, err := keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
	if err != nil {
		return nil, err
	}

	return &KeySet{keys: keys}, nil
}

// Keyfunc returns the jwt key lookup for one request.
func (k *KeySet) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return k.keys.KeyfuncCtx(ctx)
}

// AuthMiddleware rejects requests without a valid Bot Framework bearer token issued
// for appID.
func AuthMiddleware(appID string, keys *KeySet) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		ContextKey: tokenContextKey,
		ParseTokenFunc: func(c echo.Context, auth string) (interface{}, error) {
			token, err := jwt.Parse(auth, keys.Keyfunc(c.Request().Context()),
				jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
				jwt.WithIssuer(tokenIssuer),
				jwt.WithAudience(strings.TrimSpace(appID)),
				jwt.WithExpirationRequired(),
				jwt.WithLeeway(tokenClockSkew),
			)
			if err != nil {
				return nil, err
			}

			return token, nil
		},
	})
}

// tokenServiceURL returns the serviceurl claim of the request token, if any.
func tokenServiceURL(c echo.Context) string {
	token, ok := c.Get(tokenContextKey).(*jwt.Token)
	if !ok || token == nil {
		return ""
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ""
	}
	value, _ := claims[claimServiceURL].(string)

	return value
}
