package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"logobot/pkg/bus"

	"github.com/gabriel-vasile/mimetype"
)

const defaultFetchTimeout = 30 * time.Second

// Payload is a transient image buffer moving through one relay turn.
type Payload struct {
	Data        []byte
	ContentType string
}

// TokenSource provides the bot's bearer token for auth-gated attachment hosts.
type TokenSource interface {
	BearerToken(ctx context.Context) (string, error)
}

// AuthPolicy decides which attachment downloads carry the bot's bearer token.
type AuthPolicy struct {
	// Channels are matched case-insensitively against the message channel id.
	Channels []string
	// HostSuffix is the trusted domain. The attachment host must equal it or be one of
	// its subdomains.
	HostSuffix string
}

// RequiresToken reports whether an attachment on channel at contentURL sits behind
// the platform's authenticated content host.
func (p AuthPolicy) RequiresToken(channel string, contentURL string) bool {
	suffix := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(p.HostSuffix)), ".")
	if suffix == "" {
		return false
	}

	channelMatched := false
	for _, candidate := range p.Channels {
		if strings.EqualFold(strings.TrimSpace(candidate), strings.TrimSpace(channel)) {
			channelMatched = true
			break
		}
	}
	if !channelMatched {
		return false
	}

	parsed, err := url.Parse(strings.TrimSpace(contentURL))
	if err != nil {
		return false
	}

	host := strings.ToLower(parsed.Hostname())

	return host == suffix || strings.HasSuffix(host, "."+suffix)
}

type FetcherOptions struct {
	Client   *http.Client
	Tokens   TokenSource
	Policy   AuthPolicy
	MaxBytes int64
	Timeout  time.Duration
	Log      *slog.Logger
}

// Fetcher downloads attachment bytes from chat platform content URLs.
type Fetcher struct {
	client   *http.Client
	tokens   TokenSource
	policy   AuthPolicy
	maxBytes int64
	timeout  time.Duration
	log      *slog.Logger
}

func NewFetcher(opts FetcherOptions) *Fetcher {
	client := opts.Client
	if client == nil {
		client = NewHTTPClient(opts.Timeout)
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 20 << 20
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &Fetcher{
		client:   client,
		tokens:   opts.Tokens,
		policy:   opts.Policy,
		maxBytes: maxBytes,
		timeout:  timeout,
		log:      log.With("component", "relay.fetcher"),
	}
}

// FetchAttachment downloads attachment, authenticating when the auth policy requires it.
// Without a token source, trusted hosts are fetched unauthenticated.
func (f *Fetcher) FetchAttachment(ctx context.Context, channel string, attachment bus.Attachment) (Payload, error) {
	token := ""
	if f.tokens != nil && f.policy.RequiresToken(channel, attachment.ContentURL) {
		value, err := f.tokens.BearerToken(ctx)
		if err != nil {
			return Payload{}, NewError(StageCredential, "acquire bearer token", err)
		}
		token = value
	}

	payload, err := f.Fetch(ctx, attachment.ContentURL, token)
	if err != nil {
		return Payload{}, err
	}
	if payload.ContentType == "" {
		payload.ContentType = attachment.ContentType
	}

	return payload, nil
}

// Fetch GETs rawURL and returns its body. A non-empty token is sent as a bearer credential.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, token string) (Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	startedAt := time.Now()
	log := f.log.With("authenticated", token != "")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSpace(rawURL), nil)
	if err != nil {
		return Payload{}, NewError(StageFetch, "build download request", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		log.Debug("attachment download failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return Payload{}, NewError(StageFetch, "download attachment", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return Payload{}, NewError(StageFetch, fmt.Sprintf("download attachment status: %d", resp.StatusCode), nil)
	}
	if resp.ContentLength > f.maxBytes {
		return Payload{}, NewError(StageFetch, "download attachment", fmt.Errorf("%w: max %d bytes", ErrImageTooLarge, f.maxBytes))
	}

	data, err := readAllWithLimit(resp.Body, f.maxBytes)
	if err != nil {
		return Payload{}, NewError(StageFetch, "read attachment body", err)
	}

	log.Debug("attachment downloaded", "duration_ms", time.Since(startedAt).Milliseconds(), "bytes", len(data))

	return Payload{Data: data, ContentType: contentType(resp.Header.Get("Content-Type"), data)}, nil
}

// contentType strips parameters from header and falls back to sniffing data.
func contentType(header string, data []byte) string {
	if mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(header)); err == nil && mediaType != "" && mediaType != "application/octet-stream" {
		return mediaType
	}
	if len(data) == 0 {
		return ""
	}

	detected := mimetype.Detect(data).String()
	if mediaType, _, err := mime.ParseMediaType(detected); err == nil {
		return mediaType
	}

	return detected
}
