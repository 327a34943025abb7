package botframework

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"logobot/pkg/bus"
	"logobot/pkg/channel"
	"logobot/pkg/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	channelName         = "botframework"
	messagesPath        = "/api/messages"
	maxActivityBytes    = "4M"
	shutdownGracePeriod = 10 * time.Second
)

// Adapter receives activities on the Bot Framework messaging endpoint and answers
// through the connector API.
type Adapter struct {
	cfg       config.BotFrameworkConfig
	connector *Connector
	client    *http.Client
	log       *slog.Logger
}

// NewAdapter builds the adapter. credentials may be nil when the bot runs against the
// emulator without an app registration.
func NewAdapter(cfg config.BotFrameworkConfig, client *http.Client, credentials *Credentials, log *slog.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Listen) == "" {
		return nil, errors.New("channels.botframework.listen is required")
	}
	if !cfg.SkipAuth && strings.TrimSpace(cfg.AppID) == "" {
		return nil, errors.New("channels.botframework.app_id is required unless skip_auth is set")
	}
	if !cfg.SkipAuth && strings.TrimSpace(cfg.OpenIDKeysURL) == "" {
		return nil, errors.New("channels.botframework.openid_keys_url is required unless skip_auth is set")
	}
	if log == nil {
		log = slog.Default()
	}

	timeout := time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	connector := NewConnector(client, nil, timeout, log)
	if credentials != nil {
		connector = NewConnector(client, credentials, timeout, log)
	}

	return &Adapter{
		cfg:       cfg,
		connector: connector,
		client:    client,
		log:       log.With("component", "channel.botframework"),
	}, nil
}

// Name returns the channel identifier used in bus registrations and logs.
func (a *Adapter) Name() string {
	return channelName
}

// Run serves the messaging endpoint until ctx ends, then waits for in-flight turns.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	turns := newConversationQueue()
	e, err := a.newServer(ctx, handler, turns)
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- e.Start(a.cfg.Listen)
	}()

	a.log.Info("Bot Framework channel started", "address", a.cfg.Listen, "auth", !a.cfg.SkipAuth)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("start messaging endpoint: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		a.log.Warn("Messaging endpoint shutdown failed", "error", err)
	}
	turns.Wait()

	return runErr
}

// UploadAttachment implements channel.MediaUploader through the connector attachment store.
func (a *Adapter) UploadAttachment(ctx context.Context, serviceURL string, conversationID string, data []byte) (bus.Attachment, error) {
	return a.connector.UploadAttachment(ctx, serviceURL, conversationID, data)
}

// Reply implements bus.Replier.
func (a *Adapter) Reply(ctx context.Context, msg bus.OutboundMessage) error {
	activity := activityFromOutbound(msg)
	a.log.Debug("Sending activity", "conversation_id", msg.ConversationID, "reply_to_id", msg.ReplyToID, "attachments", len(activity.Attachments))

	return a.connector.SendActivity(ctx, msg.ServiceURL, msg.ConversationID, activity)
}

// newServer builds the messaging endpoint. Turns run on turnCtx, not on the request
// context, since the request is answered before the turn completes. The signing key set
// is refreshed until turnCtx ends.
func (a *Adapter) newServer(turnCtx context.Context, handler channel.Handler, turns *conversationQueue) (*echo.Echo, error) {
	var middlewares []echo.MiddlewareFunc
	if !a.cfg.SkipAuth {
		keys, err := NewKeySet(turnCtx, a.cfg.OpenIDKeysURL, a.client, a.log)
		if err != nil {
			return nil, fmt.Errorf("load signing keys: %w", err)
		}
		middlewares = append(middlewares, AuthMiddleware(a.cfg.AppID, keys))
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(maxActivityBytes))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus: true,
		LogURI:    true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			a.log.Debug("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remote_ip", c.RealIP()),
			)
			return nil
		},
	}))

	e.POST(messagesPath, func(c echo.Context) error {
		return a.handleActivity(turnCtx, c, handler, turns)
	}, middlewares...)

	return e, nil
}

func (a *Adapter) handleActivity(turnCtx context.Context, c echo.Context, handler channel.Handler, turns *conversationQueue) error {
	var activity Activity
	if err := c.Bind(&activity); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid activity")
	}

	if !a.cfg.SkipAuth {
		if claimed := tokenServiceURL(c); claimed != "" && !sameServiceURL(claimed, activity.ServiceURL) {
			a.log.Warn("Rejecting activity with mismatched service url", "claimed", claimed, "service_url", activity.ServiceURL)
			return echo.NewHTTPError(http.StatusUnauthorized, "service url mismatch")
		}
	}

	if activity.Type != ActivityTypeMessage {
		a.log.Debug("Ignoring activity", "type", activity.Type)
		return c.NoContent(http.StatusAccepted)
	}

	inbound := inboundFromActivity(activity)
	if inbound.ConversationID == "" || inbound.ServiceURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "activity is missing conversation or service url")
	}

	a.log.Info("Received message", "channel", inbound.Channel, "conversation_id", inbound.ConversationID, "sender_id", inbound.SenderID, "attachments", len(inbound.Attachments))

	turns.Enqueue(inbound.ConversationID, func() {
		if err := turnCtx.Err(); err != nil {
			return
		}
		if err := handler(turnCtx, inbound, a); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error("Failed to process inbound message", "conversation_id", inbound.ConversationID, "error", err)
		}
	})

	return c.NoContent(http.StatusAccepted)
}

func sameServiceURL(a string, b string) bool {
	return strings.EqualFold(strings.TrimRight(strings.TrimSpace(a), "/"), strings.TrimRight(strings.TrimSpace(b), "/"))
}
