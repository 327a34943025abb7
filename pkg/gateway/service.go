package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"logobot/pkg/bus"
	"logobot/pkg/channel"
	"logobot/pkg/config"
	"logobot/pkg/dialog"
	"logobot/pkg/relay"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 18790
	eventBuffer       = 256
)

type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	bus      *bus.MessageBus
	turns    *turnManager
	channels []channel.Adapter

	mu            sync.RWMutex
	startedAt     time.Time
	channelStates map[string]channelState
	relayStats    relayStats
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type relayStats struct {
	Messages      int64  `json:"messages"`
	Accepted      int64  `json:"accepted"`
	Relayed       int64  `json:"relayed"`
	Failed        int64  `json:"failed"`
	Skipped       int64  `json:"skipped"`
	DroppedEvents int64  `json:"dropped_events"`
	LastRelayedAt string `json:"last_relayed_at,omitempty"`
	LastFailure   string `json:"last_failure,omitempty"`
}

type statusResponse struct {
	Status        string                  `json:"status"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	ActiveTurns   int                     `json:"active_turns"`
	Channels      map[string]channelState `json:"channels"`
	Relay         relayStats              `json:"relay"`
}

// NewService wires one attachment relay dialog per adapter. Every adapter must also be a
// channel.MediaUploader. tokens authenticates downloads from trusted hosts and may be nil.
func NewService(cfg *config.Config, adapters []channel.Adapter, tokens relay.TokenSource, log *slog.Logger) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}

	relayCfg := cfg.Relay
	client := relay.NewHTTPClient(seconds(relayCfg.ProcessTimeoutSeconds))

	fetcher := relay.NewFetcher(relay.FetcherOptions{
		Client: client,
		Tokens: tokens,
		Policy: relay.AuthPolicy{
			Channels:   relayCfg.TrustedChannels,
			HostSuffix: relayCfg.TrustedHostSuffix,
		},
		MaxBytes: relayCfg.MaxImageBytes,
		Timeout:  seconds(relayCfg.FetchTimeoutSeconds),
		Log:      log,
	})

	processor, err := relay.NewProcessingClient(relay.ProcessingOptions{
		Endpoint: relayCfg.ProcessingURL,
		Client:   client,
		MaxBytes: relayCfg.MaxImageBytes,
		Timeout:  seconds(relayCfg.ProcessTimeoutSeconds),
		Log:      log,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize processing client: %w", err)
	}

	mb := bus.NewMessageBus()
	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		uploader, ok := adapter.(channel.MediaUploader)
		if !ok {
			return nil, fmt.Errorf("channel %s cannot upload attachments", adapter.Name())
		}

		relayDialog, err := dialog.New(dialog.Options{
			Fetcher:              fetcher,
			Processor:            processor,
			Uploader:             uploader,
			Events:               mb,
			AcceptedContentTypes: relayCfg.AcceptedContentTypes,
			UploadTimeout:        seconds(relayCfg.UploadTimeoutSeconds),
			Log:                  log,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize %s dialog: %w", adapter.Name(), err)
		}
		relayDialog.Register(mb, adapter.Name())

		channelStates[adapter.Name()] = channelState{}
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		bus:           mb,
		turns:         newTurnManager(),
		channels:      adapters,
		channelStates: channelStates,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.bus.Close()

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	events, unsubscribe := s.bus.SubscribeEvents(ctx, eventBuffer)
	defer unsubscribe()
	go s.collectEvents(events)

	serverErrors := make(chan error, 1)
	go s.runHealthServer(ctx, serverErrors)

	runCtx, cancelAdapters := context.WithCancel(ctx)
	defer cancelAdapters()

	var wg sync.WaitGroup
	errCh := make(chan error, len(s.channels))
	for _, adapter := range s.channels {
		s.setChannelState(adapter.Name(), channelState{Running: true})

		wg.Add(1)
		go func() {
			defer wg.Done()

			err := adapter.Run(runCtx, s.dispatcher(adapter.Name()))
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErrors:
		runErr = err
	case err := <-errCh:
		runErr = err
	}

	cancelAdapters()
	wg.Wait()

	return runErr
}

// dispatcher returns the channel handler for adapter: each message goes to whichever
// handler is registered for the adapter on the bus, one turn per session at a time.
func (s *Service) dispatcher(adapter string) channel.Handler {
	return func(ctx context.Context, msg bus.InboundMessage, reply bus.Replier) error {
		handler, ok := s.bus.GetHandler(adapter)
		if !ok {
			return fmt.Errorf("no handler registered for %s", adapter)
		}

		release, err := s.turns.Acquire(ctx, msg.SessionKey)
		if err != nil {
			return err
		}
		defer release()

		return handler(ctx, msg, reply)
	}
}

func (s *Service) collectEvents(events <-chan bus.Event) {
	for event := range events {
		s.recordEvent(event)
	}
}

func (s *Service) recordEvent(event bus.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.Type {
	case bus.EventMessageReceived:
		s.relayStats.Messages++
	case bus.EventAttachmentAccepted:
		s.relayStats.Accepted++
	case bus.EventAttachmentRelayed:
		s.relayStats.Relayed++
		s.relayStats.LastRelayedAt = event.At.Format(time.RFC3339)
	case bus.EventAttachmentFailed:
		s.relayStats.Failed++
		s.relayStats.LastFailure = strings.TrimSpace(event.Stage() + ": " + event.Error)
	case bus.EventAttachmentSkipped:
		s.relayStats.Skipped++
	}
}

func (s *Service) runHealthServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	addr := host + ":" + strconv.Itoa(port)
	e := s.newStatusServer()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	s.log.Info("Gateway status server started", "address", addr)
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start status server: %w", err)
	}
}

func (s *Service) newStatusServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.GET("/healthz", s.handleHealth)
	e.GET("/readyz", s.handleReady)

	return e
}

func (s *Service) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, s.currentStatus("ok"))
}

func (s *Service) handleReady(c echo.Context) error {
	if !s.isReady() {
		return c.JSON(http.StatusServiceUnavailable, s.currentStatus("not_ready"))
	}

	return c.JSON(http.StatusOK, s.currentStatus("ready"))
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	stats := s.relayStats
	if s.bus != nil {
		stats.DroppedEvents = s.bus.DroppedEvents()
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		ActiveTurns:   s.turns.Active(),
		Channels:      channels,
		Relay:         stats,
	}
}

// isReady reports whether at least one channel is accepting messages.
func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, state := range s.channelStates {
		if state.Running {
			return true
		}
	}

	return false
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
