package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"logobot/pkg/channel"
	"logobot/pkg/channel/botframework"
	"logobot/pkg/channel/telegram"
	"logobot/pkg/config"
	"logobot/pkg/gateway"
	"logobot/pkg/logger"
	"logobot/pkg/relay"

	"github.com/spf13/cobra"
)

const (
	botFrameworkChannelName = "botframework"
	telegramChannelName     = "telegram"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run channel gateway mode",
	Long:  "Runs LogoBot as a channel gateway with health and readiness endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.gateway")

		creds := botFrameworkCredentials(cfg)
		adapters, err := enabledAdapters(cfg, creds, log)
		if err != nil {
			log.Error("Gateway configuration invalid", "error", err)
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// A nil *Credentials must not become a non-nil TokenSource.
		var tokens relay.TokenSource
		if creds != nil {
			tokens = creds
		}

		svc, err := gateway.NewService(cfg, adapters, tokens, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Gateway started", "channels", enabledChannelNames(adapters), "processing_url", cfg.Relay.ProcessingURL, "authenticated_fetch", tokens != nil)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

// botFrameworkCredentials returns nil unless the Bot Framework channel is enabled with an
// app registration.
func botFrameworkCredentials(cfg *config.Config) *botframework.Credentials {
	bf := cfg.Channels.BotFramework
	if !bf.Enabled {
		return nil
	}

	client := relay.NewHTTPClient(time.Duration(bf.RequestTimeoutSeconds) * time.Second)
	return botframework.NewCredentials(bf.AppID, bf.AppPassword, bf.TokenURL, bf.TokenScope, client)
}

func enabledAdapters(cfg *config.Config, creds *botframework.Credentials, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 2)

	if bf := cfg.Channels.BotFramework; bf.Enabled {
		client := relay.NewHTTPClient(time.Duration(bf.RequestTimeoutSeconds) * time.Second)
		adapter, err := botframework.NewAdapter(bf, client, creds, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", botFrameworkChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", telegramChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no channels are enabled")
	}

	return adapters, nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
