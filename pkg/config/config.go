package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	envConfigPath         = "LOGOBOT_CONFIG"
	envProcessingURL      = "LOGOBOT_PROCESSING_URL"
	envMicrosoftAppID     = "MICROSOFT_APP_ID"
	envMicrosoftAppSecret = "MICROSOFT_APP_PASSWORD"
	envTelegramBotToken   = "TELEGRAM_BOT_TOKEN"
	envTelegramAllowFrom  = "TELEGRAM_ALLOW_FROM"
)

const (
	DefaultProcessingURL    = "https://germangraph.azurewebsites.net/api/upload"
	DefaultTrustedHost      = "skype.com"
	DefaultBotFrameworkAddr = "0.0.0.0:3978"
	DefaultTokenURL         = "https://login.microsoftonline.com/botframework.com/oauth2/v2.0/token"
	DefaultTokenScope       = "https://api.botframework.com/.default"
	DefaultOpenIDKeysURL    = "https://login.botframework.com/v1/.well-known/keys"
	DefaultMaxImageBytes    = 20 << 20
)

// ErrConfigNotFound is returned when no config.json exists in the fallback locations.
var ErrConfigNotFound = errors.New("config.json not found")

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Channels ChannelsConfig `json:"channels"`
	Relay    RelayConfig    `json:"relay"`
	Gateway  GatewayConfig  `json:"gateway"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// ChannelsConfig stores transport adapter settings.
type ChannelsConfig struct {
	BotFramework BotFrameworkConfig `json:"botframework"`
	Telegram     TelegramConfig     `json:"telegram"`
}

// BotFrameworkConfig configures the Bot Framework webhook and connector client.
type BotFrameworkConfig struct {
	Enabled     bool   `json:"enabled"`
	Listen      string `json:"listen"`
	AppID       string `json:"app_id"`
	AppPassword string `json:"app_password"`
	TokenURL    string `json:"token_url"`
	TokenScope  string `json:"token_scope"`
	// OpenIDKeysURL serves the key set used to verify inbound request tokens.
	OpenIDKeysURL string `json:"openid_keys_url"`
	// SkipAuth disables inbound token validation, for the local emulator only.
	SkipAuth              bool `json:"skip_auth"`
	RequestTimeoutSeconds int  `json:"request_timeout_seconds"`
}

// TelegramConfig configures Telegram channel integration.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allow_from"`
	// MediaChatID is the chat processed images are uploaded to before being replied with.
	MediaChatID int64 `json:"media_chat_id"`
}

// RelayConfig controls the fetch, process and upload pipeline.
type RelayConfig struct {
	ProcessingURL         string   `json:"processing_url"`
	AcceptedContentTypes  []string `json:"accepted_content_types"`
	TrustedChannels       []string `json:"trusted_channels"`
	TrustedHostSuffix     string   `json:"trusted_host_suffix"`
	FetchTimeoutSeconds   int      `json:"fetch_timeout_seconds"`
	ProcessTimeoutSeconds int      `json:"process_timeout_seconds"`
	UploadTimeoutSeconds  int      `json:"upload_timeout_seconds"`
	MaxImageBytes         int64    `json:"max_image_bytes"`
}

// GatewayConfig configures HTTP status server bind settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Default returns the configuration used for any field config.json leaves out.
func Default() Config {
	return Config{
		Channels: ChannelsConfig{
			BotFramework: BotFrameworkConfig{
				Listen:                DefaultBotFrameworkAddr,
				TokenURL:              DefaultTokenURL,
				TokenScope:            DefaultTokenScope,
				OpenIDKeysURL:         DefaultOpenIDKeysURL,
				RequestTimeoutSeconds: 30,
			},
		},
		Relay: RelayConfig{
			ProcessingURL:         DefaultProcessingURL,
			AcceptedContentTypes:  []string{"image/jpeg", "image/jpg"},
			TrustedChannels:       []string{"skype", "msteams"},
			TrustedHostSuffix:     DefaultTrustedHost,
			FetchTimeoutSeconds:   30,
			ProcessTimeoutSeconds: 60,
			UploadTimeoutSeconds:  30,
			MaxImageBytes:         DefaultMaxImageBytes,
		},
		Gateway: GatewayConfig{
			Host: "0.0.0.0",
			Port: 18790,
		},
	}
}

// LoadConfig resolves config.json, unmarshals it over Default, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects settings the relay pipeline cannot run with.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is required")
	}
	if strings.TrimSpace(c.Relay.ProcessingURL) == "" {
		return fmt.Errorf("relay.processing_url is required")
	}
	if c.Relay.MaxImageBytes <= 0 {
		return fmt.Errorf("relay.max_image_bytes must be greater than zero")
	}
	if len(c.Relay.AcceptedContentTypes) == 0 {
		return fmt.Errorf("relay.accepted_content_types must not be empty")
	}

	bf := c.Channels.BotFramework
	if bf.Enabled && !bf.SkipAuth && strings.TrimSpace(bf.AppID) == "" {
		return fmt.Errorf("channels.botframework.app_id is required unless skip_auth is set")
	}

	return nil
}

// FromEnv returns Default with environment overrides applied, for commands that can run
// without a config file.
func FromEnv() Config {
	cfg := Default()
	applyEnvOverrides(&cfg)
	return cfg
}

// applyEnvOverrides injects selected env-driven settings on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if value := strings.TrimSpace(os.Getenv(envProcessingURL)); value != "" {
		cfg.Relay.ProcessingURL = value
	}
	if value := strings.TrimSpace(os.Getenv(envMicrosoftAppID)); value != "" {
		cfg.Channels.BotFramework.AppID = value
	}
	if value := strings.TrimSpace(os.Getenv(envMicrosoftAppSecret)); value != "" {
		cfg.Channels.BotFramework.AppPassword = value
	}
	if token := strings.TrimSpace(os.Getenv(envTelegramBotToken)); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if rawAllowFrom := strings.TrimSpace(os.Getenv(envTelegramAllowFrom)); rawAllowFrom != "" {
		cfg.Channels.Telegram.AllowFrom = parseCSV(rawAllowFrom)
	}
}

// parseCSV splits comma-separated values and returns a trimmed compact slice.
func parseCSV(input string) []string {
	parts := strings.Split(input, ",")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}

	return slices.Clip(clean)
}

// findConfigPath resolves the active config file location.
//
// Precedence is LOGOBOT_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w (checked %s and %s)", ErrConfigNotFound, candidates[0], candidates[1])
}
