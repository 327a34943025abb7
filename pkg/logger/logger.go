// Package logger builds the slog loggers used across logobot.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	charmLog "github.com/charmbracelet/log"

	"logobot/pkg/config"
)

const (
	defaultFormat = "text"
	defaultLevel  = "info"

	envLogFormat    = "LOGOBOT_LOG_FORMAT"
	envLogLevel     = "LOGOBOT_LOG_LEVEL"
	envLogAddSource = "LOGOBOT_LOG_ADD_SOURCE"

	redactedValue = "[redacted]"
)

// sensitiveKeys never reach the output with their value. App passwords and bearer
// tokens pass through the credential and fetch code paths.
var sensitiveKeys = map[string]struct{}{
	"token":         {},
	"access_token":  {},
	"bearer":        {},
	"authorization": {},
	"password":      {},
	"app_password":  {},
	"secret":        {},
}

// New builds the process logger. Text output goes through charmbracelet/log,
// json output through the LogEntry handler. Both redact credential attributes.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type options struct {
	format    string
	level     slog.Level
	addSource bool
}

// resolveOptions merges config with LOGOBOT_LOG_* environment overrides.
func resolveOptions(cfg config.LoggingConfig) (options, error) {
	format := strings.ToLower(envOr(envLogFormat, cfg.Format))
	if format == "" {
		format = defaultFormat
	}
	if format != "json" && format != "text" {
		return options{}, fmt.Errorf("unsupported log format %q", format)
	}

	level, err := parseLevel(envOr(envLogLevel, cfg.Level))
	if err != nil {
		return options{}, err
	}

	addSource := cfg.AddSource
	if env := strings.TrimSpace(os.Getenv(envLogAddSource)); env != "" {
		addSource = parseBool(env)
	}

	return options{format: format, level: level, addSource: addSource}, nil
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	opts, err := resolveOptions(cfg)
	if err != nil {
		return nil, err
	}

	var handler slog.Handler
	if opts.format == "text" {
		handler = charmLog.NewWithOptions(writer, charmLog.Options{
			Level:           charmLevel(opts.level),
			ReportTimestamp: true,
			ReportCaller:    opts.addSource,
			Formatter:       charmLog.TextFormatter,
		})
	} else {
		handler = &entryHandler{
			level:     opts.level,
			addSource: opts.addSource,
			writer:    writer,
			mu:        &sync.Mutex{},
		}
	}

	return slog.New(&redactingHandler{next: handler}), nil
}

// envOr prefers a non-empty environment value over the configured one.
func envOr(name string, configured string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}

	return strings.TrimSpace(configured)
}

func charmLevel(level slog.Level) charmLog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmLog.DebugLevel
	case level <= slog.LevelInfo:
		return charmLog.InfoLevel
	case level <= slog.LevelWarn:
		return charmLog.WarnLevel
	default:
		return charmLog.ErrorLevel
	}
}

func parseLevel(input string) (slog.Level, error) {
	levelText := strings.ToLower(strings.TrimSpace(input))
	if levelText == "" {
		levelText = defaultLevel
	}

	switch levelText {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", levelText)
	}
}

func parseBool(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// redactingHandler replaces the value of sensitive attributes before the wrapped handler
// formats them.
type redactingHandler struct {
	next slog.Handler
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(redact(attr))
		return true
	})

	return h.next.Handle(ctx, clean)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		clean = append(clean, redact(attr))
	}

	return &redactingHandler{next: h.next.WithAttrs(clean)}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name)}
}

func redact(attr slog.Attr) slog.Attr {
	if _, ok := sensitiveKeys[strings.ToLower(attr.Key)]; ok {
		return slog.String(attr.Key, redactedValue)
	}

	value := attr.Value.Resolve()
	if value.Kind() != slog.KindGroup {
		return attr
	}

	group := value.Group()
	clean := make([]any, 0, len(group))
	for _, item := range group {
		clean = append(clean, redact(item))
	}

	return slog.Group(attr.Key, clean...)
}
