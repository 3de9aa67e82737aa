// Package logging builds the process logger: JSON to stdout, optional Sentry
// forwarding, and context extractors that stamp every record with the sending
// configuration it belongs to.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/getsentry/sentry-go"
	sentryslog "github.com/getsentry/sentry-go/slog"
)

// Config holds logger settings.
// Embed this in your app config for env parsing with caarlos0/env.
type Config struct {
	Level             slog.Level `env:"LOG_LEVEL" envDefault:"info"`
	SentryDSN         string     `env:"SENTRY_DSN"`
	SentryEnvironment string     `env:"SENTRY_ENVIRONMENT" envDefault:"production"`
}

// New creates a JSON logger writing to stdout. If a Sentry DSN is configured,
// warnings and errors are forwarded there too; an empty DSN or a failed init
// degrades to stdout only.
func New(cfg Config, extractors ...ContextExtractor) *slog.Logger {
	stdoutHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level,
	})

	if cfg.SentryDSN == "" {
		return slog.New(newExtractorHandler(stdoutHandler, extractors...))
	}

	if err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.SentryEnvironment,
		EnableLogs:  true,
	}); err != nil {
		slog.New(stdoutHandler).Error("failed to initialize sentry",
			slog.String("error", err.Error()))
		return slog.New(newExtractorHandler(stdoutHandler, extractors...))
	}

	sentryHandler := sentryslog.Option{
		EventLevel: []slog.Level{slog.LevelError},
		LogLevel:   []slog.Level{slog.LevelWarn, slog.LevelError},
	}.NewSentryHandler(context.Background())

	combined := newMultiHandler(stdoutHandler, sentryHandler)
	return slog.New(newExtractorHandler(combined, extractors...))
}

// NewNop creates a logger that discards everything. Used in tests and as the
// fallback when no logger is wired.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// multiHandler forwards records to every handler that accepts them.
type multiHandler struct {
	handlers []slog.Handler
}

func newMultiHandler(handlers ...slog.Handler) slog.Handler {
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, rec slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, rec.Level) {
			if err := handler.Handle(ctx, rec.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return newMultiHandler(handlers...)
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return newMultiHandler(handlers...)
}
