package logging

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// ContextExtractor pulls a slog attribute out of a context.
type ContextExtractor func(ctx context.Context) (slog.Attr, bool)

type configIDKey struct{}

// WithConfigID stamps a context with the sending configuration it serves, so
// every log line from that unit carries the id without repeating it at each
// call site.
func WithConfigID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, configIDKey{}, id)
}

// ConfigIDExtractor reads the configuration id stamped by WithConfigID.
func ConfigIDExtractor(ctx context.Context) (slog.Attr, bool) {
	id, ok := ctx.Value(configIDKey{}).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return slog.Attr{}, false
	}
	return slog.String("config_id", id.String()), true
}

// extractorHandler injects context-extracted attributes per log call.
type extractorHandler struct {
	next       slog.Handler
	extractors []ContextExtractor
}

func newExtractorHandler(next slog.Handler, extractors ...ContextExtractor) slog.Handler {
	clean := make([]ContextExtractor, 0, len(extractors))
	for _, ex := range extractors {
		if ex != nil {
			clean = append(clean, ex)
		}
	}
	return &extractorHandler{next: next, extractors: clean}
}

func (h *extractorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *extractorHandler) Handle(ctx context.Context, rec slog.Record) error {
	for _, ex := range h.extractors {
		if attr, ok := ex(ctx); ok {
			rec.AddAttrs(attr)
		}
	}
	return h.next.Handle(ctx, rec)
}

func (h *extractorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &extractorHandler{next: h.next.WithAttrs(attrs), extractors: h.extractors}
}

func (h *extractorHandler) WithGroup(name string) slog.Handler {
	return &extractorHandler{next: h.next.WithGroup(name), extractors: h.extractors}
}
