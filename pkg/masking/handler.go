package masking

import (
	"context"
	"log/slog"
)

// Handler wraps a slog.Handler and redacts string attribute values so
// secrets cannot leak through structured log fields. Group structure and
// non-string values pass through untouched.
type Handler struct {
	inner   slog.Handler
	service *Service
}

// NewHandler wraps inner with secret redaction.
func NewHandler(inner slog.Handler, service *Service) *Handler {
	return &Handler{inner: inner, service: service}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, h.service.Redact(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = h.redactAttr(a)
	}
	return &Handler{inner: h.inner.WithAttrs(redacted), service: h.service}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{inner: h.inner.WithGroup(name), service: h.service}
}

func (h *Handler) redactAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.service.Redact(a.Value.String()))
	case slog.KindGroup:
		grouped := a.Value.Group()
		out := make([]any, 0, len(grouped))
		for _, g := range grouped {
			out = append(out, h.redactAttr(g))
		}
		return slog.Group(a.Key, out...)
	default:
		return a
	}
}
