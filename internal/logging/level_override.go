package logging

import (
	"context"
	"log/slog"
	"strings"
)

// levelOverrideHandler enforces a per-logger minimum level while delegating
// output to the wrapped handler, which is configured with the most verbose
// level any component needs.
type levelOverrideHandler struct {
	next      slog.Handler
	level     slog.Level
	overrides map[string]slog.Level
}

func (h *levelOverrideHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < h.level {
		return false
	}
	return h.next.Enabled(ctx, level)
}

func (h *levelOverrideHandler) Handle(ctx context.Context, record slog.Record) error {
	if record.Level < h.level {
		return nil
	}
	return h.next.Handle(ctx, record)
}

func (h *levelOverrideHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := &levelOverrideHandler{next: h.next.WithAttrs(attrs), level: h.level, overrides: h.overrides}
	for _, attr := range attrs {
		if attr.Key != FieldComponent {
			continue
		}
		if lvl, ok := h.overrides[strings.ToLower(attr.Value.String())]; ok {
			clone.level = lvl
		}
	}
	return clone
}

func (h *levelOverrideHandler) WithGroup(name string) slog.Handler {
	return &levelOverrideHandler{next: h.next.WithGroup(name), level: h.level, overrides: h.overrides}
}
