package log

import (
	"context"
	"log/slog"
	"strings"
)

// ComponentFilter suppresses records that were not logged under one of the
// allowed component groups. Engine components log under top-level slog groups
// (binance, monitor, hedger, alert, journal), so an operator can narrow the
// console stream to the components under investigation while the journal sink
// keeps receiving everything.
type ComponentFilter struct {
	next    slog.Handler
	allowed map[string]struct{}
	path    []string
}

// NewComponentFilter wraps next with component filtering. With an empty
// allowlist the original handler is returned unchanged.
func NewComponentFilter(next slog.Handler, components []string) slog.Handler {
	if next == nil || len(components) == 0 {
		return next
	}
	allowed := make(map[string]struct{}, len(components))
	for _, name := range components {
		if trimmed := strings.ToLower(strings.TrimSpace(name)); trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return next
	}
	return &ComponentFilter{next: next, allowed: allowed}
}

func (h *ComponentFilter) Enabled(ctx context.Context, level slog.Level) bool {
	if h == nil || h.next == nil {
		return false
	}
	return h.next.Enabled(ctx, level)
}

func (h *ComponentFilter) Handle(ctx context.Context, record slog.Record) error {
	for _, name := range h.path {
		if _, ok := h.allowed[name]; ok {
			return h.next.Handle(ctx, record)
		}
	}
	return nil
}

func (h *ComponentFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ComponentFilter{
		next:    h.next.WithAttrs(attrs),
		allowed: h.allowed,
		path:    append([]string(nil), h.path...),
	}
}

func (h *ComponentFilter) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &ComponentFilter{
		next:    h.next.WithGroup(name),
		allowed: h.allowed,
		path:    append(append([]string(nil), h.path...), strings.ToLower(name)),
	}
}
