// Package logging provides the structured-logging conventions shared by
// every component of the store.
//
//   - Loggers are dependency-injected at construction, never global.
//   - Each component scopes its logger once, with a "component" attribute.
//   - A nil logger means logging is disabled (discard), so callers never
//     nil-check before logging.
//   - Output format, level, and destination are decided by the embedding
//     application, not here.
//
// Log points are lifecycle boundaries (open, start, stop, failure), not
// hot paths: appends and chunk-delivery loops do not log.
package logging

import (
	"context"
	"log/slog"
	"sync"
)

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Discard returns a logger that drops all output.
func Discard() *slog.Logger {
	return slog.New(discardHandler{})
}

// Default returns logger if non-nil, otherwise a discard logger. This is
// the standard pattern for optional logger fields:
//
//	logger := logging.Default(cfg.Logger).With("component", "batch-writer")
func Default(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return Discard()
}

// LevelFilter wraps an slog.Handler and drops records below a per-component
// minimum level, keyed by the record's "component" attribute. Levels can be
// adjusted at runtime, so an operator can raise one component to debug
// without flooding the log with every other component's debug output.
type LevelFilter struct {
	next         slog.Handler
	defaultLevel slog.Level
	component    string // resolved from WithAttrs, if any

	mu     *sync.RWMutex
	levels map[string]slog.Level
}

// NewLevelFilter wraps next; records from components without an explicit
// level are filtered against defaultLevel.
func NewLevelFilter(next slog.Handler, defaultLevel slog.Level) *LevelFilter {
	return &LevelFilter{
		next:         next,
		defaultLevel: defaultLevel,
		mu:           &sync.RWMutex{},
		levels:       make(map[string]slog.Level),
	}
}

// SetLevel sets the minimum level for one component. Safe to call while
// the handler is in use.
func (f *LevelFilter) SetLevel(component string, level slog.Level) {
	f.mu.Lock()
	f.levels[component] = level
	f.mu.Unlock()
}

// ClearLevel reverts a component to the default level.
func (f *LevelFilter) ClearLevel(component string) {
	f.mu.Lock()
	delete(f.levels, component)
	f.mu.Unlock()
}

func (f *LevelFilter) minLevel(component string) slog.Level {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if level, ok := f.levels[component]; ok {
		return level
	}
	return f.defaultLevel
}

// Enabled defers to Handle: the component attribute is not visible here.
func (f *LevelFilter) Enabled(context.Context, slog.Level) bool { return true }

func (f *LevelFilter) Handle(ctx context.Context, r slog.Record) error {
	component := f.component
	if component == "" {
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "component" {
				if s, ok := a.Value.Resolve().Any().(string); ok {
					component = s
				}
				return false
			}
			return true
		})
	}
	if r.Level < f.minLevel(component) {
		return nil
	}
	if !f.next.Enabled(ctx, r.Level) {
		return nil
	}
	return f.next.Handle(ctx, r)
}

func (f *LevelFilter) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return f
	}
	clone := *f
	clone.next = f.next.WithAttrs(attrs)
	for _, a := range attrs {
		if a.Key == "component" {
			if s, ok := a.Value.Resolve().Any().(string); ok {
				clone.component = s
			}
		}
	}
	return &clone
}

func (f *LevelFilter) WithGroup(name string) slog.Handler {
	if name == "" {
		return f
	}
	clone := *f
	clone.next = f.next.WithGroup(name)
	return &clone
}
