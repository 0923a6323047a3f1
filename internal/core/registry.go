package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// registry is a name-keyed table filled at startup and frozen before the
// first lookup. Registering after Freeze is an error.
type registry[T any] struct {
	mu     sync.RWMutex
	kind   string
	items  map[string]T
	frozen bool
}

func newRegistry[T any](kind string) *registry[T] {
	return &registry[T]{kind: kind, items: map[string]T{}}
}

func (r *registry[T]) register(name string, item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("cannot register %s %q: registry is frozen", r.kind, name)
	}
	if _, dup := r.items[name]; dup {
		return fmt.Errorf("%s %q already registered", r.kind, name)
	}
	r.items[name] = item
	return nil
}

func (r *registry[T]) freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *registry[T]) lookup(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.items[name]
	return item, ok
}

func (r *registry[T]) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.items))
	for name := range r.items {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ── Custom formulas ───────────────────────────────────────────────────────────

// CustomFormulaFunc computes every expression of one custom batch. It must
// honor the same grouping contract as the built-in engines: when
// req.CurrentGroupby is set it returns grouped results.
type CustomFormulaFunc func(ctx context.Context, e *ReportEngine, req BatchRequest, key FormulaKey) (EngineResult, error)

// CustomEngineRegistry maps custom formula names to their implementation.
type CustomEngineRegistry struct{ r *registry[CustomFormulaFunc] }

func NewCustomEngineRegistry() *CustomEngineRegistry {
	return &CustomEngineRegistry{r: newRegistry[CustomFormulaFunc]("custom formula")}
}

func (c *CustomEngineRegistry) Register(name string, fn CustomFormulaFunc) error {
	return c.r.register(name, fn)
}

// Freeze stops further registrations.
func (c *CustomEngineRegistry) Freeze() { c.r.freeze() }

func (c *CustomEngineRegistry) Lookup(name string) (CustomFormulaFunc, bool) { return c.r.lookup(name) }

func (c *CustomEngineRegistry) Names() []string { return c.r.names() }

// ── Report handlers ───────────────────────────────────────────────────────────

// ReportHandler customizes one family of reports. A handler opts into hooks
// by also implementing OptionsCustomizer, DynamicLineProvider or
// LineExpander.
type ReportHandler interface {
	Name() string
}

// OptionsCustomizer runs as the "custom" options initializer.
type OptionsCustomizer interface {
	CustomizeOptions(ctx context.Context, report *Report, previous, opts *Options) error
}

// DynamicLine is a handler-generated line placed before the first static
// line whose sequence is greater than Sequence.
type DynamicLine struct {
	Sequence int
	Line     Line
}

// DynamicLineProvider generates lines that do not come from the report
// definition.
type DynamicLineProvider interface {
	DynamicLines(ctx context.Context, e *ReportEngine, report *Report, opts *Options) ([]DynamicLine, error)
}

// LineExpander serves the handler-specific expand functions named
// `handler:<function>` on the lines it generated.
type LineExpander interface {
	ExpandLine(ctx context.Context, e *ReportEngine, report *Report, opts *Options, req ExpandRequest) ([]Line, error)
}

// HandlerRegistry maps custom_handler names to implementations.
type HandlerRegistry struct{ r *registry[ReportHandler] }

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{r: newRegistry[ReportHandler]("report handler")}
}

func (h *HandlerRegistry) Register(handler ReportHandler) error {
	return h.r.register(handler.Name(), handler)
}

func (h *HandlerRegistry) Freeze() { h.r.freeze() }

func (h *HandlerRegistry) Lookup(name string) (ReportHandler, bool) { return h.r.lookup(name) }
