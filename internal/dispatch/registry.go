package dispatch

import (
	"context"
	"encoding/json"
	"maps"
	"slices"

	"github.com/mattjoyce/scriptd/internal/protocol"
)

// Handler serves one command. data is the raw payload, src the sender.
type Handler func(ctx context.Context, data json.RawMessage, src protocol.Source) Result

type resultKind int

const (
	kindNoReply resultKind = iota
	kindValue
	kindDeferred
	kindError
)

// Result is what a Handler hands back to the Dispatcher.
type Result struct {
	kind  resultKind
	value any
	err   error
	fn    func(ctx context.Context) (any, error)
}

// NoReply marks a side-effect-only command.
func NoReply() Result { return Result{kind: kindNoReply} }

// Value replies with v immediately.
func Value(v any) Result { return Result{kind: kindValue, value: v} }

// Defer replies with fn's result once it returns.
func Defer(fn func(ctx context.Context) (any, error)) Result {
	return Result{kind: kindDeferred, fn: fn}
}

// Fail replies with err immediately.
func Fail(err error) Result { return Result{kind: kindError, err: err} }

// Registry is an immutable command table.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry copies handlers; later changes to the map are not seen.
func NewRegistry(handlers map[string]Handler) *Registry {
	return &Registry{handlers: maps.Clone(handlers)}
}

// Lookup finds the handler for an exact command name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Names lists registered commands in sorted order.
func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.handlers))
}
