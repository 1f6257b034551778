package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"github.com/mattjoyce/scriptd/internal/events"
	"github.com/mattjoyce/scriptd/internal/metrics"
	"github.com/mattjoyce/scriptd/internal/protocol"
)

// Outcome labels recorded per message.
const (
	OutcomeNoReply  = "noreply"
	OutcomeValue    = "value"
	OutcomeDeferred = "deferred"
	OutcomeError    = "error"
	OutcomeUnknown  = "unknown"
	OutcomeGated    = "gated"
)

// unknownLabel stands in for any command name not in the registry, so
// senders cannot mint new metric series.
const unknownLabel = "_unknown"

const inboxSize = 256

// Response is the reply to one message.
type Response struct {
	Value any
	Err   error
}

// Responder delivers a Response to the sender. It is called at most once.
// A nil Responder means the sender does not wait for a reply.
type Responder func(Response)

type inbound struct {
	req     *protocol.Request
	src     protocol.Source
	respond Responder
}

// Dispatcher routes messages through a Registry.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics
	events   *events.Hub

	open  atomic.Bool
	inbox chan inbound
	done  chan struct{}
}

// New creates a Dispatcher. It drops every message until Open is called.
func New(reg *Registry, logger *slog.Logger, m *metrics.Metrics, hub *events.Hub) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		logger:   logger.With("component", "dispatch"),
		metrics:  m,
		events:   hub,
		inbox:    make(chan inbound, inboxSize),
		done:     make(chan struct{}),
	}
}

// Open lifts the startup gate. Call it once the script store is initialized.
func (d *Dispatcher) Open() {
	if d.open.CompareAndSwap(false, true) {
		d.logger.Info("dispatcher accepting messages", "commands", len(d.registry.handlers))
	}
}

// IsOpen reports whether the startup gate has been lifted.
func (d *Dispatcher) IsOpen() bool {
	return d.open.Load()
}

// Submit queues a message for the dispatch loop, preserving arrival order
// across connections. Returns false if the message was dropped.
func (d *Dispatcher) Submit(req *protocol.Request, src protocol.Source, respond Responder) bool {
	if !d.IsOpen() {
		d.metrics.CommandHandled(d.label(req.Cmd), OutcomeGated)
		return false
	}
	select {
	case d.inbox <- inbound{req: req, src: src, respond: respond}:
		return true
	case <-d.done:
		return false
	}
}

// Run handles queued messages one at a time until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatch loop started")
	defer d.logger.Info("dispatch loop stopped")
	defer close(d.done)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-d.inbox:
			d.Handle(ctx, m.req, m.src, m.respond)
		}
	}
}

func (d *Dispatcher) label(cmd string) string {
	if _, ok := d.registry.Lookup(cmd); ok {
		return cmd
	}
	return unknownLabel
}

// Handle invokes the handler for req exactly once and routes its result.
// Returns false when the message was dropped (gated or unknown command).
func (d *Dispatcher) Handle(ctx context.Context, req *protocol.Request, src protocol.Source, respond Responder) bool {
	if !d.IsOpen() {
		d.metrics.CommandHandled(d.label(req.Cmd), OutcomeGated)
		return false
	}

	h, ok := d.registry.Lookup(req.Cmd)
	if !ok {
		d.logger.Debug("ignoring unknown command", "cmd", req.Cmd, "source", src.SourceID())
		d.metrics.CommandHandled(unknownLabel, OutcomeUnknown)
		return false
	}

	res := d.invoke(ctx, h, req, src)
	outcome := d.route(ctx, req, src, res, respond)

	d.metrics.CommandHandled(req.Cmd, outcome)
	d.events.Publish(events.TypeCommand, map[string]any{
		"cmd":     req.Cmd,
		"source":  src.SourceID(),
		"outcome": outcome,
	})
	return true
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, req *protocol.Request, src protocol.Source) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "cmd", req.Cmd, "panic", r, "stack", string(debug.Stack()))
			res = Fail(fmt.Errorf("%s: internal error", req.Cmd))
		}
	}()
	return h(ctx, req.Data, src)
}

func (d *Dispatcher) route(ctx context.Context, req *protocol.Request, src protocol.Source, res Result, respond Responder) string {
	switch res.kind {
	case kindValue:
		deliver(respond, Response{Value: res.value})
		return OutcomeValue
	case kindError:
		d.logger.Debug("command rejected", "cmd", req.Cmd, "source", src.SourceID(), "error", res.err)
		deliver(respond, Response{Err: res.err})
		return OutcomeError
	case kindDeferred:
		go d.settle(ctx, req.Cmd, src, res.fn, respond)
		return OutcomeDeferred
	default:
		return OutcomeNoReply
	}
}

// settle runs a deferred result and replies with whatever it produced.
func (d *Dispatcher) settle(ctx context.Context, cmd string, src protocol.Source, fn func(context.Context) (any, error), respond Responder) {
	v, err := func() (v any, err error) {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("deferred reply panicked", "cmd", cmd, "panic", r, "stack", string(debug.Stack()))
				err = fmt.Errorf("%s: internal error", cmd)
			}
		}()
		return fn(ctx)
	}()

	if err != nil {
		if respond == nil {
			d.logger.Debug("deferred reply rejected with no listener", "cmd", cmd, "source", src.SourceID(), "error", err)
			return
		}
		d.logger.Debug("deferred reply rejected", "cmd", cmd, "source", src.SourceID(), "error", err)
	}
	deliver(respond, Response{Value: v, Err: err})
}

func deliver(respond Responder, r Response) {
	if respond != nil {
		respond(r)
	}
}

// Go runs fn on its own goroutine for fire-and-forget collaborator work.
// This is the only place such failures surface: errors and panics are
// logged here and never reach a caller.
func Go(logger *slog.Logger, name string, fn func() error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("background task panicked", "task", name, "panic", r)
			}
		}()
		if err := fn(); err != nil {
			logger.Error("background task failed", "task", name, "error", err)
		}
	}()
}
