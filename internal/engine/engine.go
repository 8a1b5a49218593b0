// Package engine wires the policy registry, resolver and dispatcher into the
// executor the gateway calls once per message.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/chanbind/internal/dispatch"
	"github.com/nextlevelbuilder/chanbind/internal/policy"
	"github.com/nextlevelbuilder/chanbind/internal/store"
)

const tracerName = "github.com/nextlevelbuilder/chanbind/internal/engine"

// DecisionRecorder receives one record per evaluated message.
// store.DecisionStore implementations satisfy it.
type DecisionRecorder interface {
	Record(ctx context.Context, rec *store.DecisionRecord) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithDispatcher replaces the default dispatcher.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(e *Executor) { e.dispatcher = d }
}

// WithDispatchOptions builds the dispatcher from opts.
func WithDispatchOptions(opts dispatch.Options) Option {
	return func(e *Executor) { e.dispatcher = dispatch.New(opts) }
}

// WithDecisionRecorder enables the decision audit trail.
func WithDecisionRecorder(r DecisionRecorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// WithClock sets the clock stamped on decision records.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Executor evaluates messages against bindings. Each instance owns its own
// registry, so isolated engines can run side by side.
type Executor struct {
	registry   *policy.Registry
	resolver   *policy.Resolver
	dispatcher *dispatch.Dispatcher
	recorder   DecisionRecorder
	tracer     trace.Tracer
	now        func() time.Time
}

// New builds an executor over the given handlers, keyed by policy type.
// Pass policy.DefaultHandlers() for the built-in set.
func New(handlers map[string]policy.Handler, opts ...Option) *Executor {
	reg := policy.NewRegistry(handlers)
	e := &Executor{
		registry: reg,
		resolver: policy.NewResolver(reg),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dispatcher == nil {
		e.dispatcher = dispatch.New(dispatch.DefaultOptions())
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer(tracerName)
	}
	return e
}

// Registry exposes the handler registry, for registering custom policies.
func (e *Executor) Registry() *policy.Registry { return e.registry }

// Resolver exposes the binding resolver.
func (e *Executor) Resolver() *policy.Resolver { return e.resolver }

// ListAvailablePolicies returns the registered policy types, sorted.
func (e *Executor) ListAvailablePolicies() []string { return e.registry.List() }

// IsPolicyAvailable reports whether a handler is registered for typ.
func (e *Executor) IsPolicyAvailable(typ string) bool { return e.registry.Has(typ) }

// Handler returns the registered handler for typ, or policy.ErrHandlerNotFound.
func (e *Executor) Handler(typ string) (policy.Handler, error) {
	h, ok := e.registry.Get(typ)
	if !ok {
		return nil, policy.ErrHandlerNotFound
	}
	return h, nil
}

// Reset clears the counters of every stateful handler.
func (e *Executor) Reset() { e.registry.Reset() }

// Release tells the handler behind ref that the agent has finished with
// messageID, freeing its slot. Returns false when the policy holds no slot
// for the message.
func (e *Executor) Release(ref BindingRef, messageID string) bool {
	h, ok := e.registry.Get(ref.PolicyType)
	if !ok {
		return false
	}
	rel, ok := h.(policy.Releaser)
	if !ok {
		return false
	}
	return rel.Release(ref.ID, messageID)
}

// Close releases handler resources such as open monitor logs.
func (e *Executor) Close() error {
	var errs []error
	for _, typ := range e.registry.List() {
		h, ok := e.registry.Get(typ)
		if !ok {
			continue
		}
		if c, ok := h.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s handler: %w", typ, err))
			}
		}
	}
	return errors.Join(errs...)
}
