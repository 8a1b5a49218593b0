// Package gateway connects channel traffic to the policy engine: it holds the
// per-agent binding sets and evaluates every message against them.
package gateway

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/nextlevelbuilder/chanbind/internal/bus"
	"github.com/nextlevelbuilder/chanbind/internal/config"
	"github.com/nextlevelbuilder/chanbind/internal/dispatch"
	"github.com/nextlevelbuilder/chanbind/internal/engine"
	"github.com/nextlevelbuilder/chanbind/internal/policy"
)

type bindingSet map[string][]policy.Binding

// Router evaluates messages for agents. Binding sets are swapped wholesale,
// so an evaluation always sees one consistent snapshot.
type Router struct {
	exec     *engine.Executor
	send     dispatch.SendFunc
	bindings atomic.Pointer[bindingSet]
}

// NewRouter creates a router running exec, delivering dispatches through send
// (usually channels.Manager.Send). A nil send disables delivery.
func NewRouter(exec *engine.Executor, send dispatch.SendFunc) *Router {
	r := &Router{exec: exec, send: send}
	r.bindings.Store(&bindingSet{})
	return r
}

// SetBindings replaces every agent's bindings.
func (r *Router) SetBindings(byAgent map[string][]policy.Binding) {
	set := make(bindingSet, len(byAgent))
	for id, bs := range byAgent {
		set[id] = append([]policy.Binding(nil), bs...)
	}
	r.bindings.Store(&set)
	slog.Info("bindings updated", "agents", len(set))
}

// ApplyConfig installs the bindings of cfg. Suitable as a config.Watcher callback.
func (r *Router) ApplyConfig(cfg *config.Config) {
	r.SetBindings(cfg.AllBindings())
}

// Bindings returns the current bindings of an agent.
func (r *Router) Bindings(agentID string) []policy.Binding {
	return (*r.bindings.Load())[agentID]
}

// HandleMessage evaluates msg for agentID. An agent without bindings is
// treated like any unbound channel: the message is allowed.
func (r *Router) HandleMessage(ctx context.Context, agentID string, msg *bus.MessageContext) (*engine.ExecutionResult, error) {
	res, err := r.exec.Execute(ctx, engine.ExecutionContext{
		Message:  msg,
		AgentID:  agentID,
		Bindings: r.Bindings(agentID),
	}, r.send)
	if err != nil {
		return nil, err
	}
	if res.DispatchResult != nil && len(res.DispatchResult.Failed) > 0 {
		for _, f := range res.DispatchResult.Failed {
			slog.Warn("delivery failed", "agent", agentID, "target", f.Target.String(), "error", f.Error)
		}
	}
	return res, nil
}

// Done reports that the agent has finished with msg, the message that
// produced res. Policies that hold a slot per message (queue) free it here.
// Hosts call it after agent processing of every allowed message.
func (r *Router) Done(res *engine.ExecutionResult, msg *bus.MessageContext) bool {
	if res == nil || !res.Allow || res.Binding == nil || msg == nil {
		return false
	}
	released := r.exec.Release(*res.Binding, msg.MessageID)
	if released {
		slog.Debug("message slot released", "binding", res.Binding.ID, "message", msg.MessageID)
	}
	return released
}

// ValidateAll validates the bindings of every agent.
func (r *Router) ValidateAll() map[string]engine.BindingsValidation {
	set := *r.bindings.Load()
	out := make(map[string]engine.BindingsValidation, len(set))
	for id, bs := range set {
		out[id] = r.exec.ValidateChannelBindings(bs)
	}
	return out
}

// Deliverable returns the message the agent should receive for res, or false
// when the message was withheld.
func Deliverable(res *engine.ExecutionResult, msg *bus.MessageContext) (*bus.MessageContext, bool) {
	if res == nil || !res.Allow {
		return nil, false
	}
	if res.PolicyResult != nil && res.PolicyResult.TransformedMessage != nil {
		return res.PolicyResult.TransformedMessage, true
	}
	return msg, true
}
