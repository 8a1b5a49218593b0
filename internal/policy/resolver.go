package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// Resolver selects the binding governing a (channel, account) pair and runs
// the matching handler.
type Resolver struct {
	registry *Registry
}

// NewResolver creates a resolver backed by registry.
func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Registry returns the handler registry used by the resolver.
func (r *Resolver) Registry() *Registry { return r.registry }

// ResolveBinding returns the enabled binding for channelID/accountID with the
// highest priority. Equal priorities keep list order. The second return value
// is false when nothing matches; callers treat that as "no policy applies".
func (r *Resolver) ResolveBinding(bindings []Binding, channelID, accountID string) (*Binding, bool) {
	var matches []*Binding
	for i := range bindings {
		b := &bindings[i]
		if !b.IsEnabled() || b.ChannelID != channelID || b.AccountID != accountID {
			continue
		}
		matches = append(matches, b)
	}
	if len(matches) == 0 {
		return nil, false
	}
	if len(matches) > 1 {
		sort.SliceStable(matches, func(i, j int) bool {
			return matches[i].Priority > matches[j].Priority
		})
	}
	return matches[0], true
}

// ApplyPolicy runs the handler for pc.Binding's policy type. It never fails:
// a missing handler denies (fail closed) and a handler error or panic is
// converted into a deny verdict.
func (r *Resolver) ApplyPolicy(ctx context.Context, pc *ProcessContext) (res *Result) {
	if pc.Binding == nil || pc.Binding.Policy == nil {
		return deny("Policy processing failed: binding has no policy")
	}
	typ := pc.Binding.Policy.Type
	h, ok := r.registry.Get(typ)
	if !ok {
		slog.Warn("policy handler not found", "type", typ, "binding", pc.Binding.ID)
		return deny("Policy handler not found for type: " + typ)
	}

	defer func() {
		if p := recover(); p != nil {
			slog.Error("policy handler panicked", "type", typ, "binding", pc.Binding.ID, "panic", p)
			res = deny(fmt.Sprintf("Policy processing failed: %v", p))
		}
	}()

	res, err := h.Process(ctx, pc)
	if err != nil {
		slog.Warn("policy processing failed", "type", typ, "binding", pc.Binding.ID, "error", err)
		return deny("Policy processing failed: " + err.Error())
	}
	if res == nil {
		return deny("Policy processing failed: handler returned no result")
	}
	return res
}

// ValidateBinding checks the binding envelope and delegates the policy config
// to its handler.
func (r *Resolver) ValidateBinding(b *Binding) ValidationResult {
	if b == nil {
		return validationOf([]string{"binding is required"})
	}
	var errs []string
	if b.ID == "" {
		errs = append(errs, "id is required")
	}
	if b.ChannelID == "" {
		errs = append(errs, "channelId is required")
	}
	if b.AccountID == "" {
		errs = append(errs, "accountId is required")
	}
	if b.Policy == nil {
		errs = append(errs, "policy is required")
		return validationOf(errs)
	}
	if b.Policy.Type == "" {
		errs = append(errs, "policy.type is required")
		return validationOf(errs)
	}

	h, ok := r.registry.Get(b.Policy.Type)
	if !ok {
		errs = append(errs, "policy.type: unknown policy type "+b.Policy.Type)
		return validationOf(errs)
	}
	for _, e := range h.Validate(b.Policy.Config).Errors {
		// decode errors already name the config itself
		if rest, ok := strings.CutPrefix(e, "config:"); ok {
			errs = append(errs, "policy.config:"+rest)
			continue
		}
		errs = append(errs, "policy.config."+e)
	}
	return validationOf(errs)
}
