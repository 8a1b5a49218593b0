package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/chanbind/internal/bus"
	"github.com/nextlevelbuilder/chanbind/internal/dispatch"
	"github.com/nextlevelbuilder/chanbind/internal/policy"
	"github.com/nextlevelbuilder/chanbind/internal/store"
)

// ErrInvalidContext is returned when Execute is called without a message or
// without a channel/account to resolve against. It signals a caller bug.
var ErrInvalidContext = errors.New("invalid execution context")

const reasonNoBinding = "No matching channel binding found"

// ExecutionContext is the input of one evaluation.
// ChannelID and AccountID default to the message's own.
type ExecutionContext struct {
	Message   *bus.MessageContext
	AgentID   string
	ChannelID string
	AccountID string
	Bindings  []policy.Binding
	Gateway   map[string]any
}

// BindingRef identifies the binding that produced a verdict.
type BindingRef struct {
	ID         string `json:"id"`
	PolicyType string `json:"policyType"`
}

// ExecutionResult is the verdict returned to the gateway. When
// PolicyResult.TransformedMessage is set the gateway must continue with it.
type ExecutionResult struct {
	Allow          bool             `json:"allow"`
	Reason         string           `json:"reason,omitempty"`
	PolicyResult   *policy.Result   `json:"policyResult,omitempty"`
	DispatchResult *dispatch.Result `json:"dispatchResult,omitempty"`
	Binding        *BindingRef      `json:"binding,omitempty"`
}

// Execute resolves the binding for the message, applies its policy and, when
// the verdict denies with an auto-reply or route targets and send is non-nil,
// dispatches them. Policy and delivery failures are reported in the result;
// only a malformed ExecutionContext returns an error.
func (e *Executor) Execute(ctx context.Context, ec ExecutionContext, send dispatch.SendFunc) (*ExecutionResult, error) {
	if ec.Message == nil {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidContext)
	}
	channelID, accountID := ec.ChannelID, ec.AccountID
	if channelID == "" {
		channelID = ec.Message.ChannelID
	}
	if accountID == "" {
		accountID = ec.Message.AccountID
	}
	if channelID == "" || accountID == "" {
		return nil, fmt.Errorf("%w: channelId and accountId are required", ErrInvalidContext)
	}

	ctx, span := e.tracer.Start(ctx, "policy.execute",
		trace.WithAttributes(
			attribute.String("chanbind.agent_id", ec.AgentID),
			attribute.String("chanbind.channel_id", channelID),
			attribute.String("chanbind.account_id", accountID),
			attribute.String("chanbind.message_id", ec.Message.MessageID),
		))
	defer span.End()

	binding, ok := e.resolver.ResolveBinding(ec.Bindings, channelID, accountID)
	if !ok {
		res := &ExecutionResult{Allow: true, Reason: reasonNoBinding}
		span.SetAttributes(attribute.Bool("chanbind.allow", true))
		e.record(ctx, ec, channelID, accountID, res)
		return res, nil
	}

	pc := &policy.ProcessContext{
		Message:   ec.Message,
		AgentID:   ec.AgentID,
		ChannelID: channelID,
		AccountID: accountID,
		Binding:   binding,
		Gateway:   ec.Gateway,
	}
	pr := e.resolver.ApplyPolicy(ctx, pc)

	var policyType string
	if binding.Policy != nil {
		policyType = binding.Policy.Type
	}

	res := &ExecutionResult{
		Allow:        pr.Allow,
		Reason:       pr.Reason,
		PolicyResult: pr,
		Binding:      &BindingRef{ID: binding.ID, PolicyType: policyType},
	}
	span.SetAttributes(
		attribute.String("chanbind.binding_id", binding.ID),
		attribute.String("chanbind.policy_type", policyType),
		attribute.Bool("chanbind.allow", pr.Allow),
		attribute.String("chanbind.reason", pr.Reason),
	)

	if send != nil && pr.NeedsDispatch() {
		dr := e.dispatcher.Dispatch(ctx, pr, ec.Message, send)
		res.DispatchResult = dr
		span.SetAttributes(
			attribute.Int("chanbind.dispatch.attempted", dr.Attempted),
			attribute.Int("chanbind.dispatch.succeeded", len(dr.Succeeded)),
			attribute.Int("chanbind.dispatch.failed", len(dr.Failed)),
		)
		if len(dr.Failed) > 0 {
			span.SetStatus(codes.Error, "partial dispatch failure")
		}
	}

	slog.Debug("policy evaluated",
		"agent", ec.AgentID,
		"channel", channelID,
		"account", accountID,
		"binding", binding.ID,
		"policy", policyType,
		"allow", res.Allow,
		"reason", res.Reason,
	)

	e.record(ctx, ec, channelID, accountID, res)
	return res, nil
}

// record hands the decision to the recorder. Failures are logged only.
func (e *Executor) record(ctx context.Context, ec ExecutionContext, channelID, accountID string, res *ExecutionResult) {
	if e.recorder == nil {
		return
	}
	rec := &store.DecisionRecord{
		ID:        uuid.NewString(),
		Time:      e.now(),
		AgentID:   ec.AgentID,
		ChannelID: channelID,
		AccountID: accountID,
		MessageID: ec.Message.MessageID,
		From:      ec.Message.From,
		Allow:     res.Allow,
		Reason:    res.Reason,
	}
	if res.Binding != nil {
		rec.BindingID = res.Binding.ID
		rec.PolicyType = res.Binding.PolicyType
	}
	if dr := res.DispatchResult; dr != nil {
		for _, t := range dr.Succeeded {
			rec.Targets = append(rec.Targets, t.String())
		}
		for _, f := range dr.Failed {
			rec.Targets = append(rec.Targets, f.Target.String())
		}
		rec.Succeeded = len(dr.Succeeded)
		rec.Failed = len(dr.Failed)
	} else if pr := res.PolicyResult; pr != nil {
		for _, t := range pr.RouteTo {
			rec.Targets = append(rec.Targets, t.String())
		}
	}
	if err := e.recorder.Record(ctx, rec); err != nil {
		slog.Warn("decision record failed", "binding", rec.BindingID, "error", err)
	}
}

// BindingReport is the validation outcome of one binding.
type BindingReport struct {
	Index  int      `json:"index"`
	ID     string   `json:"id,omitempty"`
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// BindingsValidation aggregates the validation of an agent's bindings.
// Errors are prefixed with the binding id, or its index when it has none.
type BindingsValidation struct {
	Valid    bool            `json:"valid"`
	Errors   []string        `json:"errors,omitempty"`
	Bindings []BindingReport `json:"bindings"`
}

// ValidateChannelBindings validates every binding and flags duplicate ids.
func (e *Executor) ValidateChannelBindings(bindings []policy.Binding) BindingsValidation {
	out := BindingsValidation{Valid: true, Bindings: make([]BindingReport, 0, len(bindings))}
	seen := make(map[string]int, len(bindings))

	for i := range bindings {
		b := &bindings[i]
		vr := e.resolver.ValidateBinding(b)
		report := BindingReport{Index: i, ID: b.ID, Valid: vr.Valid, Errors: vr.Errors}

		if b.ID != "" {
			if first, dup := seen[b.ID]; dup {
				report.Valid = false
				report.Errors = append(report.Errors, fmt.Sprintf("id %q duplicates bindings[%d]", b.ID, first))
			} else {
				seen[b.ID] = i
			}
		}

		label := b.ID
		if label == "" {
			label = fmt.Sprintf("bindings[%d]", i)
		}
		for _, msg := range report.Errors {
			out.Errors = append(out.Errors, label+": "+msg)
		}
		if !report.Valid {
			out.Valid = false
		}
		out.Bindings = append(out.Bindings, report)
	}
	return out
}
