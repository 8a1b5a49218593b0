// Package policy implements the channel binding policy runtime: the data model
// shared by every policy type, the handler registry, the binding resolver and
// the twelve built-in policy handlers.
//
// A binding associates one policy with one (channel, account) pair for an
// agent. For each message the resolver picks the single applicable binding and
// runs the handler registered for its policy type, producing a Result that
// allows, denies, rewrites, auto-replies to or redirects the message.
package policy

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nextlevelbuilder/chanbind/internal/bus"
)

// Policy type identifiers.
const (
	TypePrivate     = "private"
	TypeMonitor     = "monitor"
	TypeListenOnly  = "listen-only"
	TypeLoadBalance = "load-balance"
	TypeQueue       = "queue"
	TypeModerate    = "moderate"
	TypeEcho        = "echo"
	TypeFilter      = "filter"
	TypeScheduled   = "scheduled"
	TypeForward     = "forward"
	TypeBroadcast   = "broadcast"
	TypeSmartRoute  = "smart-route"
)

// ErrHandlerNotFound is returned by lookups for an unregistered policy type.
var ErrHandlerNotFound = errors.New("policy handler not found")

// Binding selects the policy governing traffic for one (channel, account)
// pair of an agent. Bindings are read-only during evaluation; the config
// layer replaces the whole list on reload.
type Binding struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
	AccountID string `json:"accountId"`
	Enabled   *bool  `json:"enabled,omitempty"`  // nil = enabled
	Priority  int    `json:"priority,omitempty"` // higher wins
	Policy    *Spec  `json:"policy"`
}

// IsEnabled returns whether the binding takes part in resolution (default true).
func (b *Binding) IsEnabled() bool {
	return b.Enabled == nil || *b.Enabled
}

// Spec is the policy reference of a binding. Config stays raw until the
// handler owning Type decodes it into its typed config struct.
type Spec struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// ProcessContext is the per-message input of a handler. It is built fresh
// for every evaluation and never shared.
type ProcessContext struct {
	Message   *bus.MessageContext
	AgentID   string
	ChannelID string
	AccountID string
	Binding   *Binding
	Gateway   map[string]any // opaque host context, passed through untouched
}

// Result is a handler verdict.
//
// Allow=false without AutoReply or RouteTo drops the message silently.
// When TransformedMessage is set, downstream processing must use it in place
// of the original message.
type Result struct {
	Allow              bool                `json:"allow"`
	Reason             string              `json:"reason,omitempty"`
	AutoReply          string              `json:"autoReply,omitempty"`
	TransformedMessage *bus.MessageContext `json:"transformedMessage,omitempty"`
	RouteTo            []bus.RouteTarget   `json:"routeTo,omitempty"`
	Metadata           map[string]any      `json:"metadata,omitempty"`
}

// NeedsDispatch reports whether the verdict carries anything to deliver.
func (r *Result) NeedsDispatch() bool {
	return !r.Allow && (r.AutoReply != "" || len(r.RouteTo) > 0)
}

// ValidationResult lists human-readable configuration errors.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

func validationOf(errs []string) ValidationResult {
	if len(errs) == 0 {
		return ValidationResult{Valid: true}
	}
	return ValidationResult{Valid: false, Errors: errs}
}

// Handler implements one policy type.
type Handler interface {
	// Type returns the policy type identifier the handler serves.
	Type() string

	// Process decides the fate of one message. A returned error is turned
	// into a deny verdict by the resolver.
	Process(ctx context.Context, pc *ProcessContext) (*Result, error)

	// Validate checks a raw policy config. It never panics.
	Validate(config json.RawMessage) ValidationResult
}

// Resetter is implemented by handlers that keep in-process counters.
type Resetter interface {
	Reset()
}

// Releaser is implemented by handlers that hold a slot per admitted message
// until the agent is done with it.
type Releaser interface {
	Release(bindingID, messageID string) bool
}

func allow(reason string) *Result {
	return &Result{Allow: true, Reason: reason}
}

func deny(reason string) *Result {
	return &Result{Allow: false, Reason: reason}
}

const outboundExempt = "outbound message exempt from policy"
