package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/chanbind/internal/bus"
)

// SmartRouteRule routes a message when every criterion it sets matches.
type SmartRouteRule struct {
	Name         string           `json:"name,omitempty"`
	Keywords     []string         `json:"keywords,omitempty"`
	Pattern      string           `json:"pattern,omitempty"`
	Users        []string         `json:"users,omitempty"`
	MessageTypes []string         `json:"messageTypes,omitempty"`
	Target       *bus.RouteTarget `json:"target"`
}

func (r *SmartRouteRule) hasCriteria() bool {
	return len(r.Keywords) > 0 || r.Pattern != "" || len(r.Users) > 0 || len(r.MessageTypes) > 0
}

// SmartRouteConfig picks a target by content and sender. Rules are tried in
// order; the first match wins, then DefaultTarget, otherwise the message
// passes through.
type SmartRouteConfig struct {
	Rules         []SmartRouteRule `json:"rules,omitempty"`
	DefaultTarget *bus.RouteTarget `json:"defaultTarget,omitempty"`
	NotifyReply   string           `json:"notifyReply,omitempty"`
}

type SmartRouteHandler struct {
	patterns regexpCache
}

func NewSmartRouteHandler() *SmartRouteHandler { return &SmartRouteHandler{} }

func (h *SmartRouteHandler) Type() string { return TypeSmartRoute }

func (h *SmartRouteHandler) Validate(raw json.RawMessage) ValidationResult {
	return validateConfig(raw, func(c *SmartRouteConfig) []string {
		var errs []string
		if len(c.Rules) == 0 && c.DefaultTarget == nil {
			errs = append(errs, "rules or defaultTarget is required")
		}
		for i := range c.Rules {
			r := &c.Rules[i]
			field := fmt.Sprintf("rules[%d]", i)
			if !r.hasCriteria() {
				errs = append(errs, field+" needs at least one of keywords, pattern, users, messageTypes")
			}
			if r.Pattern != "" {
				errs = append(errs, checkPatterns(field+".pattern", []string{r.Pattern})...)
			}
			errs = append(errs, checkTarget(field+".target", r.Target)...)
		}
		if c.DefaultTarget != nil {
			errs = append(errs, checkTarget("defaultTarget", c.DefaultTarget)...)
		}
		return errs
	})
}

func (h *SmartRouteHandler) Process(_ context.Context, pc *ProcessContext) (*Result, error) {
	if pc.Message.IsOutbound() {
		return allow(outboundExempt), nil
	}
	cfg, err := decodeConfig[SmartRouteConfig](pc.Binding.Policy.Config)
	if err != nil {
		return nil, err
	}

	for i := range cfg.Rules {
		rule := &cfg.Rules[i]
		if rule.Target == nil || !rule.hasCriteria() {
			continue
		}
		ok, err := h.matches(rule, pc.Message)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		if !ok {
			continue
		}
		name := rule.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		return h.route(cfg, *rule.Target, "routed by rule "+name, name), nil
	}

	if cfg.DefaultTarget != nil {
		return h.route(cfg, *cfg.DefaultTarget, "routed to default target", ""), nil
	}
	return allow("no route matched"), nil
}

func (h *SmartRouteHandler) matches(rule *SmartRouteRule, msg *bus.MessageContext) (bool, error) {
	if len(rule.Users) > 0 && !containsString(rule.Users, msg.From) {
		return false, nil
	}
	if len(rule.MessageTypes) > 0 && !containsString(rule.MessageTypes, msg.Type) {
		return false, nil
	}
	if len(rule.Keywords) > 0 {
		if _, ok := matchKeywords(msg.Content, rule.Keywords, false); !ok {
			return false, nil
		}
	}
	if rule.Pattern != "" {
		re, err := h.patterns.compile(rule.Pattern)
		if err != nil {
			return false, err
		}
		if !re.MatchString(msg.Content) {
			return false, nil
		}
	}
	return true, nil
}

func (h *SmartRouteHandler) route(cfg *SmartRouteConfig, target bus.RouteTarget, reason, rule string) *Result {
	res := &Result{
		Allow:     false,
		Reason:    reason,
		AutoReply: cfg.NotifyReply,
		RouteTo:   []bus.RouteTarget{target},
	}
	if rule != "" {
		res.Metadata = map[string]any{"rule": rule}
	}
	return res
}
