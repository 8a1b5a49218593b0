package policy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nextlevelbuilder/chanbind/internal/bus"
)

// ForwardConfig hands matching inbound messages to another channel account.
// With neither Users nor Keywords set, every inbound message is forwarded.
type ForwardConfig struct {
	Target      *bus.RouteTarget `json:"target"`
	Users       []string         `json:"users,omitempty"`
	Keywords    []string         `json:"keywords,omitempty"`
	Prefix      string           `json:"prefix,omitempty"`
	NotifyReply string           `json:"notifyReply,omitempty"`
	RetryCount  int              `json:"retryCount,omitempty"`
}

type ForwardHandler struct{}

func NewForwardHandler() *ForwardHandler { return &ForwardHandler{} }

func (h *ForwardHandler) Type() string { return TypeForward }

func (h *ForwardHandler) Validate(raw json.RawMessage) ValidationResult {
	return validateConfig(raw, func(c *ForwardConfig) []string {
		errs := checkTarget("target", c.Target)
		errs = append(errs, checkStrings("users", c.Users)...)
		errs = append(errs, checkStrings("keywords", c.Keywords)...)
		return append(errs, checkNonNegative("retryCount", c.RetryCount)...)
	})
}

func (h *ForwardHandler) Process(_ context.Context, pc *ProcessContext) (*Result, error) {
	msg := pc.Message
	if msg.IsOutbound() {
		return allow(outboundExempt), nil
	}
	cfg, err := decodeConfig[ForwardConfig](pc.Binding.Policy.Config)
	if err != nil {
		return nil, err
	}
	if cfg.Target == nil {
		return nil, fmt.Errorf("target is required")
	}

	if len(cfg.Users) > 0 && !containsString(cfg.Users, msg.From) {
		return allow("sender not forwarded"), nil
	}
	if len(cfg.Keywords) > 0 {
		if _, ok := matchKeywords(msg.Content, cfg.Keywords, false); !ok {
			return allow("no forward keyword matched"), nil
		}
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = fmt.Sprintf("[Forwarded from %s:%s:%s] ", pc.ChannelID, pc.AccountID, msg.From)
	}
	out := msg.Clone()
	out.Content = prefix + msg.Content
	out.Metadata["forwardedFrom"] = bus.RouteTarget{ChannelID: pc.ChannelID, AccountID: pc.AccountID, To: msg.From}.String()

	return &Result{
		Allow:              false,
		Reason:             "forwarded to " + cfg.Target.String(),
		AutoReply:          cfg.NotifyReply,
		TransformedMessage: out,
		RouteTo:            []bus.RouteTarget{*cfg.Target},
		Metadata:           map[string]any{"retryCount": cfg.RetryCount},
	}, nil
}
