package policy

import (
	"context"
	"encoding/json"
)

const defaultUnauthorizedReply = "Sorry, you are not authorized to talk to this assistant."

// PrivateConfig restricts a binding to an allow-list of senders.
type PrivateConfig struct {
	AllowedUsers      []string `json:"allowedUsers"`
	UnauthorizedReply string   `json:"unauthorizedReply,omitempty"`
}

// PrivateHandler admits inbound messages only from allowed senders.
type PrivateHandler struct{}

func NewPrivateHandler() *PrivateHandler { return &PrivateHandler{} }

func (h *PrivateHandler) Type() string { return TypePrivate }

func (h *PrivateHandler) Validate(raw json.RawMessage) ValidationResult {
	return validateConfig(raw, func(c *PrivateConfig) []string {
		return requireStrings("allowedUsers", c.AllowedUsers)
	})
}

func (h *PrivateHandler) Process(_ context.Context, pc *ProcessContext) (*Result, error) {
	if pc.Message.IsOutbound() {
		return allow(outboundExempt), nil
	}
	cfg, err := decodeConfig[PrivateConfig](pc.Binding.Policy.Config)
	if err != nil {
		return nil, err
	}
	if containsString(cfg.AllowedUsers, pc.Message.From) {
		return allow("sender is allowed"), nil
	}

	reply := cfg.UnauthorizedReply
	if reply == "" {
		reply = defaultUnauthorizedReply
	}
	return &Result{
		Allow:     false,
		Reason:    "sender " + pc.Message.From + " is not in allowedUsers",
		AutoReply: reply,
	}, nil
}
