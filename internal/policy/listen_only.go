package policy

import (
	"context"
	"encoding/json"
)

// ListenOnlyConfig lets the agent read a channel without speaking on it,
// except to the recipients listed in AllowReplyTo.
type ListenOnlyConfig struct {
	AllowReplyTo []string `json:"allowReplyTo,omitempty"`
}

type ListenOnlyHandler struct{}

func NewListenOnlyHandler() *ListenOnlyHandler { return &ListenOnlyHandler{} }

func (h *ListenOnlyHandler) Type() string { return TypeListenOnly }

func (h *ListenOnlyHandler) Validate(raw json.RawMessage) ValidationResult {
	return validateConfig(raw, func(c *ListenOnlyConfig) []string {
		return checkStrings("allowReplyTo", c.AllowReplyTo)
	})
}

func (h *ListenOnlyHandler) Process(_ context.Context, pc *ProcessContext) (*Result, error) {
	cfg, err := decodeConfig[ListenOnlyConfig](pc.Binding.Policy.Config)
	if err != nil {
		return nil, err
	}
	if !pc.Message.IsOutbound() {
		return &Result{
			Allow:    true,
			Reason:   "listen-only: inbound message accepted",
			Metadata: map[string]any{"listenOnly": true},
		}, nil
	}
	if pc.Message.To != "" && containsString(cfg.AllowReplyTo, pc.Message.To) {
		return allow("listen-only: reply target allowed"), nil
	}
	return deny("listen-only: outbound messages are blocked"), nil
}
