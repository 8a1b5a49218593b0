package policy

import (
	"context"
	"encoding/json"
	"strings"
)

// EchoConfig replies to every inbound message with its own content.
// With PassThrough the message also continues to the agent.
type EchoConfig struct {
	Prefix        string `json:"prefix,omitempty"`
	Suffix        string `json:"suffix,omitempty"`
	IncludeSender bool   `json:"includeSender,omitempty"`
	PassThrough   bool   `json:"passThrough,omitempty"`
}

type EchoHandler struct{}

func NewEchoHandler() *EchoHandler { return &EchoHandler{} }

func (h *EchoHandler) Type() string { return TypeEcho }

func (h *EchoHandler) Validate(raw json.RawMessage) ValidationResult {
	return validateConfig(raw, func(*EchoConfig) []string { return nil })
}

func (h *EchoHandler) Process(_ context.Context, pc *ProcessContext) (*Result, error) {
	msg := pc.Message
	if msg.IsOutbound() {
		return allow(outboundExempt), nil
	}
	cfg, err := decodeConfig[EchoConfig](pc.Binding.Policy.Config)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(msg.Content) == "" {
		return allow("nothing to echo"), nil
	}

	var sb strings.Builder
	sb.WriteString(cfg.Prefix)
	if cfg.IncludeSender {
		sb.WriteString(msg.From)
		sb.WriteString(": ")
	}
	sb.WriteString(msg.Content)
	sb.WriteString(cfg.Suffix)

	return &Result{
		Allow:     cfg.PassThrough,
		Reason:    "echoed",
		AutoReply: sb.String(),
	}, nil
}
