package policy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/chanbind/internal/bus"
)

var testNow = time.Date(2024, 3, 4, 10, 30, 0, 0, time.UTC) // Monday

func inbound(from, content string) *bus.MessageContext {
	return &bus.MessageContext{
		MessageID: "m-" + from,
		ChannelID: "feishu",
		AccountID: "default",
		From:      from,
		Content:   content,
		Type:      "text",
	}
}

func outbound(to, content string) *bus.MessageContext {
	return &bus.MessageContext{
		MessageID: "out-1",
		ChannelID: "feishu",
		AccountID: "default",
		To:        to,
		Content:   content,
		Type:      "text",
	}
}

func binding(id, typ, config string) *Binding {
	b := &Binding{ID: id, ChannelID: "feishu", AccountID: "default", Policy: &Spec{Type: typ}}
	if config != "" {
		b.Policy.Config = json.RawMessage(config)
	}
	return b
}

func pcFor(b *Binding, msg *bus.MessageContext) *ProcessContext {
	return &ProcessContext{
		Message:   msg,
		AgentID:   "agent-1",
		ChannelID: msg.ChannelID,
		AccountID: msg.AccountID,
		Binding:   b,
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// stubHandler is a configurable Handler for registry and resolver tests.
type stubHandler struct {
	typ     string
	process func(ctx context.Context, pc *ProcessContext) (*Result, error)
}

func (h *stubHandler) Type() string { return h.typ }

func (h *stubHandler) Process(ctx context.Context, pc *ProcessContext) (*Result, error) {
	if h.process == nil {
		return allow("stub"), nil
	}
	return h.process(ctx, pc)
}

func (h *stubHandler) Validate(json.RawMessage) ValidationResult { return ValidationResult{Valid: true} }
