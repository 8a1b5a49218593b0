package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/chanbind/internal/bus"
)

// BroadcastConfig fans every message out to a fixed set of targets.
type BroadcastConfig struct {
	TargetChannels []bus.RouteTarget `json:"targetChannels"`
	Concurrent     *bool             `json:"concurrent,omitempty"` // default true
	IntervalMs     int               `json:"intervalMs,omitempty"`
	RetryCount     int               `json:"retryCount,omitempty"`
	TagMessage     *bool             `json:"tagMessage,omitempty"` // default true
}

// BroadcastHandler never lets a message through: it is consumed by the
// fan-out. Outbound messages are broadcast as well.
type BroadcastHandler struct {
	now func() time.Time
}

func NewBroadcastHandler(now func() time.Time) *BroadcastHandler {
	if now == nil {
		now = time.Now
	}
	return &BroadcastHandler{now: now}
}

func (h *BroadcastHandler) Type() string { return TypeBroadcast }

func (h *BroadcastHandler) Validate(raw json.RawMessage) ValidationResult {
	return validateConfig(raw, func(c *BroadcastConfig) []string {
		errs := checkTargets("targetChannels", c.TargetChannels)
		errs = append(errs, checkNonNegative("intervalMs", c.IntervalMs)...)
		return append(errs, checkNonNegative("retryCount", c.RetryCount)...)
	})
}

func (h *BroadcastHandler) Process(_ context.Context, pc *ProcessContext) (*Result, error) {
	cfg, err := decodeConfig[BroadcastConfig](pc.Binding.Policy.Config)
	if err != nil {
		return nil, err
	}
	if len(cfg.TargetChannels) == 0 {
		return nil, fmt.Errorf("targetChannels must not be empty")
	}

	concurrent := cfg.Concurrent == nil || *cfg.Concurrent
	routeTo := make([]bus.RouteTarget, len(cfg.TargetChannels))
	copy(routeTo, cfg.TargetChannels)

	res := &Result{
		Allow:   false,
		Reason:  "broadcasted",
		RouteTo: routeTo,
		Metadata: map[string]any{
			"concurrent":   concurrent,
			"intervalMs":   cfg.IntervalMs,
			"retryCount":   cfg.RetryCount,
			"totalTargets": len(routeTo),
		},
	}

	if cfg.TagMessage == nil || *cfg.TagMessage {
		tagged := pc.Message.Clone()
		tagged.Metadata["broadcasted"] = true
		tagged.Metadata["originalChannel"] = pc.ChannelID
		tagged.Metadata["originalAccount"] = pc.AccountID
		tagged.Metadata["broadcastTime"] = h.now().UTC().Format(isoMillis)
		res.TransformedMessage = tagged
	}
	return res, nil
}
