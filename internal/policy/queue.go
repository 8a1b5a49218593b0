package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	defaultQueueTimeout = 60 * time.Second
	defaultBusyReply    = "The assistant is busy right now, please try again in a moment."
)

// QueueConfig bounds the number of in-flight messages per binding.
type QueueConfig struct {
	MaxSize   *int   `json:"maxSize"`
	TimeoutMs int    `json:"timeoutMs,omitempty"` // default 60000
	BusyReply string `json:"busyReply,omitempty"`
}

func (c *QueueConfig) timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return defaultQueueTimeout
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

var _ Releaser = (*QueueHandler)(nil)

type queueEntry struct {
	messageID string
	enqueued  time.Time
}

// QueueHandler admits messages while the binding backlog has room. Entries
// leave the backlog through Release or when they outlive timeoutMs.
type QueueHandler struct {
	now func() time.Time

	mu      sync.Mutex
	backlog map[string][]queueEntry // by binding ID
}

func NewQueueHandler(now func() time.Time) *QueueHandler {
	if now == nil {
		now = time.Now
	}
	return &QueueHandler{now: now, backlog: make(map[string][]queueEntry)}
}

func (h *QueueHandler) Type() string { return TypeQueue }

func (h *QueueHandler) Validate(raw json.RawMessage) ValidationResult {
	return validateConfig(raw, func(c *QueueConfig) []string {
		var errs []string
		switch {
		case c.MaxSize == nil:
			errs = append(errs, "maxSize is required")
		case *c.MaxSize <= 0:
			errs = append(errs, fmt.Sprintf("maxSize must be > 0, got %d", *c.MaxSize))
		}
		return append(errs, checkNonNegative("timeoutMs", c.TimeoutMs)...)
	})
}

func (h *QueueHandler) Process(_ context.Context, pc *ProcessContext) (*Result, error) {
	if pc.Message.IsOutbound() {
		return allow(outboundExempt), nil
	}
	cfg, err := decodeConfig[QueueConfig](pc.Binding.Policy.Config)
	if err != nil {
		return nil, err
	}
	if cfg.MaxSize == nil || *cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be > 0")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	id := pc.Binding.ID
	entries := pruneExpired(h.backlog[id], now, cfg.timeout())

	if len(entries) >= *cfg.MaxSize {
		h.backlog[id] = entries
		reply := cfg.BusyReply
		if reply == "" {
			reply = defaultBusyReply
		}
		return &Result{
			Allow:     false,
			Reason:    "queue full",
			AutoReply: reply,
			Metadata:  map[string]any{"queueDepth": len(entries)},
		}, nil
	}

	entries = append(entries, queueEntry{messageID: pc.Message.MessageID, enqueued: now})
	h.backlog[id] = entries
	return &Result{
		Allow:  true,
		Reason: "queued",
		Metadata: map[string]any{
			"queuePosition": len(entries),
			"queueDepth":    len(entries),
		},
	}, nil
}

func pruneExpired(entries []queueEntry, now time.Time, timeout time.Duration) []queueEntry {
	kept := entries[:0]
	for _, e := range entries {
		if now.Sub(e.enqueued) < timeout {
			kept = append(kept, e)
		}
	}
	return kept
}

// Release removes a message from a binding's backlog once the agent is done
// with it. Returns false if the message was not queued.
func (h *QueueHandler) Release(bindingID, messageID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.backlog[bindingID]
	for i, e := range entries {
		if e.messageID == messageID {
			h.backlog[bindingID] = append(entries[:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// Depth returns the number of messages held for a binding, expired entries
// included until the next Process call prunes them.
func (h *QueueHandler) Depth(bindingID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.backlog[bindingID])
}

func (h *QueueHandler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.backlog = make(map[string][]queueEntry)
}
