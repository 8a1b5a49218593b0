package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/nextlevelbuilder/chanbind/internal/bus"
)

// Load-balance strategies.
const (
	StrategyRoundRobin = "round-robin"
	StrategyRandom     = "random"
	StrategySticky     = "sticky"
)

// LoadBalanceTarget is a route target with a relative weight (default 1).
type LoadBalanceTarget struct {
	bus.RouteTarget
	Weight int `json:"weight,omitempty"`
}

func (t LoadBalanceTarget) weight() int {
	if t.Weight <= 0 {
		return 1
	}
	return t.Weight
}

// LoadBalanceConfig spreads inbound messages across several targets.
type LoadBalanceConfig struct {
	Targets  []LoadBalanceTarget `json:"targets"`
	Strategy string              `json:"strategy,omitempty"` // default round-robin
}

// LoadBalanceHandler routes each inbound message to exactly one target.
// Round-robin cursors are kept per binding.
type LoadBalanceHandler struct {
	intn func(n int) int

	mu      sync.Mutex
	cursors map[string]uint64
}

func NewLoadBalanceHandler(intn func(n int) int) *LoadBalanceHandler {
	if intn == nil {
		intn = rand.IntN
	}
	return &LoadBalanceHandler{intn: intn, cursors: make(map[string]uint64)}
}

func (h *LoadBalanceHandler) Type() string { return TypeLoadBalance }

func (h *LoadBalanceHandler) Validate(raw json.RawMessage) ValidationResult {
	return validateConfig(raw, func(c *LoadBalanceConfig) []string {
		if c.Targets == nil {
			return []string{"targets is required"}
		}
		if len(c.Targets) == 0 {
			return []string{"targets must not be empty"}
		}
		var errs []string
		for i, t := range c.Targets {
			field := fmt.Sprintf("targets[%d]", i)
			errs = append(errs, checkTarget(field, &t.RouteTarget)...)
			errs = append(errs, checkNonNegative(field+".weight", t.Weight)...)
		}
		return append(errs, checkEnum("strategy", c.Strategy, StrategyRoundRobin, StrategyRandom, StrategySticky)...)
	})
}

func (h *LoadBalanceHandler) Process(_ context.Context, pc *ProcessContext) (*Result, error) {
	if pc.Message.IsOutbound() {
		return allow(outboundExempt), nil
	}
	cfg, err := decodeConfig[LoadBalanceConfig](pc.Binding.Policy.Config)
	if err != nil {
		return nil, err
	}
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("targets must not be empty")
	}

	total := 0
	for _, t := range cfg.Targets {
		total += t.weight()
	}

	strategy := cfg.Strategy
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	var slot int
	switch strategy {
	case StrategyRandom:
		slot = h.intn(total)
	case StrategySticky:
		slot = int(xxhash.Sum64String(pc.Message.From) % uint64(total))
	case StrategyRoundRobin:
		slot = h.next(pc.Binding.ID, total)
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}

	idx := pickWeighted(cfg.Targets, slot)
	target := cfg.Targets[idx].RouteTarget
	return &Result{
		Allow:   false,
		Reason:  "load-balanced to " + target.String(),
		RouteTo: []bus.RouteTarget{target},
		Metadata: map[string]any{
			"strategy":    strategy,
			"targetIndex": idx,
		},
	}, nil
}

func (h *LoadBalanceHandler) next(bindingID string, total int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	c := h.cursors[bindingID]
	h.cursors[bindingID] = c + 1
	return int(c % uint64(total))
}

// pickWeighted maps a slot in [0, sum of weights) to a target index.
func pickWeighted(targets []LoadBalanceTarget, slot int) int {
	for i, t := range targets {
		if slot < t.weight() {
			return i
		}
		slot -= t.weight()
	}
	return len(targets) - 1
}

// Reset rewinds every round-robin cursor.
func (h *LoadBalanceHandler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cursors = make(map[string]uint64)
}
