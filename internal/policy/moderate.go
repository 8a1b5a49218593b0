package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"
)

// Moderate actions.
const (
	ActionBlock = "block"
	ActionMask  = "mask"
)

const (
	defaultBlockedReply = "Your message was blocked by the content policy."
	defaultReplacement  = "***"
)

// RateLimitConfig allows MaxMessages per sender within WindowMs.
type RateLimitConfig struct {
	MaxMessages int `json:"maxMessages"`
	WindowMs    int `json:"windowMs"`
}

// ModerateConfig screens inbound content. Rules run in order: rate limit,
// length, then blocked words and patterns.
type ModerateConfig struct {
	BlockedWords    []string         `json:"blockedWords,omitempty"`
	BlockedPatterns []string         `json:"blockedPatterns,omitempty"`
	MaxLength       int              `json:"maxLength,omitempty"`
	RateLimit       *RateLimitConfig `json:"rateLimit,omitempty"`
	Action          string           `json:"action,omitempty"` // "block" (default) or "mask"
	Replacement     string           `json:"replacement,omitempty"`
	BlockedReply    string           `json:"blockedReply,omitempty"`
}

func (c *ModerateConfig) reply() string {
	if c.BlockedReply == "" {
		return defaultBlockedReply
	}
	return c.BlockedReply
}

type ModerateHandler struct {
	now      func() time.Time
	limiter  *windowLimiter
	patterns regexpCache
}

func NewModerateHandler(now func() time.Time) *ModerateHandler {
	if now == nil {
		now = time.Now
	}
	return &ModerateHandler{now: now, limiter: newWindowLimiter()}
}

func (h *ModerateHandler) Type() string { return TypeModerate }

func (h *ModerateHandler) Validate(raw json.RawMessage) ValidationResult {
	return validateConfig(raw, func(c *ModerateConfig) []string {
		var errs []string
		if len(c.BlockedWords) == 0 && len(c.BlockedPatterns) == 0 && c.MaxLength == 0 && c.RateLimit == nil {
			errs = append(errs, "at least one of blockedWords, blockedPatterns, maxLength, rateLimit is required")
		}
		errs = append(errs, checkStrings("blockedWords", c.BlockedWords)...)
		errs = append(errs, checkPatterns("blockedPatterns", c.BlockedPatterns)...)
		errs = append(errs, checkNonNegative("maxLength", c.MaxLength)...)
		if rl := c.RateLimit; rl != nil {
			if rl.MaxMessages <= 0 {
				errs = append(errs, fmt.Sprintf("rateLimit.maxMessages must be > 0, got %d", rl.MaxMessages))
			}
			if rl.WindowMs <= 0 {
				errs = append(errs, fmt.Sprintf("rateLimit.windowMs must be > 0, got %d", rl.WindowMs))
			}
		}
		return append(errs, checkEnum("action", c.Action, ActionBlock, ActionMask)...)
	})
}

func (h *ModerateHandler) Process(_ context.Context, pc *ProcessContext) (*Result, error) {
	msg := pc.Message
	if msg.IsOutbound() {
		return allow(outboundExempt), nil
	}
	cfg, err := decodeConfig[ModerateConfig](pc.Binding.Policy.Config)
	if err != nil {
		return nil, err
	}

	if rl := cfg.RateLimit; rl != nil && rl.MaxMessages > 0 && rl.WindowMs > 0 {
		key := pc.Binding.ID + "\x00" + msg.From
		window := time.Duration(rl.WindowMs) * time.Millisecond
		if !h.limiter.allow(key, h.now(), window, rl.MaxMessages) {
			return &Result{Allow: false, Reason: "rate limit exceeded", AutoReply: cfg.reply()}, nil
		}
	}

	if cfg.MaxLength > 0 && utf8.RuneCountInString(msg.Content) > cfg.MaxLength {
		return &Result{
			Allow:     false,
			Reason:    fmt.Sprintf("message exceeds maxLength %d", cfg.MaxLength),
			AutoReply: cfg.reply(),
		}, nil
	}

	matchers, err := h.compile(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Action == ActionMask {
		masked := msg.Content
		replacement := cfg.Replacement
		if replacement == "" {
			replacement = defaultReplacement
		}
		for _, re := range matchers {
			masked = re.ReplaceAllLiteralString(masked, replacement)
		}
		if masked == msg.Content {
			return allow("content clean"), nil
		}
		out := msg.Clone()
		out.Content = masked
		out.Metadata["moderated"] = true
		return &Result{Allow: true, Reason: "content masked", TransformedMessage: out}, nil
	}

	for _, re := range matchers {
		if re.MatchString(msg.Content) {
			return &Result{
				Allow:     false,
				Reason:    "blocked content: " + re.String(),
				AutoReply: cfg.reply(),
			}, nil
		}
	}
	return allow("content clean"), nil
}

// compile turns blocked words (case-insensitive literals) and patterns into
// regular expressions.
func (h *ModerateHandler) compile(cfg *ModerateConfig) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(cfg.BlockedWords)+len(cfg.BlockedPatterns))
	for _, w := range cfg.BlockedWords {
		if w == "" {
			continue
		}
		re, err := h.patterns.compile("(?i)" + regexp.QuoteMeta(w))
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	for _, p := range cfg.BlockedPatterns {
		re, err := h.patterns.compile(p)
		if err != nil {
			return nil, fmt.Errorf("blockedPatterns: %w", err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Reset clears the rate-limit windows.
func (h *ModerateHandler) Reset() {
	h.limiter.reset()
}
