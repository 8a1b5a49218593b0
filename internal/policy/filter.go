package policy

import (
	"context"
	"encoding/json"
	"fmt"
)

// Filter modes.
const (
	ModeBlacklist = "blacklist"
	ModeWhitelist = "whitelist"
)

// FilterConfig matches messages by keyword, pattern, sender or message type.
// A blacklist denies any match; a whitelist admits only matches.
type FilterConfig struct {
	Mode          string   `json:"mode,omitempty"` // default blacklist
	Keywords      []string `json:"keywords,omitempty"`
	Patterns      []string `json:"patterns,omitempty"`
	Users         []string `json:"users,omitempty"`
	MessageTypes  []string `json:"messageTypes,omitempty"`
	CaseSensitive bool     `json:"caseSensitive,omitempty"`
	RejectReply   string   `json:"rejectReply,omitempty"`
}

type FilterHandler struct {
	patterns regexpCache
}

func NewFilterHandler() *FilterHandler { return &FilterHandler{} }

func (h *FilterHandler) Type() string { return TypeFilter }

func (h *FilterHandler) Validate(raw json.RawMessage) ValidationResult {
	return validateConfig(raw, func(c *FilterConfig) []string {
		var errs []string
		if len(c.Keywords)+len(c.Patterns)+len(c.Users)+len(c.MessageTypes) == 0 {
			errs = append(errs, "at least one of keywords, patterns, users, messageTypes is required")
		}
		errs = append(errs, checkEnum("mode", c.Mode, ModeBlacklist, ModeWhitelist)...)
		errs = append(errs, checkStrings("keywords", c.Keywords)...)
		errs = append(errs, checkPatterns("patterns", c.Patterns)...)
		errs = append(errs, checkStrings("users", c.Users)...)
		return append(errs, checkStrings("messageTypes", c.MessageTypes)...)
	})
}

func (h *FilterHandler) Process(_ context.Context, pc *ProcessContext) (*Result, error) {
	if pc.Message.IsOutbound() {
		return allow(outboundExempt), nil
	}
	cfg, err := decodeConfig[FilterConfig](pc.Binding.Policy.Config)
	if err != nil {
		return nil, err
	}

	what, matched, err := h.match(cfg, pc)
	if err != nil {
		return nil, err
	}

	if cfg.Mode == ModeWhitelist {
		if matched {
			return allow("whitelist match: " + what), nil
		}
		return &Result{Allow: false, Reason: "no whitelist match", AutoReply: cfg.RejectReply}, nil
	}
	if matched {
		return &Result{Allow: false, Reason: "blacklist match: " + what, AutoReply: cfg.RejectReply}, nil
	}
	return allow("no blacklist match"), nil
}

// match reports the first criterion the message satisfies.
func (h *FilterHandler) match(cfg *FilterConfig, pc *ProcessContext) (string, bool, error) {
	msg := pc.Message
	if containsString(cfg.Users, msg.From) {
		return "user " + msg.From, true, nil
	}
	if containsString(cfg.MessageTypes, msg.Type) {
		return "type " + msg.Type, true, nil
	}
	if kw, ok := matchKeywords(msg.Content, cfg.Keywords, cfg.CaseSensitive); ok {
		return "keyword " + kw, true, nil
	}
	for _, p := range cfg.Patterns {
		expr := p
		if !cfg.CaseSensitive {
			expr = "(?i)" + p
		}
		re, err := h.patterns.compile(expr)
		if err != nil {
			return "", false, fmt.Errorf("patterns: %w", err)
		}
		if re.MatchString(msg.Content) {
			return "pattern " + p, true, nil
		}
	}
	return "", false, nil
}
