package bus

import "time"

// MessageContext is the envelope for a message crossing the policy engine,
// in either direction. Channel adapters populate it from vendor events.
// An empty From marks an outbound (agent-originated) message.
type MessageContext struct {
	MessageID   string            `json:"messageId"`
	ChannelID   string            `json:"channelId"`
	AccountID   string            `json:"accountId"`
	From        string            `json:"from,omitempty"`
	To          string            `json:"to,omitempty"`
	Content     string            `json:"content"`
	Type        string            `json:"type"` // "text", "image", "file", "card", ...
	Attachments []MediaAttachment `json:"attachments,omitempty"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// IsOutbound reports whether the message was produced by the agent.
func (m *MessageContext) IsOutbound() bool { return m.From == "" }

// Clone returns a copy whose attachments and metadata can be modified
// without touching the original.
func (m *MessageContext) Clone() *MessageContext {
	cp := *m
	if m.Attachments != nil {
		cp.Attachments = make([]MediaAttachment, len(m.Attachments))
		copy(cp.Attachments, m.Attachments)
	}
	cp.Metadata = make(map[string]any, len(m.Metadata)+4)
	for k, v := range m.Metadata {
		cp.Metadata[k] = v
	}
	return &cp
}

// MediaAttachment represents a media file carried by a message.
type MediaAttachment struct {
	URL         string `json:"url"`                    // file path or URL
	ContentType string `json:"content_type,omitempty"` // MIME type (e.g. "image/jpeg", "video/mp4")
	Name        string `json:"name,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// RouteTarget addresses one destination: a channel account and,
// optionally, a specific recipient within it.
type RouteTarget struct {
	ChannelID string `json:"channelId"`
	AccountID string `json:"accountId"`
	To        string `json:"to,omitempty"`
}

// String renders the target as "channel:account[:to]" for logs and audit rows.
func (t RouteTarget) String() string {
	s := t.ChannelID + ":" + t.AccountID
	if t.To != "" {
		s += ":" + t.To
	}
	return s
}

// Truncate shortens a string to maxLen runes, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
