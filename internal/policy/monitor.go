package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Monitor forward modes.
const (
	ForwardDrop    = "drop"
	ForwardRelabel = "relabel"
)

// MonitorConfig observes traffic on a set of channels.
type MonitorConfig struct {
	MonitorChannels []string `json:"monitorChannels"`
	LogPath         string   `json:"logPath,omitempty"`
	ForwardMode     string   `json:"forwardMode,omitempty"` // "drop" (default) or "relabel"
}

// MonitorLogEntry is one line of the monitor log.
type MonitorLogEntry struct {
	Timestamp string `json:"timestamp"`
	AgentID   string `json:"agentId,omitempty"`
	BindingID string `json:"bindingId"`
	ChannelID string `json:"channelId"`
	AccountID string `json:"accountId"`
	MessageID string `json:"messageId"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Type      string `json:"type,omitempty"`
	Content   string `json:"content"`
}

// MonitorHandler logs messages on monitored channels, then either drops them
// or relabels them with their origin and lets them through.
type MonitorHandler struct {
	openLog LogOpener
	now     func() time.Time

	mu    sync.Mutex
	sinks map[string]LogSink // by logPath
}

func NewMonitorHandler(openLog LogOpener, now func() time.Time) *MonitorHandler {
	if openLog == nil {
		openLog = openJSONL
	}
	if now == nil {
		now = time.Now
	}
	return &MonitorHandler{openLog: openLog, now: now, sinks: make(map[string]LogSink)}
}

func (h *MonitorHandler) Type() string { return TypeMonitor }

func (h *MonitorHandler) Validate(raw json.RawMessage) ValidationResult {
	return validateConfig(raw, func(c *MonitorConfig) []string {
		errs := requireStrings("monitorChannels", c.MonitorChannels)
		return append(errs, checkEnum("forwardMode", c.ForwardMode, ForwardDrop, ForwardRelabel)...)
	})
}

func (h *MonitorHandler) Process(_ context.Context, pc *ProcessContext) (*Result, error) {
	cfg, err := decodeConfig[MonitorConfig](pc.Binding.Policy.Config)
	if err != nil {
		return nil, err
	}
	if !containsString(cfg.MonitorChannels, pc.ChannelID) {
		return allow("channel not monitored"), nil
	}

	msg := pc.Message
	if cfg.LogPath != "" {
		h.record(cfg.LogPath, MonitorLogEntry{
			Timestamp: h.now().UTC().Format(isoMillis),
			AgentID:   pc.AgentID,
			BindingID: pc.Binding.ID,
			ChannelID: pc.ChannelID,
			AccountID: pc.AccountID,
			MessageID: msg.MessageID,
			From:      msg.From,
			To:        msg.To,
			Type:      msg.Type,
			Content:   msg.Content,
		})
	}

	if cfg.ForwardMode != ForwardRelabel {
		return deny("monitored message logged and dropped"), nil
	}

	relabeled := msg.Clone()
	relabeled.Content = fmt.Sprintf("[来自 %s:%s:%s]", pc.ChannelID, pc.AccountID, msg.From) + msg.Content
	relabeled.Metadata["monitorSource"] = msg.Content
	return &Result{
		Allow:              true,
		Reason:             "monitored message relabeled",
		TransformedMessage: relabeled,
	}, nil
}

// record appends entry to the sink for path. Failures are logged and the
// message is still processed.
func (h *MonitorHandler) record(path string, entry MonitorLogEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sink, ok := h.sinks[path]
	if !ok {
		var err error
		sink, err = h.openLog(path)
		if err != nil {
			slog.Warn("monitor: open log failed", "path", path, "error", err)
			return
		}
		h.sinks[path] = sink
	}
	if err := sink.Append(entry); err != nil {
		slog.Warn("monitor: append log failed", "path", path, "error", err)
	}
}

// Reset closes every open log sink.
func (h *MonitorHandler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for path, sink := range h.sinks {
		if err := sink.Close(); err != nil {
			slog.Warn("monitor: close log failed", "path", path, "error", err)
		}
	}
	h.sinks = make(map[string]LogSink)
}

// Close releases the log sinks.
func (h *MonitorHandler) Close() error {
	h.Reset()
	return nil
}
