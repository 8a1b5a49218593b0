package store

import (
	"context"
	"time"
)

// Decision store backends.
const (
	ModeNone     = "none"
	ModeFile     = "file"
	ModeSQLite   = "sqlite"
	ModePostgres = "postgres"
)

// StoreConfig selects and locates the decision store backend.
type StoreConfig struct {
	Mode        string // "none", "file", "sqlite" or "postgres"
	Path        string // JSONL file or SQLite database path
	PostgresDSN string // managed mode only, from environment
}

// DecisionRecord is the audit row written for one policy evaluation.
type DecisionRecord struct {
	ID         string    `json:"id"`
	Time       time.Time `json:"time"`
	AgentID    string    `json:"agentId,omitempty"`
	BindingID  string    `json:"bindingId,omitempty"`
	PolicyType string    `json:"policyType,omitempty"`
	ChannelID  string    `json:"channelId"`
	AccountID  string    `json:"accountId"`
	MessageID  string    `json:"messageId,omitempty"`
	From       string    `json:"from,omitempty"`
	Allow      bool      `json:"allow"`
	Reason     string    `json:"reason,omitempty"`
	Targets    []string  `json:"targets,omitempty"` // dispatched targets, "channel:account[:to]"
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
}

// DecisionStore persists decision records.
type DecisionStore interface {
	// Record appends one decision.
	Record(ctx context.Context, rec *DecisionRecord) error

	// Recent returns up to limit decisions, newest first.
	Recent(ctx context.Context, limit int) ([]DecisionRecord, error)

	Close() error
}
