package config

import (
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/chanbind/internal/dispatch"
	"github.com/nextlevelbuilder/chanbind/internal/policy"
	"github.com/nextlevelbuilder/chanbind/internal/store"
)

// Config is the root configuration of the chanbind gateway.
type Config struct {
	Agents   map[string]AgentConfig   `json:"agents"`
	Database DatabaseConfig           `json:"database,omitempty"`
	Dispatch DispatchConfig           `json:"dispatch,omitempty"`
	Channels map[string]ChannelConfig `json:"channels,omitempty"`
	mu       sync.RWMutex
}

// AgentConfig holds the channel bindings of one agent.
type AgentConfig struct {
	DisplayName string           `json:"displayName,omitempty"`
	Bindings    []policy.Binding `json:"bindings"`
}

// DatabaseConfig selects the decision store.
// PostgresDSN is NEVER read from config.json (secret), only from env CHANBIND_POSTGRES_DSN.
type DatabaseConfig struct {
	Mode        string `json:"mode,omitempty"` // "none" (default), "file", "sqlite" or "postgres"
	Path        string `json:"path,omitempty"` // JSONL file or SQLite database
	PostgresDSN string `json:"-"`
}

// StoreConfig converts the database section into the store factory input.
func (d DatabaseConfig) StoreConfig() store.StoreConfig {
	mode := d.Mode
	if mode == "" {
		mode = store.ModeNone
	}
	return store.StoreConfig{Mode: mode, Path: ExpandHome(d.Path), PostgresDSN: d.PostgresDSN}
}

// DispatchConfig tunes delivery of auto-replies and routed messages.
// Zero values fall back to dispatch.DefaultOptions.
type DispatchConfig struct {
	MaxConcurrency    int     `json:"maxConcurrency,omitempty"`
	SendTimeoutMs     int     `json:"sendTimeoutMs,omitempty"`
	InitialBackoffMs  int     `json:"initialBackoffMs,omitempty"`
	BackoffMultiplier float64 `json:"backoffMultiplier,omitempty"`
	MaxBackoffMs      int     `json:"maxBackoffMs,omitempty"`
}

// Options converts the section into dispatcher options.
func (d DispatchConfig) Options() dispatch.Options {
	return dispatch.Options{
		MaxConcurrency:    d.MaxConcurrency,
		SendTimeout:       time.Duration(d.SendTimeoutMs) * time.Millisecond,
		InitialBackoff:    time.Duration(d.InitialBackoffMs) * time.Millisecond,
		BackoffMultiplier: d.BackoffMultiplier,
		MaxBackoff:        time.Duration(d.MaxBackoffMs) * time.Millisecond,
	}
}

// ChannelConfig throttles outbound deliveries through one channel, keyed by
// channel name or "channel:account".
type ChannelConfig struct {
	SendPerMinute float64 `json:"sendPerMinute,omitempty"`
	SendBurst     int     `json:"sendBurst,omitempty"` // default 1
}

// ChannelSettings returns the settings for a registered channel name.
func (c *Config) ChannelSettings(name string) (ChannelConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cc, ok := c.Channels[name]
	return cc, ok
}

// AgentIDs returns the configured agent ids, sorted.
func (c *Config) AgentIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.Agents))
	for id := range c.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// BindingsFor returns a copy of the agent's bindings. Unknown agents have none.
func (c *Config) BindingsFor(agentID string) []policy.Binding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src := c.Agents[agentID].Bindings
	if len(src) == 0 {
		return nil
	}
	out := make([]policy.Binding, len(src))
	copy(out, src)
	return out
}

// AllBindings returns every agent's bindings keyed by agent id.
func (c *Config) AllBindings() map[string][]policy.Binding {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string][]policy.Binding, len(c.Agents))
	for id, a := range c.Agents {
		out[id] = append([]policy.Binding(nil), a.Bindings...)
	}
	return out
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	src.mu.RLock()
	agents, db, disp, chans := src.Agents, src.Database, src.Dispatch, src.Channels
	src.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Agents = agents
	c.Database = db
	c.Dispatch = disp
	c.Channels = chans
}
