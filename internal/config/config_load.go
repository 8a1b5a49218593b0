package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/chanbind/internal/store"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: map[string]AgentConfig{},
		Database: DatabaseConfig{
			Mode: store.ModeNone,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := Parse(data, cfg); err != nil {
		return nil, err
	}
	if cfg.Agents == nil {
		cfg.Agents = map[string]AgentConfig{}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Parse decodes JSON5 data into cfg. Policy configs are kept as raw JSON
// and decoded later by their handlers, so the document is normalized to
// strict JSON first.
func Parse(data []byte, cfg *Config) error {
	var doc any
	if err := json5.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	normalized, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize config: %w", err)
	}
	if err := json.Unmarshal(normalized, cfg); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("CHANBIND_DB_MODE", &c.Database.Mode)
	envStr("CHANBIND_DB_PATH", &c.Database.Path)
	envStr("CHANBIND_POSTGRES_DSN", &c.Database.PostgresDSN)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the config.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a SHA-256 hash of the config, used to skip no-op reloads.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
