package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chanbind/internal/policy"
	"github.com/nextlevelbuilder/chanbind/internal/store"
)

const sampleConfig = `{
  // agents and their channel bindings
  agents: {
    support: {
      displayName: "Support bot",
      bindings: [
        {
          id: "feishu-private",
          channelId: "feishu",
          accountId: "default",
          priority: 10,
          policy: {type: "private", config: {allowedUsers: ["u1",], unauthorizedReply: 'not for you'}},
        },
      ],
    },
  },
  database: {mode: "sqlite", path: "/tmp/chanbind.db"},
  dispatch: {maxConcurrency: 4, sendTimeoutMs: 1500},
  channels: {"dingtalk:alerts": {sendPerMinute: 30, sendBurst: 2}},
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json5")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_JSON5(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{"support"}, cfg.AgentIDs())
	bindings := cfg.BindingsFor("support")
	require.Len(t, bindings, 1)
	b := bindings[0]
	assert.Equal(t, "feishu-private", b.ID)
	assert.Equal(t, 10, b.Priority)
	assert.True(t, b.IsEnabled())
	require.NotNil(t, b.Policy)
	assert.Equal(t, policy.TypePrivate, b.Policy.Type)
	assert.JSONEq(t, `{"allowedUsers":["u1"],"unauthorizedReply":"not for you"}`, string(b.Policy.Config))

	assert.Equal(t, store.ModeSQLite, cfg.Database.Mode)
	opts := cfg.Dispatch.Options()
	assert.Equal(t, 4, opts.MaxConcurrency)
	assert.Equal(t, 1500*time.Millisecond, opts.SendTimeout)

	assert.Nil(t, cfg.BindingsFor("nobody"))

	cc, ok := cfg.ChannelSettings("dingtalk:alerts")
	require.True(t, ok)
	assert.Equal(t, ChannelConfig{SendPerMinute: 30, SendBurst: 2}, cc)
	_, ok = cfg.ChannelSettings("dingtalk")
	assert.False(t, ok)
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Empty(t, cfg.AgentIDs())
	assert.Equal(t, store.ModeNone, cfg.Database.StoreConfig().Mode)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(writeConfig(t, `{agents: `))
	assert.ErrorContains(t, err, "parse config")

	_, err = Load(writeConfig(t, `{agents: []}`))
	assert.ErrorContains(t, err, "decode config")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CHANBIND_DB_MODE", "postgres")
	t.Setenv("CHANBIND_POSTGRES_DSN", "postgres://localhost/chanbind")
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	sc := cfg.Database.StoreConfig()
	assert.Equal(t, store.ModePostgres, sc.Mode)
	assert.Equal(t, "postgres://localhost/chanbind", sc.PostgresDSN)
}

func TestSave_OmitsDSNAndRoundTrips(t *testing.T) {
	t.Setenv("CHANBIND_POSTGRES_DSN", "postgres://secret")
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "nested", "saved.json")
	require.NoError(t, Save(out, cfg))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "secret")

	again, err := Load(out)
	require.NoError(t, err)
	assert.Equal(t, cfg.Hash(), again.Hash())
}

func TestHashAndReplaceFrom(t *testing.T) {
	a, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	b := Default()
	assert.NotEqual(t, a.Hash(), b.Hash())

	b.ReplaceFrom(a)
	assert.Equal(t, a.Hash(), b.Hash())
	assert.Len(t, b.AllBindings()["support"], 1)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	initial, err := Load(path)
	require.NoError(t, err)

	changes := make(chan *Config, 4)
	w := NewWatcher(path, initial, func(c *Config) { changes <- c })
	w.Debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// let the watcher register before writing
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{agents: {other: {bindings: []}}}`), 0o600))

	select {
	case cfg := <-changes:
		assert.Equal(t, []string{"other"}, cfg.AgentIDs())
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	// an invalid file keeps the previous config
	require.NoError(t, os.WriteFile(path, []byte(`{agents: `), 0o600))
	select {
	case cfg := <-changes:
		t.Fatalf("unexpected reload: %v", cfg.AgentIDs())
	case <-time.After(200 * time.Millisecond):
	}
}
