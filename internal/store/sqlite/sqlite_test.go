package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chanbind/internal/store"
)

func TestDecisionStore_RecordAndRecent(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	base := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	recs := []*store.DecisionRecord{
		{ID: "1", Time: base, ChannelID: "feishu", AccountID: "default", Allow: true, Reason: "No matching channel binding found"},
		{ID: "2", Time: base.Add(500 * time.Millisecond), BindingID: "bc", PolicyType: "broadcast", ChannelID: "feishu", AccountID: "default",
			Reason: "broadcasted", Targets: []string{"a:1", "b:1"}, Succeeded: 1, Failed: 1},
		{ID: "3", Time: base.Add(2 * time.Second), AgentID: "ag", ChannelID: "wecom", AccountID: "x", From: "u1", MessageID: "m9"},
	}
	for _, r := range recs {
		require.NoError(t, s.Record(t.Context(), r))
	}

	got, err := s.Recent(t.Context(), 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"3", "2", "1"}, []string{got[0].ID, got[1].ID, got[2].ID})

	bc := got[1]
	assert.Equal(t, []string{"a:1", "b:1"}, bc.Targets)
	assert.Equal(t, 1, bc.Failed)
	assert.False(t, bc.Allow)
	assert.True(t, bc.Time.Equal(recs[1].Time))
	assert.True(t, got[2].Allow)
	assert.Nil(t, got[2].Targets)
	assert.Equal(t, "u1", got[0].From)

	top, err := s.Recent(t.Context(), 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "3", top[0].ID)
}

func TestDecisionStore_DuplicateID(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	rec := &store.DecisionRecord{ID: "dup", Time: time.Now(), ChannelID: "c", AccountID: "a"}
	require.NoError(t, s.Record(t.Context(), rec))
	assert.Error(t, s.Record(t.Context(), rec))
}

func TestOpen_MigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "chanbind.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Record(t.Context(), &store.DecisionRecord{ID: "keep", Time: time.Now(), ChannelID: "c", AccountID: "a"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	var versions int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&versions))
	assert.Equal(t, len(migrations), versions)

	got, err := s.Recent(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "keep", got[0].ID)
}
