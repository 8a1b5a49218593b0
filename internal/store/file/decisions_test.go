package file

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chanbind/internal/store"
)

func decision(id string, at time.Time) *store.DecisionRecord {
	return &store.DecisionRecord{
		ID:        id,
		Time:      at,
		BindingID: "b1",
		ChannelID: "feishu",
		AccountID: "default",
		Allow:     false,
		Reason:    "denied",
		Targets:   []string{"wecom:support"},
		Succeeded: 1,
	}
}

func TestDecisionStore_RecentNewestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "decisions.jsonl")
	s, err := NewDecisionStore(path)
	require.NoError(t, err)
	defer s.Close()

	base := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Record(t.Context(), decision(id, base.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, s.Record(t.Context(), nil))

	got, err := s.Recent(t.Context(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.True(t, got[0].Time.Equal(base.Add(2*time.Second)))
	assert.Equal(t, []string{"wecom:support"}, got[0].Targets)

	all, err := s.Recent(t.Context(), 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestDecisionStore_SkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "decisions.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json}\n\n"), 0o644))

	s, err := NewDecisionStore(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Record(t.Context(), decision("ok", time.Now())))

	got, err := s.Recent(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ok", got[0].ID)
}

func TestJSONL_ConcurrentAppendAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.jsonl")
	w, err := OpenJSONL(path)
	require.NoError(t, err)
	assert.Equal(t, path, w.Path())

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Append(map[string]int{"n": i}))
		}()
	}
	wg.Wait()
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Append("late"), os.ErrClosed)

	lines := 0
	require.NoError(t, ReadJSONL(path, func([]byte) error { lines++; return nil }))
	assert.Equal(t, 20, lines)
}

func TestReadJSONL_MissingFile(t *testing.T) {
	called := false
	err := ReadJSONL(filepath.Join(t.TempDir(), "nope.jsonl"), func([]byte) error { called = true; return nil })
	assert.NoError(t, err)
	assert.False(t, called)

	_, err = OpenJSONL("")
	assert.Error(t, err)
}
