package file

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nextlevelbuilder/chanbind/internal/store"
)

// DecisionStore implements store.DecisionStore on a JSONL file.
// Recent scans the whole file, which suits local and standalone use.
type DecisionStore struct {
	w *JSONL
}

func NewDecisionStore(path string) (*DecisionStore, error) {
	w, err := OpenJSONL(path)
	if err != nil {
		return nil, err
	}
	return &DecisionStore{w: w}, nil
}

func (s *DecisionStore) Record(_ context.Context, rec *store.DecisionRecord) error {
	if rec == nil {
		return nil
	}
	return s.w.Append(rec)
}

func (s *DecisionStore) Recent(ctx context.Context, limit int) ([]store.DecisionRecord, error) {
	var all []store.DecisionRecord
	err := ReadJSONL(s.w.Path(), func(line []byte) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var rec store.DecisionRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			slog.Debug("decisions: skipping malformed line", "path", s.w.Path(), "error", err)
			return nil
		}
		all = append(all, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]store.DecisionRecord, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *DecisionStore) Close() error { return s.w.Close() }
