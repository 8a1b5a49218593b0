package pg

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/chanbind/internal/store"
)

// PGDecisionStore implements store.DecisionStore backed by Postgres.
type PGDecisionStore struct {
	db *sql.DB
}

func NewPGDecisionStore(db *sql.DB) *PGDecisionStore {
	return &PGDecisionStore{db: db}
}

const decisionSelectCols = `id, decided_at, agent_id, binding_id, policy_type, channel_id, account_id,
	message_id, sender, allow, reason, targets, succeeded, failed`

func (s *PGDecisionStore) Record(ctx context.Context, rec *store.DecisionRecord) error {
	if rec == nil {
		return nil
	}
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		id = uuid.New()
		rec.ID = id.String()
	}
	targets := rec.Targets
	if targets == nil {
		targets = []string{}
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO policy_decisions (`+decisionSelectCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		id, rec.Time, rec.AgentID, rec.BindingID, rec.PolicyType, rec.ChannelID, rec.AccountID,
		rec.MessageID, rec.From, rec.Allow, rec.Reason, pq.Array(targets), rec.Succeeded, rec.Failed,
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (s *PGDecisionStore) Recent(ctx context.Context, limit int) ([]store.DecisionRecord, error) {
	q := `SELECT ` + decisionSelectCols + ` FROM policy_decisions ORDER BY decided_at DESC`
	args := []any{}
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.DecisionRecord
	for rows.Next() {
		var (
			rec     store.DecisionRecord
			id      uuid.UUID
			targets []string
		)
		if err := rows.Scan(&id, &rec.Time, &rec.AgentID, &rec.BindingID, &rec.PolicyType,
			&rec.ChannelID, &rec.AccountID, &rec.MessageID, &rec.From, &rec.Allow, &rec.Reason,
			pq.Array(&targets), &rec.Succeeded, &rec.Failed); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		rec.ID = id.String()
		if len(targets) > 0 {
			rec.Targets = targets
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PGDecisionStore) Close() error { return s.db.Close() }
