// Package sqlite provides the standalone decision store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/nextlevelbuilder/chanbind/internal/store"
)

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{
		Version: 1,
		Name:    "create policy decisions",
		SQL: `
			CREATE TABLE policy_decisions (
				id          TEXT PRIMARY KEY,
				decided_at  TEXT NOT NULL,
				agent_id    TEXT NOT NULL DEFAULT '',
				binding_id  TEXT NOT NULL DEFAULT '',
				policy_type TEXT NOT NULL DEFAULT '',
				channel_id  TEXT NOT NULL,
				account_id  TEXT NOT NULL,
				message_id  TEXT NOT NULL DEFAULT '',
				sender      TEXT NOT NULL DEFAULT '',
				allow       INTEGER NOT NULL,
				reason      TEXT NOT NULL DEFAULT '',
				targets     TEXT NOT NULL DEFAULT '[]',
				succeeded   INTEGER NOT NULL DEFAULT 0,
				failed      INTEGER NOT NULL DEFAULT 0
			);

			CREATE INDEX idx_policy_decisions_time ON policy_decisions (decided_at);
			CREATE INDEX idx_policy_decisions_binding ON policy_decisions (binding_id);
		`,
	},
}

// timeLayout has fixed width so decided_at sorts chronologically as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DecisionStore implements store.DecisionStore on SQLite.
type DecisionStore struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path and runs migrations.
// Use ":memory:" for an in-memory database.
func Open(path string) (*DecisionStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	s := &DecisionStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	slog.Debug("decision store opened", "driver", "sqlite", "path", path)
	return s, nil
}

func (s *DecisionStore) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("creating migrations table: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.Version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		slog.Info("applying migration", "version", m.Version, "name", m.Name)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (s *DecisionStore) Record(ctx context.Context, rec *store.DecisionRecord) error {
	if rec == nil {
		return nil
	}
	targets, err := json.Marshal(nonNil(rec.Targets))
	if err != nil {
		return fmt.Errorf("marshal targets: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policy_decisions
			(id, decided_at, agent_id, binding_id, policy_type, channel_id, account_id,
			 message_id, sender, allow, reason, targets, succeeded, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Time.UTC().Format(timeLayout), rec.AgentID, rec.BindingID, rec.PolicyType,
		rec.ChannelID, rec.AccountID, rec.MessageID, rec.From, rec.Allow, rec.Reason,
		string(targets), rec.Succeeded, rec.Failed)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (s *DecisionStore) Recent(ctx context.Context, limit int) ([]store.DecisionRecord, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, decided_at, agent_id, binding_id, policy_type, channel_id, account_id,
		       message_id, sender, allow, reason, targets, succeeded, failed
		FROM policy_decisions
		ORDER BY decided_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var out []store.DecisionRecord
	for rows.Next() {
		var (
			rec       store.DecisionRecord
			decidedAt string
			targets   string
		)
		if err := rows.Scan(&rec.ID, &decidedAt, &rec.AgentID, &rec.BindingID, &rec.PolicyType,
			&rec.ChannelID, &rec.AccountID, &rec.MessageID, &rec.From, &rec.Allow, &rec.Reason,
			&targets, &rec.Succeeded, &rec.Failed); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		if rec.Time, err = time.Parse(timeLayout, decidedAt); err != nil {
			return nil, fmt.Errorf("parse decided_at %q: %w", decidedAt, err)
		}
		if err := json.Unmarshal([]byte(targets), &rec.Targets); err != nil {
			return nil, fmt.Errorf("parse targets: %w", err)
		}
		if len(rec.Targets) == 0 {
			rec.Targets = nil
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *DecisionStore) Close() error { return s.db.Close() }

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
