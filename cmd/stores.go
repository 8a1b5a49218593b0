package cmd

import (
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/chanbind/internal/store"
	"github.com/nextlevelbuilder/chanbind/internal/store/file"
	"github.com/nextlevelbuilder/chanbind/internal/store/pg"
	"github.com/nextlevelbuilder/chanbind/internal/store/sqlite"
)

var errNoPostgresDSN = errors.New("CHANBIND_POSTGRES_DSN environment variable is not set")

// openDecisionStore returns the configured decision store, or nil for mode "none".
func openDecisionStore(sc store.StoreConfig) (store.DecisionStore, error) {
	switch sc.Mode {
	case "", store.ModeNone:
		return nil, nil
	case store.ModeFile:
		if sc.Path == "" {
			return nil, fmt.Errorf("database.path is required for mode %q", sc.Mode)
		}
		s, err := file.NewDecisionStore(sc.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case store.ModeSQLite:
		if sc.Path == "" {
			return nil, fmt.Errorf("database.path is required for mode %q", sc.Mode)
		}
		s, err := sqlite.Open(sc.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case store.ModePostgres:
		if sc.PostgresDSN == "" {
			return nil, errNoPostgresDSN
		}
		s, err := pg.NewPGDecisionStoreFromDSN(sc.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database mode %q", sc.Mode)
	}
}
