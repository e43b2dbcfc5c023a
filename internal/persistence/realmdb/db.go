// Package realmdb is the authoritative store for realm world state and
// per-character progression. All multi-row writes run inside a single
// transaction on a single-writer SQLite connection, which serializes the
// version check-and-increment that the optimistic-concurrency collections
// rely on.
package realmdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// stampLayout is fixed-width so persisted timestamps order
// lexicographically, which the incremental snapshot cursor depends on.
const stampLayout = "2006-01-02T15:04:05.000Z"

type Store struct {
	db    *sql.DB
	clock func() time.Time
}

func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, clock: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock overrides the time source. Tests use it to pin timestamps.
func (s *Store) SetClock(clock func() time.Time) {
	if clock != nil {
		s.clock = clock
	}
}

func (s *Store) stamp() string {
	return s.clock().UTC().Format(stampLayout)
}

// Stamp renders t in the persisted timestamp format. Callers use it to
// build cutoffs that compare correctly against stored stamps.
func Stamp(t time.Time) string {
	return t.UTC().Format(stampLayout)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func initPragmas(db *sql.DB) error {
	// WAL keeps readers unblocked during the write-heavy mutation path.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS realms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS realm_memberships (
			realm_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (realm_id, user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS characters (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			realm_id TEXT NOT NULL,
			name TEXT NOT NULL,
			race_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_characters_user ON characters(user_id);`,

		`CREATE TABLE IF NOT EXISTS character_progression (
			character_id TEXT PRIMARY KEY,
			level INTEGER NOT NULL,
			xp INTEGER NOT NULL,
			version INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS character_class_unlock_state (
			character_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS character_class_unlocks (
			character_id TEXT NOT NULL,
			class_id TEXT NOT NULL,
			unlocked INTEGER NOT NULL,
			unlocked_at TEXT,
			PRIMARY KEY (character_id, class_id)
		);`,
		`CREATE TABLE IF NOT EXISTS character_inventory_state (
			character_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS character_inventory_items (
			character_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (character_id, item_id)
		);`,
		`CREATE TABLE IF NOT EXISTS character_equipment_state (
			character_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS character_equipment (
			character_id TEXT NOT NULL,
			slot TEXT NOT NULL,
			item_id TEXT NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			PRIMARY KEY (character_id, slot)
		);`,
		`CREATE TABLE IF NOT EXISTS character_quest_state_meta (
			character_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS character_quest_states (
			character_id TEXT NOT NULL,
			quest_id TEXT NOT NULL,
			status TEXT NOT NULL,
			progress_json TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL,
			PRIMARY KEY (character_id, quest_id)
		);`,
		`CREATE TABLE IF NOT EXISTS character_map_pin_state (
			character_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS character_map_pins (
			character_id TEXT NOT NULL,
			pin_id TEXT NOT NULL,
			unlocked INTEGER NOT NULL,
			PRIMARY KEY (character_id, pin_id)
		);`,

		`CREATE TABLE IF NOT EXISTS realm_chunks (
			id TEXT PRIMARY KEY,
			realm_id TEXT NOT NULL,
			chunk_x INTEGER NOT NULL,
			chunk_z INTEGER NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			is_deleted INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (realm_id, chunk_x, chunk_z)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_realm_updated ON realm_chunks(realm_id, updated_at);`,
		`CREATE TABLE IF NOT EXISTS chunk_structures (
			id TEXT PRIMARY KEY,
			realm_id TEXT NOT NULL,
			chunk_id TEXT NOT NULL,
			structure_type TEXT NOT NULL,
			data_json TEXT NOT NULL DEFAULT '{}',
			is_deleted INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_structures_chunk ON chunk_structures(chunk_id);`,
		`CREATE TABLE IF NOT EXISTS chunk_plots (
			id TEXT PRIMARY KEY,
			realm_id TEXT NOT NULL,
			chunk_id TEXT NOT NULL,
			plot_identifier TEXT NOT NULL,
			owner_user_id TEXT,
			data_json TEXT NOT NULL DEFAULT '{}',
			is_deleted INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (chunk_id, plot_identifier)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_plots_chunk ON chunk_plots(chunk_id);`,
		`CREATE TABLE IF NOT EXISTS plot_permissions (
			id TEXT PRIMARY KEY,
			plot_id TEXT NOT NULL,
			realm_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			permission TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (plot_id, user_id)
		);`,
		`CREATE TABLE IF NOT EXISTS chunk_changes (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			realm_id TEXT NOT NULL,
			chunk_id TEXT NOT NULL,
			change_type TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_changes_realm_created ON chunk_changes(realm_id, created_at);`,

		`CREATE TABLE IF NOT EXISTS realm_resource_wallets (
			id TEXT PRIMARY KEY,
			realm_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (realm_id, user_id, resource_type)
		);`,

		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			realm_id TEXT NOT NULL,
			initiator_character_id TEXT NOT NULL,
			target_character_id TEXT NOT NULL,
			initiator_accepted INTEGER NOT NULL DEFAULT 0,
			target_accepted INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_characters ON trades(initiator_character_id, target_character_id);`,
		`CREATE TABLE IF NOT EXISTS trade_items (
			id TEXT PRIMARY KEY,
			trade_id TEXT NOT NULL,
			character_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			UNIQUE (trade_id, character_id, item_id)
		);`,

		`CREATE TABLE IF NOT EXISTS action_requests (
			id TEXT PRIMARY KEY,
			character_id TEXT NOT NULL,
			request_type TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_action_requests_status ON action_requests(status, created_at);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
