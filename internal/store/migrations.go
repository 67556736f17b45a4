package store

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS node_states (
	node_id TEXT PRIMARY KEY,
	regime TEXT NOT NULL CHECK(regime IN ('calm','pre_storm','storm')),
	epoch INTEGER NOT NULL,
	weights TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS regime_transitions (
	node_id TEXT NOT NULL,
	from_regime TEXT NOT NULL CHECK(from_regime IN ('calm','pre_storm','storm')),
	to_regime TEXT NOT NULL CHECK(to_regime IN ('calm','pre_storm','storm')),
	current_error REAL NOT NULL,
	threshold REAL NOT NULL,
	occurred_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS regime_transitions_node_occurred_at
ON regime_transitions(node_id, occurred_at DESC);

CREATE TABLE IF NOT EXISTS power_samples (
	node_id TEXT NOT NULL,
	sleep_millis INTEGER NOT NULL,
	wake_count INTEGER NOT NULL,
	bytes_sent INTEGER NOT NULL,
	updates_sent INTEGER NOT NULL,
	updates_dropped INTEGER NOT NULL,
	flush_failures INTEGER NOT NULL,
	batches_dropped INTEGER NOT NULL,
	sampled_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS power_samples_node_sampled_at
ON power_samples(node_id, sampled_at DESC);

CREATE TABLE IF NOT EXISTS adaptation_blobs (
	blob_id TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
`,
		DownSQL: `
DROP TABLE IF EXISTS adaptation_blobs;
DROP TABLE IF EXISTS power_samples;
DROP TABLE IF EXISTS regime_transitions;
DROP TABLE IF EXISTS node_states;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
}

func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations(version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var exists int
		err := db.QueryRowContext(ctx, `SELECT 1 FROM schema_migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func RollbackAll(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin rollback tx %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.DownSQL); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("rollback migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit rollback %d: %w", m.Version, err)
		}
	}
	return nil
}
