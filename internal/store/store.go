// Package store persists node state across restarts: the entangled weight
// vector with its epoch, the regime transition history, and periodic power
// metric samples.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/edgeflock/swarmwake/internal/regime"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// NodeState is the durable per-node snapshot written every sync epoch.
type NodeState struct {
	NodeID    string
	Regime    regime.Regime
	Epoch     uint64
	Weights   []float32
	UpdatedAt time.Time
}

func (s *Store) SaveNodeState(ctx context.Context, st NodeState) error {
	if st.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	weightsJSON, err := json.Marshal(st.Weights)
	if err != nil {
		return fmt.Errorf("marshal weights: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO node_states(node_id, regime, epoch, weights, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(node_id) DO UPDATE SET
	regime=excluded.regime,
	epoch=excluded.epoch,
	weights=excluded.weights,
	updated_at=excluded.updated_at
`, st.NodeID, st.Regime.String(), int64(st.Epoch), string(weightsJSON), ts(st.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save node state: %w", err)
	}
	return nil
}

func (s *Store) LoadNodeState(ctx context.Context, nodeID string) (NodeState, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT node_id, regime, epoch, weights, updated_at
FROM node_states
WHERE node_id = ?
`, nodeID)
	var (
		st          NodeState
		regimeStr   string
		epoch       int64
		weightsJSON string
		updatedAt   string
	)
	if err := row.Scan(&st.NodeID, &regimeStr, &epoch, &weightsJSON, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NodeState{}, ErrNotFound
		}
		return NodeState{}, fmt.Errorf("scan node state: %w", err)
	}
	st.Regime = regime.ParseRegime(regimeStr)
	st.Epoch = uint64(epoch)
	if err := json.Unmarshal([]byte(weightsJSON), &st.Weights); err != nil {
		return NodeState{}, fmt.Errorf("decode weights: %w", err)
	}
	var err error
	st.UpdatedAt, err = parseTS(updatedAt)
	if err != nil {
		return NodeState{}, fmt.Errorf("parse node state updated_at: %w", err)
	}
	return st, nil
}

// RegimeTransition records one hysteresis-confirmed regime change.
type RegimeTransition struct {
	NodeID       string
	From         regime.Regime
	To           regime.Regime
	CurrentError float32
	Threshold    float32
	OccurredAt   time.Time
}

func (s *Store) RecordRegimeTransition(ctx context.Context, tr RegimeTransition) error {
	if tr.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if tr.OccurredAt.IsZero() {
		tr.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO regime_transitions(node_id, from_regime, to_regime, current_error, threshold, occurred_at)
VALUES (?, ?, ?, ?, ?, ?)
`, tr.NodeID, tr.From.String(), tr.To.String(), tr.CurrentError, tr.Threshold, ts(tr.OccurredAt))
	if err != nil {
		return fmt.Errorf("record regime transition: %w", err)
	}
	return nil
}

// ListRegimeTransitions returns the most recent transitions for a node,
// newest first. limit <= 0 means no limit.
func (s *Store) ListRegimeTransitions(ctx context.Context, nodeID string, limit int) ([]RegimeTransition, error) {
	query := `
SELECT node_id, from_regime, to_regime, current_error, threshold, occurred_at
FROM regime_transitions
WHERE node_id = ?
ORDER BY occurred_at DESC, rowid DESC`
	args := []any{nodeID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list regime transitions: %w", err)
	}
	defer rows.Close()

	out := make([]RegimeTransition, 0)
	for rows.Next() {
		var (
			tr         RegimeTransition
			fromStr    string
			toStr      string
			occurredAt string
		)
		if err := rows.Scan(&tr.NodeID, &fromStr, &toStr, &tr.CurrentError, &tr.Threshold, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan regime transition: %w", err)
		}
		tr.From = regime.ParseRegime(fromStr)
		tr.To = regime.ParseRegime(toStr)
		tr.OccurredAt, err = parseTS(occurredAt)
		if err != nil {
			return nil, fmt.Errorf("parse transition occurred_at: %w", err)
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter regime transitions: %w", err)
	}
	return out, nil
}

// PowerSample is a point-in-time copy of a node's cumulative power counters.
type PowerSample struct {
	NodeID         string
	SleepMillis    int64
	WakeCount      uint64
	BytesSent      uint64
	UpdatesSent    uint64
	UpdatesDropped uint64
	FlushFailures  uint64
	BatchesDropped uint64
	SampledAt      time.Time
}

func (s *Store) RecordPowerSample(ctx context.Context, ps PowerSample) error {
	if ps.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if ps.SampledAt.IsZero() {
		ps.SampledAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO power_samples(node_id, sleep_millis, wake_count, bytes_sent, updates_sent, updates_dropped, flush_failures, batches_dropped, sampled_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, ps.NodeID, ps.SleepMillis, int64(ps.WakeCount), int64(ps.BytesSent), int64(ps.UpdatesSent), int64(ps.UpdatesDropped), int64(ps.FlushFailures), int64(ps.BatchesDropped), ts(ps.SampledAt))
	if err != nil {
		return fmt.Errorf("record power sample: %w", err)
	}
	return nil
}

func (s *Store) LatestPowerSample(ctx context.Context, nodeID string) (PowerSample, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT node_id, sleep_millis, wake_count, bytes_sent, updates_sent, updates_dropped, flush_failures, batches_dropped, sampled_at
FROM power_samples
WHERE node_id = ?
ORDER BY sampled_at DESC, rowid DESC
LIMIT 1
`, nodeID)
	var (
		ps        PowerSample
		wake      int64
		bytes     int64
		sent      int64
		dropped   int64
		failures  int64
		batches   int64
		sampledAt string
	)
	if err := row.Scan(&ps.NodeID, &ps.SleepMillis, &wake, &bytes, &sent, &dropped, &failures, &batches, &sampledAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PowerSample{}, ErrNotFound
		}
		return PowerSample{}, fmt.Errorf("scan power sample: %w", err)
	}
	ps.WakeCount = uint64(wake)
	ps.BytesSent = uint64(bytes)
	ps.UpdatesSent = uint64(sent)
	ps.UpdatesDropped = uint64(dropped)
	ps.FlushFailures = uint64(failures)
	ps.BatchesDropped = uint64(batches)
	var err error
	ps.SampledAt, err = parseTS(sampledAt)
	if err != nil {
		return PowerSample{}, fmt.Errorf("parse power sample sampled_at: %w", err)
	}
	return ps, nil
}

func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table))
	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count rows %s: %w", table, err)
	}
	return count, nil
}

// PurgeRetention deletes transition and sample rows older than the cutoff.
// Node state snapshots are never purged.
func (s *Store) PurgeRetention(ctx context.Context, cutoff time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin retention tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM regime_transitions WHERE occurred_at < ?`, ts(cutoff)); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("delete old transitions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM power_samples WHERE sampled_at < ?`, ts(cutoff)); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("delete old power samples: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit retention tx: %w", err)
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
