package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Persistence is the opaque blob capability adjacent components use to keep
// learned adaptation state across restarts. Components consume this
// interface; the sqlite store is one implementation of it.
type Persistence interface {
	Save(ctx context.Context, id string, data []byte) error
	Load(ctx context.Context, id string) ([]byte, bool, error)
}

var _ Persistence = (*Store)(nil)

func (s *Store) Save(ctx context.Context, id string, data []byte) error {
	if id == "" {
		return fmt.Errorf("blob id is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO adaptation_blobs(blob_id, data, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(blob_id) DO UPDATE SET
	data=excluded.data,
	updated_at=excluded.updated_at
`, id, data, ts(time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("save blob: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id string) ([]byte, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data FROM adaptation_blobs WHERE blob_id = ?`, id)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("load blob: %w", err)
	}
	return data, true, nil
}
