package store

import (
	"context"
	"database/sql"
	"errors"
)

// GetCursor implements relay.CursorCapability.
func (s *Store) GetCursor(ctx context.Context) (*int64, error) {
	var cursor int64
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM poll_cursor WHERE id = 1;`).Scan(&cursor)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cursor, nil
}

// SetCursor implements relay.CursorCapability.
func (s *Store) SetCursor(ctx context.Context, cursor int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO poll_cursor (id, cursor) VALUES (1, ?)
			ON CONFLICT(id) DO UPDATE SET cursor = excluded.cursor;`, cursor)
		return err
	})
}

// Ping implements relay.PingCapability.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
