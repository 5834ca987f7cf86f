package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/basket/relaycore/internal/relay"
)

// GetSession implements relay.SessionCapability.
func (s *Store) GetSession(ctx context.Context, key relay.TopicKey) (*relay.SessionMapping, error) {
	var m relay.SessionMapping
	var status string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_key, session_id, last_used_at, status
		FROM sessions WHERE session_key = ?;`, string(key)).
		Scan(&m.SessionKey, &m.SessionID, &m.LastUsedAt, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	m.Status = relay.SessionStatus(status)
	return &m, nil
}

// UpsertSession implements relay.SessionCapability.
func (s *Store) UpsertSession(ctx context.Context, key relay.TopicKey, sessionID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sessions (session_key, session_id, last_used_at, status)
			VALUES (?, ?, ?, 'active')
			ON CONFLICT(session_key) DO UPDATE SET
				session_id = excluded.session_id,
				last_used_at = excluded.last_used_at,
				status = 'active';`,
			string(key), sessionID, time.Now())
		return err
	})
}

// MarkStale implements relay.SessionCapability.
func (s *Store) MarkStale(ctx context.Context, key relay.TopicKey) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = 'stale' WHERE session_key = ?;`, string(key))
		return err
	})
}

// DeleteSession implements relay.SessionCapability.
func (s *Store) DeleteSession(ctx context.Context, key relay.TopicKey) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?;`, string(key))
		return err
	})
}
