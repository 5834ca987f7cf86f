package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/basket/relaycore/internal/relay"
)

// GetPendingStartupAck implements relay.StartupAckCapability.
func (s *Store) GetPendingStartupAck(ctx context.Context) (*relay.PendingStartupAck, error) {
	var ack relay.PendingStartupAck
	var threadID sql.NullString
	var lastError sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_id, thread_id, requested_at, attempt_count, last_error FROM pending_startup_ack WHERE id = 1;`).
		Scan(&ack.ChatID, &threadID, &ack.RequestedAt, &ack.AttemptCount, &lastError)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	ack.ThreadID = columnToThreadID(threadID)
	ack.LastError = lastError.String
	return &ack, nil
}

// UpsertPendingStartupAck implements relay.StartupAckCapability.
func (s *Store) UpsertPendingStartupAck(ctx context.Context, ack relay.PendingStartupAck) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pending_startup_ack (id, chat_id, thread_id, requested_at, attempt_count, last_error)
			VALUES (1, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				chat_id = excluded.chat_id,
				thread_id = excluded.thread_id,
				requested_at = excluded.requested_at,
				attempt_count = excluded.attempt_count,
				last_error = excluded.last_error;`,
			ack.ChatID, threadIDToColumn(ack.ThreadID), ack.RequestedAt, ack.AttemptCount, ack.LastError)
		return err
	})
}

// ClearPendingStartupAck implements relay.StartupAckCapability.
func (s *Store) ClearPendingStartupAck(ctx context.Context) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM pending_startup_ack WHERE id = 1;`)
		return err
	})
}
