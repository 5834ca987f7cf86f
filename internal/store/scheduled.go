package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/basket/relaycore/internal/relay"
)

// EnqueueScheduledMessage implements relay.ScheduledMessageCapability.
func (s *Store) EnqueueScheduledMessage(ctx context.Context, msg relay.ScheduledMessage) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_messages (chat_id, thread_id, text, send_at, created_at, status, attempt_count)
			VALUES (?, ?, ?, ?, ?, 'pending', 0);`,
			msg.ChatID, threadIDToColumn(msg.ThreadID), msg.Text, msg.SendAt, msg.CreatedAt)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// ListDueScheduledMessages implements relay.ScheduledMessageCapability.
func (s *Store) ListDueScheduledMessages(ctx context.Context, now time.Time, limit int) ([]relay.ScheduledMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, thread_id, text, send_at, created_at, status, delivered_at, attempt_count, next_attempt_at, last_error
		FROM scheduled_messages
		WHERE status = 'pending' AND send_at <= ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY send_at ASC, id ASC
		LIMIT ?;`, now, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.ScheduledMessage
	for rows.Next() {
		m, err := scanScheduledMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkScheduledMessageDelivered implements relay.ScheduledMessageCapability.
func (s *Store) MarkScheduledMessageDelivered(ctx context.Context, id int64, deliveredAt time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_messages SET status = 'sent', delivered_at = ? WHERE id = ?;`, deliveredAt, id)
		return err
	})
}

// MarkScheduledMessageFailed implements relay.ScheduledMessageCapability.
func (s *Store) MarkScheduledMessageFailed(ctx context.Context, id int64, lastErr string, nextAttemptAt time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_messages
			SET attempt_count = attempt_count + 1, last_error = ?, next_attempt_at = ?
			WHERE id = ?;`, lastErr, nextAttemptAt, id)
		return err
	})
}

func scanScheduledMessage(rows *sql.Rows) (relay.ScheduledMessage, error) {
	var m relay.ScheduledMessage
	var threadID sql.NullString
	var status string
	var deliveredAt sql.NullTime
	var nextAttemptAt sql.NullTime
	var lastError sql.NullString

	if err := rows.Scan(&m.ID, &m.ChatID, &threadID, &m.Text, &m.SendAt, &m.CreatedAt, &status, &deliveredAt, &m.AttemptCount, &nextAttemptAt, &lastError); err != nil {
		return relay.ScheduledMessage{}, err
	}
	m.ThreadID = columnToThreadID(threadID)
	m.Status = relay.ScheduledMessageStatus(status)
	if deliveredAt.Valid {
		t := deliveredAt.Time
		m.DeliveredAt = &t
	}
	if nextAttemptAt.Valid {
		t := nextAttemptAt.Time
		m.NextAttemptAt = &t
	}
	m.LastError = lastError.String
	return m, nil
}

// UpsertPendingDeliveryAck implements relay.DeliveryAckCapability.
func (s *Store) UpsertPendingDeliveryAck(ctx context.Context, ack relay.PendingDeliveryAck) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO pending_delivery_acks (id, chat_id, delivered_at, next_attempt_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET chat_id = excluded.chat_id, delivered_at = excluded.delivered_at, next_attempt_at = excluded.next_attempt_at;`,
			ack.ID, ack.ChatID, ack.DeliveredAt, ack.NextAttemptAt)
		return err
	})
}

// ListPendingDeliveryAcks implements relay.DeliveryAckCapability.
func (s *Store) ListPendingDeliveryAcks(ctx context.Context) ([]relay.PendingDeliveryAck, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, chat_id, delivered_at, next_attempt_at FROM pending_delivery_acks;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.PendingDeliveryAck
	for rows.Next() {
		var a relay.PendingDeliveryAck
		if err := rows.Scan(&a.ID, &a.ChatID, &a.DeliveredAt, &a.NextAttemptAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ClearPendingDeliveryAck implements relay.DeliveryAckCapability.
func (s *Store) ClearPendingDeliveryAck(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM pending_delivery_acks WHERE id = ?;`, id)
		return err
	})
}
