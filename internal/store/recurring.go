package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/basket/relaycore/internal/relay"
)

// ListDueRecurringSchedules implements relay.RecurringScheduleCapability.
func (s *Store) ListDueRecurringSchedules(ctx context.Context, now time.Time) ([]relay.RecurringSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, thread_id, text, cron_expr, next_run_at, created_at, enabled
		FROM recurring_schedules
		WHERE enabled = 1 AND next_run_at <= ?
		ORDER BY next_run_at ASC;`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.RecurringSchedule
	for rows.Next() {
		var rs relay.RecurringSchedule
		var threadID sql.NullString
		var enabled int
		if err := rows.Scan(&rs.ID, &rs.ChatID, &threadID, &rs.Text, &rs.CronExpr, &rs.NextRunAt, &rs.CreatedAt, &enabled); err != nil {
			return nil, err
		}
		rs.ThreadID = columnToThreadID(threadID)
		rs.Enabled = enabled != 0
		out = append(out, rs)
	}
	return out, rows.Err()
}

// AdvanceRecurringSchedule implements relay.RecurringScheduleCapability.
func (s *Store) AdvanceRecurringSchedule(ctx context.Context, id string, nextRunAt time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE recurring_schedules SET next_run_at = ? WHERE id = ?;`, nextRunAt, id)
		return err
	})
}

// CreateRecurringSchedule inserts a new recurring reminder row. Not part of
// a capability interface: recurring rows are created against the concrete
// store by operator tooling, and the sweep only ever reads and advances
// them.
func (s *Store) CreateRecurringSchedule(ctx context.Context, rs relay.RecurringSchedule) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO recurring_schedules (id, chat_id, thread_id, text, cron_expr, next_run_at, created_at, enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1);`,
			rs.ID, rs.ChatID, threadIDToColumn(rs.ThreadID), rs.Text, rs.CronExpr, rs.NextRunAt, rs.CreatedAt)
		return err
	})
}
