package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/basket/relaycore/internal/relay"
)

// GetTopicWorkspace implements relay.WorkspaceCapability.
func (s *Store) GetTopicWorkspace(ctx context.Context, key relay.TopicKey) (string, bool, error) {
	var path string
	err := s.db.QueryRowContext(ctx, `SELECT path FROM workspace_active WHERE topic_key = ?;`, string(key)).Scan(&path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return path, true, nil
}

// SetTopicWorkspace implements relay.WorkspaceCapability.
func (s *Store) SetTopicWorkspace(ctx context.Context, key relay.TopicKey, path string) error {
	now := time.Now()
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workspace_active (topic_key, path, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(topic_key) DO UPDATE SET path = excluded.path, updated_at = excluded.updated_at;`,
			string(key), path, now); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workspace_history (topic_key, workspace_path, last_used_at) VALUES (?, ?, ?)
			ON CONFLICT(topic_key, workspace_path) DO UPDATE SET last_used_at = excluded.last_used_at;`,
			string(key), path, now); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// TouchTopicWorkspace implements relay.WorkspaceCapability.
func (s *Store) TouchTopicWorkspace(ctx context.Context, key relay.TopicKey, path string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workspace_history (topic_key, workspace_path, last_used_at) VALUES (?, ?, ?)
			ON CONFLICT(topic_key, workspace_path) DO UPDATE SET last_used_at = excluded.last_used_at;`,
			string(key), path, time.Now())
		return err
	})
}

// ListTopicWorkspaces implements relay.WorkspaceCapability.
func (s *Store) ListTopicWorkspaces(ctx context.Context, key relay.TopicKey) ([]relay.WorkspaceHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT topic_key, workspace_path, last_used_at FROM workspace_history
		WHERE topic_key = ? ORDER BY last_used_at DESC;`, string(key))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.WorkspaceHistoryEntry
	for rows.Next() {
		var e relay.WorkspaceHistoryEntry
		if err := rows.Scan(&e.TopicKey, &e.WorkspacePath, &e.LastUsedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
