package relay

import (
	"context"
	"log/slog"
	"sync"
)

// WorkspaceRegistry is an in-memory + durable mapping of topic → active
// workspace and history.
type WorkspaceRegistry struct {
	store  WorkspaceCapability // may be nil — degrades to memory-only
	logger *slog.Logger

	mu     sync.Mutex
	active map[TopicKey]string
}

// NewWorkspaceRegistry creates a registry, degrading to memory-only if
// store is nil or doesn't implement WorkspaceCapability.
func NewWorkspaceRegistry(store any, logger *slog.Logger) *WorkspaceRegistry {
	r := &WorkspaceRegistry{logger: logger, active: make(map[TopicKey]string)}
	if wc, ok := store.(WorkspaceCapability); ok {
		r.store = wc
	}
	return r
}

// LoadActive returns the topic's workspace, consulting memory then the
// store, defaulting to defaultPath if absent. A successful resolution
// writes back to memory and touches history.
func (r *WorkspaceRegistry) LoadActive(ctx context.Context, key TopicKey, defaultPath string) string {
	r.mu.Lock()
	if path, ok := r.active[key]; ok {
		r.mu.Unlock()
		return path
	}
	r.mu.Unlock()

	if r.store != nil {
		if path, ok, err := r.store.GetTopicWorkspace(ctx, key); err == nil && ok {
			r.mu.Lock()
			r.active[key] = path
			r.mu.Unlock()
			r.touchHistory(ctx, key, path)
			return path
		} else if err != nil && r.logger != nil {
			r.logger.Warn("workspace store read failed", "key", key, "error", err)
		}
	}

	r.mu.Lock()
	r.active[key] = defaultPath
	r.mu.Unlock()
	r.touchHistory(ctx, key, defaultPath)
	return defaultPath
}

// SetActive writes memory and store atomically for this topic's row.
func (r *WorkspaceRegistry) SetActive(ctx context.Context, key TopicKey, path string) error {
	r.mu.Lock()
	r.active[key] = path
	r.mu.Unlock()

	if r.store == nil {
		return nil
	}
	if err := r.store.SetTopicWorkspace(ctx, key, path); err != nil {
		return err
	}
	r.touchHistory(ctx, key, path)
	return nil
}

// History returns the topic's workspace history, newest first, when the
// store supports it.
func (r *WorkspaceRegistry) History(ctx context.Context, key TopicKey) ([]WorkspaceHistoryEntry, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.ListTopicWorkspaces(ctx, key)
}

func (r *WorkspaceRegistry) touchHistory(ctx context.Context, key TopicKey, path string) {
	if r.store == nil {
		return
	}
	if err := r.store.TouchTopicWorkspace(ctx, key, path); err != nil && r.logger != nil {
		r.logger.Warn("workspace history touch failed", "key", key, "error", err)
	}
}
