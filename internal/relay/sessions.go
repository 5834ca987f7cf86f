package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/relaycore/internal/bus"
)

// SessionRegistry is an in-memory cache of topic→model-session mappings
// with write-through persistence and idle/LRU eviction. The in-memory map
// and the store are only eventually consistent; the store is authoritative
// across process restarts.
type SessionRegistry struct {
	store  SessionCapability // may be nil — degrades to memory-only
	logger *slog.Logger
	events EventPublisher

	mu      sync.Mutex
	entries map[TopicKey]*SessionMapping
}

// SetEvents wires an optional event publisher. Safe to skip.
func (r *SessionRegistry) SetEvents(events EventPublisher) {
	r.events = events
}

// NewSessionRegistry creates a registry. store may be nil or may not
// implement SessionCapability; the registry degrades to memory-only in
// that case (store-backed restart survival is lost, everything else
// still works).
func NewSessionRegistry(store any, logger *slog.Logger) *SessionRegistry {
	r := &SessionRegistry{logger: logger, entries: make(map[TopicKey]*SessionMapping)}
	if sc, ok := store.(SessionCapability); ok {
		r.store = sc
	}
	return r
}

// Load returns the session id for key, memory first, then read-through
// from the store on miss. A stale row is treated as absent.
func (r *SessionRegistry) Load(ctx context.Context, key TopicKey) (string, bool) {
	r.mu.Lock()
	if m, ok := r.entries[key]; ok && m.Status == SessionActive {
		id := m.SessionID
		r.mu.Unlock()
		return id, true
	}
	r.mu.Unlock()

	if r.store == nil {
		return "", false
	}
	m, err := r.store.GetSession(ctx, key)
	if err != nil {
		r.logf("session store read failed", "key", key, "error", err)
		return "", false
	}
	if m == nil || m.Status == SessionStale {
		return "", false
	}
	r.mu.Lock()
	r.entries[key] = m
	r.mu.Unlock()
	return m.SessionID, true
}

// Persist write-throughs a fresh session id: lastUsedAt=now, status=active.
func (r *SessionRegistry) Persist(ctx context.Context, key TopicKey, sessionID string) {
	m := &SessionMapping{SessionKey: key, SessionID: sessionID, LastUsedAt: time.Now(), Status: SessionActive}
	r.mu.Lock()
	r.entries[key] = m
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpsertSession(ctx, key, sessionID); err != nil {
			r.logf("session store write failed", "key", key, "error", err)
		}
	}
}

// Invalidate removes the in-memory entry and marks the store row stale.
func (r *SessionRegistry) Invalidate(ctx context.Context, key TopicKey) {
	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()

	publish(r.events, bus.TopicSessionInvalidated, bus.SessionInvalidatedEvent{TopicKey: string(key), Reason: "session_invalid"})

	if r.store != nil {
		if err := r.store.MarkStale(ctx, key); err != nil {
			r.logf("session store mark-stale failed", "key", key, "error", err)
		}
	}
}

// EvictIdle drops in-memory entries idle longer than idleTimeout, then —
// if still above maxConcurrent — drops the least-recently-used entries
// until at the cap. Every dropped entry is marked stale in the store.
// Called at the start of each RelayEngine.RunTurn.
func (r *SessionRegistry) EvictIdle(ctx context.Context, idleTimeout time.Duration, maxConcurrent int) {
	now := time.Now()

	r.mu.Lock()
	var toEvict []TopicKey
	reasons := make(map[TopicKey]string)
	for key, m := range r.entries {
		if now.Sub(m.LastUsedAt) > idleTimeout {
			toEvict = append(toEvict, key)
			reasons[key] = "idle_timeout"
		}
	}
	for _, key := range toEvict {
		delete(r.entries, key)
	}

	if maxConcurrent > 0 && len(r.entries) > maxConcurrent {
		type kv struct {
			key TopicKey
			t   time.Time
		}
		all := make([]kv, 0, len(r.entries))
		for key, m := range r.entries {
			all = append(all, kv{key, m.LastUsedAt})
		}
		// Insertion sort is fine: registries are small (sessionMaxConcurrent
		// default 5), and this runs on every turn.
		for i := 1; i < len(all); i++ {
			for j := i; j > 0 && all[j].t.Before(all[j-1].t); j-- {
				all[j], all[j-1] = all[j-1], all[j]
			}
		}
		excess := len(all) - maxConcurrent
		for i := 0; i < excess; i++ {
			toEvict = append(toEvict, all[i].key)
			reasons[all[i].key] = "evicted_lru"
			delete(r.entries, all[i].key)
		}
	}
	r.mu.Unlock()

	for _, key := range toEvict {
		publish(r.events, bus.TopicSessionInvalidated, bus.SessionInvalidatedEvent{TopicKey: string(key), Reason: reasons[key]})
	}

	if r.store == nil {
		return
	}
	for _, key := range toEvict {
		if err := r.store.MarkStale(ctx, key); err != nil {
			r.logf("session store mark-stale (evict) failed", "key", key, "error", err)
		}
	}
}

func (r *SessionRegistry) logf(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Warn(msg, args...)
	}
}
