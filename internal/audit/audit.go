// Package audit writes an append-only JSONL trail of runtime-significant
// events: dispatch decisions (restart/workspace/reminder), session
// invalidations, and fatal startup failures. It exists independently of
// structured logging so operators have one file to grep for "what did
// this deployment actually do," regardless of log level.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/relaycore/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Outcome   string `json:"outcome"` // "ok" or "fail"
	Action    string `json:"action"`  // e.g. "dispatch.restart", "runtime.startup"
	Reason    string `json:"reason"`
	Detail    string `json:"detail,omitempty"`
	Subject   string `json:"subject,omitempty"` // chat/topic id, redacted
}

var (
	mu         sync.Mutex
	file       *os.File
	db         *sql.DB
	failCount  atomic.Int64
)

// Init opens (creating if absent) the append-only audit.jsonl file under
// homeDir/logs. Safe to call more than once; later calls are a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes, once the store
// has finished migrating. Safe to call with nil to disable table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailCount returns the total number of "fail" outcomes recorded since
// startup.
func FailCount() int64 {
	return failCount.Load()
}

// Record appends one audit entry. Reason and subject are redacted before
// persistence since they may echo user-supplied text (a workspace path, a
// chat id).
func Record(outcome, action, reason, detail, subject string) {
	if outcome == "fail" {
		failCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Outcome:   outcome,
			Action:    action,
			Reason:    reason,
			Detail:    detail,
			Subject:   subject,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (trace_id, subject, action, outcome, reason, detail)
			VALUES (?, ?, ?, ?, ?, ?);
		`, "", subject, action, outcome, reason, detail)
	}
}
