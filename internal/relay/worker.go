package relay

import (
	"context"
	"log/slog"
	"time"
)

// WorkerConfig holds WorkerLoop's timing knobs.
type WorkerConfig struct {
	PollInterval        time.Duration // default 2s
	SessionIdleTimeout  time.Duration // default 45min
	SessionMaxConcurrent int          // default 5
	DefaultWorkspacePath string
}

// DefaultWorkerConfig returns the worker loop's default timing knobs.
func DefaultWorkerConfig(defaultWorkspacePath string) WorkerConfig {
	return WorkerConfig{
		PollInterval:         2 * time.Second,
		SessionIdleTimeout:   45 * time.Minute,
		SessionMaxConcurrent: 5,
		DefaultWorkspacePath: defaultWorkspacePath,
	}
}

// WorkerLoop polls the chat transport with a cursor, fans messages to
// their TopicQueue, runs scheduled-message sweeps, and handles graceful
// drain on stop signal.
type WorkerLoop struct {
	chat       ChatPort
	cursorStore any // type-asserted to CursorCapability
	queues     *TopicQueueMap
	dispatcher *CommandDispatcher
	scheduled  *ScheduledMessageService
	startup    *StartupAckService
	sessions   *SessionRegistry
	cfg        WorkerConfig
	logger     *slog.Logger

	cursor *int64
}

// NewWorkerLoop wires the loop's collaborators.
func NewWorkerLoop(chat ChatPort, cursorStore any, queues *TopicQueueMap, dispatcher *CommandDispatcher, scheduled *ScheduledMessageService, startup *StartupAckService, sessions *SessionRegistry, cfg WorkerConfig, logger *slog.Logger) *WorkerLoop {
	return &WorkerLoop{chat: chat, cursorStore: cursorStore, queues: queues, dispatcher: dispatcher, scheduled: scheduled, startup: startup, sessions: sessions, cfg: cfg, logger: logger}
}

// Run executes the poll/dispatch/sweep cycle until ctx is canceled. On
// cancellation it exits the loop, then waits for every in-flight topic
// task to finish via DrainAll before returning — no new polls happen after
// the stop signal is observed.
func (w *WorkerLoop) Run(ctx context.Context) {
	w.restoreCursor(ctx)
	w.startup.Flush(ctx)
	w.scheduled.Sweep(ctx, time.Now())

	first := true
	for {
		select {
		case <-ctx.Done():
			w.queues.DrainAll()
			return
		default:
		}

		if !first {
			w.startup.Flush(ctx)
			w.scheduled.Sweep(ctx, time.Now())
		}
		first = false

		w.pollOnce(ctx)
		w.queues.Prune()

		select {
		case <-ctx.Done():
			w.queues.DrainAll()
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

func (w *WorkerLoop) restoreCursor(ctx context.Context) {
	cc, ok := w.cursorStore.(CursorCapability)
	if !ok {
		return
	}
	cursor, err := cc.GetCursor(ctx)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("cursor read failed, starting from nil", "error", err)
		}
		return
	}
	w.cursor = cursor
}

func (w *WorkerLoop) pollOnce(ctx context.Context) {
	updates, err := w.chat.ReceiveUpdates(ctx, w.cursor)
	if err != nil {
		if w.logger != nil {
			w.logger.Error("poll failed", "error", err)
		}
		return
	}

	for _, u := range updates {
		next := u.UpdateID + 1
		w.cursor = &next
		w.persistCursor(ctx, next)

		topicKey := NewTopicKey(u.Message.ChatID, u.Message.ThreadID)
		msg := u.Message
		w.queues.Enqueue(topicKey, func() {
			w.handle(ctx, msg, topicKey)
		})
	}
}

func (w *WorkerLoop) persistCursor(ctx context.Context, cursor int64) {
	cc, ok := w.cursorStore.(CursorCapability)
	if !ok {
		return
	}
	if err := cc.SetCursor(ctx, cursor); err != nil && w.logger != nil {
		w.logger.Warn("cursor persist failed", "error", err)
	}
}

// handle runs on a topic's serial worker: evicts idle sessions, then
// dispatches the message (deterministic intent, or delegate to the model).
// Failures are logged; they never stop the queue from draining subsequent
// tasks (that guarantee lives in TopicQueue itself). Bounding concurrent
// in-flight model calls happens inside RelayEngine/CommandDispatcher, not
// here — a deterministic command must never be rejected for a model-call
// permit it never needed.
func (w *WorkerLoop) handle(ctx context.Context, msg InboundMessage, topicKey TopicKey) {
	w.sessions.EvictIdle(ctx, w.cfg.SessionIdleTimeout, w.cfg.SessionMaxConcurrent)
	if err := w.dispatcher.Dispatch(ctx, msg, topicKey, w.cfg.DefaultWorkspacePath); err != nil && w.logger != nil {
		w.logger.Error("dispatch failed", "topic", topicKey, "error", err)
	}
}
