package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/basket/relaycore/internal/bus"
)

// BuildInfo is the version-command's build fingerprint.
type BuildInfo struct {
	Service   string
	Version   string
	Branch    string
	BuiltAt   string
	CommitTitle string
}

// RestartRequestedFunc drains queues and re-execs the process. Invoked by
// the Restart intent; the dispatcher does not wait for it to return.
type RestartRequestedFunc func()

// CommandDispatcher recognizes deterministic intents before the model is
// invoked. Check order is fixed.
type CommandDispatcher struct {
	outbound  *OutboundAdapter
	workspace *WorkspaceRegistry
	scheduled *ScheduledMessageService
	startup   *StartupAckService
	engine    *RelayEngine
	model     ModelPort
	build     BuildInfo
	onRestart RestartRequestedFunc
	logger    *slog.Logger
	events    EventPublisher
	semaphore *Semaphore // optional; bounds the reminder-parse model call

	mu              sync.Mutex
	seenFirstStart  map[string]bool // chatId -> has /start ever been seen
}

// NewCommandDispatcher wires the dispatcher's collaborators.
func NewCommandDispatcher(outbound *OutboundAdapter, workspace *WorkspaceRegistry, scheduled *ScheduledMessageService, startup *StartupAckService, engine *RelayEngine, model ModelPort, build BuildInfo, onRestart RestartRequestedFunc, logger *slog.Logger) *CommandDispatcher {
	return &CommandDispatcher{
		outbound: outbound, workspace: workspace, scheduled: scheduled, startup: startup,
		engine: engine, model: model, build: build, onRestart: onRestart, logger: logger,
		seenFirstStart: make(map[string]bool),
	}
}

// SetEvents wires an optional event publisher. Safe to skip.
func (d *CommandDispatcher) SetEvents(events EventPublisher) {
	d.events = events
}

// SetSemaphore wires the global in-flight-model-call bound shared with
// RelayEngine. Safe to skip. Only handleReminder calls the model directly;
// every other intent is deterministic and never contends for a permit.
func (d *CommandDispatcher) SetSemaphore(semaphore *Semaphore) {
	d.semaphore = semaphore
}

// Dispatch recognizes an intent and handles it, or falls through to the
// RelayEngine ("Delegate"). Returns once the intent's reply (if any) has
// been sent.
func (d *CommandDispatcher) Dispatch(ctx context.Context, in InboundMessage, topicKey TopicKey, workspaceDefault string) error {
	text := strings.TrimSpace(in.Text)
	lower := strings.ToLower(text)

	switch {
	case lower == "/start":
		return d.handleStart(ctx, in)
	case lower == "/restart" || lower == "restart assistant":
		return d.handleRestart(ctx, in, topicKey)
	case lower == "/version":
		return d.handleVersion(ctx, in)
	case lower == "/workspace" || strings.HasPrefix(lower, "/workspace "):
		return d.handleWorkspace(ctx, in, topicKey, workspaceDefault, text)
	case isReminderIntent(text):
		return d.handleReminder(ctx, in)
	case strings.HasPrefix(text, "/"):
		return d.outbound.Send(ctx, OutboundMessage{ChatID: in.ChatID, ThreadID: in.ThreadID,
			Text: "Unknown slash command. Supported: /start, /restart, /version, /workspace"}, true)
	default:
		workspacePath := d.workspace.LoadActive(ctx, topicKey, workspaceDefault)
		return d.engine.RunTurn(ctx, TurnInput{ChatID: in.ChatID, ThreadID: in.ThreadID, Text: in.Text, WorkspacePath: workspacePath, TopicKey: topicKey})
	}
}

func (d *CommandDispatcher) handleStart(ctx context.Context, in InboundMessage) error {
	d.mu.Lock()
	first := !d.seenFirstStart[in.ChatID]
	d.seenFirstStart[in.ChatID] = true
	d.mu.Unlock()

	if !first {
		return nil // Welcome (noop): silent after the first /start.
	}
	return d.outbound.Send(ctx, OutboundMessage{ChatID: in.ChatID, ThreadID: in.ThreadID,
		Text: "Hi — I am ready. Tell me what you want to work on."}, true)
}

func (d *CommandDispatcher) handleRestart(ctx context.Context, in InboundMessage, topicKey TopicKey) error {
	if err := d.outbound.Send(ctx, OutboundMessage{ChatID: in.ChatID, ThreadID: in.ThreadID,
		Text: "Acknowledged. Draining and restarting now."}, true); err != nil {
		return err
	}
	d.startup.Enqueue(ctx, PendingStartupAck{ChatID: in.ChatID, ThreadID: in.ThreadID, RequestedAt: time.Now()})
	publish(d.events, bus.TopicDispatchRestart, bus.RestartRequestedEvent{ChatID: in.ChatID, ThreadID: in.ThreadID.String()})
	if d.onRestart != nil {
		go d.onRestart()
	}
	return nil
}

func (d *CommandDispatcher) handleVersion(ctx context.Context, in InboundMessage) error {
	text := fmt.Sprintf("service=%s version=%s branch=%s built_at=%s commit=%q",
		d.build.Service, d.build.Version, d.build.Branch, d.build.BuiltAt, d.build.CommitTitle)
	return d.outbound.Send(ctx, OutboundMessage{ChatID: in.ChatID, ThreadID: in.ThreadID, Text: text}, true)
}

func (d *CommandDispatcher) handleWorkspace(ctx context.Context, in InboundMessage, topicKey TopicKey, defaultPath, text string) error {
	arg := strings.TrimSpace(strings.TrimPrefix(text, "/workspace"))
	if arg == "" {
		current := d.workspace.LoadActive(ctx, topicKey, defaultPath)
		return d.outbound.Send(ctx, OutboundMessage{ChatID: in.ChatID, ThreadID: in.ThreadID, Text: "Current workspace: " + current}, true)
	}
	if !pathExists(arg) {
		return d.outbound.Send(ctx, OutboundMessage{ChatID: in.ChatID, ThreadID: in.ThreadID, Text: "path does not exist"}, true)
	}
	if err := d.workspace.SetActive(ctx, topicKey, arg); err != nil {
		if d.logger != nil {
			d.logger.Warn("workspace set failed", "error", err)
		}
	}
	publish(d.events, bus.TopicDispatchWorkspace, bus.WorkspaceChangedEvent{TopicKey: string(topicKey), Path: arg})
	return d.outbound.Send(ctx, OutboundMessage{ChatID: in.ChatID, ThreadID: in.ThreadID, Text: "Workspace set to " + arg}, true)
}

// reminderPattern recognizes a reminder intent: a message
// naming a future time and a body, e.g. "remind me at tomorrow 7pm to X" or
// "remind me on <ISO> to X".
var reminderPattern = regexp.MustCompile(`(?i)^remind me (at|on) (.+?) to (.+)$`)

func isReminderIntent(text string) bool {
	return reminderPattern.MatchString(text)
}

func (d *CommandDispatcher) handleReminder(ctx context.Context, in InboundMessage) error {
	m := reminderPattern.FindStringSubmatch(in.Text)
	when := m[2]
	body := m[3]

	sendAt, err := d.parseReminderTime(ctx, in, when)
	if errors.Is(err, ErrSemaphoreFull) {
		return d.outbound.Send(ctx, OutboundMessage{ChatID: in.ChatID, ThreadID: in.ThreadID, Text: busyMessage}, true)
	}
	if err != nil {
		return d.outbound.Send(ctx, OutboundMessage{ChatID: in.ChatID, ThreadID: in.ThreadID,
			Text: "I couldn't find a time in your message. Try \"remind me at 7pm to ...\"."}, true)
	}

	d.scheduled.Enqueue(ctx, in.ChatID, in.ThreadID, body, sendAt)
	publish(d.events, bus.TopicDispatchReminder, bus.ReminderScheduledEvent{ChatID: in.ChatID, SendAt: sendAt.Format(time.RFC3339)})
	return d.outbound.Send(ctx, OutboundMessage{ChatID: in.ChatID, ThreadID: in.ThreadID,
		Text: "Scheduled reminder for " + sendAt.Format(time.RFC3339)}, true)
}

// parseReminderTime calls the model with a constrained prompt whose reply
// must be ISO-8601 only. A reply that fails to parse as RFC3339 is a parse
// failure.
func (d *CommandDispatcher) parseReminderTime(ctx context.Context, in InboundMessage, when string) (time.Time, error) {
	if d.semaphore != nil {
		if err := d.semaphore.Acquire(ctx); err != nil {
			return time.Time{}, err
		}
		defer d.semaphore.Release()
	}
	prompt := "Reply with the ISO-8601 timestamp (RFC3339, and nothing else) that the phrase \"" + when + "\" refers to, relative to now (" + time.Now().Format(time.RFC3339) + ")."
	out, err := d.model.Respond(ctx, RespondInput{ChatID: in.ChatID, ThreadID: in.ThreadID, Text: prompt})
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, strings.TrimSpace(out.ReplyText))
}
