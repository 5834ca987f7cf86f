package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/relaycore/internal/bus"
	"github.com/basket/relaycore/internal/shared"
)

// EngineConfig holds RelayEngine's timing knobs.
type EngineConfig struct {
	RelayTimeout        time.Duration // default 300s
	SessionRetryAttempts int          // default 1
	ProgressFirst        time.Duration // default 10s
	ProgressEvery        time.Duration // default 30s
	ProgressMaxCount     int           // default 3
}

// DefaultEngineConfig returns the relay engine's default timing knobs.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RelayTimeout:         300 * time.Second,
		SessionRetryAttempts: 1,
		ProgressFirst:        10 * time.Second,
		ProgressEvery:        30 * time.Second,
		ProgressMaxCount:     3,
	}
}

// RelayEngine runs one model turn end-to-end: progress ticker, deadline,
// single session-invalidation retry with a fresh session, error
// classification.
type RelayEngine struct {
	model     ModelPort
	outbound  *OutboundAdapter
	sessions  *SessionRegistry
	cfg       EngineConfig
	logger    *slog.Logger
	events    EventPublisher
	semaphore *Semaphore // optional; bounds concurrent in-flight model calls
}

// NewRelayEngine wires the engine's collaborators.
func NewRelayEngine(model ModelPort, outbound *OutboundAdapter, sessions *SessionRegistry, cfg EngineConfig, logger *slog.Logger) *RelayEngine {
	return &RelayEngine{model: model, outbound: outbound, sessions: sessions, cfg: cfg, logger: logger}
}

// SetEvents wires an optional event publisher. Safe to skip; every
// publish call below is nil-checked.
func (e *RelayEngine) SetEvents(events EventPublisher) {
	e.events = events
}

// SetSemaphore wires the global in-flight-model-call bound. Safe to skip —
// a nil semaphore leaves model calls unbounded. Deterministic commands
// never reach this engine, so they never contend for a permit.
func (e *RelayEngine) SetSemaphore(semaphore *Semaphore) {
	e.semaphore = semaphore
}

// TurnInput is one delegated user turn.
type TurnInput struct {
	ChatID        string
	ThreadID      ThreadID
	Text          string
	WorkspacePath string
	TopicKey      TopicKey
}

// RunTurn delivers a single user turn end-to-end, including the reply send.
// A single trace id is minted and attached to ctx for the whole turn, so
// every attempt (including a session-invalidation retry) and every log line
// and bus event it produces share one correlation id across the worker,
// engine, and outbound adapter.
func (e *RelayEngine) RunTurn(ctx context.Context, in TurnInput) error {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	startedAt := time.Now()
	resumedSessionID, hadResumed := e.sessions.Load(ctx, in.TopicKey)
	publish(e.events, bus.TopicTurnStarted, bus.TurnStartedEvent{TopicKey: string(in.TopicKey), ChatID: in.ChatID})

	sessionID := resumedSessionID
	usedResumedSession := hadResumed
	for attempt := 0; ; attempt++ {
		out, err := e.attempt(ctx, in, sessionID)
		if err == nil {
			if out.SessionID != "" {
				e.sessions.Persist(ctx, in.TopicKey, out.SessionID)
			}
			completed := bus.TurnCompletedEvent{TopicKey: string(in.TopicKey), SessionID: out.SessionID, DurationMs: time.Since(startedAt).Milliseconds()}
			if out.Usage != nil {
				completed.InputTokens = out.Usage.InputTokens
				completed.OutputTokens = out.Usage.OutputTokens
			}
			publish(e.events, bus.TopicTurnCompleted, completed)
			return e.outbound.Send(ctx, OutboundMessage{ChatID: in.ChatID, ThreadID: in.ThreadID, Text: out.ReplyText}, true)
		}

		if errors.Is(err, ErrSemaphoreFull) {
			if e.logger != nil {
				e.logger.Warn("relay turn rejected, semaphore queue full", "topic", in.TopicKey, "trace_id", shared.TraceID(ctx))
			}
			publish(e.events, bus.TopicTurnFailed, bus.TurnFailedEvent{TopicKey: string(in.TopicKey), Class: "semaphore_full", Error: err.Error(), DurationMs: time.Since(startedAt).Milliseconds()})
			return e.outbound.Send(ctx, OutboundMessage{ChatID: in.ChatID, ThreadID: in.ThreadID, Text: busyMessage}, true)
		}

		class := ClassifyError(err)
		canRetry := class == ClassSessionInvalid && usedResumedSession && attempt < e.cfg.SessionRetryAttempts
		if e.logger != nil {
			e.logger.Warn("relay turn failed", "topic", in.TopicKey, "trace_id", shared.TraceID(ctx), "class", class, "retry", canRetry, "error", err)
		}
		if !canRetry {
			publish(e.events, bus.TopicTurnFailed, bus.TurnFailedEvent{TopicKey: string(in.TopicKey), Class: string(class), Error: err.Error(), DurationMs: time.Since(startedAt).Milliseconds()})
			userText := UserMessage(class, int(e.cfg.RelayTimeout.Seconds()))
			return e.outbound.Send(ctx, OutboundMessage{ChatID: in.ChatID, ThreadID: in.ThreadID, Text: userText}, true)
		}

		e.sessions.Invalidate(ctx, in.TopicKey)
		sessionID = ""
		usedResumedSession = false
	}
}

// attempt runs one model call: starts the progress ticker, races the call
// against the configured deadline, and always stops the ticker before
// returning.
func (e *RelayEngine) attempt(ctx context.Context, in TurnInput, sessionID string) (RespondOutput, error) {
	turnCtx, cancel := context.WithTimeout(ctx, e.cfg.RelayTimeout)
	defer cancel()

	if e.semaphore != nil {
		if err := e.semaphore.Acquire(turnCtx); err != nil {
			return RespondOutput{}, err
		}
		defer e.semaphore.Release()
	}

	ticker := e.startProgressTicker(turnCtx, in)
	defer ticker.stop()

	type result struct {
		out RespondOutput
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		out, err := e.model.Respond(turnCtx, RespondInput{
			ChatID:        in.ChatID,
			ThreadID:      in.ThreadID,
			Text:          in.Text,
			SessionID:     sessionID,
			WorkspacePath: in.WorkspacePath,
		})
		resultCh <- result{out, err}
	}()

	select {
	case r := <-resultCh:
		if r.err == nil && strings.TrimSpace(r.out.ReplyText) == "" {
			return RespondOutput{}, errEmptyOutput
		}
		return r.out, r.err
	case <-turnCtx.Done():
		return RespondOutput{}, errTimedOut
	}
}

var errTimedOut = timeoutError{}

type timeoutError struct{}

func (timeoutError) Error() string { return "relay: model call timed out" }

// errEmptyOutput is raised when the backend reports success but hands back
// no user-facing text output (internal actions may still have completed).
var errEmptyOutput = errors.New("relay: model returned no user-facing text output")

// progressTicker sends a non-blocking "still working" message at
// progressFirst, then every progressEvery, up to progressMaxCount times.
// Send failures are logged but ignored — they never fail the turn.
type progressTicker struct {
	done chan struct{}
}

func (e *RelayEngine) startProgressTicker(ctx context.Context, in TurnInput) *progressTicker {
	pt := &progressTicker{done: make(chan struct{})}
	if e.cfg.ProgressMaxCount <= 0 {
		return pt
	}
	go func() {
		timer := time.NewTimer(e.cfg.ProgressFirst)
		defer timer.Stop()
		sent := 0
		for {
			select {
			case <-pt.done:
				return
			case <-ctx.Done():
				return
			case <-timer.C:
				if err := e.outbound.Send(ctx, OutboundMessage{ChatID: in.ChatID, ThreadID: in.ThreadID, Text: "Still working..."}, true); err != nil && e.logger != nil {
					e.logger.Debug("progress message send failed", "error", err)
				}
				sent++
				publish(e.events, bus.TopicTurnProgress, bus.TurnProgressEvent{TopicKey: string(in.TopicKey), Sent: sent})
				if sent >= e.cfg.ProgressMaxCount {
					return
				}
				timer.Reset(e.cfg.ProgressEvery)
			}
		}
	}()
	return pt
}

func (pt *progressTicker) stop() {
	select {
	case <-pt.done:
	default:
		close(pt.done)
	}
}
