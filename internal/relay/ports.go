// Package relay implements the relay worker core: per-topic serialization,
// session lifecycle, turn coordination, the deterministic-command
// dispatcher, the durable scheduled-message queue, and the startup/restart
// acknowledgement protocol.
package relay

import (
	"context"
	"errors"
	"time"
)

// InboundMessage is one message received from the chat transport. Immutable.
type InboundMessage struct {
	ChatID          string
	ThreadID        ThreadID
	Text            string
	ReceivedAt      time.Time
	SourceMessageID string
}

// OutboundMessage is one message to send to the chat transport.
// ThreadID distinguishes "explicit null" (do not substitute a remembered
// thread) from "absent" (substitution from the last-seen thread is
// permitted) — see ThreadID.
type OutboundMessage struct {
	ChatID   string
	ThreadID ThreadID
	Text     string
}

// Update is one polled item from the chat transport, paired with the
// cursor value the next poll should resume from.
type Update struct {
	UpdateID int64
	Message  InboundMessage
}

// Usage reports token/cost accounting for a single model turn, when the
// model backend supplies it.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// RespondInput is the request shape for ModelPort.Respond.
type RespondInput struct {
	ChatID        string
	ThreadID      ThreadID
	Text          string
	Context       []string
	SessionID     string // "" means no resumed session
	WorkspacePath string
}

// RespondOutput is the reply shape for ModelPort.Respond.
type RespondOutput struct {
	ReplyText string
	SessionID string // new/continued session id, "" if the backend is stateless
	Usage     *Usage
	Mode      string
	Confidence float64
}

// ErrThreadIDRejected is returned by ChatPort.Send when the transport
// rejected the message specifically because of its thread id. The outbound
// adapter retries once without a thread id on this error.
var ErrThreadIDRejected = errors.New("chatport: thread id rejected")

// ChatPort is the external chat transport. The core depends only on this
// contract; transport wire protocol, polling mechanics, and chunking are
// implemented by the adapter (see internal/chatport).
type ChatPort interface {
	// ReceiveUpdates polls for updates newer than cursor. cursor == nil means
	// "from the beginning" (first poll, or a lost cursor).
	ReceiveUpdates(ctx context.Context, cursor *int64) ([]Update, error)
	// Send delivers one outbound message. Returns ErrThreadIDRejected (or a
	// wrapped form of it) when the transport rejected the thread id
	// specifically.
	Send(ctx context.Context, msg OutboundMessage) error
}

// ModelPort is the external model backend.
type ModelPort interface {
	Respond(ctx context.Context, in RespondInput) (RespondOutput, error)
}

// Pinger is an optional ModelPort capability for liveness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Aborter is an optional ModelPort capability to cancel an in-flight session.
type Aborter interface {
	Abort(ctx context.Context, sessionKey string) error
}
