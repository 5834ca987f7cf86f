// Package modelport implements relay.ModelPort against real model
// backends (Anthropic, OpenAI) and a failover router in front of them.
package modelport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/basket/relaycore/internal/relay"
)

const defaultAnthropicMaxTokens = 4096

// turnRecord is one exchange kept in an adapter-local session so a
// stateless Messages API call can still honor the SessionID handshake
// RelayEngine drives (persist on success, retry with a fresh session on a
// classified session_invalid error).
type turnRecord struct {
	role string // "user" or "assistant"
	text string
}

// AnthropicAdapter implements relay.ModelPort against the Anthropic
// Messages API. Anthropic's API is stateless per call, so this adapter
// keeps its own session_id → transcript map to give RelayEngine the
// resumed-session semantics the core depends on.
type AnthropicAdapter struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string][]turnRecord
}

// NewAnthropicAdapter builds an adapter against the given model. baseURL
// overrides the default API endpoint when non-empty (self-hosted proxies).
func NewAnthropicAdapter(apiKey, baseURL string, model anthropic.Model, logger *slog.Logger) *AnthropicAdapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicAdapter{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: defaultAnthropicMaxTokens,
		logger:    logger,
		sessions:  make(map[string][]turnRecord),
	}
}

// Respond implements relay.ModelPort.
func (a *AnthropicAdapter) Respond(ctx context.Context, in relay.RespondInput) (relay.RespondOutput, error) {
	var transcript []turnRecord
	if in.SessionID != "" {
		a.mu.Lock()
		existing, ok := a.sessions[in.SessionID]
		a.mu.Unlock()
		if !ok {
			return relay.RespondOutput{}, fmt.Errorf("anthropic: session %q not found", in.SessionID)
		}
		transcript = existing
	}
	for _, ctxLine := range in.Context {
		transcript = append(transcript, turnRecord{role: "user", text: ctxLine})
	}
	transcript = append(transcript, turnRecord{role: "user", text: in.Text})

	messages := make([]anthropic.MessageParam, 0, len(transcript))
	for _, t := range transcript {
		if t.role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.text)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(t.text)))
		}
	}

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages:  messages,
	})
	if err != nil {
		return relay.RespondOutput{}, fmt.Errorf("anthropic: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	replyText := strings.TrimSpace(sb.String())
	newSessionID := in.SessionID
	if newSessionID == "" {
		newSessionID = uuid.NewString()
	}
	transcript = append(transcript, turnRecord{role: "assistant", text: replyText})

	a.mu.Lock()
	a.sessions[newSessionID] = transcript
	a.mu.Unlock()

	return relay.RespondOutput{
		ReplyText: replyText,
		SessionID: newSessionID,
		Usage: &relay.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
		Mode: "anthropic",
	}, nil
}

// Abort implements relay.Aborter: it forgets the adapter-local transcript
// for sessionKey so a retried turn starts fresh.
func (a *AnthropicAdapter) Abort(ctx context.Context, sessionKey string) error {
	a.mu.Lock()
	delete(a.sessions, sessionKey)
	a.mu.Unlock()
	return nil
}

// Ping implements relay.Pinger with a minimal, cheap model call.
func (a *AnthropicAdapter) Ping(ctx context.Context) error {
	_, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 1,
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock("ping"))},
	})
	return err
}

var (
	_ relay.ModelPort = (*AnthropicAdapter)(nil)
	_ relay.Pinger    = (*AnthropicAdapter)(nil)
	_ relay.Aborter   = (*AnthropicAdapter)(nil)
)
