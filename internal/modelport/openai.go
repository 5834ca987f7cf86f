package modelport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/basket/relaycore/internal/relay"
)

// OpenAIAdapter implements relay.ModelPort against the OpenAI Chat
// Completions API. Same adapter-local session bookkeeping strategy as
// AnthropicAdapter, since the Chat Completions API is likewise stateless.
type OpenAIAdapter struct {
	client openai.Client
	model  openai.ChatModel
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string][]turnRecord
}

// NewOpenAIAdapter builds an adapter against the given chat model. baseURL
// overrides the default endpoint when non-empty (Azure/OpenRouter/other
// OpenAI-compatible gateways).
func NewOpenAIAdapter(apiKey, baseURL string, model openai.ChatModel, logger *slog.Logger) *OpenAIAdapter {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIAdapter{
		client:   openai.NewClient(opts...),
		model:    model,
		logger:   logger,
		sessions: make(map[string][]turnRecord),
	}
}

// Respond implements relay.ModelPort.
func (a *OpenAIAdapter) Respond(ctx context.Context, in relay.RespondInput) (relay.RespondOutput, error) {
	var transcript []turnRecord
	if in.SessionID != "" {
		a.mu.Lock()
		existing, ok := a.sessions[in.SessionID]
		a.mu.Unlock()
		if !ok {
			return relay.RespondOutput{}, fmt.Errorf("openai: session %q not found", in.SessionID)
		}
		transcript = existing
	}
	for _, ctxLine := range in.Context {
		transcript = append(transcript, turnRecord{role: "user", text: ctxLine})
	}
	transcript = append(transcript, turnRecord{role: "user", text: in.Text})

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(transcript))
	for _, t := range transcript {
		if t.role == "assistant" {
			messages = append(messages, openai.AssistantMessage(t.text))
		} else {
			messages = append(messages, openai.UserMessage(t.text))
		}
	}

	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    a.model,
		Messages: messages,
	})
	if err != nil {
		return relay.RespondOutput{}, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return relay.RespondOutput{}, fmt.Errorf("openai: no user-facing text output in response")
	}

	replyText := strings.TrimSpace(resp.Choices[0].Message.Content)
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
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
		Mode: "openai",
	}, nil
}

// Abort implements relay.Aborter.
func (a *OpenAIAdapter) Abort(ctx context.Context, sessionKey string) error {
	a.mu.Lock()
	delete(a.sessions, sessionKey)
	a.mu.Unlock()
	return nil
}

// Ping implements relay.Pinger.
func (a *OpenAIAdapter) Ping(ctx context.Context) error {
	_, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    a.model,
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage("ping")},
	})
	return err
}

var (
	_ relay.ModelPort = (*OpenAIAdapter)(nil)
	_ relay.Pinger    = (*OpenAIAdapter)(nil)
	_ relay.Aborter   = (*OpenAIAdapter)(nil)
)
