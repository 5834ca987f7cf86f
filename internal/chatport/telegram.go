// Package chatport implements relay.ChatPort against real chat transports.
// TelegramChannel adapts Telegram's getUpdates long-poll API to the
// pull-based ReceiveUpdates(ctx, cursor) contract WorkerLoop drives.
package chatport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/relaycore/internal/relay"
)

const longPollTimeoutSeconds = 25

// TelegramChannel is a relay.ChatPort backed by the Telegram Bot API.
type TelegramChannel struct {
	bot        *tgbotapi.BotAPI
	allowedIDs map[int64]struct{}
	logger     *slog.Logger
}

// NewTelegramChannel authenticates against the Telegram Bot API. allowedIDs
// restricts which Telegram user ids may be relayed; an empty list allows
// everyone.
func NewTelegramChannel(token string, allowedIDs []int64, logger *slog.Logger) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{bot: bot, allowedIDs: allowed, logger: logger}, nil
}

// ReceiveUpdates implements relay.ChatPort. It issues one long-poll
// getUpdates call starting after cursor and returns every update allowed
// through the access list, converted to relay.Update.
func (t *TelegramChannel) ReceiveUpdates(ctx context.Context, cursor *int64) ([]relay.Update, error) {
	offset := 0
	if cursor != nil {
		offset = int(*cursor)
	}

	cfg := tgbotapi.NewUpdate(offset)
	cfg.Timeout = longPollTimeoutSeconds

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := t.bot.GetUpdates(cfg)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates: %w", err)
	}

	updates := make([]relay.Update, 0, len(raw))
	for _, u := range raw {
		if u.Message == nil {
			continue
		}
		if !t.isAllowed(u.Message.From) {
			t.logf("telegram access denied", "user_id", userID(u.Message.From))
			continue
		}
		update, ok := convertUpdate(u)
		if !ok {
			continue
		}
		updates = append(updates, update)
	}
	return updates, nil
}

// isAllowed reports whether from may be relayed. A nil allow-list (or a nil
// sender) permits everything; this matches Telegram bots configured without
// an explicit allow-list.
func (t *TelegramChannel) isAllowed(from *tgbotapi.User) bool {
	if len(t.allowedIDs) == 0 {
		return true
	}
	if from == nil {
		return false
	}
	_, ok := t.allowedIDs[from.ID]
	return ok
}

func userID(from *tgbotapi.User) int64 {
	if from == nil {
		return 0
	}
	return from.ID
}

// convertUpdate converts one Telegram update into a relay.Update. The
// second return is false for updates with no text to relay (empty or
// whitespace-only messages). A reply to an earlier message carries that
// message's id as the thread id — reply chains are this transport's
// sub-conversations.
func convertUpdate(u tgbotapi.Update) (relay.Update, bool) {
	text := strings.TrimSpace(u.Message.Text)
	if text == "" {
		return relay.Update{}, false
	}

	chatID := strconv.FormatInt(u.Message.Chat.ID, 10)
	threadID := relay.NullThreadID()
	if u.Message.ReplyToMessage != nil {
		threadID = relay.ValueThreadID(strconv.Itoa(u.Message.ReplyToMessage.MessageID))
	}

	return relay.Update{
		UpdateID: int64(u.UpdateID),
		Message: relay.InboundMessage{
			ChatID:   chatID,
			ThreadID: threadID,
			Text:     text,
		},
	}, true
}

// errThreadNotFound matches the Telegram Bot API's error text when the
// message a send replies to has been deleted.
const errThreadNotFound = "replied message not found"

// Send implements relay.ChatPort.
func (t *TelegramChannel) Send(ctx context.Context, msg relay.OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram send: invalid chat id %q: %w", msg.ChatID, err)
	}

	cfg := tgbotapi.NewMessage(chatID, msg.Text)
	if threadID, ok := msg.ThreadID.Value(); ok {
		n, err := strconv.Atoi(threadID)
		if err == nil {
			cfg.ReplyToMessageID = n
		}
	}

	if _, err := t.bot.Send(cfg); err != nil {
		if isThreadRejected(err) {
			return errors.Join(relay.ErrThreadIDRejected, err)
		}
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

func isThreadRejected(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), errThreadNotFound)
}

func (t *TelegramChannel) logf(msg string, args ...any) {
	if t.logger != nil {
		t.logger.Warn(msg, args...)
	}
}

var _ relay.ChatPort = (*TelegramChannel)(nil)
