package notify

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mymmrac/telego"
)

// TelegramSender delivers messages to a Telegram chat via telego's bot
// API.
type TelegramSender struct {
	bot *telego.Bot
}

// NewTelegramSender creates a bot client authenticated with token.
func NewTelegramSender(token string) (*TelegramSender, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("notify: create telegram bot: %w", err)
	}
	return &TelegramSender{bot: bot}, nil
}

// Send posts message to the Telegram chat identified by chatID, which
// must be the chat's numeric id.
func (t *TelegramSender) Send(ctx context.Context, chatID, message string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("notify: telegram chat id %q must be numeric: %w", chatID, err)
	}
	_, err = t.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID: telego.ChatID{ID: id},
		Text:   message,
	})
	if err != nil {
		return fmt.Errorf("notify: telegram send to %s: %w", chatID, err)
	}
	return nil
}
