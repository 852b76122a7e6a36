// Package notify sends download notifications to Telegram chats.
package notify

import (
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers plain text messages through the Bot API.
type Telegram struct {
	api telegramAPI
	log *slog.Logger
}

// NewTelegram authenticates with token and returns a sender.
func NewTelegram(token string, log *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	log.Info("telegram notifications enabled", "bot", api.Self.UserName)
	return &Telegram{api: api, log: log}, nil
}

// SendMessage sends a text message to the given chat.
func (t *Telegram) SendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		t.log.Error("send message", "chat_id", chatID, "error", err)
	}
}
