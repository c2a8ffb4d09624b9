package notify

import (
	"context"
	"errors"
	"fmt"

	"labreserve/internal/config"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// MessageSender is the part of tgbotapi.BotAPI the sink needs.
type MessageSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramSink posts notifications to a fixed set of chats.
type TelegramSink struct {
	sender  MessageSender
	chatIDs []int64
}

func NewTelegramSink(sender MessageSender, chatIDs []int64) *TelegramSink {
	return &TelegramSink{sender: sender, chatIDs: chatIDs}
}

// NewTelegramBot authenticates the bot token.
func NewTelegramBot(cfg config.TelegramConfig) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	bot.Debug = cfg.Debug
	return bot, nil
}

func (s *TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Deliver(ctx context.Context, n Notification) error {
	text := n.Text()
	var errs []error
	for _, chatID := range s.chatIDs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		msg := tgbotapi.NewMessage(chatID, text)
		msg.DisableWebPagePreview = true
		if _, err := s.sender.Send(msg); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", chatID, err))
		}
	}
	return errors.Join(errs...)
}
