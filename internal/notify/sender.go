package notify

import (
	"context"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Sender доставляет сообщения пользователям и администратору через Bot API.
// Ошибки доставки только логируются.
type Sender struct {
	bot          *tgbotapi.BotAPI
	superAdminID int64
}

func NewSender(bot *tgbotapi.BotAPI, superAdminID int64) *Sender {
	return &Sender{bot: bot, superAdminID: superAdminID}
}

func (s *Sender) Send(ctx context.Context, telegramID int64, text string) {
	if ctx.Err() != nil {
		slog.Warn("Notification skipped, context done", "telegram_id", telegramID, "error", ctx.Err())
		return
	}

	msg := tgbotapi.NewMessage(telegramID, text)
	if _, err := s.bot.Send(msg); err != nil {
		slog.Error("Failed to send notification", "telegram_id", telegramID, "error", err)
	}
}

// NotifyAdmin отправляет сообщение супер-админу, если он настроен
func (s *Sender) NotifyAdmin(ctx context.Context, text string) {
	if s.superAdminID == 0 {
		slog.Warn("Super admin is not configured, notification dropped")
		return
	}
	s.Send(ctx, s.superAdminID, text)
}
