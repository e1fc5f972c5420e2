package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"credit-bot/internal/audit"
	"credit-bot/internal/db"
	"credit-bot/internal/lifecycle"
)

// в журнал пишется только начало обращения
const supportLogRunes = 200

const privacyText = `🔐 Политика конфиденциальности

1️⃣ Телефон и email хранятся в зашифрованном виде (AES-256-GCM).
2️⃣ Мы собираем только данные, нужные для диагностики и подачи заявлений.
3️⃣ Обработка ведется в соответствии с 152-ФЗ «О персональных данных».
4️⃣ Вы можете отозвать согласия (/consent) или удалить свои данные (/deletedata).`

const eraseWarning = `🗑 Удаление данных

При удалении:
• все загруженные документы будут удалены
• активная заявка будет закрыта
• контакты и согласия будут стерты
• аккаунт будет деактивирован

Восстановить данные будет невозможно.`

func (s *Service) handleSupport(ctx context.Context, msg *tgbotapi.Message, user *db.User) {
	if strings.TrimSpace(msg.CommandArguments()) != "" {
		s.forwardSupport(ctx, msg, user, msg.CommandArguments())
		return
	}

	s.setForm(msg.From.ID, formState{step: stepAwaitSupport})
	s.reply(msg.Chat.ID, `💬 Служба поддержки

Опишите вопрос следующим сообщением. Укажите номер заявки, если он есть.
Отмена: /help`)
}

func (s *Service) handleSupportMessage(ctx context.Context, msg *tgbotapi.Message, user *db.User) {
	if strings.TrimSpace(msg.Text) == "" {
		s.reply(msg.Chat.ID, "Напишите обращение текстом. Отмена: /help")
		return
	}
	s.clearForm(msg.From.ID)
	s.forwardSupport(ctx, msg, user, msg.Text)
}

// forwardSupport пересылает обращение главному администратору
func (s *Service) forwardSupport(ctx context.Context, msg *tgbotapi.Message, user *db.User, text string) {
	text = strings.TrimSpace(text)
	ticket := fmt.Sprintf("SUP%d-%d", user.ID, msg.MessageID)

	var b strings.Builder
	fmt.Fprintf(&b, "💬 Обращение #%s\n👤 %s", ticket, userLabel(user))
	if phone, email, err := s.users.Contacts(user); err != nil {
		slog.Warn("Failed to decrypt contacts", "user_id", user.ID, "error", err)
	} else if phone != "" || email != "" {
		fmt.Fprintf(&b, "\n📞 %s %s", phone, email)
	}
	if !user.IsActive {
		b.WriteString("\n🚫 Аккаунт деактивирован")
	}
	fmt.Fprintf(&b, "\n\n%s", text)
	s.notifier.NotifyAdmin(ctx, b.String())

	logged := text
	if utf8.RuneCountInString(logged) > supportLogRunes {
		logged = string([]rune(logged)[:supportLogRunes])
	}
	s.audit.Record(ctx, user.ID, audit.ActionSupportMessage, map[string]any{
		"ticket": ticket, "message": logged, "message_length": utf8.RuneCountInString(text),
	})

	s.reply(msg.Chat.ID, fmt.Sprintf("✅ Обращение #%s отправлено. Мы ответим в этом чате.", ticket))
}

func (s *Service) handlePrivacy(msg *tgbotapi.Message) {
	keyboard := [][]tgbotapi.InlineKeyboardButton{
		{tgbotapi.NewInlineKeyboardButtonData("🗑 Удалить мои данные", CallbackEraseRequest.String())},
	}
	s.sendWithKeyboard(msg.Chat.ID, privacyText, keyboard)
}

func (s *Service) handleDeleteData(msg *tgbotapi.Message) {
	s.sendWithKeyboard(msg.Chat.ID, eraseWarning, eraseKeyboard())
}

func eraseKeyboard() [][]tgbotapi.InlineKeyboardButton {
	return [][]tgbotapi.InlineKeyboardButton{{
		tgbotapi.NewInlineKeyboardButtonData("🗑 Удалить", CallbackEraseConfirm.String()),
		tgbotapi.NewInlineKeyboardButtonData("Отмена", CallbackEraseCancel.String()),
	}}
}

func (s *Service) handleEraseCallback(ctx context.Context, callback *tgbotapi.CallbackQuery, user *db.User) {
	switch CallbackData(callback.Data) {
	case CallbackEraseRequest:
		s.answerCallback(callback.ID, "")
		s.sendWithKeyboard(callback.From.ID, eraseWarning, eraseKeyboard())
		return
	case CallbackEraseCancel:
		s.answerCallback(callback.ID, "Отменено")
		s.editMessage(callback, "Удаление данных отменено")
		return
	}

	docs, err := s.eraseUserData(ctx, user)
	if err != nil {
		s.answerCallback(callback.ID, "Ошибка")
		s.handleError(ctx, callback.From.ID, ErrDatabasef("erase data of user %d: %v", user.ID, err))
		return
	}

	s.notifier.NotifyAdmin(ctx, fmt.Sprintf("🗑 Пользователь %s удалил свои данные (документов: %d)", userLabel(user), docs))
	s.answerCallback(callback.ID, "Данные удалены")
	s.editMessage(callback, "✅ Ваши данные удалены, аккаунт деактивирован.")
}

// eraseUserData закрывает активную заявку и удаляет документы перед деактивацией аккаунта
func (s *Service) eraseUserData(ctx context.Context, user *db.User) (int, error) {
	app, err := s.lifecycle.ActiveApplication(ctx, user.ID)
	if err != nil {
		return 0, err
	}
	if app != nil {
		_, err := s.lifecycle.Transition(ctx, app.ID, db.StatusRejected, "Клиент удалил свои данные", db.ActorUser)
		if err != nil && !errors.Is(err, lifecycle.ErrConcurrentUpdate) {
			return 0, err
		}
	}

	docs, err := s.documents.DeleteForUser(ctx, user.ID)
	if err != nil {
		return docs, err
	}
	if _, err := s.users.Deactivate(ctx, user.ID); err != nil {
		return docs, err
	}
	s.clearForm(user.TelegramID)
	return docs, nil
}

func userLabel(user *db.User) string {
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	if name == "" {
		name = "без имени"
	}
	if user.Username != "" {
		name += " (@" + user.Username + ")"
	}
	return fmt.Sprintf("%s, id %d", name, user.TelegramID)
}
