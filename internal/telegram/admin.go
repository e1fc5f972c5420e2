package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"

	"credit-bot/internal/brokerauth"
	"credit-bot/internal/db"
	"credit-bot/internal/lifecycle"
)

func (s *Service) handleBrokerApps(ctx context.Context, msg *tgbotapi.Message) {
	apps, err := s.brokers.PendingApplications(ctx)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrDatabasef("load pending broker applications: %v", err))
		return
	}
	if len(apps) == 0 {
		s.reply(msg.Chat.ID, "Заявок брокеров на рассмотрении нет")
		return
	}

	for _, app := range apps {
		text := fmt.Sprintf("🤝 Заявка #%d\n👤 %s", app.ID, app.FullName)
		if app.Username != "" {
			text += " (@" + app.Username + ")"
		}
		if app.Company != "" {
			text += "\n🏢 " + app.Company
		}
		if app.Phone != "" || app.Email != "" {
			text += fmt.Sprintf("\n📞 %s %s", app.Phone, app.Email)
		}
		if app.Experience != "" {
			text += "\n💼 " + app.Experience
		}
		text += "\n📅 " + app.CreatedAt.Format("02.01.2006 15:04")

		keyboard := [][]tgbotapi.InlineKeyboardButton{{
			tgbotapi.NewInlineKeyboardButtonData("✅ Одобрить", CallbackBrokerApprove.WithID(app.ID)),
			tgbotapi.NewInlineKeyboardButtonData("❌ Отклонить", CallbackBrokerReject.WithID(app.ID)),
		}}
		s.sendWithKeyboard(msg.Chat.ID, text, keyboard)
	}
}

func (s *Service) handleBrokerAppCallback(ctx context.Context, callback *tgbotapi.CallbackQuery, user *db.User) {
	if !s.users.IsAdmin(user) {
		s.answerCallback(callback.ID, "Нет прав")
		return
	}

	approve := strings.HasPrefix(callback.Data, CallbackBrokerApprove.String())
	prefix := CallbackBrokerReject.String()
	if approve {
		prefix = CallbackBrokerApprove.String()
	}
	appID, err := strconv.ParseUint(strings.TrimPrefix(callback.Data, prefix), 10, 64)
	if err != nil {
		s.answerCallback(callback.ID, "Неверная заявка")
		return
	}

	app, err := s.brokers.GetApplication(ctx, uint(appID))
	if err != nil {
		s.answerCallback(callback.ID, "Ошибка")
		s.handleError(ctx, callback.From.ID, ErrBrokerf("load broker application %d: %v", appID, err))
		return
	}
	if app == nil {
		s.answerCallback(callback.ID, "Заявка не найдена")
		return
	}

	if approve {
		invite, err := s.brokers.Approve(ctx, app.ID, callback.From.ID, "")
		switch {
		case errors.Is(err, brokerauth.ErrApplicationNotFound):
			s.answerCallback(callback.ID, "Заявка не найдена")
		case errors.Is(err, brokerauth.ErrAlreadyProcessed):
			s.answerCallback(callback.ID, "Заявка уже обработана")
		case err != nil:
			s.answerCallback(callback.ID, "Ошибка")
			s.handleError(ctx, callback.From.ID, ErrBrokerf("approve broker application %d: %v", appID, err))
		default:
			s.answerCallback(callback.ID, "Одобрено")
			s.editMessage(callback, fmt.Sprintf("✅ Заявка #%d (%s) одобрена\n🔑 Код: %s", app.ID, app.FullName, invite.Code))
		}
		return
	}

	ok, err := s.brokers.Reject(ctx, app.ID, callback.From.ID, "")
	switch {
	case err != nil:
		s.answerCallback(callback.ID, "Ошибка")
		s.handleError(ctx, callback.From.ID, ErrBrokerf("reject broker application %d: %v", appID, err))
	case !ok:
		s.answerCallback(callback.ID, "Заявка уже обработана")
	default:
		s.answerCallback(callback.ID, "Отклонено")
		s.editMessage(callback, fmt.Sprintf("❌ Заявка #%d (%s) отклонена", app.ID, app.FullName))
	}
}

func (s *Service) handleInvite(ctx context.Context, msg *tgbotapi.Message) {
	args := strings.Fields(msg.CommandArguments())

	codeType := db.CodeTypeBroker
	days := 0
	for _, arg := range args {
		if n, err := strconv.Atoi(arg); err == nil {
			days = n
			continue
		}
		codeType = strings.ToLower(arg)
	}
	if days < 0 || days > 365 {
		s.reply(msg.Chat.ID, "Срок действия: от 1 до 365 дней")
		return
	}

	invite, err := s.brokers.CreateManualCode(ctx, msg.From.ID, codeType, days)
	if errors.Is(err, brokerauth.ErrUnknownCodeType) {
		s.reply(msg.Chat.ID, "Использование: /invite [broker|admin] [дней]")
		return
	}
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrBrokerf("create invite code: %v", err))
		return
	}

	s.reply(msg.Chat.ID, fmt.Sprintf("🔑 Инвайт-код (%s): %s\n⏰ Действует до: %s\n\nАктивация: /activate %s",
		invite.CodeType, invite.Code, invite.ExpiresAt.Format("02.01.2006 15:04"), invite.Code))
}

func (s *Service) handleCodes(ctx context.Context, msg *tgbotapi.Message) {
	codes, err := s.brokers.ActiveCodes(ctx, codesLimit)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrDatabasef("load active invite codes: %v", err))
		return
	}
	if len(codes) == 0 {
		s.reply(msg.Chat.ID, "Действующих инвайт-кодов нет. Выпустить: /invite [broker|admin] [дней]")
		return
	}

	var b strings.Builder
	b.WriteString("🔑 Действующие инвайт-коды:\n")
	for _, c := range codes {
		fmt.Fprintf(&b, "\n%s (%s) до %s, использований %d/%d",
			c.Code, c.CodeType, c.ExpiresAt.Format("02.01.2006 15:04"), c.CurrentUses, c.MaxUses)
	}
	s.reply(msg.Chat.ID, b.String())
}

// handleSetRole обслуживает /makeadmin и /resetrole
func (s *Service) handleSetRole(ctx context.Context, msg *tgbotapi.Message, role db.UserRole) {
	tgID, err := strconv.ParseInt(strings.TrimSpace(msg.CommandArguments()), 10, 64)
	if err != nil {
		s.reply(msg.Chat.ID, fmt.Sprintf("Использование: /%s <telegram_id>", msg.Command()))
		return
	}
	if tgID == msg.From.ID {
		s.reply(msg.Chat.ID, "Нельзя менять собственную роль")
		return
	}

	target, err := s.users.GetByTelegramID(ctx, tgID)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrDatabasef("load user %d: %v", tgID, err))
		return
	}
	if target == nil {
		s.reply(msg.Chat.ID, fmt.Sprintf("Пользователь с Telegram ID %d не найден", tgID))
		return
	}

	ok, err := s.users.SetRole(ctx, target.ID, role)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrDatabasef("set role %s for user %d: %v", role, target.ID, err))
		return
	}
	if !ok {
		s.reply(msg.Chat.ID, fmt.Sprintf("Пользователь с Telegram ID %d не найден", tgID))
		return
	}

	s.reply(msg.Chat.ID, fmt.Sprintf("✅ %s: новая роль %s", userLabel(target), role.DisplayName()))
	if role == db.RoleAdmin {
		s.notifier.Send(ctx, target.TelegramID, "⚡ Вам выданы права администратора. Команды: /help")
	}
}

func (s *Service) handleSetStatus(ctx context.Context, msg *tgbotapi.Message) {
	args := strings.Fields(msg.CommandArguments())
	if len(args) < 2 {
		s.reply(msg.Chat.ID, "Использование: /setstatus <id заявки> <статус> [комментарий]\n\nСтатусы: "+statusList())
		return
	}

	appID, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		s.reply(msg.Chat.ID, "Неверный номер заявки")
		return
	}
	status := db.ApplicationStatus(strings.ToLower(args[1]))
	if !status.IsValid() {
		s.reply(msg.Chat.ID, "Неизвестный статус. Допустимые: "+statusList())
		return
	}
	comment := strings.Join(args[2:], " ")

	ok, err := s.lifecycle.Transition(ctx, uint(appID), status, comment, db.ActorAdmin)
	switch {
	case errors.Is(err, lifecycle.ErrConcurrentUpdate):
		s.reply(msg.Chat.ID, "Статус заявки изменился одновременно с вашей командой, повторите")
		return
	case err != nil:
		s.handleError(ctx, msg.Chat.ID, ErrDatabasef("set status %s for application %d: %v", status, appID, err))
		return
	case !ok:
		s.reply(msg.Chat.ID, fmt.Sprintf("Заявка #%d не найдена", appID))
		return
	}

	s.reply(msg.Chat.ID, fmt.Sprintf("✅ Заявка #%d: %s %s", appID, status.Emoji(), status.DisplayName()))
	s.notifyApplicant(ctx, uint(appID), status, comment)
}

func (s *Service) notifyApplicant(ctx context.Context, appID uint, status db.ApplicationStatus, comment string) {
	app, err := s.lifecycle.Get(ctx, appID)
	if err != nil || app == nil {
		return
	}
	user, err := s.users.Get(ctx, app.UserID)
	if err != nil || user == nil {
		return
	}

	text := fmt.Sprintf("📋 Статус заявки #%d изменен: %s %s", appID, status.Emoji(), status.DisplayName())
	if comment != "" {
		text += "\n💬 " + comment
	}
	if next := status.NextStep(); next != "" {
		text += "\n\n➡️ " + next
	}
	s.notifier.Send(ctx, user.TelegramID, text)
	if err := s.lifecycle.MarkNotified(ctx, appID); err != nil {
		slog.Warn("Failed to mark status history as notified", "application_id", appID, "error", err)
	}
}

func (s *Service) handleCommission(ctx context.Context, msg *tgbotapi.Message) {
	args := strings.Fields(msg.CommandArguments())
	if len(args) != 2 {
		s.reply(msg.Chat.ID, "Использование: /commission <user_id> <сумма>\nПример: /commission 42 150000.50")
		return
	}

	userID, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		s.reply(msg.Chat.ID, "Неверный user_id")
		return
	}
	amount, err := decimal.NewFromString(strings.ReplaceAll(args[1], ",", "."))
	if err != nil || !amount.IsPositive() {
		s.reply(msg.Chat.ID, "Сумма должна быть положительным числом")
		return
	}

	commission, ok, err := s.referrals.CalculateCommission(ctx, uint(userID), amount)
	if errors.Is(err, db.ErrAmountOutOfRange) {
		s.reply(msg.Chat.ID, "Сумма слишком большая, комиссия не начислена")
		return
	}
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrDatabasef("accrue commission for user %d: %v", userID, err))
		return
	}
	if !ok {
		s.reply(msg.Chat.ID, "Пользователь не найден или не привязан к брокеру")
		return
	}
	s.reply(msg.Chat.ID, fmt.Sprintf("💰 Брокеру начислено %s ₽ с суммы %s ₽", commission.StringFixed(2), amount.StringFixed(2)))
}

const codesLimit = 20

func statusList() string {
	statuses := []db.ApplicationStatus{
		db.StatusCreated, db.StatusDocumentsUploaded, db.StatusDiagnosisInProgress,
		db.StatusDiagnosisCompleted, db.StatusDiagnosisFailed, db.StatusApplicationsPending,
		db.StatusApplicationsSent, db.StatusCompleted, db.StatusRejected,
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = st.String()
	}
	return strings.Join(names, ", ")
}
