package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"credit-bot/internal/audit"
	"credit-bot/internal/brokerauth"
	"credit-bot/internal/db"
	"credit-bot/internal/referral"
)

const clientsLimit = 10

const brokerApplyUsage = `🤝 Заявка на роль брокера

Отправьте данные одной строкой через точку с запятой:
/broker ФИО; компания; телефон; email; опыт работы

Обязательно только ФИО.`

func (s *Service) handleBrokerApply(ctx context.Context, msg *tgbotapi.Message, user *db.User) {
	if user.Role == db.RoleBroker {
		s.reply(msg.Chat.ID, "Вы уже брокер. Статистика: /mystats")
		return
	}

	args := strings.TrimSpace(msg.CommandArguments())
	if args == "" {
		s.showBrokerApplication(ctx, msg)
		return
	}

	parts := strings.Split(args, ";")
	field := func(i int) string {
		if i < len(parts) {
			return strings.TrimSpace(parts[i])
		}
		return ""
	}

	app, err := s.brokers.Submit(ctx, brokerauth.SubmitParams{
		TelegramID: msg.From.ID,
		Username:   msg.From.UserName,
		FullName:   field(0),
		Company:    field(1),
		Phone:      field(2),
		Email:      field(3),
		Experience: field(4),
	})
	switch {
	case errors.Is(err, brokerauth.ErrMissingName):
		s.reply(msg.Chat.ID, brokerApplyUsage)
		return
	case errors.Is(err, brokerauth.ErrDuplicatePending):
		s.reply(msg.Chat.ID, "⏳ У вас уже есть заявка на рассмотрении")
		return
	case err != nil:
		s.handleError(ctx, msg.Chat.ID, ErrBrokerf("submit broker application for %d: %v", msg.From.ID, err))
		return
	}

	s.audit.Record(ctx, user.ID, audit.ActionBrokerAppSubmitted, map[string]any{
		"broker_application_id": app.ID,
	})
	s.notifier.NotifyAdmin(ctx, fmt.Sprintf("🤝 Новая заявка брокера #%d\n👤 %s (@%s)\n🏢 %s\n\nРассмотреть: /brokerapps",
		app.ID, app.FullName, app.Username, app.Company))

	s.reply(msg.Chat.ID, "✅ Заявка отправлена. После одобрения вы получите инвайт-код.")
}

func (s *Service) showBrokerApplication(ctx context.Context, msg *tgbotapi.Message) {
	app, err := s.brokers.LatestApplication(ctx, msg.From.ID)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrDatabasef("load broker application for %d: %v", msg.From.ID, err))
		return
	}
	if app == nil {
		s.reply(msg.Chat.ID, brokerApplyUsage)
		return
	}

	text := fmt.Sprintf("Ваша заявка #%d от %s: %s %s",
		app.ID, app.CreatedAt.Format("02.01.2006"), app.Status.Emoji(), app.Status.DisplayName())
	if app.AdminComment != "" {
		text += "\n💬 " + app.AdminComment
	}
	if app.Status == db.BrokerAppRejected {
		text += "\n\nМожно подать новую заявку:\n/broker ФИО; компания; телефон; email; опыт работы"
	}
	s.reply(msg.Chat.ID, text)
}

func (s *Service) handleActivate(ctx context.Context, msg *tgbotapi.Message, user *db.User) {
	code := strings.TrimSpace(msg.CommandArguments())
	if code == "" {
		s.reply(msg.Chat.ID, "Использование: /activate <код>\nПример: /activate BR_2025_A7K")
		return
	}

	ok, err := s.brokers.ActivateCode(ctx, code, user.ID)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrBrokerf("activate code %s for user %d: %v", code, user.ID, err))
		return
	}
	if !ok {
		s.reply(msg.Chat.ID, s.activationFailureText(ctx, code))
		return
	}

	updated, err := s.users.Get(ctx, user.ID)
	if err != nil || updated == nil {
		s.reply(msg.Chat.ID, "✅ Код активирован")
		return
	}

	if updated.Role == db.RoleAdmin {
		s.reply(msg.Chat.ID, "✅ Код активирован. Вам выданы права администратора: /help")
		return
	}

	text := "🎉 Код активирован, теперь вы брокер!"
	if broker, err := s.referrals.BrokerByTelegramID(ctx, msg.From.ID); err == nil && broker != nil {
		if link, err := s.referrals.ReferralLink(ctx, broker.ID); err == nil {
			text += "\n\n🔗 Ваша реферальная ссылка:\n" + link
		}
	}
	text += "\n\nСтатистика: /mystats"
	s.reply(msg.Chat.ID, text)
}

// activationFailureText объясняет, почему код не подошел
func (s *Service) activationFailureText(ctx context.Context, code string) string {
	invite, err := s.brokers.LookupCode(ctx, code)
	if err != nil {
		slog.Error("Failed to look up invite code", "code", code, "error", err)
		return "❌ Код недействителен"
	}
	switch {
	case invite == nil:
		return "❌ Код не найден"
	case invite.IsUsed || invite.CurrentUses >= invite.MaxUses:
		return "❌ Код уже использован"
	case !invite.ExpiresAt.After(s.now()):
		return "❌ Срок действия кода истек"
	}
	return "❌ Код недействителен"
}

func (s *Service) handleMyStats(ctx context.Context, msg *tgbotapi.Message) {
	broker, ok := s.currentBroker(ctx, msg)
	if !ok {
		return
	}

	stats, err := s.referrals.Stats(ctx, broker.ID)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrBrokerf("load stats for broker %d: %v", broker.ID, err))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 Реферальная статистика\n\n")
	fmt.Fprintf(&b, "🔗 %s\n\n", s.referrals.LinkFor(stats.RefCode))
	fmt.Fprintf(&b, "👆 Переходов: %d\n", stats.Clicks)
	fmt.Fprintf(&b, "👤 Регистраций: %d\n", stats.Registrations)
	fmt.Fprintf(&b, "📈 Конверсия: %.1f%%\n", stats.ConversionRate)
	fmt.Fprintf(&b, "👥 Клиентов: %d, активных заявок: %d\n", stats.TotalClients, stats.ActiveApplications)
	fmt.Fprintf(&b, "💰 Комиссия: %s ₽ (выплачено %s ₽)", stats.TotalCommission.StringFixed(2), stats.PaidCommission.StringFixed(2))

	if len(stats.RecentClicks) > 0 {
		b.WriteString("\n\n🕓 Последние переходы:")
		for _, c := range stats.RecentClicks {
			mark := "⬜"
			if c.Converted {
				mark = "✅"
			}
			fmt.Fprintf(&b, "\n%s %s", mark, c.ClickedAt.Format("02.01 15:04"))
		}
	}
	s.reply(msg.Chat.ID, b.String())
}

func (s *Service) handleNewRef(ctx context.Context, msg *tgbotapi.Message) {
	broker, ok := s.currentBroker(ctx, msg)
	if !ok {
		return
	}

	code, err := s.referrals.RegenerateCode(ctx, broker.ID)
	switch {
	case errors.Is(err, referral.ErrBrokerNotFound):
		s.reply(msg.Chat.ID, "Профиль брокера не найден")
		return
	case err != nil:
		s.handleError(ctx, msg.Chat.ID, ErrBrokerf("regenerate ref code for broker %d: %v", broker.ID, err))
		return
	case code == "":
		s.reply(msg.Chat.ID, "Не удалось подобрать свободный код, попробуйте еще раз")
		return
	}
	s.reply(msg.Chat.ID, fmt.Sprintf("✅ Новый реферальный код: %s\n\n🔗 %s\n\nСтарая статистика сохранена.", code, s.referrals.LinkFor(code)))
}

func (s *Service) handleClients(ctx context.Context, msg *tgbotapi.Message) {
	broker, ok := s.currentBroker(ctx, msg)
	if !ok {
		return
	}

	clients, err := s.users.ListClients(ctx, broker.ID, clientsLimit)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrBrokerf("list clients of broker %d: %v", broker.ID, err))
		return
	}
	if len(clients) == 0 {
		s.reply(msg.Chat.ID, "👥 Клиентов пока нет. Поделитесь ссылкой:\n"+s.referrals.LinkFor(broker.RefCode))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "👥 Последние клиенты (%d)\n", len(clients))
	for _, c := range clients {
		status := "нет активной заявки"
		app, err := s.lifecycle.ActiveApplication(ctx, c.ID)
		if err != nil {
			slog.Error("Failed to load client application", "user_id", c.ID, "error", err)
		} else if app != nil {
			status = app.Status.Emoji() + " " + app.Status.DisplayName()
		}
		fmt.Fprintf(&b, "\n• %s, с %s: %s", clientName(&c), c.CreatedAt.Format("02.01.2006"), status)
	}
	s.reply(msg.Chat.ID, b.String())
}

// clientName показывает брокеру имя клиента с инициалом фамилии
func clientName(u *db.User) string {
	name := u.FirstName
	if last := []rune(u.LastName); len(last) > 0 {
		name += " " + string(last[0]) + "."
	}
	if name == "" {
		name = fmt.Sprintf("Клиент #%d", u.ID)
	}
	return name
}

func (s *Service) currentBroker(ctx context.Context, msg *tgbotapi.Message) (*db.Broker, bool) {
	broker, err := s.referrals.BrokerByTelegramID(ctx, msg.From.ID)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrDatabasef("load broker %d: %v", msg.From.ID, err))
		return nil, false
	}
	if broker == nil || !broker.IsActive {
		s.reply(msg.Chat.ID, "Профиль брокера не найден. Активируйте инвайт-код: /activate <код>")
		return nil, false
	}
	return broker, true
}
