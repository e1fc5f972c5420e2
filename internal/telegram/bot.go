package telegram

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"credit-bot/internal/audit"
	"credit-bot/internal/brokerauth"
	"credit-bot/internal/db"
	"credit-bot/internal/documents"
	"credit-bot/internal/lifecycle"
	"credit-bot/internal/metrics"
	"credit-bot/internal/referral"
	"credit-bot/internal/users"
)

// botAPI - используемая часть Bot API
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Notifier interface {
	Send(ctx context.Context, telegramID int64, text string)
	NotifyAdmin(ctx context.Context, text string)
}

// Deps - сервисы, которыми пользуются обработчики
type Deps struct {
	Users     *users.Service
	Lifecycle *lifecycle.Manager
	Documents *documents.Service
	Brokers   *brokerauth.Engine
	Referrals *referral.Tracker
	Audit     *audit.Logger
	Notifier  Notifier
	Metrics   *metrics.Metrics
}

type Service struct {
	bot        botAPI
	users      *users.Service
	lifecycle  *lifecycle.Manager
	documents  *documents.Service
	brokers    *brokerauth.Engine
	referrals  *referral.Tracker
	audit      *audit.Logger
	notifier   Notifier
	metrics    *metrics.Metrics
	httpClient *http.Client
	now        func() time.Time

	formsMu sync.Mutex
	forms   map[int64]formState

	// фоновые диагностики
	wg sync.WaitGroup
}

// NewBot авторизуется в Bot API и переключает бота на long-polling
func NewBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	bot.Debug = false

	// Удаляем webhook чтобы использовать long-polling
	_, err = bot.Request(tgbotapi.DeleteWebhookConfig{})
	if err != nil {
		slog.Warn("Failed to delete webhook", "error", err)
	} else {
		slog.Info("Webhook deleted, switched to long-polling")
	}

	slog.Info("Authorized as telegram bot", "username", bot.Self.UserName)
	return bot, nil
}

func NewService(bot botAPI, deps Deps) *Service {
	return &Service{
		bot:        bot,
		users:      deps.Users,
		lifecycle:  deps.Lifecycle,
		documents:  deps.Documents,
		brokers:    deps.Brokers,
		referrals:  deps.Referrals,
		audit:      deps.Audit,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		httpClient: &http.Client{Timeout: time.Minute},
		now:        func() time.Time { return time.Now().UTC() },
		forms:      make(map[int64]formState),
	}
}

func (s *Service) Start(ctx context.Context) error {
	// Устанавливаем меню команд
	if err := s.setCommands(); err != nil {
		slog.Warn("Failed to set bot commands", "error", err)
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := s.bot.GetUpdatesChan(u)
	defer s.bot.StopReceivingUpdates()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case upd := <-updates:
			s.handleUpdate(ctx, upd)
		}
	}
}

func (s *Service) handleUpdate(ctx context.Context, upd tgbotapi.Update) {
	ev, ok := EventFromUpdate(upd)
	if !ok {
		return
	}
	s.metrics.ObserveUpdate(ev.kind())

	started := time.Now()
	slog.Debug("Handling update", "update_id", upd.UpdateID, "kind", ev.kind(), "telegram_id", ev.Sender().ID)
	defer func() {
		slog.Debug("Update handled", "update_id", upd.UpdateID, "kind", ev.kind(), "duration", time.Since(started))
	}()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic while handling update", "update_id", upd.UpdateID, "panic", r)
		}
	}()

	// Переход по реферальной ссылке учитываем до регистрации пользователя
	refCode := ""
	if me, ok := ev.(MessageEvent); ok {
		refCode = s.trackStartClick(ctx, me.Message)
	}

	user, err := s.currentUser(ctx, ev.Sender(), refCode)
	if err != nil {
		s.handleError(ctx, ev.ChatID(), ErrDatabasef("load user %d: %v", ev.Sender().ID, err))
		return
	}

	// Деактивированному аккаунту доступна только поддержка
	if !user.IsActive && !s.allowedWhileInactive(ev) {
		if ce, ok := ev.(CallbackEvent); ok {
			s.answerCallback(ce.Query.ID, "Аккаунт деактивирован")
		}
		s.reply(ev.ChatID(), "🚫 Аккаунт деактивирован, ваши данные удалены.\n\nНаписать в поддержку: /support <сообщение>")
		return
	}

	switch ev := ev.(type) {
	case MessageEvent:
		s.handleMessage(ctx, ev.Message, user)
	case CallbackEvent:
		s.handleCallbackQuery(ctx, ev.Query, user)
	default:
		slog.Warn("Unsupported event", "type", ev.kind())
	}
}

func (s *Service) allowedWhileInactive(ev Event) bool {
	me, ok := ev.(MessageEvent)
	if !ok {
		return false
	}
	if me.Message.IsCommand() {
		return Command(me.Message.Command()) == CmdSupport
	}
	state, ok := s.form(me.Message.From.ID)
	return ok && state.step == stepAwaitSupport
}

// currentUser регистрирует пользователя при первом обращении и отмечает активность.
// Возвращается состояние до отметки: LastActivity == nil означает первый визит.
func (s *Service) currentUser(ctx context.Context, from *tgbotapi.User, refCode string) (*db.User, error) {
	user, _, err := s.users.GetOrCreate(ctx, users.Profile{
		TelegramID: from.ID,
		Username:   from.UserName,
		FirstName:  from.FirstName,
		LastName:   from.LastName,
	}, refCode)
	if err != nil {
		return nil, err
	}
	if err := s.users.TouchActivity(ctx, user.ID); err != nil {
		slog.Warn("Failed to update last activity", "user_id", user.ID, "error", err)
	}
	return user, nil
}

func (s *Service) handleMessage(ctx context.Context, msg *tgbotapi.Message, user *db.User) {
	if msg.IsCommand() {
		s.handleCommand(ctx, msg, user)
		return
	}

	if state, ok := s.form(msg.From.ID); ok {
		switch state.step {
		case stepAwaitDocument:
			s.handleDocumentMessage(ctx, msg, user, state)
			return
		case stepAwaitSupport:
			s.handleSupportMessage(ctx, msg, user)
			return
		}
	}

	if msg.Document != nil || len(msg.Photo) > 0 {
		s.reply(msg.Chat.ID, "Чтобы загрузить документ, сначала выберите его тип: /upload")
		return
	}
	s.reply(msg.Chat.ID, "Не понимаю сообщение. Используйте /help")
}

func (s *Service) handleCallbackQuery(ctx context.Context, callback *tgbotapi.CallbackQuery, user *db.User) {
	data := callback.Data

	switch {
	case data == CallbackConsentPD.String(),
		data == CallbackConsentApps.String(),
		data == CallbackConsentRevoke.String():
		s.handleConsentCallback(ctx, callback, user)
	case strings.HasPrefix(data, CallbackDocType.String()):
		s.handleDocTypeCallback(ctx, callback, user)
	case strings.HasPrefix(data, CallbackDocDelete.String()):
		s.handleDocDeleteCallback(ctx, callback, user)
	case strings.HasPrefix(data, CallbackSubmitConfirm.String()),
		data == CallbackSubmitCancel.String():
		s.handleSubmitCallback(ctx, callback, user)
	case data == CallbackEraseRequest.String(),
		data == CallbackEraseConfirm.String(),
		data == CallbackEraseCancel.String():
		s.handleEraseCallback(ctx, callback, user)
	case strings.HasPrefix(data, CallbackBrokerApprove.String()),
		strings.HasPrefix(data, CallbackBrokerReject.String()):
		s.handleBrokerAppCallback(ctx, callback, user)
	default:
		s.answerCallback(callback.ID, "Неизвестное действие")
	}
}

func (s *Service) handleCommand(ctx context.Context, msg *tgbotapi.Message, user *db.User) {
	cmd := Command(msg.Command())

	// Проверяем валидность команды
	if !cmd.IsValid() {
		s.handleUnknown(msg)
		return
	}

	// Новая команда прерывает начатый сценарий
	s.clearForm(msg.From.ID)

	// Проверяем права для админских команд
	if cmd.IsAdminOnly() && !s.users.IsAdmin(user) {
		s.reply(msg.Chat.ID, "У вас нет прав для этой команды")
		return
	}
	if cmd.IsBrokerOnly() && user.Role != db.RoleBroker && !s.users.IsAdmin(user) {
		s.reply(msg.Chat.ID, "Команда доступна только брокерам. Подать заявку: /broker")
		return
	}

	switch cmd {
	case CmdStart:
		s.handleStart(ctx, msg, user)
	case CmdHelp:
		s.handleHelp(msg, user)
	case CmdConsent:
		s.handleConsent(msg, user)
	case CmdContact:
		s.handleContact(ctx, msg, user)
	case CmdUpload:
		s.handleUpload(msg, user)
	case CmdMyDocs:
		s.handleMyDocs(ctx, msg, user)
	case CmdStatus:
		s.handleStatus(ctx, msg, user)
	case CmdHistory:
		s.handleHistory(ctx, msg, user)
	case CmdDiagnose:
		s.handleDiagnose(ctx, msg, user)
	case CmdSubmit:
		s.handleSubmit(ctx, msg, user)
	case CmdSupport:
		s.handleSupport(ctx, msg, user)
	case CmdPrivacy:
		s.handlePrivacy(msg)
	case CmdDeleteData:
		s.handleDeleteData(msg)
	case CmdBroker:
		s.handleBrokerApply(ctx, msg, user)
	case CmdActivate:
		s.handleActivate(ctx, msg, user)
	case CmdMyStats:
		s.handleMyStats(ctx, msg)
	case CmdNewRef:
		s.handleNewRef(ctx, msg)
	case CmdClients:
		s.handleClients(ctx, msg)
	case CmdBrokerApps:
		s.handleBrokerApps(ctx, msg)
	case CmdInvite:
		s.handleInvite(ctx, msg)
	case CmdCodes:
		s.handleCodes(ctx, msg)
	case CmdSetStatus:
		s.handleSetStatus(ctx, msg)
	case CmdCommission:
		s.handleCommission(ctx, msg)
	case CmdMakeAdmin:
		s.handleSetRole(ctx, msg, db.RoleAdmin)
	case CmdResetRole:
		s.handleSetRole(ctx, msg, db.RoleClient)
	}
}

func (s *Service) handleHelp(msg *tgbotapi.Message, user *db.User) {
	text := `💳 Бот диагностики кредитной истории

👤 Команды клиента:
/consent - согласия на обработку данных
/contact <телефон> <email> - контактные данные
/upload - загрузить отчет БКИ или документ
/mydocs - мои документы
/diagnose - запустить диагностику
/submit - подать заявления в БКИ
/status - статус заявки
/history - история действий
/support - написать в поддержку
/privacy - политика конфиденциальности
/deletedata - удалить мои данные
/broker - стать брокером
/activate <код> - активировать инвайт-код
/help - справка`

	if user.Role == db.RoleBroker {
		text += `

🤝 Команды брокера:
/mystats - реферальная статистика
/clients - мои клиенты
/newref - новый реферальный код`
	}

	if s.users.IsAdmin(user) {
		text += `

⚡ Администраторские команды:
/brokerapps - заявки брокеров
/invite [broker|admin] [дней] - выпустить инвайт-код
/codes - действующие инвайт-коды
/setstatus <id> <статус> [комментарий] - сменить статус заявки
/commission <user_id> <сумма> - начислить комиссию брокеру
/makeadmin <telegram_id> - выдать права администратора
/resetrole <telegram_id> - сбросить роль до клиента`
	}

	s.reply(msg.Chat.ID, text)
}

func (s *Service) handleUnknown(msg *tgbotapi.Message) {
	s.reply(msg.Chat.ID, "Неизвестная команда. Используйте /help")
}

func (s *Service) reply(chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := s.bot.Send(msg)
	if err != nil {
		slog.Error("Failed to send reply", "chat_id", chatID, "error", err)
	}
	return err
}

func (s *Service) sendWithKeyboard(chatID int64, text string, keyboard [][]tgbotapi.InlineKeyboardButton) {
	msgConfig := tgbotapi.NewMessage(chatID, text)
	if len(keyboard) > 0 {
		msgConfig.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(keyboard...)
	}
	if _, err := s.bot.Send(msgConfig); err != nil {
		slog.Error("Failed to send message", "chat_id", chatID, "error", err)
	}
}

func (s *Service) editMessage(callback *tgbotapi.CallbackQuery, text string) {
	if callback.Message == nil || callback.Message.Chat == nil {
		s.reply(callback.From.ID, text)
		return
	}
	edit := tgbotapi.NewEditMessageText(callback.Message.Chat.ID, callback.Message.MessageID, text)
	s.bot.Send(edit)
}

func (s *Service) answerCallback(callbackID, text string) {
	callback := tgbotapi.NewCallback(callbackID, text)
	s.bot.Request(callback)
}

func (s *Service) form(telegramID int64) (formState, bool) {
	s.formsMu.Lock()
	defer s.formsMu.Unlock()
	state, ok := s.forms[telegramID]
	return state, ok
}

func (s *Service) setForm(telegramID int64, state formState) {
	s.formsMu.Lock()
	defer s.formsMu.Unlock()
	s.forms[telegramID] = state
}

func (s *Service) clearForm(telegramID int64) {
	s.formsMu.Lock()
	defer s.formsMu.Unlock()
	delete(s.forms, telegramID)
}

// background запускает долгую операцию вне цикла обновлений
func (s *Service) background(ctx context.Context, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(context.WithoutCancel(ctx))
	}()
}

func (s *Service) setCommands() error {
	commands := []tgbotapi.BotCommand{
		{Command: "start", Description: "🚀 Начать работу"},
		{Command: "help", Description: "❓ Справка"},
		{Command: "upload", Description: "📄 Загрузить документ"},
		{Command: "diagnose", Description: "🔍 Диагностика КИ"},
		{Command: "submit", Description: "📤 Подать заявления в БКИ"},
		{Command: "status", Description: "📊 Статус заявки"},
		{Command: "mydocs", Description: "🗂 Мои документы"},
		{Command: "consent", Description: "✅ Согласия"},
		{Command: "support", Description: "💬 Поддержка"},
		{Command: "broker", Description: "🤝 Стать брокером"},
	}

	config := tgbotapi.NewSetMyCommands(commands...)
	_, err := s.bot.Request(config)
	return err
}
