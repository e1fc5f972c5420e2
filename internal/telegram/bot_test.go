package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-bot/internal/audit"
	"credit-bot/internal/brokerauth"
	"credit-bot/internal/db"
	"credit-bot/internal/db/dbtest"
	"credit-bot/internal/diagnosis"
	"credit-bot/internal/documents"
	"credit-bot/internal/lifecycle"
	"credit-bot/internal/referral"
	"credit-bot/internal/security"
	"credit-bot/internal/users"
)

const superAdminID = 123456789

type fakeBot struct {
	mu        sync.Mutex
	sent      []tgbotapi.Chattable
	callbacks []string
	fileURL   string
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := c.(tgbotapi.CallbackConfig); ok {
		f.callbacks = append(f.callbacks, cb.Text)
	}
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) GetFileDirectURL(fileID string) (string, error) {
	if f.fileURL == "" {
		return "", errors.New("no file server")
	}
	return f.fileURL + "/" + fileID, nil
}

func (f *fakeBot) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (f *fakeBot) StopReceivingUpdates() {}

// texts возвращает тексты отправленных сообщений и правок в чат
func (f *fakeBot) texts(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for _, c := range f.sent {
		switch m := c.(type) {
		case tgbotapi.MessageConfig:
			if m.ChatID == chatID {
				out = append(out, m.Text)
			}
		case tgbotapi.EditMessageTextConfig:
			if m.ChatID == chatID {
				out = append(out, m.Text)
			}
		}
	}
	return out
}

func (f *fakeBot) last(chatID int64) string {
	texts := f.texts(chatID)
	if len(texts) == 0 {
		return ""
	}
	return texts[len(texts)-1]
}

func (f *fakeBot) keyboards() []tgbotapi.InlineKeyboardMarkup {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []tgbotapi.InlineKeyboardMarkup
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			if kb, ok := m.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup); ok {
				out = append(out, kb)
			}
		}
	}
	return out
}

type sentMessage struct {
	chatID int64
	text   string
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []sentMessage
	admin []string
}

func (f *fakeNotifier) Send(ctx context.Context, telegramID int64, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{chatID: telegramID, text: text})
}

func (f *fakeNotifier) NotifyAdmin(ctx context.Context, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.admin = append(f.admin, text)
}

func (f *fakeNotifier) sentTo(chatID int64) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, m := range f.sent {
		if m.chatID == chatID {
			out = append(out, m.text)
		}
	}
	return out
}

type fakeAnalyzer struct {
	result *diagnosis.Result
	err    error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, userID uint, applicationID *uint) (*diagnosis.Result, error) {
	return f.result, f.err
}

type testEnv struct {
	svc      *Service
	bot      *fakeBot
	repo     *db.Repository
	notifier *fakeNotifier
	analyzer *fakeAnalyzer
}

func setupTestService(t *testing.T) *testEnv {
	repo := dbtest.New(t)
	gdb := repo.DB()

	cipher, err := security.LoadFieldCipher("test-secret", repo)
	require.NoError(t, err)

	notifier := &fakeNotifier{}
	analyzer := &fakeAnalyzer{result: &diagnosis.Result{DocumentsAnalyzed: 1}}
	auditLogger := audit.NewLogger(gdb)
	tracker := referral.NewTracker(gdb, auditLogger, referral.Options{BotUsername: "credit_bot"})

	bot := &fakeBot{}
	svc := NewService(bot, Deps{
		Users:     users.NewService(gdb, cipher, tracker, auditLogger, superAdminID),
		Lifecycle: lifecycle.NewManager(gdb, analyzer, auditLogger, notifier, lifecycle.Options{StrictTransitions: true}),
		Documents: documents.NewService(gdb, t.TempDir(), 5),
		Brokers:   brokerauth.NewEngine(gdb, auditLogger, notifier, brokerauth.Options{DefaultCommissionRate: 0.15}),
		Referrals: tracker,
		Audit:     auditLogger,
		Notifier:  notifier,
	})

	return &testEnv{svc: svc, bot: bot, repo: repo, notifier: notifier, analyzer: analyzer}
}

// send прогоняет текст через обработчик так, как его доставил бы long-polling
func (e *testEnv) send(from int64, text string) {
	msg := &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: from, FirstName: "Иван", UserName: "ivan"},
		Chat:      &tgbotapi.Chat{ID: from},
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		cmd, _, _ := strings.Cut(text, " ")
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	e.svc.handleUpdate(context.Background(), tgbotapi.Update{Message: msg})
}

func (e *testEnv) sendDocument(from int64, fileName string, size int) {
	msg := &tgbotapi.Message{
		MessageID: 2,
		From:      &tgbotapi.User{ID: from, FirstName: "Иван"},
		Chat:      &tgbotapi.Chat{ID: from},
		Document:  &tgbotapi.Document{FileID: "file-1", FileName: fileName, FileSize: size},
	}
	e.svc.handleUpdate(context.Background(), tgbotapi.Update{Message: msg})
}

func (e *testEnv) press(from int64, data string) {
	query := &tgbotapi.CallbackQuery{
		ID:      "cb",
		From:    &tgbotapi.User{ID: from, FirstName: "Иван"},
		Message: &tgbotapi.Message{MessageID: 3, Chat: &tgbotapi.Chat{ID: from}},
		Data:    data,
	}
	e.svc.handleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: query})
}

func (e *testEnv) user(t *testing.T, telegramID int64) *db.User {
	var user db.User
	require.NoError(t, e.repo.DB().Where("telegram_id = ?", telegramID).First(&user).Error)
	return &user
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		cmd        Command
		valid      bool
		adminOnly  bool
		brokerOnly bool
	}{
		{CmdStart, true, false, false},
		{CmdDiagnose, true, false, false},
		{CmdMyStats, true, false, true},
		{CmdNewRef, true, false, true},
		{CmdClients, true, false, true},
		{CmdSubmit, true, false, false},
		{CmdDeleteData, true, false, false},
		{CmdBrokerApps, true, true, false},
		{CmdCommission, true, true, false},
		{CmdCodes, true, true, false},
		{CmdMakeAdmin, true, true, false},
		{CmdResetRole, true, true, false},
		{Command("buy"), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.cmd.String(), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.cmd.IsValid())
			assert.Equal(t, tt.adminOnly, tt.cmd.IsAdminOnly())
			assert.Equal(t, tt.brokerOnly, tt.cmd.IsBrokerOnly())
		})
	}
}

func TestCallbackPrefixWithID(t *testing.T) {
	assert.Equal(t, "bapp_ok_42", CallbackBrokerApprove.WithID(42))
	assert.Equal(t, "doctype_passport", CallbackDocType.WithID(db.DocPassport))
	assert.Equal(t, "docdel_7", CallbackDocDelete.WithID(uint(7)))
}

func TestEventFromUpdate(t *testing.T) {
	from := &tgbotapi.User{ID: 7}

	ev, ok := EventFromUpdate(tgbotapi.Update{Message: &tgbotapi.Message{From: from, Chat: &tgbotapi.Chat{ID: 70}}})
	require.True(t, ok)
	assert.IsType(t, MessageEvent{}, ev)
	assert.Equal(t, int64(70), ev.ChatID())

	ev, ok = EventFromUpdate(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{From: from}})
	require.True(t, ok)
	assert.IsType(t, CallbackEvent{}, ev)
	assert.Equal(t, int64(7), ev.ChatID(), "callback without message falls back to sender chat")

	_, ok = EventFromUpdate(tgbotapi.Update{EditedMessage: &tgbotapi.Message{From: from}})
	assert.False(t, ok)
}

func TestBotError(t *testing.T) {
	err := NewBotError("TEST_CODE", "Test message", "User message", "Details")

	assert.Equal(t, "TEST_CODE", err.Code)
	assert.Equal(t, "User message", err.UserMessage)
	assert.Equal(t, "[TEST_CODE] Test message: Details", err.Error())
}

func TestErrorHelpers(t *testing.T) {
	tests := []struct {
		name     string
		err      *BotError
		wantCode string
	}{
		{"ErrInvalidInputf", ErrInvalidInputf("test details %s", "arg"), ErrInvalidInput},
		{"ErrDatabasef", ErrDatabasef("db error"), ErrDatabaseError},
		{"ErrPermission", ErrPermission("no permission"), ErrPermissionDenied},
		{"ErrUserNotFoundf", ErrUserNotFoundf("user %d", 1), ErrUserNotFound},
		{"ErrDocumentf", ErrDocumentf("file %s", "x"), ErrDocumentError},
		{"ErrDiagnosisf", ErrDiagnosisf("app %d", 1), ErrDiagnosisError},
		{"ErrBrokerf", ErrBrokerf("broker %d", 1), ErrBrokerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, tt.err.Code)
			assert.NotEmpty(t, tt.err.UserMessage)
		})
	}
}

func TestHandleErrorReportsToAdmin(t *testing.T) {
	env := setupTestService(t)

	env.svc.handleError(context.Background(), 55, ErrDatabasef("boom"))
	env.svc.handleError(context.Background(), 55, errors.New("plain"))

	texts := env.bot.texts(55)
	require.Len(t, texts, 2)
	assert.Contains(t, texts[0], "Ошибка базы данных")
	assert.Contains(t, texts[1], "внутренняя ошибка")

	require.Len(t, env.notifier.admin, 2)
	assert.Contains(t, env.notifier.admin[0], ErrDatabaseError)
	assert.Contains(t, env.notifier.admin[1], "UNKNOWN_ERROR")
}

func TestUnknownCommandAndText(t *testing.T) {
	env := setupTestService(t)

	env.send(1, "/buy")
	assert.Contains(t, env.bot.last(1), "Неизвестная команда")

	env.send(1, "привет")
	assert.Contains(t, env.bot.last(1), "Не понимаю")
}

func TestAdminCommandsRequireAdmin(t *testing.T) {
	env := setupTestService(t)

	env.send(1, "/invite broker 3")
	assert.Contains(t, env.bot.last(1), "нет прав")

	env.send(1, "/mystats")
	assert.Contains(t, env.bot.last(1), "только брокерам")

	env.send(superAdminID, "/help")
	assert.Contains(t, env.bot.last(superAdminID), "Администраторские команды")

	env.send(1, "/help")
	assert.NotContains(t, env.bot.last(1), "Администраторские команды")
}
