package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"credit-bot/internal/audit"
	"credit-bot/internal/db"
	"credit-bot/internal/lifecycle"
	"credit-bot/internal/referral"
	"credit-bot/internal/users"
)

// trackStartClick учитывает переход по ссылке вида /start REF_XXXXX и возвращает код
func (s *Service) trackStartClick(ctx context.Context, msg *tgbotapi.Message) string {
	if !msg.IsCommand() || Command(msg.Command()) != CmdStart {
		return ""
	}
	refCode := strings.TrimSpace(msg.CommandArguments())
	if refCode == "" {
		return ""
	}

	tgID := msg.From.ID
	if _, err := s.referrals.TrackClick(ctx, referral.ClickParams{RefCode: refCode, TelegramID: &tgID}); err != nil {
		slog.Error("Failed to track referral click", "ref_code", refCode, "telegram_id", tgID, "error", err)
	}
	return refCode
}

func (s *Service) handleStart(ctx context.Context, msg *tgbotapi.Message, user *db.User) {
	name := user.FirstName
	if name == "" {
		name = msg.From.FirstName
	}

	if user.LastActivity != nil {
		s.reply(msg.Chat.ID, fmt.Sprintf("С возвращением, %s! 👋\n\nСтатус заявки: /status\nСправка: /help", name))
		return
	}

	text := fmt.Sprintf(`Здравствуйте, %s! 👋

Я помогу найти ошибки в вашей кредитной истории и подготовить заявления в бюро кредитных историй.

Как это работает:
1️⃣ Дайте согласие на обработку данных: /consent
2️⃣ Загрузите отчет НБКИ, ОКБ или Эквифакс: /upload
3️⃣ Запустите диагностику: /diagnose`, name)

	if user.Broker != nil {
		text += fmt.Sprintf("\n\n🤝 Вас пригласил брокер %s", user.Broker.Name)
	}
	s.reply(msg.Chat.ID, text)
}

func (s *Service) handleConsent(msg *tgbotapi.Message, user *db.User) {
	text := fmt.Sprintf(`📜 Согласия

%s Обработка персональных данных (нужно для загрузки документов)
%s Подача заявлений в БКИ от вашего имени`,
		checkMark(user.PDConsent), checkMark(user.ApplicationConsent))

	keyboard := [][]tgbotapi.InlineKeyboardButton{
		{tgbotapi.NewInlineKeyboardButtonData("✅ Согласен на обработку ПД", CallbackConsentPD.String())},
		{tgbotapi.NewInlineKeyboardButtonData("✅ Согласен на подачу заявлений", CallbackConsentApps.String())},
		{tgbotapi.NewInlineKeyboardButtonData("🚫 Отозвать согласия", CallbackConsentRevoke.String())},
	}
	s.sendWithKeyboard(msg.Chat.ID, text, keyboard)
}

func (s *Service) handleConsentCallback(ctx context.Context, callback *tgbotapi.CallbackQuery, user *db.User) {
	yes, no := true, false

	var update users.ConsentUpdate
	var text string
	switch CallbackData(callback.Data) {
	case CallbackConsentPD:
		update.PersonalData = &yes
		text = "✅ Согласие на обработку персональных данных получено.\n\nТеперь можно загрузить отчет: /upload"
	case CallbackConsentApps:
		update.Applications = &yes
		text = "✅ Согласие на подачу заявлений получено."
	case CallbackConsentRevoke:
		update.PersonalData = &no
		update.Applications = &no
		text = "🚫 Согласия отозваны. Загрузка документов недоступна."
	}

	if _, err := s.users.SetConsent(ctx, user.ID, update); err != nil {
		s.answerCallback(callback.ID, "Ошибка")
		s.handleError(ctx, callback.From.ID, ErrDatabasef("set consent for user %d: %v", user.ID, err))
		return
	}
	s.answerCallback(callback.ID, "Сохранено")
	s.editMessage(callback, text)
}

func (s *Service) handleContact(ctx context.Context, msg *tgbotapi.Message, user *db.User) {
	args := strings.Fields(msg.CommandArguments())
	if len(args) == 0 {
		text := "Использование: /contact <телефон> [email]\nПример: /contact +79991234567 ivan@mail.ru"
		phone, email, err := s.users.Contacts(user)
		if err != nil {
			slog.Warn("Failed to decrypt contacts", "user_id", user.ID, "error", err)
		} else if phone != "" || email != "" {
			text = fmt.Sprintf("📞 Телефон: %s\n📧 Email: %s\n\n%s", orDash(phone), orDash(email), text)
		}
		s.reply(msg.Chat.ID, text)
		return
	}

	phone, email := args[0], ""
	if len(args) > 1 {
		email = args[1]
	}
	if strings.Contains(phone, "@") {
		phone, email = "", phone
	}

	ok, err := s.users.UpdateContacts(ctx, user.ID, phone, email)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrDatabasef("update contacts for user %d: %v", user.ID, err))
		return
	}
	if !ok {
		s.reply(msg.Chat.ID, "Нечего сохранять")
		return
	}
	s.reply(msg.Chat.ID, "✅ Контактные данные сохранены в зашифрованном виде")
}

const (
	myDocsLimit  = 5
	historyLimit = 10
)

var uploadTypes = []db.DocumentType{
	db.DocCreditReportNBKI,
	db.DocCreditReportOKB,
	db.DocCreditReportEquifax,
	db.DocPassport,
	db.DocOther,
}

func (s *Service) handleUpload(msg *tgbotapi.Message, user *db.User) {
	if !s.users.Permissions(user).CanUploadDocuments {
		s.reply(msg.Chat.ID, "Для загрузки документов нужно согласие на обработку персональных данных: /consent")
		return
	}

	var keyboard [][]tgbotapi.InlineKeyboardButton
	for _, t := range uploadTypes {
		btn := tgbotapi.NewInlineKeyboardButtonData(t.Emoji()+" "+t.DisplayName(), CallbackDocType.WithID(t))
		keyboard = append(keyboard, []tgbotapi.InlineKeyboardButton{btn})
	}
	s.sendWithKeyboard(msg.Chat.ID, "Выберите тип документа:", keyboard)
}

func (s *Service) handleDocTypeCallback(ctx context.Context, callback *tgbotapi.CallbackQuery, user *db.User) {
	docType := db.DocumentType(strings.TrimPrefix(callback.Data, CallbackDocType.String()))
	if !docType.IsValid() {
		s.answerCallback(callback.ID, "Неизвестный тип документа")
		return
	}
	if !s.users.Permissions(user).CanUploadDocuments {
		s.answerCallback(callback.ID, "Нужно согласие: /consent")
		return
	}

	s.setForm(callback.From.ID, formState{step: stepAwaitDocument, docType: string(docType)})
	s.answerCallback(callback.ID, docType.DisplayName())
	s.editMessage(callback, fmt.Sprintf("%s %s\n\nОтправьте файл (PDF, JPG, PNG или TXT, до %d МБ).",
		docType.Emoji(), docType.DisplayName(), s.documents.MaxSizeMB()))
}

func (s *Service) handleDocumentMessage(ctx context.Context, msg *tgbotapi.Message, user *db.User, state formState) {
	fileID, fileName, fileSize := attachment(msg)
	if fileID == "" {
		s.reply(msg.Chat.ID, "Отправьте документ файлом или фотографией. Отмена: /help")
		return
	}

	if err := s.documents.ValidateFormat(fileName); err != nil {
		s.reply(msg.Chat.ID, "❌ Неподдерживаемый формат. Допустимы PDF, JPG, PNG и TXT.")
		return
	}
	if err := s.documents.ValidateSize(int64(fileSize)); err != nil {
		s.reply(msg.Chat.ID, fmt.Sprintf("❌ Файл больше %d МБ", s.documents.MaxSizeMB()))
		return
	}

	data, err := s.download(ctx, fileID)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrDocumentf("download %s: %v", fileID, err))
		return
	}
	if err := s.documents.ValidateSize(int64(len(data))); err != nil {
		s.reply(msg.Chat.ID, fmt.Sprintf("❌ Файл больше %d МБ", s.documents.MaxSizeMB()))
		return
	}

	app, _, err := s.lifecycle.EnsureActive(ctx, user.ID)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrDatabasef("ensure application for user %d: %v", user.ID, err))
		return
	}

	docType := db.DocumentType(state.docType)
	doc, err := s.documents.Save(ctx, user.ID, &app.ID, fileName, docType, data)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrDocumentf("save document for user %d: %v", user.ID, err))
		return
	}
	s.clearForm(msg.From.ID)

	s.audit.Record(ctx, user.ID, audit.ActionDocumentUploaded, map[string]any{
		"document_id": doc.ID, "application_id": app.ID, "file_type": docType, "file_size": doc.FileSize,
	})

	if _, err := s.lifecycle.MarkDocumentsUploaded(ctx, app.ID); err != nil {
		slog.Error("Failed to mark documents uploaded", "application_id", app.ID, "error", err)
	}

	text := fmt.Sprintf("✅ %s загружен", docType.DisplayName())
	if docType.IsBureauReport() {
		text += "\n\nЗапустить диагностику: /diagnose"
	} else {
		text += "\n\nДля диагностики нужен отчет НБКИ, ОКБ или Эквифакс: /upload"
	}
	s.reply(msg.Chat.ID, text)
}

// attachment возвращает файл из документа или самого большого размера фото
func attachment(msg *tgbotapi.Message) (fileID, fileName string, fileSize int) {
	if msg.Document != nil {
		name := msg.Document.FileName
		if name == "" {
			name = "document"
			if exts, _ := mime.ExtensionsByType(msg.Document.MimeType); len(exts) > 0 {
				name += exts[0]
			}
		}
		return msg.Document.FileID, name, msg.Document.FileSize
	}
	if len(msg.Photo) > 0 {
		photo := msg.Photo[len(msg.Photo)-1]
		return photo.FileID, "photo.jpg", photo.FileSize
	}
	return "", "", 0
}

func (s *Service) download(ctx context.Context, fileID string) ([]byte, error) {
	url, err := s.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	// Читаем на байт больше лимита, чтобы ValidateSize увидел превышение
	limit := s.documents.MaxSizeMB()*1024*1024 + 1
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

func (s *Service) handleStatus(ctx context.Context, msg *tgbotapi.Message, user *db.User) {
	app, err := s.lifecycle.ActiveApplication(ctx, user.ID)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrDatabasef("load active application for user %d: %v", user.ID, err))
		return
	}
	if app == nil {
		s.reply(msg.Chat.ID, "У вас нет активных заявок. Начните с загрузки отчета: /upload")
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📋 Заявка #%d\n%s %s\n", app.ID, app.Status.Emoji(), app.Status.DisplayName())
	if next := app.Status.NextStep(); next != "" {
		fmt.Fprintf(&b, "\n➡️ %s\n", next)
	}

	timeline, err := s.lifecycle.Timeline(ctx, app.ID)
	if err != nil {
		slog.Error("Failed to load timeline", "application_id", app.ID, "error", err)
	}
	if len(timeline) > 0 {
		b.WriteString("\n🕓 История:")
		for i, e := range timeline {
			if i == 5 {
				break
			}
			fmt.Fprintf(&b, "\n%s %s", e.At.Format("02.01 15:04"), e.Status.DisplayName())
			if e.Comment != "" {
				fmt.Fprintf(&b, ": %s", e.Comment)
			}
		}
	}

	if app.Recommendations != "" {
		fmt.Fprintf(&b, "\n\n📝 Рекомендации:\n%s", app.Recommendations)
	}
	s.reply(msg.Chat.ID, b.String())
}

func (s *Service) handleDiagnose(ctx context.Context, msg *tgbotapi.Message, user *db.User) {
	app, err := s.lifecycle.ActiveApplication(ctx, user.ID)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrDatabasef("load active application for user %d: %v", user.ID, err))
		return
	}
	if app == nil {
		s.reply(msg.Chat.ID, "Сначала загрузите отчет БКИ: /upload")
		return
	}
	if app.Status == db.StatusDiagnosisInProgress {
		s.reply(msg.Chat.ID, "⏳ Диагностика уже идет. Результат придет сообщением.")
		return
	}
	if !lifecycle.DiagnosisStartable(app.Status) {
		s.reply(msg.Chat.ID, fmt.Sprintf("Диагностика недоступна в статусе «%s». Подробнее: /status", app.Status.DisplayName()))
		return
	}

	ready, err := s.lifecycle.CheckReadyForDiagnosis(ctx, app.ID)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrDatabasef("check readiness of application %d: %v", app.ID, err))
		return
	}
	if !ready {
		s.reply(msg.Chat.ID, "Для диагностики нужен хотя бы один отчет НБКИ, ОКБ или Эквифакс: /upload")
		return
	}

	s.reply(msg.Chat.ID, "🔍 Диагностика запущена. Это может занять несколько минут, результат придет сообщением.")

	chatID, appID := msg.Chat.ID, app.ID
	s.background(ctx, func(ctx context.Context) {
		ok, err := s.lifecycle.StartDiagnosis(ctx, appID)
		switch {
		case err != nil:
			s.handleError(ctx, chatID, ErrDiagnosisf("start diagnosis for application %d: %v", appID, err))
		case !ok:
			s.reply(chatID, "❌ Диагностика не удалась. Попробуйте еще раз: /diagnose")
		}
	})
}

func (s *Service) handleSubmit(ctx context.Context, msg *tgbotapi.Message, user *db.User) {
	app, err := s.lifecycle.ActiveApplication(ctx, user.ID)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrDatabasef("load active application for user %d: %v", user.ID, err))
		return
	}
	if app == nil || app.Status != db.StatusDiagnosisCompleted {
		s.reply(msg.Chat.ID, "Подать заявления можно после завершения диагностики: /diagnose")
		return
	}
	if !s.users.Permissions(user).CanSubmitApplications {
		s.reply(msg.Chat.ID, "Для подачи заявлений нужно согласие на представительство в БКИ: /consent")
		return
	}

	text := fmt.Sprintf(`📤 Подача заявлений в БКИ по заявке #%d

По найденным ошибкам будут подготовлены заявления и отправлены в бюро.
Бюро рассматривают заявления до 30 дней.

Подтверждаете?`, app.ID)
	keyboard := [][]tgbotapi.InlineKeyboardButton{{
		tgbotapi.NewInlineKeyboardButtonData("✅ Подать", CallbackSubmitConfirm.WithID(app.ID)),
		tgbotapi.NewInlineKeyboardButtonData("Отмена", CallbackSubmitCancel.String()),
	}}
	s.sendWithKeyboard(msg.Chat.ID, text, keyboard)
}

func (s *Service) handleSubmitCallback(ctx context.Context, callback *tgbotapi.CallbackQuery, user *db.User) {
	if callback.Data == CallbackSubmitCancel.String() {
		s.answerCallback(callback.ID, "Отменено")
		s.editMessage(callback, "Подача заявлений отменена")
		return
	}

	appID, err := strconv.ParseUint(strings.TrimPrefix(callback.Data, CallbackSubmitConfirm.String()), 10, 64)
	if err != nil {
		s.answerCallback(callback.ID, "Неверная заявка")
		return
	}
	if !s.users.Permissions(user).CanSubmitApplications {
		s.answerCallback(callback.ID, "Нужно согласие: /consent")
		return
	}

	app, err := s.lifecycle.Get(ctx, uint(appID))
	if err != nil {
		s.answerCallback(callback.ID, "Ошибка")
		s.handleError(ctx, callback.From.ID, ErrDatabasef("load application %d: %v", appID, err))
		return
	}
	if app == nil || app.UserID != user.ID {
		s.answerCallback(callback.ID, "Заявка не найдена")
		return
	}

	ok, err := s.lifecycle.SubmitApplications(ctx, app.ID)
	if err != nil {
		s.answerCallback(callback.ID, "Ошибка")
		s.handleError(ctx, callback.From.ID, ErrDatabasef("submit applications for %d: %v", app.ID, err))
		return
	}
	if !ok {
		s.answerCallback(callback.ID, "Заявления уже поданы")
		return
	}

	s.notifier.NotifyAdmin(ctx, fmt.Sprintf("📤 %s поручил подать заявления по заявке #%d\n\nПосле отправки: /setstatus %d %s",
		userLabel(user), app.ID, app.ID, db.StatusApplicationsSent))
	s.answerCallback(callback.ID, "Принято")
	s.editMessage(callback, fmt.Sprintf("✅ Заявка #%d передана на подачу заявлений в БКИ.\n\nСтатус: /status", app.ID))
}

func (s *Service) handleMyDocs(ctx context.Context, msg *tgbotapi.Message, user *db.User) {
	stats, err := s.documents.Stats(ctx, user.ID)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrDocumentf("load document stats for user %d: %v", user.ID, err))
		return
	}
	if stats.Total == 0 {
		s.reply(msg.Chat.ID, "📄 У вас пока нет загруженных документов. Загрузить отчет: /upload")
		return
	}

	docs, err := s.documents.ListForUser(ctx, user.ID)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrDocumentf("list documents of user %d: %v", user.ID, err))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🗂 Ваши документы\n\nВсего: %d, обработано: %d\n", stats.Total, stats.Processed)
	for _, t := range uploadTypes {
		if n := stats.ByType[t]; n > 0 {
			fmt.Fprintf(&b, "\n%s %s: %d", t.Emoji(), t.DisplayName(), n)
		}
	}
	b.WriteString("\n\nНажмите на документ, чтобы удалить его.")

	var keyboard [][]tgbotapi.InlineKeyboardButton
	for i, doc := range docs {
		if i == myDocsLimit {
			break
		}
		mark := "⏳"
		if doc.IsProcessed {
			mark = "✅"
		}
		label := fmt.Sprintf("%s %s %s · %s", mark, doc.FileType.Emoji(), shorten(doc.FileName, 24), doc.UploadedAt.Format("02.01"))
		keyboard = append(keyboard, []tgbotapi.InlineKeyboardButton{
			tgbotapi.NewInlineKeyboardButtonData(label, CallbackDocDelete.WithID(doc.ID)),
		})
	}
	s.sendWithKeyboard(msg.Chat.ID, b.String(), keyboard)
}

func (s *Service) handleDocDeleteCallback(ctx context.Context, callback *tgbotapi.CallbackQuery, user *db.User) {
	docID, err := strconv.ParseUint(strings.TrimPrefix(callback.Data, CallbackDocDelete.String()), 10, 64)
	if err != nil {
		s.answerCallback(callback.ID, "Неверный документ")
		return
	}

	doc, err := s.documents.Get(ctx, uint(docID))
	if err != nil {
		s.answerCallback(callback.ID, "Ошибка")
		s.handleError(ctx, callback.From.ID, ErrDocumentf("load document %d: %v", docID, err))
		return
	}
	if doc == nil || doc.UserID != user.ID {
		s.answerCallback(callback.ID, "Документ не найден")
		return
	}

	if err := s.documents.Delete(ctx, doc); err != nil {
		s.answerCallback(callback.ID, "Ошибка")
		s.handleError(ctx, callback.From.ID, ErrDocumentf("delete document %d: %v", doc.ID, err))
		return
	}
	s.audit.Record(ctx, user.ID, audit.ActionDocumentDeleted, map[string]any{
		"document_id": doc.ID, "file_type": doc.FileType,
	})

	s.answerCallback(callback.ID, "Удалено")
	s.editMessage(callback, fmt.Sprintf("🗑 Документ «%s» удален\n\nСписок документов: /mydocs", doc.FileName))
}

func (s *Service) handleHistory(ctx context.Context, msg *tgbotapi.Message, user *db.User) {
	stats, err := s.lifecycle.Stats(ctx, user.ID)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrDatabasef("load application stats for user %d: %v", user.ID, err))
		return
	}
	logs, err := s.audit.Recent(ctx, user.ID, historyLimit)
	if err != nil {
		s.handleError(ctx, msg.Chat.ID, ErrDatabasef("load action log for user %d: %v", user.ID, err))
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 Заявок: %d, в работе: %d, завершено: %d", stats.Total, stats.InProgress, stats.Completed)
	if len(logs) > 0 {
		b.WriteString("\n\n🕓 Последние действия:")
		for _, l := range logs {
			fmt.Fprintf(&b, "\n%s %s", l.CreatedAt.Format("02.01 15:04"), actionLabel(l.Action))
		}
	}
	s.reply(msg.Chat.ID, b.String())
}

var actionLabels = map[string]string{
	audit.ActionUserRegistered:        "Регистрация",
	audit.ActionConsentChanged:        "Изменены согласия",
	audit.ActionContactUpdated:        "Обновлены контакты",
	audit.ActionApplicationCreated:    "Создана заявка",
	audit.ActionStatusChanged:         "Изменен статус заявки",
	audit.ActionDiagnosisCompleted:    "Диагностика завершена",
	audit.ActionDiagnosisFailed:       "Диагностика не удалась",
	audit.ActionDocumentUploaded:      "Загружен документ",
	audit.ActionDocumentDeleted:       "Удален документ",
	audit.ActionApplicationsSubmitted: "Поручена подача заявлений",
	audit.ActionSupportMessage:        "Обращение в поддержку",
	audit.ActionRoleChanged:           "Изменена роль",
	audit.ActionBrokerAppSubmitted:    "Заявка на роль брокера",
	audit.ActionInviteCodeActivated:   "Активирован инвайт-код",
	audit.ActionReferralRegistration:  "Регистрация по ссылке брокера",
	audit.ActionCommissionAccrued:     "Начислена комиссия",
}

func actionLabel(action string) string {
	if label, ok := actionLabels[action]; ok {
		return label
	}
	return action
}

// shorten обрезает строку до n символов: текст кнопки ограничен
func shorten(v string, n int) string {
	r := []rune(v)
	if len(r) <= n {
		return v
	}
	return string(r[:n-1]) + "…"
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func checkMark(v bool) string {
	if v {
		return "✅"
	}
	return "⬜"
}
