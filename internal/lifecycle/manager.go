package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"credit-bot/internal/audit"
	"credit-bot/internal/db"
	"credit-bot/internal/diagnosis"
	"credit-bot/internal/metrics"
)

var (
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrUnknownStatus     = errors.New("unknown application status")
	ErrConcurrentUpdate  = errors.New("application status changed concurrently")

	errUnexpectedStatus = errors.New("application is not in the expected status")
)

type ActionLogger interface {
	Record(ctx context.Context, userID uint, action string, details map[string]any)
}

type Notifier interface {
	Send(ctx context.Context, telegramID int64, text string)
}

// Analyzer - внешний анализ кредитной истории
type Analyzer interface {
	Analyze(ctx context.Context, userID uint, applicationID *uint) (*diagnosis.Result, error)
}

type Options struct {
	// StrictTransitions=false пропускает недопустимые переходы, только логируя их
	StrictTransitions bool
	Metrics           *metrics.Metrics
}

// Manager ведет заявку по статусам и пишет журнал переходов
type Manager struct {
	db       *gorm.DB
	analyzer Analyzer
	audit    ActionLogger
	notifier Notifier
	metrics  *metrics.Metrics
	strict   bool
	now      func() time.Time
}

func NewManager(gdb *gorm.DB, analyzer Analyzer, audit ActionLogger, notifier Notifier, opts Options) *Manager {
	return &Manager{
		db:       gdb,
		analyzer: analyzer,
		audit:    audit,
		notifier: notifier,
		metrics:  opts.Metrics,
		strict:   opts.StrictTransitions,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type CreateParams struct {
	TargetBank  string
	LoanPurpose string
	LoanAmount  *decimal.Decimal
}

// Create создает заявку в статусе CREATED вместе с первой записью истории
func (m *Manager) Create(ctx context.Context, userID uint, params CreateParams) (*db.Application, error) {
	var loanMinor *int64
	if params.LoanAmount != nil {
		minor, err := db.ToMinor(*params.LoanAmount)
		if err != nil {
			return nil, err
		}
		loanMinor = &minor
	}

	now := m.now()
	app := &db.Application{
		UserID:          userID,
		Status:          db.StatusCreated,
		TargetBank:      params.TargetBank,
		LoanPurpose:     params.LoanPurpose,
		LoanAmountMinor: loanMinor,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(app).Error; err != nil {
			return err
		}
		return tx.Create(&db.StatusHistory{
			ApplicationID: app.ID,
			NewStatus:     db.StatusCreated,
			Comment:       "Заявка создана",
			Actor:         db.ActorSystem,
			CreatedAt:     now,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create application: %w", err)
	}

	m.audit.Record(ctx, userID, audit.ActionApplicationCreated, map[string]any{
		"application_id": app.ID,
		"target_bank":    params.TargetBank,
		"loan_purpose":   params.LoanPurpose,
	})
	slog.Info("Application created", "application_id", app.ID, "user_id", userID)
	return app, nil
}

// Transition меняет статус заявки и пишет запись истории в одной транзакции.
// Возвращает false, если заявки нет.
func (m *Manager) Transition(ctx context.Context, appID uint, newStatus db.ApplicationStatus, comment string, actor db.Actor) (bool, error) {
	app, old, err := m.transition(ctx, appID, "", newStatus, comment, actor, nil)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	m.afterTransition(ctx, app, old, comment, actor)
	return true, nil
}

// transition меняет статус; непустой expect требует, чтобы заявка была именно в этом статусе
func (m *Manager) transition(ctx context.Context, appID uint, expect, newStatus db.ApplicationStatus, comment string, actor db.Actor, extra map[string]any) (*db.Application, db.ApplicationStatus, error) {
	if !newStatus.IsValid() {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownStatus, newStatus)
	}

	var app db.Application
	var old db.ApplicationStatus

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&app, appID).Error; err != nil {
			return err
		}
		old = app.Status
		if expect != "" && old != expect {
			return errUnexpectedStatus
		}

		if err := m.checkTransition(app.ID, old, newStatus, actor); err != nil {
			return err
		}

		now := m.now()
		updates := map[string]any{
			"status":     newStatus,
			"updated_at": now,
		}
		if newStatus.IsTerminal() {
			updates["completed_at"] = now
		}
		for k, v := range extra {
			updates[k] = v
		}

		// Обновляем только если статус не успели поменять параллельно
		res := tx.Model(&db.Application{}).
			Where("id = ? AND status = ?", app.ID, old).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}

		return tx.Create(&db.StatusHistory{
			ApplicationID: app.ID,
			OldStatus:     &old,
			NewStatus:     newStatus,
			Comment:       comment,
			Actor:         actor,
			CreatedAt:     now,
		}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, ErrIllegalTransition) ||
			errors.Is(err, ErrConcurrentUpdate) || errors.Is(err, errUnexpectedStatus) {
			return nil, old, err
		}
		return nil, old, fmt.Errorf("failed to update application %d status: %w", appID, err)
	}

	app.Status = newStatus
	return &app, old, nil
}

func (m *Manager) checkTransition(appID uint, from, to db.ApplicationStatus, actor db.Actor) error {
	if CanTransition(from, to) {
		return nil
	}

	switch {
	case actor == db.ActorAdmin:
		slog.Warn("Admin override of status transition", "application_id", appID, "from", from, "to", to)
		return nil
	case !m.strict:
		slog.Warn("Illegal status transition allowed", "application_id", appID, "from", from, "to", to, "actor", actor)
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

func (m *Manager) afterTransition(ctx context.Context, app *db.Application, old db.ApplicationStatus, comment string, actor db.Actor) {
	m.metrics.ObserveTransition(old.String(), app.Status.String())
	m.audit.Record(ctx, app.UserID, audit.ActionStatusChanged, map[string]any{
		"application_id": app.ID,
		"old_status":     old,
		"new_status":     app.Status,
		"comment":        comment,
		"actor":          actor,
	})
	slog.Info("Application status changed",
		"application_id", app.ID,
		"from", old,
		"to", app.Status,
		"actor", actor)
}

// SubmitApplications передает заявку с завершенной диагностикой на подачу заявлений в БКИ
// по запросу клиента. false, если заявки нет или она не в DIAGNOSIS_COMPLETED.
func (m *Manager) SubmitApplications(ctx context.Context, appID uint) (bool, error) {
	const comment = "Клиент поручил подать заявления в БКИ"

	app, old, err := m.transition(ctx, appID, db.StatusDiagnosisCompleted, db.StatusApplicationsPending, comment, db.ActorUser, nil)
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, errUnexpectedStatus) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.afterTransition(ctx, app, old, comment, db.ActorUser)

	m.audit.Record(ctx, app.UserID, audit.ActionApplicationsSubmitted, map[string]any{"application_id": app.ID})
	return true, nil
}

// CheckReadyForDiagnosis - true, если к заявке приложен хотя бы один отчет БКИ
func (m *Manager) CheckReadyForDiagnosis(ctx context.Context, appID uint) (bool, error) {
	var count int64
	err := m.db.WithContext(ctx).Model(&db.Document{}).
		Where("application_id = ? AND file_type IN ?", appID, db.BureauReportTypes).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to count bureau reports: %w", err)
	}
	return count > 0, nil
}

// StartDiagnosis переводит заявку в DIAGNOSIS_IN_PROGRESS и синхронно вызывает анализ.
// Сбой анализа переводит заявку в DIAGNOSIS_FAILED с текстом ошибки и не возвращается как error.
func (m *Manager) StartDiagnosis(ctx context.Context, appID uint) (bool, error) {
	ready, err := m.CheckReadyForDiagnosis(ctx, appID)
	if err != nil || !ready {
		return false, err
	}

	app, old, err := m.transition(ctx, appID, "", db.StatusDiagnosisInProgress, "Диагностика КИ запущена", db.ActorSystem, nil)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	m.afterTransition(ctx, app, old, "Диагностика КИ запущена", db.ActorSystem)

	started := time.Now()
	result, err := m.runAnalyzer(ctx, app)

	// Результат фиксируем, даже если запрос пользователя уже отменен
	recordCtx := context.WithoutCancel(ctx)

	var payload []byte
	if err == nil {
		payload, err = json.Marshal(result.Analysis)
	}
	if err != nil {
		m.metrics.ObserveDiagnosis(false, time.Since(started))
		return false, m.failDiagnosis(recordCtx, app, err)
	}

	recs := result.Recommendations()
	comment := fmt.Sprintf("Диагностика завершена. Проанализировано документов: %d", result.DocumentsAnalyzed)
	extra := map[string]any{
		"diagnosis_result": datatypes.JSON(payload),
		"recommendations":  strings.Join(recs, "\n"),
	}

	app, old, err = m.transition(recordCtx, appID, "", db.StatusDiagnosisCompleted, comment, db.ActorSystem, extra)
	if err != nil {
		return false, err
	}
	m.afterTransition(recordCtx, app, old, comment, db.ActorSystem)
	m.metrics.ObserveDiagnosis(true, time.Since(started))

	m.audit.Record(recordCtx, app.UserID, audit.ActionDiagnosisCompleted, map[string]any{
		"application_id":     app.ID,
		"documents_analyzed": result.DocumentsAnalyzed,
		"tokens_used":        result.TokensUsed,
	})
	m.notifyUser(recordCtx, app, diagnosisCompletedText(result.DocumentsAnalyzed, recs))
	return true, nil
}

func (m *Manager) runAnalyzer(ctx context.Context, app *db.Application) (result *diagnosis.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("техническая ошибка анализа: %v", r)
		}
	}()

	if m.analyzer == nil {
		return nil, errors.New("анализатор не настроен")
	}

	appID := app.ID
	result, err = m.analyzer.Analyze(ctx, app.UserID, &appID)
	if err == nil && result == nil {
		err = errors.New("анализатор вернул пустой результат")
	}
	return result, err
}

func (m *Manager) failDiagnosis(ctx context.Context, app *db.Application, cause error) error {
	slog.Error("Diagnosis failed", "application_id", app.ID, "error", cause)

	comment := "Ошибка диагностики: " + cause.Error()
	failed, old, err := m.transition(ctx, app.ID, "", db.StatusDiagnosisFailed, comment, db.ActorSystem, nil)
	if err != nil {
		return fmt.Errorf("failed to record diagnosis failure: %w", err)
	}
	m.afterTransition(ctx, failed, old, comment, db.ActorSystem)

	m.audit.Record(ctx, app.UserID, audit.ActionDiagnosisFailed, map[string]any{
		"application_id": app.ID,
		"error":          cause.Error(),
	})
	return nil
}

func (m *Manager) notifyUser(ctx context.Context, app *db.Application, text string) {
	if m.notifier == nil {
		return
	}

	var user db.User
	if err := m.db.WithContext(ctx).Select("telegram_id").First(&user, app.UserID).Error; err != nil {
		slog.Error("Failed to load user for notification", "user_id", app.UserID, "error", err)
		return
	}
	m.notifier.Send(ctx, user.TelegramID, text)
	if err := m.MarkNotified(ctx, app.ID); err != nil {
		slog.Warn("Failed to mark status history as notified", "application_id", app.ID, "error", err)
	}
}

func diagnosisCompletedText(documents int, recs []string) string {
	var sb strings.Builder
	sb.WriteString("✅ Диагностика кредитной истории завершена!\n\n")
	fmt.Fprintf(&sb, "📄 Проанализировано документов: %d\n\n", documents)
	sb.WriteString("📋 Что требует внимания:\n")
	for _, r := range recs {
		sb.WriteString("• " + r + "\n")
	}
	sb.WriteString("\nПодробности: /status")
	return sb.String()
}
