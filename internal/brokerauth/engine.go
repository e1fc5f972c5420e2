package brokerauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"credit-bot/internal/codes"
	"credit-bot/internal/db"
	"credit-bot/internal/metrics"
)

var (
	ErrDuplicatePending    = errors.New("broker application is already pending")
	ErrAlreadyProcessed    = errors.New("broker application is already processed")
	ErrApplicationNotFound = errors.New("broker application not found")
	ErrMissingName         = errors.New("full name is required")
	ErrUnknownCodeType     = errors.New("unknown invite code type")
)

// errCodeUnavailable откатывает транзакцию активации без ошибки для вызывающего
var errCodeUnavailable = errors.New("invite code unavailable")

const codeAttempts = 10

type ActionLogger interface {
	Record(ctx context.Context, userID uint, action string, details map[string]any)
}

type Notifier interface {
	Send(ctx context.Context, telegramID int64, text string)
}

type Options struct {
	CodeTTL               time.Duration
	DefaultCommissionRate float64
	Metrics               *metrics.Metrics
}

// Engine - заявки на роль брокера и инвайт-коды
type Engine struct {
	db             *gorm.DB
	audit          ActionLogger
	notifier       Notifier
	metrics        *metrics.Metrics
	codeTTL        time.Duration
	commissionRate float64
	now            func() time.Time
	newInviteCode  func(now time.Time) (string, error)
	newRefCode     func() (string, error)
}

func NewEngine(gdb *gorm.DB, audit ActionLogger, notifier Notifier, opts Options) *Engine {
	if opts.CodeTTL <= 0 {
		opts.CodeTTL = 7 * 24 * time.Hour
	}
	return &Engine{
		db:             gdb,
		audit:          audit,
		notifier:       notifier,
		metrics:        opts.Metrics,
		codeTTL:        opts.CodeTTL,
		commissionRate: opts.DefaultCommissionRate,
		now:            func() time.Time { return time.Now().UTC() },
		newInviteCode:  codes.Invite,
		newRefCode:     codes.Referral,
	}
}

type SubmitParams struct {
	TelegramID int64
	Username   string
	FullName   string
	Company    string
	Phone      string
	Email      string
	Experience string
}

// Submit создает заявку на роль брокера. Вторая заявка на рассмотрении запрещена.
func (e *Engine) Submit(ctx context.Context, p SubmitParams) (*db.BrokerApplication, error) {
	if strings.TrimSpace(p.FullName) == "" {
		return nil, ErrMissingName
	}

	app := &db.BrokerApplication{
		TelegramID: p.TelegramID,
		Username:   p.Username,
		FullName:   strings.TrimSpace(p.FullName),
		Company:    p.Company,
		Phone:      p.Phone,
		Email:      p.Email,
		Experience: p.Experience,
		Status:     db.BrokerAppPending,
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pending int64
		err := tx.Model(&db.BrokerApplication{}).
			Where("telegram_id = ? AND status = ?", p.TelegramID, db.BrokerAppPending).
			Count(&pending).Error
		if err != nil {
			return err
		}
		if pending > 0 {
			return ErrDuplicatePending
		}
		return tx.Create(app).Error
	})
	switch {
	case errors.Is(err, ErrDuplicatePending), errors.Is(err, gorm.ErrDuplicatedKey):
		// Уникальный частичный индекс ловит гонку двух одновременных заявок
		return nil, ErrDuplicatePending
	case err != nil:
		return nil, fmt.Errorf("failed to create broker application: %w", err)
	}

	slog.Info("Broker application submitted", "broker_application_id", app.ID, "telegram_id", p.TelegramID)
	return app, nil
}

// Approve одобряет заявку и выпускает инвайт-код типа broker, связанный с ней
func (e *Engine) Approve(ctx context.Context, appID uint, adminTgID int64, comment string) (*db.InviteCode, error) {
	var app db.BrokerApplication
	var invite *db.InviteCode

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.process(tx, appID, db.BrokerAppApproved, adminTgID, comment); err != nil {
			return err
		}
		if err := tx.First(&app, appID).Error; err != nil {
			return err
		}

		var err error
		invite, err = e.issueCode(tx, db.CodeTypeBroker, e.codeTTL, &app.ID, adminTgID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrApplicationNotFound) || errors.Is(err, ErrAlreadyProcessed) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to approve broker application %d: %w", appID, err)
	}

	slog.Info("Broker application approved", "broker_application_id", appID, "code", invite.Code, "admin", adminTgID)
	e.notify(ctx, app.TelegramID, fmt.Sprintf(
		"🎉 Ваша заявка брокера одобрена!\n\n🔑 Инвайт-код: %s\n⏰ Действует до: %s\n\nАктивируйте его командой:\n/activate %s",
		invite.Code, invite.ExpiresAt.Format("02.01.2006 15:04"), invite.Code))
	return invite, nil
}

// Reject отклоняет заявку. Повторный вызов ничего не меняет и возвращает false.
func (e *Engine) Reject(ctx context.Context, appID uint, adminTgID int64, comment string) (bool, error) {
	var app db.BrokerApplication

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.process(tx, appID, db.BrokerAppRejected, adminTgID, comment); err != nil {
			return err
		}
		return tx.First(&app, appID).Error
	})
	if errors.Is(err, ErrApplicationNotFound) || errors.Is(err, ErrAlreadyProcessed) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to reject broker application %d: %w", appID, err)
	}

	slog.Info("Broker application rejected", "broker_application_id", appID, "admin", adminTgID)

	text := "❌ К сожалению, ваша заявка брокера отклонена."
	if comment != "" {
		text += "\n\n💬 Комментарий: " + comment
	}
	e.notify(ctx, app.TelegramID, text)
	return true, nil
}

// process переводит заявку из pending в итоговый статус условным UPDATE
func (e *Engine) process(tx *gorm.DB, appID uint, status db.BrokerApplicationStatus, adminTgID int64, comment string) error {
	now := e.now()
	res := tx.Model(&db.BrokerApplication{}).
		Where("id = ? AND status = ?", appID, db.BrokerAppPending).
		Updates(map[string]any{
			"status":        status,
			"admin_comment": comment,
			"processed_by":  adminTgID,
			"processed_at":  now,
			"updated_at":    now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := tx.Model(&db.BrokerApplication{}).Where("id = ?", appID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrApplicationNotFound
	}
	return ErrAlreadyProcessed
}

// CreateManualCode выпускает код без привязки к заявке
func (e *Engine) CreateManualCode(ctx context.Context, adminTgID int64, codeType string, expiresDays int) (*db.InviteCode, error) {
	if codeType != db.CodeTypeBroker && codeType != db.CodeTypeAdmin {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodeType, codeType)
	}

	ttl := e.codeTTL
	if expiresDays > 0 {
		ttl = time.Duration(expiresDays) * 24 * time.Hour
	}

	var invite *db.InviteCode
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		invite, err = e.issueCode(tx, codeType, ttl, nil, adminTgID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create invite code: %w", err)
	}

	slog.Info("Manual invite code created", "code", invite.Code, "type", codeType, "admin", adminTgID)
	return invite, nil
}

func (e *Engine) issueCode(tx *gorm.DB, codeType string, ttl time.Duration, appID *uint, adminTgID int64) (*db.InviteCode, error) {
	now := e.now()
	code, err := db.UniqueCode(tx, &db.InviteCode{}, "code", codeAttempts, func() (string, error) {
		return e.newInviteCode(now)
	})
	if err != nil {
		return nil, err
	}

	invite := &db.InviteCode{
		Code:          code,
		CodeType:      codeType,
		ExpiresAt:     now.Add(ttl),
		MaxUses:       1,
		ApplicationID: appID,
		CreatedBy:     &adminTgID,
		CreatedAt:     now,
	}
	if err := tx.Create(invite).Error; err != nil {
		return nil, err
	}
	return invite, nil
}

func (e *Engine) notify(ctx context.Context, telegramID int64, text string) {
	if e.notifier != nil {
		e.notifier.Send(ctx, telegramID, text)
	}
}
