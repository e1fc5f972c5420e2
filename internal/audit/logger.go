package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"credit-bot/internal/db"
)

// Действия, которые пишутся в журнал пользователя
const (
	ActionUserRegistered        = "user_registered"
	ActionConsentChanged        = "consent_changed"
	ActionContactUpdated        = "contact_info_updated"
	ActionApplicationCreated    = "application_created"
	ActionStatusChanged         = "status_changed"
	ActionDiagnosisCompleted    = "diagnosis_completed"
	ActionDiagnosisFailed       = "diagnosis_failed"
	ActionDocumentUploaded      = "document_uploaded"
	ActionDocumentDeleted       = "document_deleted"
	ActionApplicationsSubmitted = "applications_submitted"
	ActionSupportMessage        = "support_message_sent"
	ActionDataDeleted           = "data_deleted"
	ActionRoleChanged           = "role_changed"
	ActionBrokerAppSubmitted    = "broker_application_submitted"
	ActionInviteCodeActivated   = "invite_code_activated"
	ActionReferralRegistration  = "referral_registration"
	ActionCommissionAccrued     = "commission_accrued"
	ActionBotEvent              = "bot_event"
)

// Logger пишет действия пользователей в user_logs. Ошибки записи только логируются.
type Logger struct {
	db *gorm.DB
}

func NewLogger(db *gorm.DB) *Logger {
	return &Logger{db: db}
}

func (l *Logger) Record(ctx context.Context, userID uint, action string, details map[string]any) {
	entry := &db.UserLog{UserID: userID, Action: action}

	if len(details) > 0 {
		raw, err := json.Marshal(details)
		if err != nil {
			slog.Error("Failed to marshal action details", "user_id", userID, "action", action, "error", err)
		} else {
			entry.Details = datatypes.JSON(raw)
		}
	}

	if err := l.db.WithContext(ctx).Create(entry).Error; err != nil {
		slog.Error("Failed to record user action", "user_id", userID, "action", action, "error", err)
	}
}

// Recent возвращает последние записи журнала пользователя, новые первыми
func (l *Logger) Recent(ctx context.Context, userID uint, limit int) ([]db.UserLog, error) {
	var logs []db.UserLog
	err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
