package brokerauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/gorm"

	"credit-bot/internal/audit"
	"credit-bot/internal/db"
)

// ActivateCode погашает инвайт-код и выдает пользователю роль.
// Несуществующий, истекший и уже использованный код одинаково дают false.
func (e *Engine) ActivateCode(ctx context.Context, code string, userID uint) (bool, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		e.metrics.ObserveActivation(false)
		return false, nil
	}

	var invite db.InviteCode
	var role db.UserRole
	var broker *db.Broker

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user db.User
		if err := tx.First(&user, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errCodeUnavailable
			}
			return err
		}

		// Один условный UPDATE: из двух параллельных активаций строку изменит только одна
		now := e.now()
		res := tx.Model(&db.InviteCode{}).
			Where("code = ? AND is_used = ? AND expires_at > ? AND current_uses < max_uses", code, false, now).
			Updates(map[string]any{
				"current_uses": gorm.Expr("current_uses + 1"),
				"is_used":      gorm.Expr("current_uses + 1 >= max_uses"),
				"used_by":      user.ID,
				"used_at":      now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errCodeUnavailable
		}

		if err := tx.Where("code = ?", code).First(&invite).Error; err != nil {
			return err
		}

		role = roleFor(invite.CodeType, user.Role)
		if err := tx.Model(&db.User{}).Where("id = ?", user.ID).Update("role", role).Error; err != nil {
			return err
		}

		if invite.CodeType == db.CodeTypeBroker {
			var err error
			broker, err = e.ensureBrokerProfile(tx, &user, invite.ApplicationID)
			return err
		}
		return nil
	})
	if errors.Is(err, errCodeUnavailable) {
		slog.Info("Invite code rejected", "code", code, "user_id", userID)
		e.metrics.ObserveActivation(false)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to activate invite code: %w", err)
	}

	e.metrics.ObserveActivation(true)
	e.audit.Record(ctx, userID, audit.ActionInviteCodeActivated, map[string]any{
		"code":           invite.Code,
		"application_id": invite.ApplicationID,
		"new_role":       role,
	})

	attrs := []any{"code", invite.Code, "user_id", userID, "role", role}
	if broker != nil {
		attrs = append(attrs, "broker_id", broker.ID, "ref_code", broker.RefCode)
	}
	slog.Info("Invite code activated", attrs...)
	return true, nil
}

// roleFor не понижает администратора до брокера
func roleFor(codeType string, current db.UserRole) db.UserRole {
	if codeType == db.CodeTypeAdmin || current == db.RoleAdmin {
		return db.RoleAdmin
	}
	return db.RoleBroker
}

// ensureBrokerProfile создает профиль брокера, если его еще нет.
// Данные берутся из связанной заявки, иначе из профиля пользователя.
func (e *Engine) ensureBrokerProfile(tx *gorm.DB, user *db.User, applicationID *uint) (*db.Broker, error) {
	var broker db.Broker
	err := tx.Where("telegram_id = ?", user.TelegramID).First(&broker).Error
	if err == nil {
		return &broker, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	broker = db.Broker{
		TelegramID:     user.TelegramID,
		Name:           displayName(user),
		CommissionRate: e.commissionRate,
		IsActive:       true,
	}

	if applicationID != nil {
		var app db.BrokerApplication
		err := tx.First(&app, *applicationID).Error
		switch {
		case err == nil:
			broker.Name = app.FullName
			broker.Company = app.Company
			broker.Phone = app.Phone
			broker.Email = app.Email
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, err
		}
	}

	broker.RefCode, err = db.UniqueCode(tx, &db.Broker{}, "ref_code", codeAttempts, e.newRefCode)
	if err != nil {
		return nil, err
	}

	if err := tx.Create(&broker).Error; err != nil {
		return nil, fmt.Errorf("failed to create broker profile: %w", err)
	}
	if _, err := db.EnsureReferralStats(tx, broker.ID, broker.RefCode); err != nil {
		return nil, err
	}
	return &broker, nil
}

func displayName(user *db.User) string {
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)
	switch {
	case name != "":
		return name
	case user.Username != "":
		return user.Username
	}
	return fmt.Sprintf("Брокер %d", user.TelegramID)
}

// PendingApplications возвращает заявки на рассмотрении, старые первыми
func (e *Engine) PendingApplications(ctx context.Context) ([]db.BrokerApplication, error) {
	var apps []db.BrokerApplication
	err := e.db.WithContext(ctx).
		Where("status = ?", db.BrokerAppPending).
		Order("created_at ASC, id ASC").
		Find(&apps).Error
	return apps, err
}

func (e *Engine) GetApplication(ctx context.Context, appID uint) (*db.BrokerApplication, error) {
	var app db.BrokerApplication
	err := e.db.WithContext(ctx).First(&app, appID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// ActiveCodes возвращает еще пригодные к активации коды, ближайшие к истечению первыми
func (e *Engine) ActiveCodes(ctx context.Context, limit int) ([]db.InviteCode, error) {
	var codes []db.InviteCode
	err := e.db.WithContext(ctx).
		Where("is_used = ? AND expires_at > ? AND current_uses < max_uses", false, e.now()).
		Order("expires_at ASC, id ASC").
		Limit(limit).
		Find(&codes).Error
	return codes, err
}

// LatestApplication возвращает последнюю заявку пользователя или nil
func (e *Engine) LatestApplication(ctx context.Context, telegramID int64) (*db.BrokerApplication, error) {
	var app db.BrokerApplication
	err := e.db.WithContext(ctx).
		Where("telegram_id = ?", telegramID).
		Order("created_at DESC, id DESC").
		First(&app).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// LookupCode возвращает код без проверки пригодности, чтобы объяснить пользователю отказ
func (e *Engine) LookupCode(ctx context.Context, code string) (*db.InviteCode, error) {
	var invite db.InviteCode
	err := e.db.WithContext(ctx).Where("code = ?", strings.ToUpper(strings.TrimSpace(code))).First(&invite).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invite, nil
}
