// Package referral учитывает переходы по реферальным ссылкам брокеров,
// регистрации приведенных клиентов и начисленную комиссию.
package referral

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"credit-bot/internal/audit"
	"credit-bot/internal/codes"
	"credit-bot/internal/db"
	"credit-bot/internal/metrics"
)

var ErrBrokerNotFound = errors.New("broker not found")

const (
	codeAttempts = 10
	dedupWindow  = 24 * time.Hour
)

type ActionLogger interface {
	Record(ctx context.Context, userID uint, action string, details map[string]any)
}

type Options struct {
	BotUsername string
	Metrics     *metrics.Metrics
}

type Tracker struct {
	db          *gorm.DB
	audit       ActionLogger
	metrics     *metrics.Metrics
	botUsername string
	now         func() time.Time
	newRefCode  func() (string, error)
}

func NewTracker(gdb *gorm.DB, audit ActionLogger, opts Options) *Tracker {
	return &Tracker{
		db:          gdb,
		audit:       audit,
		metrics:     opts.Metrics,
		botUsername: strings.TrimPrefix(opts.BotUsername, "@"),
		now:         func() time.Time { return time.Now().UTC() },
		newRefCode:  codes.Referral,
	}
}

// ClickParams - переход по ссылке. IP и User-Agent хранятся только в виде хешей.
type ClickParams struct {
	RefCode    string
	TelegramID *int64
	IPAddress  string
	UserAgent  string
}

// TrackClick записывает переход. Неизвестный код и повтор того же посетителя
// в течение суток дают false.
func (t *Tracker) TrackClick(ctx context.Context, p ClickParams) (bool, error) {
	refCode := normalizeCode(p.RefCode)
	ipHash := hashValue(p.IPAddress)
	uaHash := hashValue(p.UserAgent)

	accepted := false
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		broker, err := brokerByCode(tx, refCode)
		if err != nil || broker == nil {
			return err
		}

		now := t.now()
		dup := tx.Model(&db.ReferralClick{}).Where("ref_code = ? AND clicked_at > ?", refCode, now.Add(-dedupWindow))
		switch {
		case p.TelegramID != nil:
			dup = dup.Where("telegram_id = ?", *p.TelegramID)
		case ipHash != "":
			dup = dup.Where("telegram_id IS NULL AND ip_hash = ?", ipHash)
		default:
			dup = nil
		}
		if dup != nil {
			var count int64
			if err := dup.Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				slog.Info("Duplicate referral click", "ref_code", refCode, "telegram_id", p.TelegramID)
				return nil
			}
		}

		click := &db.ReferralClick{
			RefCode:       refCode,
			BrokerID:      broker.ID,
			TelegramID:    p.TelegramID,
			IPHash:        ipHash,
			UserAgentHash: uaHash,
			ClickedAt:     now,
		}
		if err := tx.Create(click).Error; err != nil {
			return err
		}

		if _, err := db.EnsureReferralStats(tx, broker.ID, refCode); err != nil {
			return err
		}
		err = tx.Model(&db.ReferralStats{}).
			Where("broker_id = ? AND ref_code = ?", broker.ID, refCode).
			Updates(map[string]any{
				"clicks":      gorm.Expr("clicks + 1"),
				"first_click": gorm.Expr("COALESCE(first_click, ?)", now),
				"last_click":  now,
				"updated_at":  now,
			}).Error
		if err != nil {
			return err
		}

		accepted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to track referral click: %w", err)
	}

	t.metrics.ObserveClick(accepted)
	if accepted {
		slog.Info("Referral click tracked", "ref_code", refCode, "telegram_id", p.TelegramID)
	}
	return accepted, nil
}

// TrackRegistration засчитывает регистрацию по коду и связывает с пользователем
// последний непривязанный переход этого же Telegram-аккаунта
func (t *Tracker) TrackRegistration(ctx context.Context, userID uint, telegramID int64, refCode string) (bool, error) {
	refCode = normalizeCode(refCode)

	var broker *db.Broker
	linked := false
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		broker, err = brokerByCode(tx, refCode)
		if err != nil || broker == nil {
			return err
		}

		var click db.ReferralClick
		err = tx.Where("ref_code = ? AND telegram_id = ? AND user_id IS NULL", refCode, telegramID).
			Order("clicked_at DESC, id DESC").
			First(&click).Error
		switch {
		case err == nil:
			res := tx.Model(&db.ReferralClick{}).
				Where("id = ? AND user_id IS NULL", click.ID).
				Updates(map[string]any{"converted_to_registration": true, "user_id": userID})
			if res.Error != nil {
				return res.Error
			}
			linked = res.RowsAffected > 0
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		if _, err := db.EnsureReferralStats(tx, broker.ID, refCode); err != nil {
			return err
		}
		return tx.Model(&db.ReferralStats{}).
			Where("broker_id = ? AND ref_code = ?", broker.ID, refCode).
			Updates(map[string]any{
				"registrations": gorm.Expr("registrations + 1"),
				"updated_at":    t.now(),
			}).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to track referral registration: %w", err)
	}
	if broker == nil {
		slog.Warn("Registration with unknown referral code", "ref_code", refCode, "user_id", userID)
		return false, nil
	}

	t.record(ctx, userID, audit.ActionReferralRegistration, map[string]any{
		"ref_code": refCode, "broker_id": broker.ID, "click_linked": linked,
	})
	slog.Info("Referral registration tracked", "ref_code", refCode, "user_id", userID, "click_linked", linked)
	return true, nil
}

// ResolveCode возвращает активного брокера по коду или nil
func (t *Tracker) ResolveCode(ctx context.Context, refCode string) (*db.Broker, error) {
	return brokerByCode(t.db.WithContext(ctx), normalizeCode(refCode))
}

func (t *Tracker) BrokerByTelegramID(ctx context.Context, telegramID int64) (*db.Broker, error) {
	var broker db.Broker
	err := t.db.WithContext(ctx).Where("telegram_id = ?", telegramID).First(&broker).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &broker, nil
}

// RegenerateCode выдает брокеру новый код. Статистика старого кода сохраняется.
// Пустой код без ошибки означает, что свободный код подобрать не удалось.
func (t *Tracker) RegenerateCode(ctx context.Context, brokerID uint) (string, error) {
	var code string
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var broker db.Broker
		if err := tx.First(&broker, brokerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBrokerNotFound
			}
			return err
		}

		var err error
		code, err = db.UniqueCode(tx, &db.Broker{}, "ref_code", codeAttempts, t.newRefCode)
		if err != nil {
			return err
		}

		err = tx.Model(&db.Broker{}).Where("id = ?", brokerID).
			Updates(map[string]any{"ref_code": code, "updated_at": t.now()}).Error
		if err != nil {
			return err
		}
		_, err = db.EnsureReferralStats(tx, brokerID, code)
		return err
	})
	switch {
	case errors.Is(err, db.ErrCodeSpaceExhausted):
		slog.Error("Failed to generate unique referral code", "broker_id", brokerID, "attempts", codeAttempts)
		return "", nil
	case errors.Is(err, ErrBrokerNotFound):
		return "", err
	case err != nil:
		return "", fmt.Errorf("failed to regenerate referral code: %w", err)
	}

	slog.Info("Referral code regenerated", "broker_id", brokerID, "ref_code", code)
	return code, nil
}

// ReferralLink возвращает ссылку брокера на бота и заводит статистику кода
func (t *Tracker) ReferralLink(ctx context.Context, brokerID uint) (string, error) {
	var broker db.Broker
	err := t.db.WithContext(ctx).First(&broker, brokerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrBrokerNotFound
	}
	if err != nil {
		return "", err
	}

	if err := t.EnsureStats(ctx, broker.ID, broker.RefCode); err != nil {
		return "", err
	}
	return t.LinkFor(broker.RefCode), nil
}

func (t *Tracker) LinkFor(refCode string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", t.botUsername, refCode)
}

func (t *Tracker) EnsureStats(ctx context.Context, brokerID uint, refCode string) error {
	_, err := db.EnsureReferralStats(t.db.WithContext(ctx), brokerID, refCode)
	return err
}

func (t *Tracker) record(ctx context.Context, userID uint, action string, details map[string]any) {
	if t.audit != nil {
		t.audit.Record(ctx, userID, action, details)
	}
}

func brokerByCode(tx *gorm.DB, refCode string) (*db.Broker, error) {
	if refCode == "" {
		return nil, nil
	}
	var broker db.Broker
	err := tx.Where("ref_code = ? AND is_active = ?", refCode, true).First(&broker).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &broker, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func hashValue(v string) string {
	if v == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}
