package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"credit-bot/internal/audit"
	"credit-bot/internal/db"
)

const (
	recentClicksWindow = 7 * 24 * time.Hour
	recentClicksLimit  = 10
)

type RecentClick struct {
	ClickedAt  time.Time
	Converted  bool
	TelegramID *int64
}

// Stats - сводка брокера по всем его реферальным кодам
type Stats struct {
	RefCode            string
	Clicks             int64
	Registrations      int64
	Conversions        int64
	ConversionRate     float64
	TotalCommission    decimal.Decimal
	PaidCommission     decimal.Decimal
	TotalClients       int64
	ActiveApplications int64
	FirstClick         *time.Time
	LastClick          *time.Time
	RecentClicks       []RecentClick
}

// ConversionRate - доля регистраций от переходов в процентах; 0 при отсутствии переходов
func ConversionRate(registrations, clicks int64) float64 {
	if clicks == 0 {
		return 0
	}
	return float64(registrations) / float64(clicks) * 100
}

func (t *Tracker) Stats(ctx context.Context, brokerID uint) (*Stats, error) {
	gdb := t.db.WithContext(ctx)

	var broker db.Broker
	err := gdb.First(&broker, brokerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBrokerNotFound
	}
	if err != nil {
		return nil, err
	}

	var rows []db.ReferralStats
	if err := gdb.Where("broker_id = ?", brokerID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load referral stats: %w", err)
	}

	stats := &Stats{RefCode: broker.RefCode}
	var totalMinor, paidMinor int64
	for _, r := range rows {
		stats.Clicks += r.Clicks
		stats.Registrations += r.Registrations
		stats.Conversions += r.Conversions
		totalMinor += r.TotalCommissionMinor
		paidMinor += r.PaidCommissionMinor
		if r.FirstClick != nil && (stats.FirstClick == nil || r.FirstClick.Before(*stats.FirstClick)) {
			stats.FirstClick = r.FirstClick
		}
		if r.LastClick != nil && (stats.LastClick == nil || r.LastClick.After(*stats.LastClick)) {
			stats.LastClick = r.LastClick
		}
	}
	stats.ConversionRate = ConversionRate(stats.Registrations, stats.Clicks)
	stats.TotalCommission = db.FromMinor(totalMinor)
	stats.PaidCommission = db.FromMinor(paidMinor)

	if err := gdb.Model(&db.User{}).Where("broker_id = ?", brokerID).Count(&stats.TotalClients).Error; err != nil {
		return nil, err
	}
	err = gdb.Model(&db.Application{}).
		Joins("JOIN users ON users.id = applications.user_id").
		Where("users.broker_id = ? AND applications.status NOT IN ?", brokerID, db.TerminalStatuses).
		Count(&stats.ActiveApplications).Error
	if err != nil {
		return nil, err
	}

	var clicks []db.ReferralClick
	err = gdb.Where("broker_id = ? AND clicked_at > ?", brokerID, t.now().Add(-recentClicksWindow)).
		Order("clicked_at DESC, id DESC").
		Limit(recentClicksLimit).
		Find(&clicks).Error
	if err != nil {
		return nil, err
	}
	for _, c := range clicks {
		stats.RecentClicks = append(stats.RecentClicks, RecentClick{
			ClickedAt:  c.ClickedAt,
			Converted:  c.ConvertedToRegistration,
			TelegramID: c.TelegramID,
		})
	}
	return stats, nil
}

// CalculateCommission начисляет брокеру пользователя комиссию amount * commission_rate.
// ok=false, если у пользователя нет брокера. Комиссия, которая не помещается
// в счетчик копеек, отклоняется с db.ErrAmountOutOfRange.
func (t *Tracker) CalculateCommission(ctx context.Context, userID uint, amount decimal.Decimal) (decimal.Decimal, bool, error) {
	var commission decimal.Decimal
	var broker db.Broker

	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user db.User
		if err := tx.First(&user, userID).Error; err != nil {
			return err
		}
		if user.BrokerID == nil {
			return gorm.ErrRecordNotFound
		}
		if err := tx.First(&broker, *user.BrokerID).Error; err != nil {
			return err
		}

		commission = amount.Mul(decimal.NewFromFloat(broker.CommissionRate)).Round(db.MinorUnits)
		minor, err := db.ToMinor(commission)
		if err != nil {
			return err
		}
		if minor < 0 {
			return fmt.Errorf("%w: negative commission %s", db.ErrAmountOutOfRange, commission)
		}

		if _, err := db.EnsureReferralStats(tx, broker.ID, broker.RefCode); err != nil {
			return err
		}
		// Граница в условии UPDATE: параллельные начисления не переполнят счетчик
		res := tx.Model(&db.ReferralStats{}).
			Where("broker_id = ? AND ref_code = ? AND total_commission_minor <= ?",
				broker.ID, broker.RefCode, int64(math.MaxInt64)-minor).
			Updates(map[string]any{
				"total_commission_minor": gorm.Expr("total_commission_minor + ?", minor),
				"conversions":            gorm.Expr("conversions + 1"),
				"updated_at":             t.now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: total commission of broker %d overflows", db.ErrAmountOutOfRange, broker.ID)
		}
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, false, nil
	}
	if errors.Is(err, db.ErrAmountOutOfRange) {
		return decimal.Zero, false, err
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to accrue commission: %w", err)
	}

	t.record(ctx, userID, audit.ActionCommissionAccrued, map[string]any{
		"broker_id": broker.ID, "amount": amount.String(), "commission": commission.String(),
	})
	slog.Info("Commission accrued", "broker_id", broker.ID, "user_id", userID, "commission", commission.String())
	return commission, true, nil
}
