package db

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ErrCodeSpaceExhausted - все сгенерированные кандидаты уже заняты
var ErrCodeSpaceExhausted = errors.New("unique code generation attempts exhausted")

// EnsureReferralStats создает строку статистики для пары (брокер, код), если ее нет
func EnsureReferralStats(tx *gorm.DB, brokerID uint, refCode string) (*ReferralStats, error) {
	stats := &ReferralStats{}
	err := tx.Where(&ReferralStats{BrokerID: brokerID, RefCode: refCode}).
		Attrs(&ReferralStats{BrokerID: brokerID, RefCode: refCode}).
		FirstOrCreate(stats).Error
	if err != nil {
		return nil, fmt.Errorf("failed to ensure referral stats: %w", err)
	}
	return stats, nil
}

// UniqueCode перебирает до attempts кандидатов от generate, пока не найдет код,
// отсутствующий в колонке column таблицы model
func UniqueCode(tx *gorm.DB, model any, column string, attempts int, generate func() (string, error)) (string, error) {
	for i := 0; i < attempts; i++ {
		code, err := generate()
		if err != nil {
			return "", fmt.Errorf("failed to generate code: %w", err)
		}

		var count int64
		if err := tx.Model(model).Where(column+" = ?", code).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}
