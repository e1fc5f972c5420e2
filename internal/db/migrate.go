package db

import (
	"log/slog"

	"gorm.io/gorm"
)

func Migrate(db *gorm.DB) error {
	// Сначала выполняем обычную миграцию
	err := db.AutoMigrate(
		&Broker{},
		&User{},
		&Application{},
		&StatusHistory{},
		&Document{},
		&UserLog{},
		&BrokerApplication{},
		&InviteCode{},
		&ReferralStats{},
		&ReferralClick{},
		&BotSetting{},
	)
	if err != nil {
		return err
	}

	// Не больше одной заявки брокера на рассмотрении на один telegram id
	return createPendingBrokerApplicationIndex(db)
}

func createPendingBrokerApplicationIndex(db *gorm.DB) error {
	const stmt = `CREATE UNIQUE INDEX IF NOT EXISTS idx_broker_applications_one_pending
		ON broker_applications (telegram_id) WHERE status = 'pending'`

	switch db.Dialector.Name() {
	case "sqlite", "postgres":
		// Оба диалекта поддерживают частичные индексы
		return db.Exec(stmt).Error
	}

	slog.Warn("Partial indexes are not supported, pending broker applications are checked in code only",
		"dialect", db.Dialector.Name())
	return nil
}
