package db

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type Repository struct {
	db *gorm.DB
}

// NewRepository открывает БД указанного драйвера (sqlite или postgres)
func NewRepository(driver, dsn string) (*Repository, error) {
	var dialector gorm.Dialector
	switch driver {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	// SQLite не любит параллельных писателей: одна транзакция за раз
	if db.Dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	return &Repository{db: db}, nil
}

func (r *Repository) DB() *gorm.DB {
	return r.db
}

func (r *Repository) AutoMigrate() error {
	return Migrate(r.db)
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Setting возвращает значение настройки; ok=false, если ключа нет
func (r *Repository) Setting(key string) (string, bool, error) {
	var setting BotSetting
	err := r.db.Where("key = ?", key).First(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return setting.Value, true, nil
}

// SettingOrInit возвращает сохраненное значение ключа, а при его отсутствии
// сохраняет значение из init. Повторные вызовы всегда видят первое значение.
func (r *Repository) SettingOrInit(key, description string, init func() (string, error)) (string, error) {
	if value, ok, err := r.Setting(key); err != nil || ok {
		return value, err
	}

	value, err := init()
	if err != nil {
		return "", err
	}

	setting := &BotSetting{Key: key, Value: value, Description: description}
	if err := r.db.Create(setting).Error; err != nil {
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return "", err
		}
		// Параллельный инициализатор успел раньше - берем его значение
		stored, _, err := r.Setting(key)
		return stored, err
	}
	return value, nil
}
