package db

import (
	"time"

	"gorm.io/datatypes"
)

// User - пользователи бота (клиенты, брокеры, админы)
type User struct {
	ID         uint  `gorm:"primaryKey"`
	TelegramID int64 `gorm:"uniqueIndex;not null"`
	Username   string
	FirstName  string
	LastName   string

	// Контактные данные хранятся зашифрованными
	Phone []byte
	Email []byte

	Role     UserRole `gorm:"type:varchar(20);not null;default:client"`
	IsActive bool     `gorm:"default:true"`

	PDConsent            bool
	PDConsentAt          *time.Time
	ApplicationConsent   bool
	ApplicationConsentAt *time.Time

	BrokerID      *uint `gorm:"index"`
	BrokerRefCode string

	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastActivity *time.Time

	Broker *Broker `gorm:"foreignKey:BrokerID"`
}

// Broker - профиль брокера
type Broker struct {
	ID             uint   `gorm:"primaryKey"`
	TelegramID     int64  `gorm:"uniqueIndex;not null"`
	Name           string `gorm:"not null"`
	Company        string
	Phone          string
	Email          string
	RefCode        string  `gorm:"uniqueIndex;size:50;not null"`
	IsActive       bool    `gorm:"default:true"`
	CommissionRate float64 `gorm:"not null;default:0"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Application - заявка на диагностику кредитной истории
type Application struct {
	ID     uint              `gorm:"primaryKey"`
	UserID uint              `gorm:"not null;index"`
	Status ApplicationStatus `gorm:"type:varchar(32);not null;index"`

	TargetBank  string
	LoanPurpose string
	// Сумма кредита в копейках
	LoanAmountMinor *int64

	DiagnosisResult datatypes.JSON
	Recommendations string `gorm:"type:text"`

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time

	User User `gorm:"foreignKey:UserID"`
}

// StatusHistory - неизменяемый журнал смены статусов заявки
type StatusHistory struct {
	ID            uint               `gorm:"primaryKey"`
	ApplicationID uint               `gorm:"not null;index"`
	OldStatus     *ApplicationStatus `gorm:"type:varchar(32)"`
	NewStatus     ApplicationStatus  `gorm:"type:varchar(32);not null"`
	Comment       string             `gorm:"type:text"`
	Actor         Actor              `gorm:"column:created_by;type:varchar(20)"`
	UserNotified  bool
	CreatedAt     time.Time `gorm:"index"`
}

func (StatusHistory) TableName() string {
	return "status_history"
}

// Document - загруженный пользователем документ
type Document struct {
	ID               uint         `gorm:"primaryKey"`
	UserID           uint         `gorm:"not null;index"`
	ApplicationID    *uint        `gorm:"index"`
	FileName         string       `gorm:"not null"`
	FileType         DocumentType `gorm:"type:varchar(32);not null"`
	FileSize         int64        `gorm:"not null"`
	FilePath         string       `gorm:"not null"`
	IsProcessed      bool
	ProcessingResult string `gorm:"type:text"`
	UploadedAt       time.Time `gorm:"autoCreateTime"`
	ProcessedAt      *time.Time
}

// UserLog - журнал действий пользователей
type UserLog struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    uint   `gorm:"not null;index"`
	Action    string `gorm:"size:100;not null"`
	Details   datatypes.JSON
	IPAddress string
	CreatedAt time.Time `gorm:"index"`
}

// BrokerApplication - заявка на получение роли брокера
type BrokerApplication struct {
	ID           uint  `gorm:"primaryKey"`
	TelegramID   int64 `gorm:"not null;index"`
	Username     string
	FullName     string `gorm:"not null"`
	Company      string
	Phone        string
	Email        string
	Experience   string                  `gorm:"type:text"`
	Status       BrokerApplicationStatus `gorm:"type:varchar(20);not null;default:pending"`
	AdminComment string                  `gorm:"type:text"`
	ProcessedBy  *int64
	ProcessedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// InviteCode - инвайт-код для получения роли
type InviteCode struct {
	ID            uint   `gorm:"primaryKey"`
	Code          string `gorm:"uniqueIndex;size:50;not null"`
	CodeType      string `gorm:"size:20;not null;default:broker"`
	IsUsed        bool   `gorm:"index"`
	UsedBy        *uint
	UsedAt        *time.Time
	ExpiresAt     time.Time `gorm:"not null;index"`
	MaxUses       int       `gorm:"not null;default:1"`
	CurrentUses   int       `gorm:"not null;default:0"`
	ApplicationID *uint     `gorm:"index"`
	CreatedBy     *int64
	CreatedAt     time.Time
}

// ReferralStats - агрегированная статистика по паре (брокер, реф. код).
// Комиссия хранится в копейках, чтобы ее можно было атомарно инкрементировать.
type ReferralStats struct {
	ID                   uint   `gorm:"primaryKey"`
	BrokerID             uint   `gorm:"not null;uniqueIndex:idx_referral_stats_broker_code"`
	RefCode              string `gorm:"size:50;not null;uniqueIndex:idx_referral_stats_broker_code"`
	Clicks               int64  `gorm:"not null;default:0"`
	Registrations        int64  `gorm:"not null;default:0"`
	Conversions          int64  `gorm:"not null;default:0"`
	TotalCommissionMinor int64  `gorm:"not null;default:0"`
	PaidCommissionMinor  int64  `gorm:"not null;default:0"`
	FirstClick           *time.Time
	LastClick            *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (ReferralStats) TableName() string {
	return "referral_stats"
}

// ReferralClick - переход по реферальной ссылке
type ReferralClick struct {
	ID                      uint   `gorm:"primaryKey"`
	RefCode                 string `gorm:"size:50;not null;index"`
	BrokerID                uint   `gorm:"not null;index"`
	TelegramID              *int64 `gorm:"index"`
	IPHash                  string `gorm:"size:64"`
	UserAgentHash           string `gorm:"size:64"`
	ConvertedToRegistration bool
	UserID                  *uint
	ClickedAt               time.Time `gorm:"not null;index"`
}

// BotSetting - произвольные настройки бота в формате ключ/значение
type BotSetting struct {
	ID          uint   `gorm:"primaryKey"`
	Key         string `gorm:"uniqueIndex;size:100;not null"`
	Value       string `gorm:"type:text"`
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
