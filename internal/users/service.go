package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"credit-bot/internal/audit"
	"credit-bot/internal/db"
)

type Cipher interface {
	Encrypt(plaintext string) ([]byte, error)
	Decrypt(data []byte) (string, error)
}

// Referrals - учет регистраций по реферальным кодам брокеров
type Referrals interface {
	ResolveCode(ctx context.Context, refCode string) (*db.Broker, error)
	TrackRegistration(ctx context.Context, userID uint, telegramID int64, refCode string) (bool, error)
}

type ActionLogger interface {
	Record(ctx context.Context, userID uint, action string, details map[string]any)
}

type Service struct {
	db           *gorm.DB
	cipher       Cipher
	referrals    Referrals
	audit        ActionLogger
	superAdminID int64
	now          func() time.Time
}

func NewService(gdb *gorm.DB, cipher Cipher, referrals Referrals, audit ActionLogger, superAdminID int64) *Service {
	return &Service{
		db:           gdb,
		cipher:       cipher,
		referrals:    referrals,
		audit:        audit,
		superAdminID: superAdminID,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Profile - данные аккаунта Telegram
type Profile struct {
	TelegramID int64
	Username   string
	FirstName  string
	LastName   string
}

// GetOrCreate возвращает пользователя, регистрируя его при первом обращении.
// Реферальный код учитывается только при регистрации.
func (s *Service) GetOrCreate(ctx context.Context, p Profile, refCode string) (*db.User, bool, error) {
	user, err := s.GetByTelegramID(ctx, p.TelegramID)
	if err != nil {
		return nil, false, err
	}
	if user != nil {
		return user, false, nil
	}

	user = &db.User{
		TelegramID: p.TelegramID,
		Username:   p.Username,
		FirstName:  p.FirstName,
		LastName:   p.LastName,
		Role:       db.RoleClient,
		IsActive:   true,
	}
	if p.TelegramID == s.superAdminID && s.superAdminID != 0 {
		user.Role = db.RoleAdmin
	}

	refCode = strings.ToUpper(strings.TrimSpace(refCode))
	var broker *db.Broker
	if refCode != "" && s.referrals != nil {
		broker, err = s.referrals.ResolveCode(ctx, refCode)
		if err != nil {
			return nil, false, err
		}
		if broker != nil && broker.TelegramID != p.TelegramID {
			user.BrokerID = &broker.ID
			user.BrokerRefCode = refCode
		} else {
			broker = nil
		}
	}

	err = s.db.WithContext(ctx).Create(user).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Параллельный /start того же пользователя
		existing, err := s.GetByTelegramID(ctx, p.TelegramID)
		return existing, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create user: %w", err)
	}

	s.record(ctx, user.ID, audit.ActionUserRegistered, map[string]any{"broker_ref_code": user.BrokerRefCode})
	slog.Info("User registered", "user_id", user.ID, "telegram_id", p.TelegramID, "role", user.Role)

	if broker != nil {
		user.Broker = broker
		if _, err := s.referrals.TrackRegistration(ctx, user.ID, p.TelegramID, refCode); err != nil {
			slog.Error("Failed to track referral registration", "user_id", user.ID, "ref_code", refCode, "error", err)
		}
	}
	return user, true, nil
}

func (s *Service) GetByTelegramID(ctx context.Context, telegramID int64) (*db.User, error) {
	var user db.User
	err := s.db.WithContext(ctx).Preload("Broker").Where("telegram_id = ?", telegramID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Service) Get(ctx context.Context, userID uint) (*db.User, error) {
	var user db.User
	err := s.db.WithContext(ctx).Preload("Broker").First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateContacts шифрует и сохраняет непустые телефон и email
func (s *Service) UpdateContacts(ctx context.Context, userID uint, phone, email string) (bool, error) {
	updates := map[string]any{}
	if phone = strings.TrimSpace(phone); phone != "" {
		enc, err := s.cipher.Encrypt(phone)
		if err != nil {
			return false, fmt.Errorf("failed to encrypt phone: %w", err)
		}
		updates["phone"] = enc
	}
	if email = strings.TrimSpace(email); email != "" {
		enc, err := s.cipher.Encrypt(email)
		if err != nil {
			return false, fmt.Errorf("failed to encrypt email: %w", err)
		}
		updates["email"] = enc
	}
	if len(updates) == 0 {
		return false, nil
	}
	updates["updated_at"] = s.now()

	res := s.db.WithContext(ctx).Model(&db.User{}).Where("id = ?", userID).Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	s.record(ctx, userID, audit.ActionContactUpdated, map[string]any{
		"phone_updated": phone != "", "email_updated": email != "",
	})
	return true, nil
}

// Contacts расшифровывает контактные данные пользователя
func (s *Service) Contacts(user *db.User) (phone, email string, err error) {
	if phone, err = s.cipher.Decrypt(user.Phone); err != nil {
		return "", "", fmt.Errorf("failed to decrypt phone: %w", err)
	}
	if email, err = s.cipher.Decrypt(user.Email); err != nil {
		return "", "", fmt.Errorf("failed to decrypt email: %w", err)
	}
	return phone, email, nil
}

// ConsentUpdate - nil оставляет согласие без изменений
type ConsentUpdate struct {
	PersonalData *bool
	Applications *bool
}

func (s *Service) SetConsent(ctx context.Context, userID uint, c ConsentUpdate) (bool, error) {
	now := s.now()
	updates := map[string]any{"updated_at": now}
	details := map[string]any{}

	stamp := func(v bool) any {
		if v {
			return now
		}
		return nil
	}
	if c.PersonalData != nil {
		updates["pd_consent"] = *c.PersonalData
		updates["pd_consent_at"] = stamp(*c.PersonalData)
		details["pd_consent"] = *c.PersonalData
	}
	if c.Applications != nil {
		updates["application_consent"] = *c.Applications
		updates["application_consent_at"] = stamp(*c.Applications)
		details["application_consent"] = *c.Applications
	}
	if len(details) == 0 {
		return false, nil
	}

	res := s.db.WithContext(ctx).Model(&db.User{}).Where("id = ?", userID).Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	s.record(ctx, userID, audit.ActionConsentChanged, details)
	return true, nil
}

func (s *Service) TouchActivity(ctx context.Context, userID uint) error {
	return s.db.WithContext(ctx).Model(&db.User{}).Where("id = ?", userID).
		UpdateColumn("last_activity", s.now()).Error
}

func (s *Service) SetRole(ctx context.Context, userID uint, role db.UserRole) (bool, error) {
	if !role.IsValid() {
		return false, fmt.Errorf("unknown role %q", role)
	}
	res := s.db.WithContext(ctx).Model(&db.User{}).Where("id = ?", userID).
		Updates(map[string]any{"role": role, "updated_at": s.now()})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	s.record(ctx, userID, audit.ActionRoleChanged, map[string]any{"role": role})
	slog.Info("User role changed", "user_id", userID, "role", role)
	return true, nil
}

// Deactivate блокирует аккаунт по запросу на удаление данных:
// стирает контакты и отзывает согласия. Повторный вызов возвращает false.
func (s *Service) Deactivate(ctx context.Context, userID uint) (bool, error) {
	res := s.db.WithContext(ctx).Model(&db.User{}).Where("id = ? AND is_active = ?", userID, true).
		Updates(map[string]any{
			"is_active":              false,
			"phone":                  nil,
			"email":                  nil,
			"pd_consent":             false,
			"pd_consent_at":          nil,
			"application_consent":    false,
			"application_consent_at": nil,
			"updated_at":             s.now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}

	s.record(ctx, userID, audit.ActionDataDeleted, nil)
	slog.Info("User deactivated", "user_id", userID)
	return true, nil
}

// ListClients возвращает клиентов брокера, новые первыми
func (s *Service) ListClients(ctx context.Context, brokerID uint, limit int) ([]db.User, error) {
	var clients []db.User
	q := s.db.WithContext(ctx).Where("broker_id = ?", brokerID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&clients).Error
	return clients, err
}

func (s *Service) record(ctx context.Context, userID uint, action string, details map[string]any) {
	if s.audit != nil {
		s.audit.Record(ctx, userID, action, details)
	}
}
