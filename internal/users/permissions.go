package users

import "credit-bot/internal/db"

type Permissions struct {
	CanUploadDocuments    bool
	CanSubmitApplications bool
	IsBroker              bool
	IsAdmin               bool
	HasBroker             bool
}

func (s *Service) Permissions(user *db.User) Permissions {
	if user == nil {
		return Permissions{}
	}
	return Permissions{
		CanUploadDocuments:    user.PDConsent && user.IsActive,
		CanSubmitApplications: user.ApplicationConsent && user.IsActive,
		IsBroker:              user.Role == db.RoleBroker,
		IsAdmin:               s.IsAdmin(user),
		HasBroker:             user.BrokerID != nil,
	}
}

// IsAdmin - роль admin или главный администратор из конфигурации
func (s *Service) IsAdmin(user *db.User) bool {
	if user == nil {
		return false
	}
	return user.Role == db.RoleAdmin || (s.superAdminID != 0 && user.TelegramID == s.superAdminID)
}
