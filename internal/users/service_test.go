package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-bot/internal/audit"
	"credit-bot/internal/db"
	"credit-bot/internal/db/dbtest"
	"credit-bot/internal/referral"
	"credit-bot/internal/security"
)

const superAdmin int64 = 900

type testEnv struct {
	svc    *Service
	repo   *db.Repository
	audit  *audit.Logger
	broker *db.Broker
}

func setupService(t *testing.T) *testEnv {
	repo := dbtest.New(t)

	cipher, err := security.LoadFieldCipher("test-secret", repo)
	require.NoError(t, err)

	broker := &db.Broker{TelegramID: 700, Name: "Брокер", RefCode: "REF_AAAAA", IsActive: true}
	require.NoError(t, repo.DB().Create(broker).Error)

	logger := audit.NewLogger(repo.DB())
	tracker := referral.NewTracker(repo.DB(), logger, referral.Options{BotUsername: "credit_bot"})

	return &testEnv{
		svc:    NewService(repo.DB(), cipher, tracker, logger, superAdmin),
		repo:   repo,
		audit:  logger,
		broker: broker,
	}
}

func (e *testEnv) actions(t *testing.T, userID uint) []string {
	logs, err := e.audit.Recent(context.Background(), userID, 50)
	require.NoError(t, err)
	var actions []string
	for _, l := range logs {
		actions = append(actions, l.Action)
	}
	return actions
}

func TestGetOrCreate(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	user, created, err := env.svc.GetOrCreate(ctx, Profile{TelegramID: 1, FirstName: "Мария"}, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, db.RoleClient, user.Role)
	assert.Nil(t, user.BrokerID)

	again, created, err := env.svc.GetOrCreate(ctx, Profile{TelegramID: 1, FirstName: "Мария"}, "REF_AAAAA")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, user.ID, again.ID)
	assert.Nil(t, again.BrokerID, "ref code only applies on registration")

	assert.Equal(t, []string{audit.ActionUserRegistered}, env.actions(t, user.ID))

	admin, _, err := env.svc.GetOrCreate(ctx, Profile{TelegramID: superAdmin}, "")
	require.NoError(t, err)
	assert.Equal(t, db.RoleAdmin, admin.Role)
}

func TestGetOrCreateWithReferral(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	user, created, err := env.svc.GetOrCreate(ctx, Profile{TelegramID: 2}, "ref_aaaaa")
	require.NoError(t, err)
	require.True(t, created)
	require.NotNil(t, user.BrokerID)
	assert.Equal(t, env.broker.ID, *user.BrokerID)
	assert.Equal(t, "REF_AAAAA", user.BrokerRefCode)

	var stats db.ReferralStats
	require.NoError(t, env.repo.DB().Where("broker_id = ?", env.broker.ID).First(&stats).Error)
	assert.Equal(t, int64(1), stats.Registrations)

	loaded, err := env.svc.GetByTelegramID(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, loaded.Broker)
	assert.Equal(t, "Брокер", loaded.Broker.Name)

	t.Run("Unknown code is ignored", func(t *testing.T) {
		user, _, err := env.svc.GetOrCreate(ctx, Profile{TelegramID: 3}, "REF_XXXXX")
		require.NoError(t, err)
		assert.Nil(t, user.BrokerID)
	})

	t.Run("Broker cannot refer himself", func(t *testing.T) {
		user, _, err := env.svc.GetOrCreate(ctx, Profile{TelegramID: env.broker.TelegramID}, "REF_AAAAA")
		require.NoError(t, err)
		assert.Nil(t, user.BrokerID)
	})
}

func TestContactsAreEncrypted(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	user, _, err := env.svc.GetOrCreate(ctx, Profile{TelegramID: 10}, "")
	require.NoError(t, err)

	ok, err := env.svc.UpdateContacts(ctx, user.ID, "", "")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = env.svc.UpdateContacts(ctx, user.ID, "+79991234567", "user@example.com")
	require.NoError(t, err)
	require.True(t, ok)

	stored, err := env.svc.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(stored.Phone), "79991234567")
	assert.NotContains(t, string(stored.Email), "example.com")

	phone, email, err := env.svc.Contacts(stored)
	require.NoError(t, err)
	assert.Equal(t, "+79991234567", phone)
	assert.Equal(t, "user@example.com", email)

	ok, err = env.svc.UpdateContacts(ctx, 9999, "+7000", "")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConsentAndPermissions(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	user, _, err := env.svc.GetOrCreate(ctx, Profile{TelegramID: 20}, "")
	require.NoError(t, err)
	assert.False(t, env.svc.Permissions(user).CanUploadDocuments)

	yes, no := true, false
	ok, err := env.svc.SetConsent(ctx, user.ID, ConsentUpdate{PersonalData: &yes, Applications: &yes})
	require.NoError(t, err)
	require.True(t, ok)

	user, err = env.svc.Get(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, user.PDConsentAt)
	perms := env.svc.Permissions(user)
	assert.True(t, perms.CanUploadDocuments)
	assert.True(t, perms.CanSubmitApplications)
	assert.False(t, perms.IsAdmin)

	ok, err = env.svc.SetConsent(ctx, user.ID, ConsentUpdate{Applications: &no})
	require.NoError(t, err)
	require.True(t, ok)

	user, err = env.svc.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, user.PDConsent)
	assert.False(t, user.ApplicationConsent)
	assert.Nil(t, user.ApplicationConsentAt)

	ok, err = env.svc.SetConsent(ctx, user.ID, ConsentUpdate{})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = env.svc.UpdateContacts(ctx, user.ID, "+79990000000", "")
	require.NoError(t, err)

	ok, err = env.svc.Deactivate(ctx, user.ID)
	require.NoError(t, err)
	require.True(t, ok)
	user, err = env.svc.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, user.IsActive)
	assert.False(t, user.PDConsent)
	assert.Nil(t, user.PDConsentAt)
	assert.Empty(t, user.Phone)
	assert.False(t, env.svc.Permissions(user).CanUploadDocuments)

	ok, err = env.svc.Deactivate(ctx, user.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, Permissions{}, env.svc.Permissions(nil))
}

func TestRolesAndClients(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	user, _, err := env.svc.GetOrCreate(ctx, Profile{TelegramID: 30}, "REF_AAAAA")
	require.NoError(t, err)

	_, err = env.svc.SetRole(ctx, user.ID, db.UserRole("root"))
	require.Error(t, err)

	ok, err := env.svc.SetRole(ctx, user.ID, db.RoleAdmin)
	require.NoError(t, err)
	require.True(t, ok)

	user, err = env.svc.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, env.svc.IsAdmin(user))
	assert.True(t, env.svc.Permissions(user).HasBroker)
	assert.Contains(t, env.actions(t, user.ID), audit.ActionRoleChanged)

	ok, err = env.svc.SetRole(ctx, 9999, db.RoleClient)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, env.svc.TouchActivity(ctx, user.ID))
	user, err = env.svc.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.NotNil(t, user.LastActivity)

	clients, err := env.svc.ListClients(ctx, env.broker.ID, 10)
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.Equal(t, user.ID, clients[0].ID)

	missing, err := env.svc.GetByTelegramID(ctx, 424242)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
