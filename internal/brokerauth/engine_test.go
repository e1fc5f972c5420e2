package brokerauth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-bot/internal/audit"
	"credit-bot/internal/db"
	"credit-bot/internal/db/dbtest"
)

type fakeLogger struct {
	mu      sync.Mutex
	actions []string
}

func (f *fakeLogger) Record(ctx context.Context, userID uint, action string, details map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent map[int64][]string
}

func (f *fakeNotifier) Send(ctx context.Context, telegramID int64, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sent == nil {
		f.sent = make(map[int64][]string)
	}
	f.sent[telegramID] = append(f.sent[telegramID], text)
}

type testEnv struct {
	engine   *Engine
	repo     *db.Repository
	logger   *fakeLogger
	notifier *fakeNotifier
	clock    time.Time
}

func setupEngine(t *testing.T) *testEnv {
	repo := dbtest.New(t)
	env := &testEnv{
		repo:     repo,
		logger:   &fakeLogger{},
		notifier: &fakeNotifier{},
		clock:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.engine = NewEngine(repo.DB(), env.logger, env.notifier, Options{DefaultCommissionRate: 0.15})
	env.engine.now = func() time.Time { return env.clock }
	return env
}

func (e *testEnv) createUser(t *testing.T, tgID int64, role db.UserRole) *db.User {
	user := &db.User{TelegramID: tgID, FirstName: "Игорь", LastName: "Петров", Role: role}
	require.NoError(t, e.repo.DB().Create(user).Error)
	return user
}

func (e *testEnv) reloadUser(t *testing.T, id uint) *db.User {
	var user db.User
	require.NoError(t, e.repo.DB().First(&user, id).Error)
	return &user
}

func (e *testEnv) reloadInvite(t *testing.T, code string) *db.InviteCode {
	invite, err := e.engine.LookupCode(context.Background(), code)
	require.NoError(t, err)
	require.NotNil(t, invite)
	return invite
}

func TestApplyApproveActivate(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	user := env.createUser(t, 1001, db.RoleClient)

	app, err := env.engine.Submit(ctx, SubmitParams{TelegramID: 1001, FullName: "Иванов Иван", Company: "Кредит-Плюс", Phone: "+79990001122"})
	require.NoError(t, err)
	assert.Equal(t, db.BrokerAppPending, app.Status)

	invite, err := env.engine.Approve(ctx, app.ID, 42, "ок")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(invite.Code, "BR_2025_"))
	assert.Equal(t, db.CodeTypeBroker, invite.CodeType)
	require.NotNil(t, invite.ApplicationID)
	assert.Equal(t, app.ID, *invite.ApplicationID)
	assert.Equal(t, env.clock.Add(7*24*time.Hour), invite.ExpiresAt.UTC())
	require.Len(t, env.notifier.sent[1001], 1)
	assert.Contains(t, env.notifier.sent[1001][0], invite.Code)

	approved, err := env.engine.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BrokerAppApproved, approved.Status)
	require.NotNil(t, approved.ProcessedBy)
	assert.Equal(t, int64(42), *approved.ProcessedBy)

	ok, err := env.engine.ActivateCode(ctx, strings.ToLower(invite.Code), user.ID)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, db.RoleBroker, env.reloadUser(t, user.ID).Role)

	used := env.reloadInvite(t, invite.Code)
	assert.True(t, used.IsUsed)
	assert.Equal(t, 1, used.CurrentUses)
	require.NotNil(t, used.UsedBy)
	assert.Equal(t, user.ID, *used.UsedBy)

	var broker db.Broker
	require.NoError(t, env.repo.DB().Where("telegram_id = ?", 1001).First(&broker).Error)
	assert.Equal(t, "Иванов Иван", broker.Name)
	assert.Equal(t, "Кредит-Плюс", broker.Company)
	assert.Equal(t, 0.15, broker.CommissionRate)
	assert.True(t, strings.HasPrefix(broker.RefCode, "REF_"))

	var stats db.ReferralStats
	require.NoError(t, env.repo.DB().Where("broker_id = ?", broker.ID).First(&stats).Error)
	assert.Equal(t, broker.RefCode, stats.RefCode)
	assert.Zero(t, stats.Clicks)

	assert.Equal(t, []string{audit.ActionInviteCodeActivated}, env.logger.actions)

	t.Run("Second activation fails", func(t *testing.T) {
		other := env.createUser(t, 1002, db.RoleClient)
		ok, err := env.engine.ActivateCode(ctx, invite.Code, other.ID)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, db.RoleClient, env.reloadUser(t, other.ID).Role)
	})
}

func TestActivateRejectsUnusableCodes(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()
	user := env.createUser(t, 2001, db.RoleClient)

	invite, err := env.engine.CreateManualCode(ctx, 42, db.CodeTypeBroker, 1)
	require.NoError(t, err)

	t.Run("Unknown code", func(t *testing.T) {
		ok, err := env.engine.ActivateCode(ctx, "BR_2025_ZZZ", user.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Empty code", func(t *testing.T) {
		ok, err := env.engine.ActivateCode(ctx, "  ", user.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Expired code", func(t *testing.T) {
		env.clock = env.clock.Add(25 * time.Hour)
		ok, err := env.engine.ActivateCode(ctx, invite.Code, user.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		stale := env.reloadInvite(t, invite.Code)
		assert.False(t, stale.IsUsed)
		assert.Zero(t, stale.CurrentUses)
		assert.Equal(t, db.RoleClient, env.reloadUser(t, user.ID).Role)
	})
}

func TestConcurrentActivationSingleWinner(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	invite, err := env.engine.CreateManualCode(ctx, 42, db.CodeTypeBroker, 0)
	require.NoError(t, err)

	users := make([]*db.User, 5)
	for i := range users {
		users[i] = env.createUser(t, int64(3000+i), db.RoleClient)
	}

	var wg sync.WaitGroup
	results := make([]bool, len(users))
	for i, u := range users {
		wg.Add(1)
		go func(i int, id uint) {
			defer wg.Done()
			ok, err := env.engine.ActivateCode(ctx, invite.Code, id)
			assert.NoError(t, err)
			results[i] = ok
		}(i, u.ID)
	}
	wg.Wait()

	wins := 0
	for _, ok := range results {
		if ok {
			wins++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, env.reloadInvite(t, invite.Code).CurrentUses)
}

func TestMultiUseCode(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	invite, err := env.engine.CreateManualCode(ctx, 42, db.CodeTypeBroker, 0)
	require.NoError(t, err)
	require.NoError(t, env.repo.DB().Model(&db.InviteCode{}).Where("id = ?", invite.ID).Update("max_uses", 2).Error)

	first := env.createUser(t, 4001, db.RoleClient)
	second := env.createUser(t, 4002, db.RoleClient)
	third := env.createUser(t, 4003, db.RoleClient)

	ok, err := env.engine.ActivateCode(ctx, invite.Code, first.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, env.reloadInvite(t, invite.Code).IsUsed)

	ok, err = env.engine.ActivateCode(ctx, invite.Code, second.ID)
	require.NoError(t, err)
	require.True(t, ok)

	used := env.reloadInvite(t, invite.Code)
	assert.True(t, used.IsUsed)
	assert.Equal(t, 2, used.CurrentUses)

	ok, err = env.engine.ActivateCode(ctx, invite.Code, third.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// Без заявки профиль брокера заполняется из пользователя
	var broker db.Broker
	require.NoError(t, env.repo.DB().Where("telegram_id = ?", 4001).First(&broker).Error)
	assert.Equal(t, "Игорь Петров", broker.Name)
}

func TestAdminCode(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	_, err := env.engine.CreateManualCode(ctx, 42, "superuser", 0)
	require.ErrorIs(t, err, ErrUnknownCodeType)

	invite, err := env.engine.CreateManualCode(ctx, 42, db.CodeTypeAdmin, 0)
	require.NoError(t, err)
	assert.Nil(t, invite.ApplicationID)

	user := env.createUser(t, 5001, db.RoleBroker)
	ok, err := env.engine.ActivateCode(ctx, invite.Code, user.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, db.RoleAdmin, env.reloadUser(t, user.ID).Role)

	var brokers int64
	require.NoError(t, env.repo.DB().Model(&db.Broker{}).Where("telegram_id = ?", 5001).Count(&brokers).Error)
	assert.Zero(t, brokers)
}

func TestActiveCodes(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	later, err := env.engine.CreateManualCode(ctx, 42, db.CodeTypeBroker, 10)
	require.NoError(t, err)
	sooner, err := env.engine.CreateManualCode(ctx, 42, db.CodeTypeAdmin, 2)
	require.NoError(t, err)
	used, err := env.engine.CreateManualCode(ctx, 42, db.CodeTypeBroker, 5)
	require.NoError(t, err)

	user := env.createUser(t, 6001, db.RoleClient)
	ok, err := env.engine.ActivateCode(ctx, used.Code, user.ID)
	require.NoError(t, err)
	require.True(t, ok)

	codes, err := env.engine.ActiveCodes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, codes, 2)
	assert.Equal(t, sooner.Code, codes[0].Code)
	assert.Equal(t, later.Code, codes[1].Code)

	env.clock = env.clock.Add(3 * 24 * time.Hour)
	codes, err = env.engine.ActiveCodes(ctx, 10)
	require.NoError(t, err)
	require.Len(t, codes, 1)
	assert.Equal(t, later.Code, codes[0].Code)
}

func TestAdminKeepsRoleOnBrokerCode(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	invite, err := env.engine.CreateManualCode(ctx, 42, db.CodeTypeBroker, 0)
	require.NoError(t, err)

	admin := env.createUser(t, 6001, db.RoleAdmin)
	ok, err := env.engine.ActivateCode(ctx, invite.Code, admin.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, db.RoleAdmin, env.reloadUser(t, admin.ID).Role)
}

func TestRejectIsIdempotent(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	app, err := env.engine.Submit(ctx, SubmitParams{TelegramID: 7001, FullName: "Сидоров"})
	require.NoError(t, err)

	ok, err := env.engine.Reject(ctx, app.ID, 42, "мало опыта")
	require.NoError(t, err)
	require.True(t, ok)

	rejected, err := env.engine.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	processedAt := rejected.ProcessedAt
	require.NotNil(t, processedAt)

	env.clock = env.clock.Add(time.Hour)
	ok, err = env.engine.Reject(ctx, app.ID, 43, "повторно")
	require.NoError(t, err)
	assert.False(t, ok)

	again, err := env.engine.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, db.BrokerAppRejected, again.Status)
	assert.Equal(t, "мало опыта", again.AdminComment)
	assert.True(t, processedAt.Equal(*again.ProcessedAt))

	_, err = env.engine.Approve(ctx, app.ID, 42, "")
	require.ErrorIs(t, err, ErrAlreadyProcessed)

	var invites int64
	require.NoError(t, env.repo.DB().Model(&db.InviteCode{}).Count(&invites).Error)
	assert.Zero(t, invites)

	require.Len(t, env.notifier.sent[7001], 1)
	assert.Contains(t, env.notifier.sent[7001][0], "мало опыта")

	ok, err = env.engine.Reject(ctx, 999, 42, "")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = env.engine.Approve(ctx, 999, 42, "")
	require.ErrorIs(t, err, ErrApplicationNotFound)
}

func TestSubmitValidation(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	_, err := env.engine.Submit(ctx, SubmitParams{TelegramID: 8001, FullName: "   "})
	require.ErrorIs(t, err, ErrMissingName)

	first, err := env.engine.Submit(ctx, SubmitParams{TelegramID: 8001, FullName: "Смирнова"})
	require.NoError(t, err)

	_, err = env.engine.Submit(ctx, SubmitParams{TelegramID: 8001, FullName: "Смирнова"})
	require.ErrorIs(t, err, ErrDuplicatePending)

	ok, err := env.engine.Reject(ctx, first.ID, 42, "")
	require.NoError(t, err)
	require.True(t, ok)

	second, err := env.engine.Submit(ctx, SubmitParams{TelegramID: 8001, FullName: "Смирнова"})
	require.NoError(t, err)

	latest, err := env.engine.LatestApplication(ctx, 8001)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	pending, err := env.engine.PendingApplications(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	none, err := env.engine.LatestApplication(ctx, 9999)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestCodeCollisionsExhaustAttempts(t *testing.T) {
	env := setupEngine(t)
	ctx := context.Background()

	env.engine.newInviteCode = func(now time.Time) (string, error) {
		return fmt.Sprintf("BR_%d_AAA", now.Year()), nil
	}

	_, err := env.engine.CreateManualCode(ctx, 42, db.CodeTypeBroker, 0)
	require.NoError(t, err)

	_, err = env.engine.CreateManualCode(ctx, 42, db.CodeTypeBroker, 0)
	require.ErrorIs(t, err, db.ErrCodeSpaceExhausted)
}
