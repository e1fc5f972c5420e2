package referral

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-bot/internal/db"
	"credit-bot/internal/db/dbtest"
)

type testEnv struct {
	tracker *Tracker
	repo    *db.Repository
	broker  *db.Broker
	clock   time.Time
}

func setupTracker(t *testing.T) *testEnv {
	repo := dbtest.New(t)

	broker := &db.Broker{TelegramID: 777, Name: "Иванов", RefCode: "REF_ABC12", CommissionRate: 0.15, IsActive: true}
	require.NoError(t, repo.DB().Create(broker).Error)

	env := &testEnv{
		repo:   repo,
		broker: broker,
		clock:  time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC),
	}
	env.tracker = NewTracker(repo.DB(), nil, Options{BotUsername: "@credit_bot"})
	env.tracker.now = func() time.Time { return env.clock }
	return env
}

func (e *testEnv) statsRow(t *testing.T, refCode string) db.ReferralStats {
	var row db.ReferralStats
	require.NoError(t, e.repo.DB().Where("broker_id = ? AND ref_code = ?", e.broker.ID, refCode).First(&row).Error)
	return row
}

func (e *testEnv) clickCount(t *testing.T) int64 {
	var n int64
	require.NoError(t, e.repo.DB().Model(&db.ReferralClick{}).Count(&n).Error)
	return n
}

func tgID(id int64) *int64 {
	return &id
}

func TestTrackClickDeduplicates(t *testing.T) {
	env := setupTracker(t)
	ctx := context.Background()

	ok, err := env.tracker.TrackClick(ctx, ClickParams{RefCode: "REF_ABC12", TelegramID: tgID(555)})
	require.NoError(t, err)
	require.True(t, ok)

	row := env.statsRow(t, "REF_ABC12")
	assert.Equal(t, int64(1), row.Clicks)
	require.NotNil(t, row.FirstClick)
	require.NotNil(t, row.LastClick)
	assert.True(t, row.FirstClick.Equal(env.clock))
	assert.True(t, row.LastClick.Equal(env.clock))

	env.clock = env.clock.Add(30 * time.Second)
	ok, err = env.tracker.TrackClick(ctx, ClickParams{RefCode: "REF_ABC12", TelegramID: tgID(555)})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(1), env.statsRow(t, "REF_ABC12").Clicks)
	assert.Equal(t, int64(1), env.clickCount(t))

	t.Run("Other visitor counts", func(t *testing.T) {
		ok, err := env.tracker.TrackClick(ctx, ClickParams{RefCode: "REF_ABC12", TelegramID: tgID(556)})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Same visitor after window counts", func(t *testing.T) {
		env.clock = env.clock.Add(25 * time.Hour)
		ok, err := env.tracker.TrackClick(ctx, ClickParams{RefCode: "REF_ABC12", TelegramID: tgID(555)})
		require.NoError(t, err)
		assert.True(t, ok)

		row := env.statsRow(t, "REF_ABC12")
		assert.Equal(t, int64(3), row.Clicks)
		assert.True(t, row.FirstClick.Equal(time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)))
		assert.True(t, row.LastClick.Equal(env.clock))
	})
}

func TestTrackClickAnonymousByIP(t *testing.T) {
	env := setupTracker(t)
	ctx := context.Background()

	p := ClickParams{RefCode: "ref_abc12", IPAddress: "10.0.0.1", UserAgent: "Mozilla/5.0"}
	ok, err := env.tracker.TrackClick(ctx, p)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = env.tracker.TrackClick(ctx, p)
	require.NoError(t, err)
	assert.False(t, ok)

	var click db.ReferralClick
	require.NoError(t, env.repo.DB().First(&click).Error)
	assert.Equal(t, "REF_ABC12", click.RefCode)
	assert.Len(t, click.IPHash, 64)
	assert.NotContains(t, click.IPHash, "10.0.0.1")
	assert.Len(t, click.UserAgentHash, 64)
}

func TestTrackClickUnknownCode(t *testing.T) {
	env := setupTracker(t)

	ok, err := env.tracker.TrackClick(context.Background(), ClickParams{RefCode: "REF_NOPE1", TelegramID: tgID(555)})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, env.clickCount(t))
}

func TestTrackRegistrationLinksOwnClick(t *testing.T) {
	env := setupTracker(t)
	ctx := context.Background()

	_, err := env.tracker.TrackClick(ctx, ClickParams{RefCode: "REF_ABC12", TelegramID: tgID(555)})
	require.NoError(t, err)
	env.clock = env.clock.Add(time.Minute)
	_, err = env.tracker.TrackClick(ctx, ClickParams{RefCode: "REF_ABC12", TelegramID: tgID(556)})
	require.NoError(t, err)

	user := &db.User{TelegramID: 555, FirstName: "Ольга"}
	require.NoError(t, env.repo.DB().Create(user).Error)

	ok, err := env.tracker.TrackRegistration(ctx, user.ID, 555, "REF_ABC12")
	require.NoError(t, err)
	require.True(t, ok)

	var own, foreign db.ReferralClick
	require.NoError(t, env.repo.DB().Where("telegram_id = ?", 555).First(&own).Error)
	require.NoError(t, env.repo.DB().Where("telegram_id = ?", 556).First(&foreign).Error)

	assert.True(t, own.ConvertedToRegistration)
	require.NotNil(t, own.UserID)
	assert.Equal(t, user.ID, *own.UserID)
	assert.False(t, foreign.ConvertedToRegistration)
	assert.Nil(t, foreign.UserID)

	assert.Equal(t, int64(1), env.statsRow(t, "REF_ABC12").Registrations)

	ok, err = env.tracker.TrackRegistration(ctx, user.ID, 555, "REF_ZZZZZ")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConversionRate(t *testing.T) {
	assert.Zero(t, ConversionRate(0, 0))
	assert.Zero(t, ConversionRate(5, 0))
	assert.Equal(t, 50.0, ConversionRate(1, 2))
	assert.Equal(t, 100.0, ConversionRate(3, 3))

	for clicks := int64(1); clicks <= 20; clicks++ {
		for regs := int64(0); regs <= clicks; regs++ {
			assert.InDelta(t, float64(regs)/float64(clicks)*100, ConversionRate(regs, clicks), 1e-9)
		}
	}
}

func TestStats(t *testing.T) {
	env := setupTracker(t)
	ctx := context.Background()

	stats, err := env.tracker.Stats(ctx, env.broker.ID)
	require.NoError(t, err)
	assert.Zero(t, stats.Clicks)
	assert.Zero(t, stats.ConversionRate)
	assert.Empty(t, stats.RecentClicks)

	for i := int64(0); i < 4; i++ {
		_, err := env.tracker.TrackClick(ctx, ClickParams{RefCode: "REF_ABC12", TelegramID: tgID(100 + i)})
		require.NoError(t, err)
		env.clock = env.clock.Add(time.Minute)
	}

	client := &db.User{TelegramID: 100, BrokerID: &env.broker.ID}
	require.NoError(t, env.repo.DB().Create(client).Error)
	_, err = env.tracker.TrackRegistration(ctx, client.ID, 100, "REF_ABC12")
	require.NoError(t, err)

	require.NoError(t, env.repo.DB().Create(&db.Application{UserID: client.ID, Status: db.StatusDocumentsUploaded}).Error)
	require.NoError(t, env.repo.DB().Create(&db.Application{UserID: client.ID, Status: db.StatusCompleted}).Error)

	// Клики по старому коду остаются в сводке после смены кода
	env.tracker.newRefCode = func() (string, error) { return "REF_NEW01", nil }
	code, err := env.tracker.RegenerateCode(ctx, env.broker.ID)
	require.NoError(t, err)
	_, err = env.tracker.TrackClick(ctx, ClickParams{RefCode: code, TelegramID: tgID(200)})
	require.NoError(t, err)

	stats, err = env.tracker.Stats(ctx, env.broker.ID)
	require.NoError(t, err)
	assert.Equal(t, "REF_NEW01", stats.RefCode)
	assert.Equal(t, int64(5), stats.Clicks)
	assert.Equal(t, int64(1), stats.Registrations)
	assert.InDelta(t, 20.0, stats.ConversionRate, 1e-9)
	assert.Equal(t, int64(1), stats.TotalClients)
	assert.Equal(t, int64(1), stats.ActiveApplications)
	assert.Len(t, stats.RecentClicks, 5)
	assert.Equal(t, int64(200), *stats.RecentClicks[0].TelegramID)
	assert.True(t, stats.FirstClick.Equal(time.Date(2025, 4, 1, 10, 0, 0, 0, time.UTC)))

	_, err = env.tracker.Stats(ctx, 9999)
	require.ErrorIs(t, err, ErrBrokerNotFound)
}

func TestCalculateCommission(t *testing.T) {
	env := setupTracker(t)
	ctx := context.Background()

	client := &db.User{TelegramID: 300, BrokerID: &env.broker.ID}
	orphan := &db.User{TelegramID: 301}
	require.NoError(t, env.repo.DB().Create(client).Error)
	require.NoError(t, env.repo.DB().Create(orphan).Error)

	commission, ok, err := env.tracker.CalculateCommission(ctx, client.ID, decimal.RequireFromString("10000.10"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1500.02", commission.StringFixed(2))

	_, ok, err = env.tracker.CalculateCommission(ctx, client.ID, decimal.NewFromInt(100))
	require.NoError(t, err)
	require.True(t, ok)

	row := env.statsRow(t, "REF_ABC12")
	assert.Equal(t, int64(2), row.Conversions)
	assert.Equal(t, int64(151502), row.TotalCommissionMinor)
	assert.Zero(t, row.PaidCommissionMinor)

	stats, err := env.tracker.Stats(ctx, env.broker.ID)
	require.NoError(t, err)
	assert.Equal(t, "1515.02", stats.TotalCommission.StringFixed(2))

	_, ok, err = env.tracker.CalculateCommission(ctx, orphan.ID, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = env.tracker.CalculateCommission(ctx, 9999, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCalculateCommissionRejectsOverflow(t *testing.T) {
	env := setupTracker(t)
	ctx := context.Background()

	client := &db.User{TelegramID: 300, BrokerID: &env.broker.ID}
	require.NoError(t, env.repo.DB().Create(client).Error)
	require.NoError(t, env.tracker.EnsureStats(ctx, env.broker.ID, "REF_ABC12"))

	_, ok, err := env.tracker.CalculateCommission(ctx, client.ID, decimal.RequireFromString("1e20"))
	require.ErrorIs(t, err, db.ErrAmountOutOfRange)
	assert.False(t, ok)
	assert.Zero(t, env.statsRow(t, "REF_ABC12").TotalCommissionMinor)

	_, _, err = env.tracker.CalculateCommission(ctx, client.ID, decimal.NewFromInt(-100))
	require.ErrorIs(t, err, db.ErrAmountOutOfRange)

	// Сумма в пределах int64, но накопленный итог переполнился бы
	require.NoError(t, env.repo.DB().Model(&db.ReferralStats{}).
		Where("broker_id = ?", env.broker.ID).
		Update("total_commission_minor", int64(math.MaxInt64-10)).Error)

	_, _, err = env.tracker.CalculateCommission(ctx, client.ID, decimal.NewFromInt(100))
	require.ErrorIs(t, err, db.ErrAmountOutOfRange)

	row := env.statsRow(t, "REF_ABC12")
	assert.Equal(t, int64(math.MaxInt64-10), row.TotalCommissionMinor)
	assert.Zero(t, row.Conversions)
}

func TestRegenerateCodeExhaustsAttempts(t *testing.T) {
	env := setupTracker(t)
	ctx := context.Background()

	calls := 0
	env.tracker.newRefCode = func() (string, error) {
		calls++
		return "REF_ABC12", nil
	}

	code, err := env.tracker.RegenerateCode(ctx, env.broker.ID)
	require.NoError(t, err)
	assert.Empty(t, code)
	assert.Equal(t, 10, calls)

	var broker db.Broker
	require.NoError(t, env.repo.DB().First(&broker, env.broker.ID).Error)
	assert.Equal(t, "REF_ABC12", broker.RefCode)

	_, err = env.tracker.RegenerateCode(ctx, 9999)
	require.ErrorIs(t, err, ErrBrokerNotFound)
}

func TestRegenerateCodeKeepsOldStats(t *testing.T) {
	env := setupTracker(t)
	ctx := context.Background()

	_, err := env.tracker.TrackClick(ctx, ClickParams{RefCode: "REF_ABC12", TelegramID: tgID(1)})
	require.NoError(t, err)

	code, err := env.tracker.RegenerateCode(ctx, env.broker.ID)
	require.NoError(t, err)
	assert.NotEqual(t, "REF_ABC12", code)
	assert.Regexp(t, `^REF_[A-Z0-9]{5}$`, code)

	assert.Equal(t, int64(1), env.statsRow(t, "REF_ABC12").Clicks)
	assert.Zero(t, env.statsRow(t, code).Clicks)

	ok, err := env.tracker.TrackClick(ctx, ClickParams{RefCode: "REF_ABC12", TelegramID: tgID(2)})
	require.NoError(t, err)
	assert.False(t, ok)

	link, err := env.tracker.ReferralLink(ctx, env.broker.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/credit_bot?start="+code, link)
}
