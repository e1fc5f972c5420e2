package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"

	"credit-bot/internal/db"
)

// Не больше строк в одном отчете, чтобы сообщение влезло в лимит Telegram
const reportLimit = 20

type AdminNotifier interface {
	NotifyAdmin(ctx context.Context, text string)
}

type Options struct {
	// StuckAfter - сколько заявка может провести в DIAGNOSIS_IN_PROGRESS
	StuckAfter time.Duration
}

type Scheduler struct {
	cron       *cron.Cron
	db         *gorm.DB
	notifier   AdminNotifier
	stuckAfter time.Duration
	now        func() time.Time
}

func NewScheduler(gdb *gorm.DB, notifier AdminNotifier, opts Options) *Scheduler {
	if opts.StuckAfter <= 0 {
		opts.StuckAfter = 30 * time.Minute
	}
	return &Scheduler{
		cron:       cron.New(cron.WithLocation(time.UTC)),
		db:         gdb,
		notifier:   notifier,
		stuckAfter: opts.StuckAfter,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Scheduler) Start() error {
	// Cron-задача: сводка заявок брокеров на рассмотрении (ежедневно в 09:00 UTC)
	_, err := s.cron.AddFunc("0 9 * * *", s.job("pending broker applications", s.ReportPendingBrokerApplications))
	if err != nil {
		return fmt.Errorf("failed to add pending applications job: %w", err)
	}

	// Cron-задача: зависшие диагностики (каждые 30 минут)
	_, err = s.cron.AddFunc("*/30 * * * *", s.job("stuck diagnoses", s.ReportStuckDiagnoses))
	if err != nil {
		return fmt.Errorf("failed to add stuck diagnoses job: %w", err)
	}

	// Cron-задача: неиспользованные истекшие инвайт-коды (ежедневно в 00:10 UTC)
	_, err = s.cron.AddFunc("10 0 * * *", s.job("expired invite codes", s.ReportExpiredInviteCodes))
	if err != nil {
		return fmt.Errorf("failed to add expired invites job: %w", err)
	}

	s.cron.Start()
	slog.Info("Cron scheduler started")

	return nil
}

func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("Cron scheduler stopped")
}

func (s *Scheduler) job(name string, fn func(ctx context.Context) (int, error)) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		n, err := fn(ctx)
		if err != nil {
			slog.Error("Scheduled job failed", "job", name, "error", err)
			return
		}
		slog.Info("Scheduled job completed", "job", name, "found", n)
	}
}

// ReportPendingBrokerApplications отправляет админу список заявок брокеров на рассмотрении
func (s *Scheduler) ReportPendingBrokerApplications(ctx context.Context) (int, error) {
	var apps []db.BrokerApplication
	err := s.db.WithContext(ctx).
		Where("status = ?", db.BrokerAppPending).
		Order("created_at ASC, id ASC").
		Find(&apps).Error
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pending broker applications: %w", err)
	}
	if len(apps) == 0 {
		return 0, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📋 Заявки брокеров на рассмотрении: %d\n", len(apps))
	for i, app := range apps {
		if i == reportLimit {
			fmt.Fprintf(&b, "\n… и еще %d", len(apps)-reportLimit)
			break
		}
		fmt.Fprintf(&b, "\n#%d %s", app.ID, app.FullName)
		if app.Company != "" {
			fmt.Fprintf(&b, " (%s)", app.Company)
		}
		fmt.Fprintf(&b, " от %s", app.CreatedAt.Format("02.01.2006"))
	}
	b.WriteString("\n\nПросмотр: /brokerapps")

	s.notifier.NotifyAdmin(ctx, b.String())
	return len(apps), nil
}

// ReportStuckDiagnoses сообщает о заявках, застрявших в DIAGNOSIS_IN_PROGRESS
func (s *Scheduler) ReportStuckDiagnoses(ctx context.Context) (int, error) {
	var apps []db.Application
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", db.StatusDiagnosisInProgress, s.now().Add(-s.stuckAfter)).
		Order("updated_at ASC").
		Limit(reportLimit).
		Find(&apps).Error
	if err != nil {
		return 0, fmt.Errorf("failed to fetch stuck diagnoses: %w", err)
	}
	if len(apps) == 0 {
		return 0, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "⏳ Диагностика идет дольше %s:\n", s.stuckAfter)
	for _, app := range apps {
		fmt.Fprintf(&b, "\nЗаявка #%d (пользователь %d) с %s", app.ID, app.UserID, app.UpdatedAt.Format("02.01.2006 15:04"))
	}
	b.WriteString("\n\nСменить статус: /setstatus <id> <статус>")

	s.notifier.NotifyAdmin(ctx, "🚨 "+b.String())
	return len(apps), nil
}

// ReportExpiredInviteCodes сообщает о кодах, истекших за последние сутки без активации
func (s *Scheduler) ReportExpiredInviteCodes(ctx context.Context) (int, error) {
	now := s.now()

	var invites []db.InviteCode
	err := s.db.WithContext(ctx).
		Where("is_used = ? AND expires_at <= ? AND expires_at > ?", false, now, now.Add(-24*time.Hour)).
		Order("expires_at ASC").
		Find(&invites).Error
	if err != nil {
		return 0, fmt.Errorf("failed to fetch expired invite codes: %w", err)
	}
	if len(invites) == 0 {
		return 0, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🕒 Истекли без активации: %d\n", len(invites))
	for i, inv := range invites {
		if i == reportLimit {
			fmt.Fprintf(&b, "\n… и еще %d", len(invites)-reportLimit)
			break
		}
		fmt.Fprintf(&b, "\n%s (%s)", inv.Code, inv.CodeType)
		if inv.ApplicationID != nil {
			fmt.Fprintf(&b, ", заявка #%d", *inv.ApplicationID)
		}
	}

	s.notifier.NotifyAdmin(ctx, b.String())
	return len(invites), nil
}
