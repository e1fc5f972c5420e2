package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"credit-bot/internal/db"
)

type TimelineEntry struct {
	At        time.Time
	OldStatus *db.ApplicationStatus
	Status    db.ApplicationStatus
	Comment   string
	Actor     db.Actor
}

type ApplicationStats struct {
	Total      int
	Completed  int
	InProgress int
	ByStatus   map[db.ApplicationStatus]int
}

func (m *Manager) Get(ctx context.Context, appID uint) (*db.Application, error) {
	var app db.Application
	err := m.db.WithContext(ctx).First(&app, appID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// ActiveApplication возвращает последнюю нетерминальную заявку пользователя или nil
func (m *Manager) ActiveApplication(ctx context.Context, userID uint) (*db.Application, error) {
	var app db.Application
	err := m.db.WithContext(ctx).
		Where("user_id = ? AND status NOT IN ?", userID, db.TerminalStatuses).
		Order("created_at DESC, id DESC").
		First(&app).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// EnsureActive возвращает активную заявку, создавая новую при ее отсутствии
func (m *Manager) EnsureActive(ctx context.Context, userID uint) (*db.Application, bool, error) {
	app, err := m.ActiveApplication(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	if app != nil {
		return app, false, nil
	}

	app, err = m.Create(ctx, userID, CreateParams{})
	if err != nil {
		return nil, false, err
	}
	return app, true, nil
}

// MarkDocumentsUploaded переводит заявку в DOCUMENTS_UPLOADED, если она ждет документов
func (m *Manager) MarkDocumentsUploaded(ctx context.Context, appID uint) (bool, error) {
	app, err := m.Get(ctx, appID)
	if err != nil || app == nil {
		return false, err
	}
	if app.Status != db.StatusCreated && app.Status != db.StatusDiagnosisFailed {
		return false, nil
	}
	return m.Transition(ctx, appID, db.StatusDocumentsUploaded, "Загружены документы", db.ActorUser)
}

// MarkNotified отмечает последнюю запись истории заявки как доставленную пользователю
func (m *Manager) MarkNotified(ctx context.Context, appID uint) error {
	latest := m.db.Model(&db.StatusHistory{}).Select("MAX(id)").Where("application_id = ?", appID)
	return m.db.WithContext(ctx).Model(&db.StatusHistory{}).
		Where("id = (?)", latest).
		Update("user_notified", true).Error
}

// Timeline возвращает историю статусов заявки, новые записи первыми
func (m *Manager) Timeline(ctx context.Context, appID uint) ([]TimelineEntry, error) {
	var rows []db.StatusHistory
	err := m.db.WithContext(ctx).
		Where("application_id = ?", appID).
		Order("created_at DESC, id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load status history: %w", err)
	}

	entries := make([]TimelineEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, TimelineEntry{
			At:        r.CreatedAt,
			OldStatus: r.OldStatus,
			Status:    r.NewStatus,
			Comment:   r.Comment,
			Actor:     r.Actor,
		})
	}
	return entries, nil
}

func (m *Manager) Stats(ctx context.Context, userID uint) (*ApplicationStats, error) {
	var apps []db.Application
	if err := m.db.WithContext(ctx).Select("id", "status").Where("user_id = ?", userID).Find(&apps).Error; err != nil {
		return nil, err
	}

	stats := &ApplicationStats{Total: len(apps), ByStatus: make(map[db.ApplicationStatus]int)}
	for _, a := range apps {
		stats.ByStatus[a.Status]++
		switch {
		case a.Status == db.StatusCompleted:
			stats.Completed++
		case !a.Status.IsTerminal():
			stats.InProgress++
		}
	}
	return stats, nil
}
