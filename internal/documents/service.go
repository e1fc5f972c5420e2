package documents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"credit-bot/internal/db"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported file format")
	ErrFileTooLarge      = errors.New("file is too large")
	ErrUnknownType       = errors.New("unknown document type")
)

var allowedExtensions = map[string]bool{
	".pdf":  true,
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".txt":  true,
}

// Service хранит файлы документов на диске, а записи о них в БД
type Service struct {
	db       *gorm.DB
	dir      string
	maxBytes int64
	now      func() time.Time
}

func NewService(db *gorm.DB, dir string, maxSizeMB int) *Service {
	return &Service{
		db:       db,
		dir:      dir,
		maxBytes: int64(maxSizeMB) * 1024 * 1024,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) ValidateFormat(fileName string) error {
	ext := strings.ToLower(filepath.Ext(fileName))
	if !allowedExtensions[ext] {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	return nil
}

func (s *Service) ValidateSize(size int64) error {
	if s.maxBytes > 0 && size > s.maxBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, size, s.maxBytes)
	}
	return nil
}

func (s *Service) MaxSizeMB() int64 {
	return s.maxBytes / 1024 / 1024
}

// Save проверяет файл, кладет его в каталог пользователя и создает запись Document
func (s *Service) Save(ctx context.Context, userID uint, applicationID *uint, fileName string, docType db.DocumentType, data []byte) (*db.Document, error) {
	if !docType.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, docType)
	}
	if err := s.ValidateFormat(fileName); err != nil {
		return nil, err
	}
	if err := s.ValidateSize(int64(len(data))); err != nil {
		return nil, err
	}

	userDir := filepath.Join(s.dir, strconv.FormatUint(uint64(userID), 10))
	if err := os.MkdirAll(userDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create documents dir: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(fileName))
	uniqueName := fmt.Sprintf("%s_%s%s", s.now().Format("20060102_150405.000000000"), docType, ext)
	path := filepath.Join(userDir, uniqueName)

	if err := os.WriteFile(path, data, 0o640); err != nil {
		return nil, fmt.Errorf("failed to write document: %w", err)
	}

	doc := &db.Document{
		UserID:        userID,
		ApplicationID: applicationID,
		FileName:      filepath.Base(fileName),
		FileType:      docType,
		FileSize:      int64(len(data)),
		FilePath:      path,
	}
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to save document record: %w", err)
	}

	slog.Info("Document saved", "document_id", doc.ID, "user_id", userID, "type", docType, "size", doc.FileSize)
	return doc, nil
}

// Read возвращает содержимое файла документа
func (s *Service) Read(doc *db.Document) ([]byte, error) {
	data, err := os.ReadFile(doc.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read document %d: %w", doc.ID, err)
	}
	return data, nil
}

func (s *Service) Get(ctx context.Context, documentID uint) (*db.Document, error) {
	var doc db.Document
	err := s.db.WithContext(ctx).First(&doc, documentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// ListForUser возвращает документы пользователя, новые первыми
func (s *Service) ListForUser(ctx context.Context, userID uint) ([]db.Document, error) {
	var docs []db.Document
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("uploaded_at DESC, id DESC").
		Find(&docs).Error
	return docs, err
}

// BureauReports возвращает отчеты БКИ пользователя (при applicationID != nil - только этой заявки)
func (s *Service) BureauReports(ctx context.Context, userID uint, applicationID *uint) ([]db.Document, error) {
	q := s.db.WithContext(ctx).
		Where("user_id = ? AND file_type IN ?", userID, db.BureauReportTypes)
	if applicationID != nil {
		q = q.Where("application_id = ?", *applicationID)
	}

	var docs []db.Document
	err := q.Order("uploaded_at DESC, id DESC").Find(&docs).Error
	return docs, err
}

func (s *Service) MarkProcessed(ctx context.Context, documentID uint, result string) error {
	now := s.now()
	return s.db.WithContext(ctx).Model(&db.Document{}).
		Where("id = ?", documentID).
		Updates(map[string]any{
			"is_processed":      true,
			"processing_result": result,
			"processed_at":      &now,
		}).Error
}

// Delete удаляет файл и запись о документе
func (s *Service) Delete(ctx context.Context, doc *db.Document) error {
	if err := os.Remove(doc.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove document file: %w", err)
	}
	return s.db.WithContext(ctx).Delete(&db.Document{}, doc.ID).Error
}

// DeleteForUser удаляет все документы пользователя и возвращает их число
func (s *Service) DeleteForUser(ctx context.Context, userID uint) (int, error) {
	docs, err := s.ListForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	for i := range docs {
		if err := s.Delete(ctx, &docs[i]); err != nil {
			return i, err
		}
	}
	if len(docs) > 0 {
		slog.Info("User documents deleted", "user_id", userID, "count", len(docs))
	}
	return len(docs), nil
}

type Stats struct {
	Total     int
	Processed int
	ByType    map[db.DocumentType]int
}

func (s *Service) Stats(ctx context.Context, userID uint) (*Stats, error) {
	docs, err := s.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Total: len(docs), ByType: make(map[db.DocumentType]int)}
	for _, d := range docs {
		if d.IsProcessed {
			stats.Processed++
		}
		stats.ByType[d.FileType]++
	}
	return stats, nil
}
