package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"credit-bot/internal/db"
	"credit-bot/internal/gates/llm"
)

// MaxTextLength - лимит символов объединенного текста, отправляемого в модель
const MaxTextLength = 120_000

const truncatedMarker = "\n[ТЕКСТ ОБРЕЗАН]"

var ErrNoDocuments = errors.New("no credit bureau reports found")

// Documents - доступ к загруженным отчетам БКИ
type Documents interface {
	BureauReports(ctx context.Context, userID uint, applicationID *uint) ([]db.Document, error)
	Read(doc *db.Document) ([]byte, error)
	MarkProcessed(ctx context.Context, documentID uint, result string) error
}

// Completer - языковая модель
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (*llm.Completion, error)
}

type Service struct {
	docs      Documents
	extractor TextExtractor
	model     Completer
	now       func() time.Time
}

func NewService(docs Documents, extractor TextExtractor, model Completer) *Service {
	if extractor == nil {
		extractor = FileExtractor{}
	}
	return &Service{
		docs:      docs,
		extractor: extractor,
		model:     model,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Analyze собирает отчеты БКИ пользователя, отправляет их на анализ и разбирает ответ
func (s *Service) Analyze(ctx context.Context, userID uint, applicationID *uint) (*Result, error) {
	slog.Info("Starting credit history analysis", "user_id", userID)

	docs, err := s.docs.BureauReports(ctx, userID, applicationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load documents: %w", err)
	}
	if len(docs) == 0 {
		return nil, ErrNoDocuments
	}

	texts, used := s.extractTexts(docs)
	if len(texts) == 0 {
		return nil, fmt.Errorf("не удалось извлечь текст из документов: %w", ErrNoText)
	}

	combined := combineTexts(texts)
	if n := len([]rune(combined)); n > MaxTextLength {
		slog.Warn("Combined text exceeds limit, truncating", "length", n, "limit", MaxTextLength)
		combined = string([]rune(combined)[:MaxTextLength]) + truncatedMarker
	}

	completion, err := s.model.Complete(ctx, systemPrompt, userPromptPrefix+combined)
	if err != nil {
		return nil, fmt.Errorf("ошибка API анализа: %w", err)
	}

	for _, doc := range used {
		if err := s.docs.MarkProcessed(ctx, doc.ID, "analyzed"); err != nil {
			slog.Error("Failed to mark document processed", "document_id", doc.ID, "error", err)
		}
	}

	result := &Result{
		Analysis:          ParseResponse(completion.Text, s.now()),
		DocumentsAnalyzed: len(docs),
		TextLength:        len([]rune(combined)),
		TokensUsed:        completion.TokensUsed,
	}

	slog.Info("Credit history analysis finished",
		"user_id", userID,
		"documents", result.DocumentsAnalyzed,
		"blocks", len(result.Analysis.Blocks))
	return result, nil
}

// extractTexts берет по одному (самому свежему) отчету на каждое бюро
func (s *Service) extractTexts(docs []db.Document) (map[db.DocumentType]string, []db.Document) {
	texts := make(map[db.DocumentType]string)
	var used []db.Document

	for i := range docs {
		doc := &docs[i]
		if _, ok := texts[doc.FileType]; ok {
			continue
		}

		data, err := s.docs.Read(doc)
		if err != nil {
			slog.Warn("Failed to read document", "document_id", doc.ID, "error", err)
			continue
		}

		text, err := s.extractor.Extract(doc.FileName, data)
		if err != nil {
			slog.Warn("Failed to extract text", "document_id", doc.ID, "file", doc.FileName, "error", err)
			continue
		}

		texts[doc.FileType] = text
		used = append(used, *doc)
		slog.Info("Text extracted", "document_id", doc.ID, "chars", len([]rune(text)))
	}
	return texts, used
}

// combineTexts объединяет отчеты в порядке НБКИ, ОКБ, Эквифакс
func combineTexts(texts map[db.DocumentType]string) string {
	sep := strings.Repeat("=", 50)

	var sb strings.Builder
	sb.WriteString("=== ОБЪЕДИНЕННЫЙ ОТЧЕТ КРЕДИТНОЙ ИСТОРИИ ===\n")
	for _, docType := range db.BureauReportTypes {
		text, ok := texts[docType]
		if !ok {
			continue
		}
		name := docType.BureauName()
		fmt.Fprintf(&sb, "\n%s\nБЛОК: ОТЧЕТ %s\n%s\n\n%s\n\n%s\nКОНЕЦ БЛОКА %s\n%s\n", sep, name, sep, text, sep, name, sep)
	}
	return sb.String()
}
