package diagnosis

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"credit-bot/internal/db"
	"credit-bot/internal/gates/llm"
)

type fakeDocuments struct {
	docs      []db.Document
	files     map[uint][]byte
	processed []uint
}

func (f *fakeDocuments) BureauReports(ctx context.Context, userID uint, applicationID *uint) ([]db.Document, error) {
	return f.docs, nil
}

func (f *fakeDocuments) Read(doc *db.Document) ([]byte, error) {
	data, ok := f.files[doc.ID]
	if !ok {
		return nil, errors.New("file not found")
	}
	return data, nil
}

func (f *fakeDocuments) MarkProcessed(ctx context.Context, documentID uint, result string) error {
	f.processed = append(f.processed, documentID)
	return nil
}

type fakeModel struct {
	prompt   string
	response string
	err      error
}

func (f *fakeModel) Complete(ctx context.Context, systemPrompt, userPrompt string) (*llm.Completion, error) {
	f.prompt = userPrompt
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Completion{Text: f.response, TokensUsed: 100}, nil
}

const sampleResponse = `Блок 1. Ошибки в титуле
Критичность: 🟥
Неверная дата рождения в НБКИ

Блок 2. Ошибки в реквизитах
Критичность: 🟩
ошибок не выявлено

Блок 3. Контактные данные
Критичность: 🟨
Устаревший телефон в ОКБ

Статус анализа:
Всего блоков обработано: 3
Блоков с ошибками: 2`

func TestAnalyze(t *testing.T) {
	docs := &fakeDocuments{
		docs: []db.Document{
			{ID: 3, FileName: "equifax.txt", FileType: db.DocCreditReportEquifax},
			{ID: 2, FileName: "okb_new.txt", FileType: db.DocCreditReportOKB},
			{ID: 1, FileName: "nbki.txt", FileType: db.DocCreditReportNBKI},
			{ID: 4, FileName: "okb_old.txt", FileType: db.DocCreditReportOKB},
		},
		files: map[uint][]byte{
			1: []byte("текст   нбки\n\n\n\nстрока"),
			2: []byte("новый окб"),
			3: []byte("эквифакс"),
			4: []byte("старый окб"),
		},
	}
	model := &fakeModel{response: sampleResponse}
	s := NewService(docs, nil, model)

	result, err := s.Analyze(context.Background(), 1, nil)
	require.NoError(t, err)

	assert.Equal(t, 4, result.DocumentsAnalyzed)
	assert.Equal(t, 100, result.TokensUsed)
	assert.ElementsMatch(t, []uint{1, 2, 3}, docs.processed)

	nbki := strings.Index(model.prompt, "ОТЧЕТ НБКИ")
	okb := strings.Index(model.prompt, "ОТЧЕТ ОКБ")
	equifax := strings.Index(model.prompt, "ОТЧЕТ Эквифакс")
	assert.True(t, nbki >= 0 && nbki < okb && okb < equifax, "bureau order")
	assert.Contains(t, model.prompt, "текст нбки\nстрока")
	assert.Contains(t, model.prompt, "новый окб")
	assert.NotContains(t, model.prompt, "старый окб")

	require.Len(t, result.Analysis.Blocks, 3)
	assert.Equal(t, SeverityCritical, result.Analysis.Blocks[0].Severity)
	assert.Contains(t, result.Analysis.StatusSection, "Блоков с ошибками: 2")
	assert.Equal(t, []string{
		"🟥 Блок 1. Ошибки в титуле: требуется исправление",
		"🟨 Блок 3. Контактные данные: требуется проверка",
	}, result.Recommendations())
}

func TestAnalyzeErrors(t *testing.T) {
	ctx := context.Background()

	s := NewService(&fakeDocuments{}, nil, &fakeModel{})
	_, err := s.Analyze(ctx, 1, nil)
	assert.ErrorIs(t, err, ErrNoDocuments)

	unreadable := &fakeDocuments{docs: []db.Document{{ID: 1, FileName: "scan.jpg", FileType: db.DocCreditReportNBKI}}, files: map[uint][]byte{1: []byte("jpeg")}}
	s = NewService(unreadable, nil, &fakeModel{})
	_, err = s.Analyze(ctx, 1, nil)
	assert.ErrorIs(t, err, ErrNoText)

	docs := &fakeDocuments{docs: []db.Document{{ID: 1, FileName: "a.txt", FileType: db.DocCreditReportNBKI}}, files: map[uint][]byte{1: []byte("text")}}
	s = NewService(docs, nil, &fakeModel{err: llm.ErrNotConfigured})
	_, err = s.Analyze(ctx, 1, nil)
	assert.ErrorIs(t, err, llm.ErrNotConfigured)
	assert.Empty(t, docs.processed)
}

func TestAnalyzeTruncatesLongText(t *testing.T) {
	docs := &fakeDocuments{
		docs:  []db.Document{{ID: 1, FileName: "a.txt", FileType: db.DocCreditReportNBKI}},
		files: map[uint][]byte{1: []byte(strings.Repeat("ж", MaxTextLength+500))},
	}
	model := &fakeModel{response: "Блок 1. Титул\nКритичность: 🟩"}
	s := NewService(docs, nil, model)

	result, err := s.Analyze(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(model.prompt, truncatedMarker))
	assert.Equal(t, MaxTextLength+len([]rune(truncatedMarker)), result.TextLength)
}

func TestParseResponseWithoutBlocks(t *testing.T) {
	now := time.Now()
	analysis := ParseResponse("Не удалось разобрать отчет", now)

	assert.Empty(t, analysis.Blocks)
	assert.Empty(t, analysis.StatusSection)
	assert.Equal(t, now, analysis.ParsedAt)

	result := &Result{Analysis: analysis}
	assert.Equal(t, []string{"Критичных ошибок не выявлено"}, result.Recommendations())
}

func TestFileExtractor(t *testing.T) {
	var e FileExtractor

	text, err := e.Extract("report.TXT", []byte("  a  \n\n b   c "))
	require.NoError(t, err)
	assert.Equal(t, "a\nb c", text)

	_, err = e.Extract("scan.png", []byte("png"))
	assert.ErrorIs(t, err, ErrNoText)

	_, err = e.Extract("empty.txt", []byte("   \n  "))
	assert.ErrorIs(t, err, ErrNoText)

	_, err = e.Extract("broken.pdf", []byte("not a pdf"))
	assert.Error(t, err)
}
