package diagnosis

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"rsc.io/pdf"
)

var ErrNoText = errors.New("document contains no extractable text")

// TextExtractor извлекает текст из загруженного файла
type TextExtractor interface {
	Extract(fileName string, data []byte) (string, error)
}

// FileExtractor понимает PDF и текстовые файлы
type FileExtractor struct{}

func (FileExtractor) Extract(fileName string, data []byte) (text string, err error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".pdf":
		text, err = extractPDF(data)
	case ".txt":
		text = string(data)
	default:
		return "", fmt.Errorf("%w: %s", ErrNoText, fileName)
	}
	if err != nil {
		return "", err
	}

	text = cleanText(text)
	if text == "" {
		return "", fmt.Errorf("%w: %s", ErrNoText, fileName)
	}
	return text, nil
}

func extractPDF(data []byte) (text string, err error) {
	// Разбор битых PDF может паниковать внутри библиотеки
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("failed to open pdf: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		var lastY float64
		for j, t := range page.Content().Text {
			if j > 0 && t.Y != lastY {
				sb.WriteByte('\n')
			}
			sb.WriteString(t.S)
			lastY = t.Y
		}
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

var (
	manyNewlines = regexp.MustCompile(`\n{3,}`)
	manySpaces   = regexp.MustCompile(` {2,}`)
)

// cleanText убирает пустые строки и повторяющиеся пробелы
func cleanText(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}

	text = strings.Join(kept, "\n")
	text = manyNewlines.ReplaceAllString(text, "\n\n")
	return manySpaces.ReplaceAllString(text, " ")
}
