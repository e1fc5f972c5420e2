package diagnosis

import (
	"regexp"
	"strings"
	"time"
)

var blockHeader = regexp.MustCompile(`^Блок\s+\d+\.`)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityOK       Severity = "ok"
)

func (s Severity) Emoji() string {
	switch s {
	case SeverityCritical:
		return "🟥"
	case SeverityWarning:
		return "🟨"
	case SeverityOK:
		return "🟩"
	}
	return ""
}

type Block struct {
	Title    string   `json:"title"`
	Severity Severity `json:"severity,omitempty"`
	Content  string   `json:"content"`
}

// Analysis - разобранный ответ модели, сохраняется в заявке как JSON
type Analysis struct {
	RawResponse   string    `json:"raw_response"`
	Blocks        []Block   `json:"blocks"`
	StatusSection string    `json:"status_section,omitempty"`
	ParsedAt      time.Time `json:"parsed_at"`
}

type Result struct {
	Analysis          Analysis
	DocumentsAnalyzed int
	TextLength        int
	TokensUsed        int
}

// Recommendations формирует список пунктов к исправлению по критичности блоков
func (r *Result) Recommendations() []string {
	var recs []string
	for _, b := range r.Analysis.Blocks {
		switch b.Severity {
		case SeverityCritical:
			recs = append(recs, b.Severity.Emoji()+" "+b.Title+": требуется исправление")
		case SeverityWarning:
			recs = append(recs, b.Severity.Emoji()+" "+b.Title+": требуется проверка")
		}
	}
	if len(recs) == 0 {
		recs = append(recs, "Критичных ошибок не выявлено")
	}
	return recs
}

// ParseResponse режет ответ модели на блоки вида "Блок N. Название"
func ParseResponse(response string, parsedAt time.Time) Analysis {
	analysis := Analysis{RawResponse: response, ParsedAt: parsedAt}

	var current *Block
	var content []string
	flush := func() {
		if current != nil {
			current.Content = strings.TrimSpace(strings.Join(content, "\n"))
			analysis.Blocks = append(analysis.Blocks, *current)
		}
	}

	for _, line := range strings.Split(response, "\n") {
		trimmed := strings.TrimSpace(line)
		if blockHeader.MatchString(trimmed) {
			flush()
			current = &Block{Title: trimmed}
			content = nil
			continue
		}
		if current == nil {
			continue
		}
		if strings.HasPrefix(trimmed, "Статус анализа") {
			flush()
			current = nil
			continue
		}
		if strings.HasPrefix(trimmed, "Критичность:") {
			current.Severity = parseSeverity(trimmed)
		}
		content = append(content, line)
	}
	flush()

	if idx := strings.LastIndex(response, "Статус анализа"); idx >= 0 {
		section := response[idx+len("Статус анализа"):]
		analysis.StatusSection = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(section), ":"))
	}
	return analysis
}

func parseSeverity(line string) Severity {
	switch {
	case strings.Contains(line, "🟥"):
		return SeverityCritical
	case strings.Contains(line, "🟨"):
		return SeverityWarning
	case strings.Contains(line, "🟩"):
		return SeverityOK
	}
	return ""
}
