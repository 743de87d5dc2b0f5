package intake

import (
	"strings"

	"cotamatch/internal/util"
)

type DetectResult struct {
	IsQuote bool
	Score   float64
	Reason  string
}

var detectKeywords = []string{"cotacao", "orcamento", "solicito", "solicitamos", "pedido", "qtd", "quantidade", "favor cotar"}

// DetectQuoteRequest scores an inbound message on subject/body keywords, quantity-looking numbers,
// spreadsheet/pdf attachments and html tables. Accents are ignored.
func DetectQuoteRequest(subject, text, html string, attachmentNames []string) DetectResult {
	subject = strings.ToLower(util.FoldAccents(subject))
	text = strings.ToLower(util.FoldAccents(text))
	html = strings.ToLower(util.FoldAccents(html))

	score := 0.0
	for _, kw := range detectKeywords {
		if strings.Contains(subject, kw) {
			score += 0.2
		}
		if strings.Contains(text, kw) || strings.Contains(html, kw) {
			score += 0.1
		}
	}

	switch hits := countNumbers(text); {
	case hits >= 2:
		score += 0.4
	case hits == 1:
		score += 0.2
	}

	for _, name := range attachmentNames {
		if isSpreadsheet(name) || isPDF(name) {
			score += 0.25
			break
		}
	}

	if strings.Contains(html, "<table") {
		score += 0.25
	}
	if score > 1 {
		score = 1
	}

	isQuote := score >= 0.45
	reason := "rules_negative"
	if isQuote {
		reason = "rules_positive"
	}
	return DetectResult{IsQuote: isQuote, Score: score, Reason: reason}
}

func countNumbers(text string) int {
	count := 0
	for i := 0; i < len(text); i++ {
		if text[i] >= '0' && text[i] <= '9' {
			count++
			for i+1 < len(text) && text[i+1] >= '0' && text[i+1] <= '9' {
				i++
			}
		}
	}
	return count
}

func isSpreadsheet(name string) bool {
	ln := strings.ToLower(name)
	return strings.HasSuffix(ln, ".xlsx") || strings.HasSuffix(ln, ".xls")
}

func isPDF(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".pdf")
}
