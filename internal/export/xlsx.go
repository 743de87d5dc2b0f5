// Package export writes analysed quotations to spreadsheets.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"cotamatch/internal"
	"cotamatch/internal/apperr"
	"cotamatch/internal/storage"
)

const (
	itemsSheet   = "Itens"
	summarySheet = "Resumo"
)

var itemHeaders = []string{
	"linha", "descricao", "codigo", "quantidade", "unidade", "status",
	"produto_id", "produto_descricao", "produto_codigo", "produto_unidade", "preco", "estoque",
	"score_final", "confianca", "score_token", "score_semantico", "ajuste_aplicado", "motivos", "justificativa",
	"alternativa_2", "score_alternativa_2", "alternativa_3", "score_alternativa_3", "erro",
}

// QuotationToXLSX writes one row per item with its principal suggestion plus a summary sheet.
// products resolves suggested product ids; missing ids leave the product columns empty.
func QuotationToXLSX(q internal.Quotation, items []internal.QuotationItem, products map[string]internal.Product, outputPath string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), itemsSheet); err != nil {
		return err
	}
	for i, h := range itemHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(itemsSheet, cell, h)
	}

	buckets := map[internal.ConfidenceBucket]int{}
	for i, item := range items {
		r := i + 2
		set := func(col int, value any) {
			cell, _ := excelize.CoordinatesToCellName(col, r)
			_ = f.SetCellValue(itemsSheet, cell, value)
		}

		set(1, item.LineNo)
		set(2, item.Description)
		set(3, derefString(item.Code))
		set(4, derefFloat(item.Qty))
		set(5, derefString(item.Unit))
		set(6, string(item.Status))
		set(24, derefString(item.LastError))

		top, ok := principal(item.Suggestions)
		if !ok {
			continue
		}
		buckets[top.Confidence]++
		set(7, top.ProductID)
		if p, found := products[top.ProductID]; found {
			set(8, p.Description)
			set(9, derefString(p.Code))
			set(10, derefString(p.Unit))
			price, _ := p.Price.Float64()
			set(11, price)
			set(12, p.Stock)
		}
		set(13, top.FinalScore)
		set(14, string(top.Confidence))
		set(15, top.TokenScore)
		set(16, top.SemanticScore)
		set(17, top.Adjustment)
		set(18, joinReasons(top.Reasons))
		set(19, top.Justification)
		for j, alt := range top.Alternatives {
			if j >= 2 {
				break
			}
			set(20+2*j, alt.ProductID)
			set(21+2*j, alt.Score)
		}
	}
	_ = f.SetPanes(itemsSheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})

	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}
	summary := [][]any{
		{"cotacao_id", q.ID},
		{"numero", q.Number},
		{"cliente_cnpj", derefString(q.CustomerTaxID)},
		{"status", string(q.Status)},
		{"progresso", q.Progress},
		{"itens", len(items)},
		{"itens_analisados", q.AnalyzedItems},
		{"confianca_alta", buckets[internal.ConfidenceHigh]},
		{"confianca_media", buckets[internal.ConfidenceMedium]},
		{"confianca_baixa", buckets[internal.ConfidenceLow]},
	}
	for i, row := range summary {
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", i+1), row[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", i+1), row[1])
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return err
	}
	return f.SaveAs(outputPath)
}

// Quotation loads a quotation with its items and suggested products and writes it under outputDir.
// It returns the written path.
func Quotation(ctx context.Context, db *storage.DB, quotationID, outputDir string) (string, error) {
	q, err := db.GetQuotation(ctx, quotationID)
	if err != nil {
		return "", err
	}
	if q == nil {
		return "", fmt.Errorf("cotacao %s: %w", quotationID, apperr.ErrNotFound)
	}
	items, err := db.ListItems(ctx, quotationID)
	if err != nil {
		return "", err
	}

	products := map[string]internal.Product{}
	for _, item := range items {
		for _, s := range item.Suggestions {
			if _, seen := products[s.ProductID]; seen {
				continue
			}
			p, err := db.GetProduct(ctx, s.ProductID)
			if err != nil {
				return "", err
			}
			if p != nil {
				products[p.ID] = *p
			}
		}
	}

	name := "cotacao-" + sanitize(firstNonEmpty(q.Number, q.ID)) + ".xlsx"
	path := filepath.Join(outputDir, name)
	if err := QuotationToXLSX(*q, items, products, path); err != nil {
		return "", err
	}
	return path, nil
}

func principal(suggestions []internal.Suggestion) (internal.Suggestion, bool) {
	for _, s := range suggestions {
		if s.Principal {
			return s, true
		}
	}
	if len(suggestions) > 0 {
		return suggestions[0], true
	}
	return internal.Suggestion{}, false
}

func joinReasons(reasons []internal.MatchReason) string {
	parts := make([]string, 0, len(reasons))
	for _, r := range reasons {
		parts = append(parts, string(r))
	}
	return strings.Join(parts, ", ")
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func derefFloat(v *float64) any {
	if v == nil {
		return ""
	}
	return *v
}
