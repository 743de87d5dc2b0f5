package export

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"cotamatch/internal"
	"cotamatch/internal/apperr"
	"cotamatch/internal/storage"
	"cotamatch/internal/util"
)

func TestQuotationExport(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := storage.Open(filepath.Join(dir, "app.db"))
	require.NoError(t, err)
	defer db.Close()

	now := time.Now().UTC()
	_, err = db.UpsertProducts(ctx, []internal.Product{
		{ID: "P1", Description: "Parafuso sextavado M10", Code: util.StringPtr("PARAF-10"), Unit: util.StringPtr("un"), Price: decimal.RequireFromString("1.25"), Stock: 300},
		{ID: "P2", Description: "Parafuso sextavado M12"},
	}, now)
	require.NoError(t, err)

	items := []internal.QuotationItem{
		{ID: "i1", LineNo: 1, Description: "Parafuso M10", Code: util.StringPtr("PARAF-10"), Qty: util.FloatPtr(100)},
		{ID: "i2", LineNo: 2, Description: "Item sem par"},
	}
	q := &internal.Quotation{ID: "q1", Number: "4471/A"}
	require.NoError(t, db.CreateQuotation(ctx, q, items))
	require.NoError(t, db.StartAnalysis(ctx, "q1", now))

	ok, err := db.MarkItemAnalyzing(ctx, "i1")
	require.NoError(t, err)
	require.True(t, ok)
	score := 91.5
	suggestions := []internal.Suggestion{{
		ProductID: "P1", FinalScore: score, TokenScore: 100, SemanticScore: 86, Principal: true,
		Confidence: internal.ConfidenceHigh, Reasons: []internal.MatchReason{internal.ReasonCodeExact, internal.ReasonSemantic},
		Alternatives: []internal.Alternative{{ProductID: "P2", Score: 70.25, Difference: "-21.25"}},
	}}
	require.NoError(t, db.SaveItemResult(ctx, "i1", util.StringPtr("P1"), &score, suggestions, now))

	path, err := Quotation(ctx, db, "q1", filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.Equal(t, "cotacao-4471_A.xlsx", filepath.Base(path))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(itemsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, itemHeaders[:3], rows[0][:3])
	assert.Equal(t, "P1", rows[1][6])
	assert.Equal(t, "Parafuso sextavado M10", rows[1][7])
	assert.Equal(t, "alta", rows[1][13])
	assert.Equal(t, "codigo_exato, semantica", rows[1][17])
	assert.Equal(t, "P2", rows[1][19])
	assert.Equal(t, "pendente", rows[2][5])

	v, err := f.GetCellValue(summarySheet, "B8")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestQuotationExportMissing(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	defer db.Close()

	_, err = Quotation(context.Background(), db, "nope", t.TempDir())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
