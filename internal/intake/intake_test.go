package intake

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"cotamatch/internal"
	"cotamatch/internal/apperr"
	"cotamatch/internal/storage"
)

func mkXLSX(t *testing.T, rows [][]any) []byte {
	t.Helper()
	f := excelize.NewFile()
	sheet := f.GetSheetName(0)
	for r, row := range rows {
		for c, v := range row {
			cell, err := excelize.CoordinatesToCellName(c+1, r+1)
			require.NoError(t, err)
			require.NoError(t, f.SetCellValue(sheet, cell, v))
		}
	}
	buf := bytes.NewBuffer(nil)
	_, err := f.WriteTo(buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestParseText(t *testing.T) {
	text := "Bom dia,\nSolicito cotação dos itens abaixo:\n\nPARAF-10 Parafuso sextavado M10 100 un\nPorca sextavada M10 200 pç\n2) Cabo flexível 2,5mm 50 m\nAtenciosamente,\n"
	items := ParseText(text, internal.SourceEmailText)
	require.Len(t, items, 3)

	assert.Equal(t, "Parafuso sextavado M10", *items[0].Name)
	require.NotNil(t, items[0].Code)
	assert.Equal(t, "PARAF-10", *items[0].Code)
	assert.Equal(t, 100.0, *items[0].Qty)
	assert.Equal(t, "un", *items[0].Unit)

	assert.Equal(t, "Porca sextavada M10", *items[1].Name)
	assert.Nil(t, items[1].Code)
	assert.Equal(t, "pc", *items[1].Unit)

	assert.Equal(t, "Cabo flexível 2,5mm", *items[2].Name)
	assert.Equal(t, 50.0, *items[2].Qty)
	assert.Equal(t, 3, items[2].LineNo)
}

func TestParseTextCodeLabel(t *testing.T) {
	items := ParseText("Luva de raspa cód. LV220 12 pares", internal.SourceText)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].Code)
	assert.Equal(t, "LV220", *items[0].Code)
	assert.Equal(t, "Luva de raspa", *items[0].Name)
	assert.Equal(t, 12.0, *items[0].Qty)
	assert.Equal(t, "par", *items[0].Unit)
}

func TestParseHTMLTables(t *testing.T) {
	html := `<table>
<tr><th>Item</th><th>Código</th><th>Descrição</th><th>Qtd</th><th>Un</th><th>Valor unitário</th></tr>
<tr><td>1</td><td>PARAF-10</td><td>Parafuso sextavado M10</td><td>100</td><td>UN</td><td></td></tr>
<tr><td>2</td><td></td><td>Arruela lisa 10mm</td><td>1.000</td><td>pç</td><td></td></tr>
</table>`
	items := ParseHTMLTables(html)
	require.Len(t, items, 2)

	assert.Equal(t, internal.SourceEmailHTMLTable, items[0].Source)
	assert.Equal(t, "Parafuso sextavado M10", *items[0].Name)
	assert.Equal(t, "PARAF-10", *items[0].Code)
	assert.Equal(t, 100.0, *items[0].Qty)
	assert.Equal(t, "un", *items[0].Unit)

	assert.Nil(t, items[1].Code)
	assert.Equal(t, 1000.0, *items[1].Qty)
	assert.Equal(t, "pc", *items[1].Unit)
}

func TestParseXLSX(t *testing.T) {
	blob := mkXLSX(t, [][]any{
		{"Descrição", "Quantidade", "Unidade"},
		{"Parafuso sextavado M10", 10, "un"},
		{"Fita isolante 19mm", 2, "rolo"},
		{"Observações gerais", "", ""},
	})
	items, err := ParseXLSX(blob)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Fita isolante 19mm", *items[1].Name)
	assert.Equal(t, "rl", *items[1].Unit)
	assert.Equal(t, 3, items[1].Meta["linha_planilha"])
}

func TestParseXLSXWithoutHeader(t *testing.T) {
	blob := mkXLSX(t, [][]any{
		{"Parafuso sextavado M10", 10, "un"},
		{"Porca M10", 4, "pc"},
	})
	items, err := ParseXLSX(blob)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Parafuso sextavado M10", *items[0].Name)
	assert.Equal(t, 10.0, *items[0].Qty)
}

func TestDetectQuoteRequest(t *testing.T) {
	positive := DetectQuoteRequest("Cotação urgente", "Solicito orçamento: 10 parafusos, 20 porcas", "", nil)
	assert.True(t, positive.IsQuote)
	assert.Equal(t, "rules_positive", positive.Reason)

	negative := DetectQuoteRequest("Almoço sexta", "Vamos almoçar juntos?", "", nil)
	assert.False(t, negative.IsQuote)

	withSheet := DetectQuoteRequest("Segue planilha", "", "", []string{"Itens.XLSX"})
	assert.InDelta(t, 0.25, withSheet.Score, 1e-9)
}

func TestImportTextCreatesPendingQuotation(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	im := NewImporter(db, nil, nil)

	res, err := im.Import(ctx, Source{
		Kind:    KindText,
		Content: []byte("PARAF-10 Parafuso sextavado M10 100 un\nPorca sextavada M10 200 pç\nCNPJ 12.345.678/0001-90"),
		Number:  "4471",
	})
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
	require.NotNil(t, res.Quotation.CustomerTaxID)
	assert.Equal(t, "12345678000190", *res.Quotation.CustomerTaxID)

	q, err := db.GetQuotation(ctx, res.Quotation.ID)
	require.NoError(t, err)
	assert.Equal(t, internal.QuotationPending, q.Status)
	assert.Equal(t, "4471", q.Number)
	assert.Equal(t, 2, q.TotalItems)
	assert.Equal(t, string(KindText), q.Source)

	items, err := db.ListItems(ctx, q.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Parafuso sextavado M10", items[0].Description)
	assert.Equal(t, "PARAF-10", *items[0].Code)
	assert.Equal(t, internal.ItemPending, items[0].Status)
}

func TestImportRejectsDocumentWithoutItems(t *testing.T) {
	im := NewImporter(openDB(t), nil, nil)
	_, err := im.Import(context.Background(), Source{Kind: KindText, Content: []byte("Bom dia\nObrigado")})
	assert.True(t, apperr.IsValidation(err))

	_, err = im.Import(context.Background(), Source{Kind: "docx"})
	assert.True(t, apperr.IsValidation(err))
}

func TestImportEmail(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	raw, err := os.ReadFile(filepath.Join("testdata", "pedido_cotacao.eml"))
	require.NoError(t, err)
	rawPath := filepath.Join(t.TempDir(), "pedido.eml")
	require.NoError(t, os.WriteFile(rawPath, raw, 0o644))

	email, err := db.UpsertEmail(ctx, "imap", "<pedido-4471@alfa.example.com>", "", "compras@alfa.example.com", "2026-03-02T12:12:00Z", "hash", rawPath, storage.EmailFetched)
	require.NoError(t, err)

	im := NewImporter(db, nil, nil)
	results, err := im.ImportPending(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, results, 1)
	res := results[0]
	assert.False(t, res.Skipped)
	require.NotNil(t, res.Detect)
	assert.True(t, res.Detect.IsQuote)
	assert.Len(t, res.Items, 3)
	assert.Equal(t, "Cotação de materiais - pedido 4471", res.Quotation.Number)
	assert.Equal(t, "email:imap", res.Quotation.Source)
	require.NotNil(t, res.Quotation.CustomerTaxID)
	assert.Equal(t, "12345678000190", *res.Quotation.CustomerTaxID)

	stored, err := db.GetEmailByID(ctx, email.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.EmailImported, stored.Status)
	require.NotNil(t, stored.QuotationID)
	assert.Equal(t, res.Quotation.ID, *stored.QuotationID)

	again, err := im.ImportPending(ctx, 10, "")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestImportEmailSkipsNonQuotation(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	rawPath := filepath.Join(t.TempDir(), "almoco.eml")
	require.NoError(t, os.WriteFile(rawPath, []byte("From: a@example.com\r\nSubject: Almoco sexta\r\nContent-Type: text/plain\r\n\r\nVamos almocar juntos?\r\n"), 0o644))

	email, err := db.UpsertEmail(ctx, "gmail", "m-1", "Almoco sexta", "a@example.com", "", "h", rawPath, storage.EmailFetched)
	require.NoError(t, err)

	res, err := NewImporter(db, nil, nil).ImportEmail(ctx, email)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	stored, err := db.GetEmailByID(ctx, email.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.EmailIgnored, stored.Status)
	assert.Nil(t, stored.QuotationID)
}

func TestKindFromFilename(t *testing.T) {
	k, err := KindFromFilename("Pedido.XLSX")
	require.NoError(t, err)
	assert.Equal(t, KindXLSX, k)

	k, err = KindFromFilename("pedido.eml")
	require.NoError(t, err)
	assert.Equal(t, KindEmail, k)

	_, err = KindFromFilename("pedido.docx")
	assert.True(t, apperr.IsValidation(err))
}
