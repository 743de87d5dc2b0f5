package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cotamatch/internal"
	"cotamatch/internal/apperr"
)

const quotationColumns = `id, numero, cliente_cnpj, plataforma_id, origem, total_itens, status_analise_ia, progresso_analise_percent, itens_analisados, erro, created_at, updated_at, concluida_em`

const itemColumns = `id, cotacao_id, linha, descricao, codigo, quantidade, unidade, produto_selecionado_id, score_confianca, status, sugestoes, erro, analisado_em`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateQuotation inserts a quotation in status pendente together with its items.
func (d *DB) CreateQuotation(ctx context.Context, q *internal.Quotation, items []internal.QuotationItem) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if q.CreatedAt.IsZero() {
		q.CreatedAt = time.Now().UTC()
	}
	q.UpdatedAt = q.CreatedAt
	q.Status = internal.QuotationPending
	q.TotalItems = len(items)

	if _, err := tx.ExecContext(ctx, `
INSERT INTO quotations (id, numero, cliente_cnpj, plataforma_id, origem, total_itens, status_analise_ia, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, q.ID, q.Number, nullStringPtr(q.CustomerTaxID), nullStringPtr(q.PlatformID), q.Source, q.TotalItems,
		string(q.Status), formatTime(q.CreatedAt), formatTime(q.UpdatedAt)); err != nil {
		return err
	}

	for i := range items {
		items[i].QuotationID = q.ID
		items[i].Status = internal.ItemPending
		if _, err := tx.ExecContext(ctx, `
INSERT INTO quotation_items (id, cotacao_id, linha, descricao, codigo, quantidade, unidade, status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`, items[i].ID, q.ID, items[i].LineNo, items[i].Description, nullStringPtr(items[i].Code), items[i].Qty,
			nullStringPtr(items[i].Unit), string(items[i].Status)); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (d *DB) GetQuotation(ctx context.Context, id string) (*internal.Quotation, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+quotationColumns+` FROM quotations WHERE id = ?`, id)
	q, err := scanQuotation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (d *DB) ListQuotations(ctx context.Context, status internal.QuotationStatus, limit int) ([]internal.Quotation, error) {
	query := `SELECT ` + quotationColumns + ` FROM quotations`
	var args []any
	if status != "" {
		query += ` WHERE status_analise_ia = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	return d.queryQuotations(ctx, query, args...)
}

// StuckQuotations lists quotations still em_analise that were created before cutoff.
func (d *DB) StuckQuotations(ctx context.Context, cutoff time.Time) ([]internal.Quotation, error) {
	return d.queryQuotations(ctx, `
SELECT `+quotationColumns+` FROM quotations
WHERE status_analise_ia = ? AND created_at < ?
ORDER BY created_at, id`, string(internal.QuotationAnalyzing), formatTime(cutoff))
}

func (d *DB) queryQuotations(ctx context.Context, query string, args ...any) ([]internal.Quotation, error) {
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.Quotation
	for rows.Next() {
		q, err := scanQuotation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// CountAnalyzedItems returns how many items carry a selected product or a score, and the item total.
func (d *DB) CountAnalyzedItems(ctx context.Context, quotationID string) (analyzed, total int, err error) {
	err = d.conn.QueryRowContext(ctx, `
SELECT
  COALESCE(SUM(CASE WHEN produto_selecionado_id IS NOT NULL OR score_confianca IS NOT NULL THEN 1 ELSE 0 END), 0),
  COUNT(*)
FROM quotation_items WHERE cotacao_id = ?`, quotationID).Scan(&analyzed, &total)
	return analyzed, total, err
}

// StartAnalysis moves a quotation from pendente to em_analise with zeroed progress.
func (d *DB) StartAnalysis(ctx context.Context, id string, now time.Time) error {
	return transitionQuotation(ctx, d.conn, id, internal.QuotationAnalyzing, nil, now, `
progresso_analise_percent = 0, itens_analisados = 0, erro = NULL, concluida_em = NULL`)
}

// UpdateProgress records progress while the quotation is em_analise. It reports false when the
// quotation has already left em_analise (cancelled or reset), in which case nothing is written.
func (d *DB) UpdateProgress(ctx context.Context, id string, analyzed, percent int, now time.Time) (bool, error) {
	res, err := d.conn.ExecContext(ctx, `
UPDATE quotations SET itens_analisados = ?, progresso_analise_percent = ?, updated_at = ?
WHERE id = ? AND status_analise_ia = ?`, analyzed, percent, formatTime(now), id, string(internal.QuotationAnalyzing))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FinishQuotation moves an em_analise quotation to a final status. concluida also stamps concluida_em.
func (d *DB) FinishQuotation(ctx context.Context, id string, to internal.QuotationStatus, analyzed, percent int, errText *string, now time.Time) error {
	var completedAt any
	if to == internal.QuotationDone {
		completedAt = formatTime(now)
	}
	return transitionQuotation(ctx, d.conn, id, to, []internal.QuotationStatus{internal.QuotationAnalyzing}, now, `
itens_analisados = ?, progresso_analise_percent = ?, erro = ?, concluida_em = ?`,
		analyzed, percent, nullStringPtr(errText), completedAt)
}

// ResetQuotation returns a stuck em_analise quotation to pendente and clears every item result.
func (d *DB) ResetQuotation(ctx context.Context, id string, now time.Time) error {
	return d.resetToPending(ctx, id, []internal.QuotationStatus{internal.QuotationAnalyzing}, now)
}

// ReopenQuotation lets an erro or cancelada quotation be analysed again.
func (d *DB) ReopenQuotation(ctx context.Context, id string, now time.Time) error {
	return d.resetToPending(ctx, id, []internal.QuotationStatus{internal.QuotationError, internal.QuotationCanceled}, now)
}

func (d *DB) resetToPending(ctx context.Context, id string, from []internal.QuotationStatus, now time.Time) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := transitionQuotation(ctx, tx, id, internal.QuotationPending, from, now, `
progresso_analise_percent = 0, itens_analisados = 0, erro = NULL, concluida_em = NULL`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE quotation_items SET status = ?, produto_selecionado_id = NULL, score_confianca = NULL,
  sugestoes = '[]', erro = NULL, analisado_em = NULL
WHERE cotacao_id = ?`, string(internal.ItemPending), id); err != nil {
		return err
	}
	return tx.Commit()
}

// transitionQuotation applies a guarded status change. The WHERE clause only admits sources the
// transition table allows (narrowed by from when given), so concurrent callers cannot both win.
func transitionQuotation(ctx context.Context, ex execer, id string, to internal.QuotationStatus, from []internal.QuotationStatus, now time.Time, sets string, args ...any) error {
	sources := allowedFrom(to, from)
	if len(sources) == 0 {
		return apperr.Conflict("cotacao", id, "", string(to))
	}

	query := `UPDATE quotations SET status_analise_ia = ?, updated_at = ?`
	if sets != "" {
		query += `, ` + sets
	}
	query += ` WHERE id = ? AND status_analise_ia IN (` + placeholders(len(sources)) + `)`

	params := []any{string(to), formatTime(now)}
	params = append(params, args...)
	params = append(params, id)
	for _, s := range sources {
		params = append(params, string(s))
	}

	res, err := ex.ExecContext(ctx, query, params...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var current string
	err = ex.QueryRowContext(ctx, `SELECT status_analise_ia FROM quotations WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("cotacao %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return apperr.Conflict("cotacao", id, current, string(to))
}

func allowedFrom(to internal.QuotationStatus, from []internal.QuotationStatus) []internal.QuotationStatus {
	sources := to.AllowedSources()
	if len(from) == 0 {
		return sources
	}
	var out []internal.QuotationStatus
	for _, s := range sources {
		for _, f := range from {
			if s == f {
				out = append(out, s)
			}
		}
	}
	return out
}

func (d *DB) ListItems(ctx context.Context, quotationID string) ([]internal.QuotationItem, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT `+itemColumns+` FROM quotation_items WHERE cotacao_id = ? ORDER BY linha, id`, quotationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.QuotationItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (d *DB) GetItem(ctx context.Context, id string) (*internal.QuotationItem, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM quotation_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// MarkItemAnalyzing moves a pendente item to analisando. It reports false if the item was not pendente.
func (d *DB) MarkItemAnalyzing(ctx context.Context, id string) (bool, error) {
	return d.transitionItem(ctx, id, internal.ItemAnalyzing, "")
}

// SaveItemResult stores the principal suggestion of an analisando item and concludes it.
func (d *DB) SaveItemResult(ctx context.Context, id string, productID *string, score *float64, suggestions []internal.Suggestion, now time.Time) error {
	raw, err := json.Marshal(suggestions)
	if err != nil {
		return err
	}
	ok, err := d.transitionItem(ctx, id, internal.ItemDone, `
produto_selecionado_id = ?, score_confianca = ?, sugestoes = ?, erro = NULL, analisado_em = ?`,
		nullStringPtr(productID), score, string(raw), formatTime(now))
	if err != nil {
		return err
	}
	if !ok {
		return d.itemConflict(ctx, id, internal.ItemDone)
	}
	return nil
}

// SaveItemError records a failed item.
func (d *DB) SaveItemError(ctx context.Context, id, message string, now time.Time) error {
	ok, err := d.transitionItem(ctx, id, internal.ItemError, `erro = ?, analisado_em = ?`, message, formatTime(now))
	if err != nil {
		return err
	}
	if !ok {
		return d.itemConflict(ctx, id, internal.ItemError)
	}
	return nil
}

// SetItemSelectedProduct records the product a user confirmed for an item.
func (d *DB) SetItemSelectedProduct(ctx context.Context, id, productID string) error {
	res, err := d.conn.ExecContext(ctx, `UPDATE quotation_items SET produto_selecionado_id = ? WHERE id = ?`, productID, id)
	if err != nil {
		return err
	}
	return requireRow(res, "item", id)
}

func (d *DB) transitionItem(ctx context.Context, id string, to internal.ItemStatus, sets string, args ...any) (bool, error) {
	sources := to.AllowedSources()
	if len(sources) == 0 {
		return false, fmt.Errorf("item %s: unsupported target status %q", id, to)
	}

	query := `UPDATE quotation_items SET status = ?`
	if sets != "" {
		query += `, ` + sets
	}
	query += ` WHERE id = ? AND status IN (` + placeholders(len(sources)) + `)`

	params := []any{string(to)}
	params = append(params, args...)
	params = append(params, id)
	for _, from := range sources {
		params = append(params, string(from))
	}

	res, err := d.conn.ExecContext(ctx, query, params...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (d *DB) itemConflict(ctx context.Context, id string, to internal.ItemStatus) error {
	var current string
	err := d.conn.QueryRowContext(ctx, `SELECT status FROM quotation_items WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("item %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return err
	}
	return apperr.Conflict("item", id, current, string(to))
}

func scanQuotation(row rowScanner) (internal.Quotation, error) {
	var q internal.Quotation
	var status, createdAt, updatedAt string
	var completedAt sql.NullString
	if err := row.Scan(&q.ID, &q.Number, &q.CustomerTaxID, &q.PlatformID, &q.Source, &q.TotalItems,
		&status, &q.Progress, &q.AnalyzedItems, &q.LastError, &createdAt, &updatedAt, &completedAt); err != nil {
		return internal.Quotation{}, err
	}
	q.Status = internal.QuotationStatus(status)
	q.CreatedAt = parseTime(createdAt)
	q.UpdatedAt = parseTime(updatedAt)
	q.CompletedAt = parseNullTime(completedAt)
	return q, nil
}

func scanItem(row rowScanner) (internal.QuotationItem, error) {
	var item internal.QuotationItem
	var status, suggestions string
	var analyzedAt sql.NullString
	if err := row.Scan(&item.ID, &item.QuotationID, &item.LineNo, &item.Description, &item.Code, &item.Qty, &item.Unit,
		&item.SelectedProductID, &item.Score, &status, &suggestions, &item.LastError, &analyzedAt); err != nil {
		return internal.QuotationItem{}, err
	}
	item.Status = internal.ItemStatus(status)
	if suggestions != "" {
		_ = json.Unmarshal([]byte(suggestions), &item.Suggestions)
	}
	item.AnalyzedAt = parseNullTime(analyzedAt)
	return item, nil
}
