package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"cotamatch/internal"
)

const adjustmentColumns = `id, padrao_descricao, padrao_codigo, produto_id, cliente_cnpj, plataforma_id, ajuste_score, observacoes, ativo, uso_count, ultimo_uso, criado_por, created_at, updated_at`

type AdjustmentFilter struct {
	DescriptionContains string
	ProductID           string
	CustomerTaxID       string
	PlatformID          string
	Active              *bool
	Limit               int
}

// AdjustmentPatch carries the fields of a partial update; nil fields are left unchanged.
// An empty string clears an optional text field.
type AdjustmentPatch struct {
	DescriptionPattern *string
	CodePattern        *string
	ProductID          *string
	CustomerTaxID      *string
	PlatformID         *string
	Delta              *float64
	Notes              *string
	Active             *bool
}

// AdjustmentKey identifies the scope an adjustment applies to. Nil means "not set".
type AdjustmentKey struct {
	DescriptionPattern *string
	CodePattern        *string
	ProductID          string
	CustomerTaxID      *string
	PlatformID         *string
}

func (d *DB) InsertAdjustment(ctx context.Context, a internal.ScoreAdjustment) error {
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO score_adjustments (id, padrao_descricao, padrao_codigo, produto_id, cliente_cnpj, plataforma_id,
  ajuste_score, observacoes, ativo, uso_count, criado_por, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
`, a.ID, nullStringPtr(a.DescriptionPattern), nullStringPtr(a.CodePattern), a.ProductID, nullStringPtr(a.CustomerTaxID),
		nullStringPtr(a.PlatformID), a.Delta, nullStringPtr(a.Notes), a.Active, nullStringPtr(a.CreatedBy),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	return err
}

func (d *DB) GetAdjustment(ctx context.Context, id string) (*internal.ScoreAdjustment, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+adjustmentColumns+` FROM score_adjustments WHERE id = ?`, id)
	a, err := scanAdjustment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (d *DB) UpdateAdjustment(ctx context.Context, id string, patch AdjustmentPatch, now time.Time) error {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(now)}

	addText := func(column string, v *string) {
		if v == nil {
			return
		}
		sets = append(sets, column+" = ?")
		args = append(args, nullString(*v))
	}
	addText("padrao_descricao", patch.DescriptionPattern)
	addText("padrao_codigo", patch.CodePattern)
	addText("cliente_cnpj", patch.CustomerTaxID)
	addText("plataforma_id", patch.PlatformID)
	addText("observacoes", patch.Notes)
	if patch.ProductID != nil {
		sets = append(sets, "produto_id = ?")
		args = append(args, *patch.ProductID)
	}
	if patch.Delta != nil {
		sets = append(sets, "ajuste_score = ?")
		args = append(args, *patch.Delta)
	}
	if patch.Active != nil {
		sets = append(sets, "ativo = ?")
		args = append(args, *patch.Active)
	}

	args = append(args, id)
	res, err := d.conn.ExecContext(ctx, `UPDATE score_adjustments SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return requireRow(res, "ajuste", id)
}

func (d *DB) DeleteAdjustment(ctx context.Context, id string) error {
	res, err := d.conn.ExecContext(ctx, `DELETE FROM score_adjustments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "ajuste", id)
}

// QueryAdjustments returns the adjustments matching every set filter, newest first.
func (d *DB) QueryAdjustments(ctx context.Context, f AdjustmentFilter) ([]internal.ScoreAdjustment, error) {
	var where []string
	var args []any
	if f.DescriptionContains != "" {
		where = append(where, "padrao_descricao LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(f.DescriptionContains)+"%")
	}
	if f.ProductID != "" {
		where = append(where, "produto_id = ?")
		args = append(args, f.ProductID)
	}
	if f.CustomerTaxID != "" {
		where = append(where, "cliente_cnpj = ?")
		args = append(args, f.CustomerTaxID)
	}
	if f.PlatformID != "" {
		where = append(where, "plataforma_id = ?")
		args = append(args, f.PlatformID)
	}
	if f.Active != nil {
		where = append(where, "ativo = ?")
		args = append(args, *f.Active)
	}

	query := `SELECT ` + adjustmentColumns + ` FROM score_adjustments`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	return d.queryAdjustments(ctx, query, args...)
}

func (d *DB) ActiveAdjustments(ctx context.Context) ([]internal.ScoreAdjustment, error) {
	return d.queryAdjustments(ctx, `SELECT `+adjustmentColumns+` FROM score_adjustments WHERE ativo = 1 ORDER BY id`)
}

func (d *DB) TopAdjustmentsByUsage(ctx context.Context, limit int) ([]internal.ScoreAdjustment, error) {
	return d.queryAdjustments(ctx, `
SELECT `+adjustmentColumns+` FROM score_adjustments
WHERE uso_count > 0 ORDER BY uso_count DESC, id LIMIT ?`, limit)
}

func (d *DB) CountActiveAdjustments(ctx context.Context) (int, error) {
	var n int
	err := d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM score_adjustments WHERE ativo = 1`).Scan(&n)
	return n, err
}

// FindAdjustmentByKey returns the adjustment whose scope equals key exactly (NULLs compare equal).
func (d *DB) FindAdjustmentByKey(ctx context.Context, key AdjustmentKey) (*internal.ScoreAdjustment, error) {
	row := d.conn.QueryRowContext(ctx, `
SELECT `+adjustmentColumns+` FROM score_adjustments
WHERE produto_id = ? AND padrao_descricao IS ? AND padrao_codigo IS ? AND cliente_cnpj IS ? AND plataforma_id IS ?
ORDER BY created_at DESC LIMIT 1`,
		key.ProductID, nullStringPtr(key.DescriptionPattern), nullStringPtr(key.CodePattern),
		nullStringPtr(key.CustomerTaxID), nullStringPtr(key.PlatformID))
	a, err := scanAdjustment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// BumpAdjustmentDelta adds step to an adjustment's delta server-side, bounded to [-limit, limit],
// and reactivates it.
func (d *DB) BumpAdjustmentDelta(ctx context.Context, id string, step, limit float64, now time.Time) error {
	res, err := d.conn.ExecContext(ctx, `
UPDATE score_adjustments
SET ajuste_score = MIN(MAX(ajuste_score + ?, ?), ?), ativo = 1, updated_at = ?
WHERE id = ?`, step, -limit, limit, formatTime(now), id)
	if err != nil {
		return err
	}
	return requireRow(res, "ajuste", id)
}

// IncrementAdjustmentUsage adds counts[id] to each adjustment's usage counter in the database,
// so concurrent scorers never lose an increment.
func (d *DB) IncrementAdjustmentUsage(ctx context.Context, counts map[string]int, now time.Time) error {
	if len(counts) == 0 {
		return nil
	}
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for id, n := range counts {
		if n <= 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE score_adjustments SET uso_count = uso_count + ?, ultimo_uso = ? WHERE id = ?`, n, formatTime(now), id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (d *DB) queryAdjustments(ctx context.Context, query string, args ...any) ([]internal.ScoreAdjustment, error) {
	rows, err := d.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.ScoreAdjustment
	for rows.Next() {
		a, err := scanAdjustment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAdjustment(row rowScanner) (internal.ScoreAdjustment, error) {
	var a internal.ScoreAdjustment
	var lastUsed sql.NullString
	var createdAt, updatedAt string
	if err := row.Scan(&a.ID, &a.DescriptionPattern, &a.CodePattern, &a.ProductID, &a.CustomerTaxID, &a.PlatformID,
		&a.Delta, &a.Notes, &a.Active, &a.UsageCount, &lastUsed, &a.CreatedBy, &createdAt, &updatedAt); err != nil {
		return internal.ScoreAdjustment{}, err
	}
	a.LastUsedAt = parseNullTime(lastUsed)
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return a, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
