package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"cotamatch/internal"
)

const productColumns = `id, descricao, codigo, unidade, preco, estoque, embedding, embedding_atualizado_em, embedding_erro, embedding_tentativas, raw_json`

// UpsertProducts stores catalog products and returns the ids whose description or code changed
// (new products included). Changed products lose their stored vector.
func (d *DB) UpsertProducts(ctx context.Context, products []internal.Product, now time.Time) ([]string, error) {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO products (id, descricao, codigo, unidade, preco, estoque, raw_json, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  descricao=excluded.descricao,
  codigo=excluded.codigo,
  unidade=excluded.unidade,
  preco=excluded.preco,
  estoque=excluded.estoque,
  raw_json=excluded.raw_json,
  updated_at=excluded.updated_at
`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	var changed []string
	for _, p := range products {
		var prevDesc string
		var prevCode sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT descricao, codigo FROM products WHERE id = ?`, p.ID).Scan(&prevDesc, &prevCode)
		existed := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		rawJSON := p.RawJSON
		if rawJSON == "" {
			rawJSON = "{}"
		}
		if _, err := stmt.ExecContext(ctx, p.ID, p.Description, nullStringPtr(p.Code), nullStringPtr(p.Unit),
			p.Price.String(), p.Stock, rawJSON, formatTime(now)); err != nil {
			return nil, err
		}

		code := ""
		if p.Code != nil {
			code = *p.Code
		}
		if existed && prevDesc == p.Description && prevCode.String == code {
			continue
		}
		changed = append(changed, p.ID)
		if existed {
			if _, err := tx.ExecContext(ctx, `
UPDATE products SET embedding = NULL, embedding_atualizado_em = NULL, embedding_erro = NULL,
  embedding_tentativas = 0, embedding_reivindicado_em = NULL
WHERE id = ?`, p.ID); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return changed, nil
}

func (d *DB) GetProduct(ctx context.Context, id string) (*internal.Product, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
	p, err := scanProduct(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (d *DB) ListProducts(ctx context.Context) ([]internal.Product, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClaimProductsMissingEmbedding marks up to limit vector-less products as claimed and returns them.
// Products that already failed maxAttempts times are skipped; claims older than staleBefore are taken over.
func (d *DB) ClaimProductsMissingEmbedding(ctx context.Context, limit, maxAttempts int, now, staleBefore time.Time) ([]internal.Product, error) {
	rows, err := d.conn.QueryContext(ctx, `
UPDATE products SET embedding_reivindicado_em = ?
WHERE id IN (
  SELECT id FROM products
  WHERE embedding IS NULL
    AND embedding_tentativas < ?
    AND (embedding_reivindicado_em IS NULL OR embedding_reivindicado_em < ?)
  ORDER BY id
  LIMIT ?
)
RETURNING `+productColumns, formatTime(now), maxAttempts, formatTime(staleBefore), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *DB) CountProductsMissingEmbedding(ctx context.Context, maxAttempts int) (int, error) {
	var n int
	err := d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM products WHERE embedding IS NULL AND embedding_tentativas < ?`, maxAttempts).Scan(&n)
	return n, err
}

func (d *DB) SaveProductEmbedding(ctx context.Context, id string, vector []float32, now time.Time) error {
	raw, err := json.Marshal(vector)
	if err != nil {
		return err
	}
	res, err := d.conn.ExecContext(ctx, `
UPDATE products SET embedding = ?, embedding_atualizado_em = ?, embedding_erro = NULL, embedding_reivindicado_em = NULL
WHERE id = ?`, string(raw), formatTime(now), id)
	if err != nil {
		return err
	}
	return requireRow(res, "produto", id)
}

func (d *DB) RecordProductEmbeddingFailure(ctx context.Context, id, message string) error {
	_, err := d.conn.ExecContext(ctx, `
UPDATE products SET embedding_erro = ?, embedding_tentativas = embedding_tentativas + 1, embedding_reivindicado_em = NULL
WHERE id = ?`, message, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (internal.Product, error) {
	var p internal.Product
	var embedding, embeddedAt sql.NullString
	if err := row.Scan(&p.ID, &p.Description, &p.Code, &p.Unit, &p.Price, &p.Stock,
		&embedding, &embeddedAt, &p.EmbeddingError, &p.EmbeddingAttempts, &p.RawJSON); err != nil {
		return internal.Product{}, err
	}
	if embedding.Valid && embedding.String != "" {
		_ = json.Unmarshal([]byte(embedding.String), &p.Embedding)
	}
	p.EmbeddingUpdatedAt = parseNullTime(embeddedAt)
	return p, nil
}
