package storage

import (
	"context"
	"encoding/json"

	"cotamatch/internal"
)

// FeedbackKey is the pattern scope a feedback record is counted under when promoting adjustments.
type FeedbackKey struct {
	DescriptionPattern *string
	CodePattern        *string
	CustomerTaxID      *string
}

type BucketAcceptance struct {
	Bucket   string `json:"faixa"`
	Total    int    `json:"total"`
	Accepted int    `json:"aceitos"`
}

func (d *DB) InsertFeedback(ctx context.Context, f internal.Feedback, key FeedbackKey) error {
	contextJSON, _ := json.Marshal(f.Context)
	if f.Context == nil {
		contextJSON = []byte("{}")
	}
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO feedback (id, item_id, produto_sugerido_id, produto_correto_id, tipo, aceito, motivo_rejeicao,
  score_original, contexto, padrao_descricao, padrao_codigo, cliente_cnpj, usuario_id, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, f.ID, f.ItemID, f.SuggestedProductID, nullStringPtr(f.CorrectedProductID), string(f.Type), f.Accepted,
		nullStringPtr(f.RejectionReason), f.OriginalScore, string(contextJSON), nullStringPtr(key.DescriptionPattern),
		nullStringPtr(key.CodePattern), nullStringPtr(key.CustomerTaxID), f.UserID, formatTime(f.CreatedAt))
	return err
}

// CountFeedback counts feedback of one type under key. For corrections productID is the corrected
// product; for every other type it is the suggested product.
func (d *DB) CountFeedback(ctx context.Context, typ internal.FeedbackType, productID string, key FeedbackKey) (int, error) {
	column := "produto_sugerido_id"
	if typ == internal.FeedbackCorrected {
		column = "produto_correto_id"
	}
	var n int
	err := d.conn.QueryRowContext(ctx, `
SELECT COUNT(*) FROM feedback
WHERE tipo = ? AND `+column+` = ? AND padrao_descricao IS ? AND padrao_codigo IS ? AND cliente_cnpj IS ?`,
		string(typ), productID, nullStringPtr(key.DescriptionPattern), nullStringPtr(key.CodePattern),
		nullStringPtr(key.CustomerTaxID)).Scan(&n)
	return n, err
}

func (d *DB) ListFeedbackByItem(ctx context.Context, itemID string) ([]internal.Feedback, error) {
	rows, err := d.conn.QueryContext(ctx, `
SELECT id, item_id, produto_sugerido_id, produto_correto_id, tipo, aceito, motivo_rejeicao, score_original,
  contexto, usuario_id, created_at
FROM feedback WHERE item_id = ? ORDER BY created_at, id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.Feedback
	for rows.Next() {
		var f internal.Feedback
		var typ, contextJSON, createdAt string
		if err := rows.Scan(&f.ID, &f.ItemID, &f.SuggestedProductID, &f.CorrectedProductID, &typ, &f.Accepted,
			&f.RejectionReason, &f.OriginalScore, &contextJSON, &f.UserID, &createdAt); err != nil {
			return nil, err
		}
		f.Type = internal.FeedbackType(typ)
		_ = json.Unmarshal([]byte(contextJSON), &f.Context)
		f.CreatedAt = parseTime(createdAt)
		out = append(out, f)
	}
	return out, rows.Err()
}

// FeedbackTotals returns the number of feedback records per type.
func (d *DB) FeedbackTotals(ctx context.Context) (map[internal.FeedbackType]int, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT tipo, COUNT(*) FROM feedback GROUP BY tipo`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[internal.FeedbackType]int{}
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		out[internal.FeedbackType(typ)] = n
	}
	return out, rows.Err()
}

// AcceptanceByBucket groups feedback by the confidence bucket of its original score.
func (d *DB) AcceptanceByBucket(ctx context.Context, high, mid float64) ([]BucketAcceptance, error) {
	rows, err := d.conn.QueryContext(ctx, `
SELECT faixa, COUNT(*), COALESCE(SUM(aceito), 0) FROM (
  SELECT
    CASE
      WHEN score_original IS NULL THEN 'sem_score'
      WHEN score_original >= ? THEN 'alta'
      WHEN score_original >= ? THEN 'media'
      ELSE 'baixa'
    END AS faixa,
    aceito
  FROM feedback
)
GROUP BY faixa ORDER BY faixa`, high, mid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BucketAcceptance
	for rows.Next() {
		var b BucketAcceptance
		if err := rows.Scan(&b.Bucket, &b.Total, &b.Accepted); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
