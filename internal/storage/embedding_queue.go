package storage

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"

	"cotamatch/internal"
)

const queueColumns = `id, produto_id, status, tentativas, erro, created_at, reivindicado_em, processado_em`

// EnqueueEmbedding adds a pending entry for each product that has none pending or processing.
func (d *DB) EnqueueEmbedding(ctx context.Context, productIDs []string, now time.Time) (int, error) {
	if len(productIDs) == 0 {
		return 0, nil
	}
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	added := 0
	for _, productID := range productIDs {
		res, err := tx.ExecContext(ctx, `
INSERT INTO embedding_queue (id, produto_id, status, created_at)
SELECT ?, ?, ?, ?
WHERE NOT EXISTS (
  SELECT 1 FROM embedding_queue WHERE produto_id = ? AND status IN (?, ?)
)`, uuid.NewString(), productID, string(internal.QueuePending), formatTime(now),
			productID, string(internal.QueuePending), string(internal.QueueProcessing))
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		added += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return added, nil
}

// ReleaseStaleClaims returns processing entries claimed before cutoff to pending.
func (d *DB) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := d.conn.ExecContext(ctx, `
UPDATE embedding_queue SET status = ?, reivindicado_em = NULL
WHERE status = ? AND reivindicado_em < ?`,
		string(internal.QueuePending), string(internal.QueueProcessing), formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ClaimEmbeddingQueue moves up to limit pending entries to processing in one statement and returns
// them oldest first. Two concurrent callers never receive the same entry.
func (d *DB) ClaimEmbeddingQueue(ctx context.Context, limit int, now time.Time) ([]internal.EmbeddingQueueEntry, error) {
	rows, err := d.conn.QueryContext(ctx, `
UPDATE embedding_queue SET status = ?, reivindicado_em = ?, tentativas = tentativas + 1
WHERE id IN (
  SELECT id FROM embedding_queue WHERE status = ? ORDER BY created_at, id LIMIT ?
)
RETURNING `+queueColumns,
		string(internal.QueueProcessing), formatTime(now), string(internal.QueuePending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.EmbeddingQueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (d *DB) MarkQueueProcessed(ctx context.Context, id string, now time.Time) error {
	res, err := d.conn.ExecContext(ctx, `
UPDATE embedding_queue SET status = ?, processado_em = ?, erro = NULL WHERE id = ? AND status = ?`,
		string(internal.QueueProcessed), formatTime(now), id, string(internal.QueueProcessing))
	if err != nil {
		return err
	}
	return requireRow(res, "fila", id)
}

func (d *DB) MarkQueueFailed(ctx context.Context, id, message string, now time.Time) error {
	res, err := d.conn.ExecContext(ctx, `
UPDATE embedding_queue SET status = ?, processado_em = ?, erro = ? WHERE id = ? AND status = ?`,
		string(internal.QueueFailed), formatTime(now), message, id, string(internal.QueueProcessing))
	if err != nil {
		return err
	}
	return requireRow(res, "fila", id)
}

func (d *DB) CountQueue(ctx context.Context, status internal.QueueStatus) (int, error) {
	var n int
	err := d.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM embedding_queue WHERE status = ?`, string(status)).Scan(&n)
	return n, err
}

func (d *DB) ListQueue(ctx context.Context, status internal.QueueStatus, limit int) ([]internal.EmbeddingQueueEntry, error) {
	rows, err := d.conn.QueryContext(ctx, `
SELECT `+queueColumns+` FROM embedding_queue WHERE status = ? ORDER BY created_at, id LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.EmbeddingQueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanQueueEntry(row rowScanner) (internal.EmbeddingQueueEntry, error) {
	var e internal.EmbeddingQueueEntry
	var status, createdAt string
	var claimedAt, processedAt sql.NullString
	if err := row.Scan(&e.ID, &e.ProductID, &status, &e.Attempts, &e.Error, &createdAt, &claimedAt, &processedAt); err != nil {
		return internal.EmbeddingQueueEntry{}, err
	}
	e.Status = internal.QueueStatus(status)
	e.CreatedAt = parseTime(createdAt)
	e.ClaimedAt = parseNullTime(claimedAt)
	e.ProcessedAt = parseNullTime(processedAt)
	return e, nil
}
