package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"cotamatch/internal"
)

const (
	EmailFetched  = "fetched"
	EmailImported = "imported"
	EmailIgnored  = "ignored"
	EmailFailed   = "failed"
)

const emailColumns = `id, provider, messageId, COALESCE(subject, ''), COALESCE(sender, ''), COALESCE(receivedAt, ''), hash, status, rawRef, quotationId`

func (d *DB) UpsertEmail(ctx context.Context, provider, messageID, subject, sender, receivedAt, hash, rawRef, status string) (internal.EmailRow, error) {
	_, err := d.conn.ExecContext(ctx, `
INSERT INTO emails (provider, messageId, subject, sender, receivedAt, hash, status, rawRef)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider, messageId) DO UPDATE SET
  subject=excluded.subject,
  sender=excluded.sender,
  receivedAt=excluded.receivedAt,
  hash=excluded.hash,
  rawRef=excluded.rawRef,
  updatedAt=CURRENT_TIMESTAMP
`, provider, messageID, subject, sender, receivedAt, hash, status, rawRef)
	if err != nil {
		return internal.EmailRow{}, err
	}

	row, err := d.GetEmailByProviderMessageID(ctx, provider, messageID)
	if err != nil {
		return internal.EmailRow{}, err
	}
	if row == nil {
		return internal.EmailRow{}, fmt.Errorf("email not found after upsert: provider=%s messageId=%s", provider, messageID)
	}
	return *row, nil
}

func (d *DB) GetEmailByProviderMessageID(ctx context.Context, provider, messageID string) (*internal.EmailRow, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+emailColumns+` FROM emails WHERE provider = ? AND messageId = ?`, provider, messageID)
	email, err := scanEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &email, nil
}

func (d *DB) GetEmailByID(ctx context.Context, id int) (*internal.EmailRow, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+emailColumns+` FROM emails WHERE id = ?`, id)
	email, err := scanEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &email, nil
}

func (d *DB) ListEmailsByStatus(ctx context.Context, status string, limit int) ([]internal.EmailRow, error) {
	rows, err := d.conn.QueryContext(ctx, `SELECT `+emailColumns+` FROM emails WHERE status = ? ORDER BY receivedAt ASC, id LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.EmailRow
	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, email)
	}
	return out, rows.Err()
}

func (d *DB) UpdateEmailStatus(ctx context.Context, emailID int, status string) error {
	_, err := d.conn.ExecContext(ctx, `UPDATE emails SET status = ?, updatedAt = CURRENT_TIMESTAMP WHERE id = ?`, status, emailID)
	return err
}

// AttachQuotation links an inbound e-mail to the quotation imported from it.
func (d *DB) AttachQuotation(ctx context.Context, emailID int, quotationID string) error {
	_, err := d.conn.ExecContext(ctx, `
UPDATE emails SET quotationId = ?, status = ?, updatedAt = CURRENT_TIMESTAMP WHERE id = ?`, quotationID, EmailImported, emailID)
	return err
}

func scanEmail(row rowScanner) (internal.EmailRow, error) {
	var e internal.EmailRow
	err := row.Scan(&e.ID, &e.Provider, &e.MessageID, &e.Subject, &e.Sender, &e.ReceivedAt, &e.Hash, &e.Status, &e.RawRef, &e.QuotationID)
	return e, err
}
