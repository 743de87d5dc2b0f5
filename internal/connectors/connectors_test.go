package connectors

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cotamatch/internal"
	"cotamatch/internal/storage"
)

type fakeConnector struct {
	messages []internal.FetchedMailMessage
	err      error
}

func (f fakeConnector) FetchInbox(_ context.Context, _ string, _ int) ([]internal.FetchedMailMessage, error) {
	return f.messages, f.err
}

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestFetchAndStore(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	rawDir := filepath.Join(t.TempDir(), "raw")

	msgs := []internal.FetchedMailMessage{
		{Provider: "imap", MessageID: "<a@x>", Subject: "Cotacao", From: "a@x", ReceivedAt: "2026-03-02T12:00:00Z", Raw: []byte("Subject: Cotacao\r\n\r\nParafuso 10 un\r\n")},
		{Provider: "imap", MessageID: "<b@x>", Subject: "Oi", From: "b@x", ReceivedAt: "2026-03-02T12:01:00Z", Raw: []byte("Subject: Oi\r\n\r\nola\r\n")},
	}
	svc := NewFetchService(db, rawDir, fakeConnector{messages: msgs}, nil)

	res, err := svc.FetchAndStore(ctx, "INBOX", 10)
	require.NoError(t, err)
	assert.Equal(t, FetchResult{Fetched: 2, Stored: 2}, res)

	row, err := db.GetEmailByProviderMessageID(ctx, "imap", "<a@x>")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, storage.EmailFetched, row.Status)
	raw, err := os.ReadFile(row.RawRef)
	require.NoError(t, err)
	assert.Equal(t, msgs[0].Raw, raw)

	res, err = svc.FetchAndStore(ctx, "INBOX", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stored)
	pending, err := db.ListEmailsByStatus(ctx, storage.EmailFetched, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 2, "refetching the same messages does not duplicate rows")
}

func TestFetchAndStorePropagatesConnectorError(t *testing.T) {
	boom := errors.New("mailbox offline")
	svc := NewFetchService(openDB(t), t.TempDir(), fakeConnector{err: boom}, nil)
	_, err := svc.FetchAndStore(context.Background(), "INBOX", 10)
	assert.ErrorIs(t, err, boom)
}
