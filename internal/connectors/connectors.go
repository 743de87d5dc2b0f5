// Package connectors fetches quotation e-mails from a mailbox and keeps their raw bytes on disk.
package connectors

import (
	"context"

	"cotamatch/internal"
)

type MailConnector interface {
	FetchInbox(ctx context.Context, label string, max int) ([]internal.FetchedMailMessage, error)
}
