package connectors

import (
	"context"
	"fmt"

	"cotamatch/internal/logger"
	"cotamatch/internal/storage"
)

type FetchService struct {
	connector MailConnector
	store     *MailStoreService
	log       *logger.Logger
}

type FetchResult struct {
	Fetched int
	Stored  int
}

func NewFetchService(db *storage.DB, rawMailDir string, connector MailConnector, log *logger.Logger) *FetchService {
	if log == nil {
		log = logger.Nop()
	}
	return &FetchService{
		connector: connector,
		store:     NewMailStoreService(db, rawMailDir),
		log:       log.With("component", "mail-fetch"),
	}
}

func (s *FetchService) FetchAndStore(ctx context.Context, label string, max int) (FetchResult, error) {
	messages, err := s.connector.FetchInbox(ctx, label, max)
	if err != nil {
		return FetchResult{}, err
	}

	stored := 0
	for _, msg := range messages {
		if _, err := s.store.Store(ctx, msg); err != nil {
			return FetchResult{Fetched: len(messages), Stored: stored}, fmt.Errorf("store %s: %w", msg.MessageID, err)
		}
		stored++
	}

	s.log.Debug("mailbox fetched", "label", label, "fetched", len(messages), "stored", stored)
	return FetchResult{Fetched: len(messages), Stored: stored}, nil
}
