package catalog

import (
	"context"
	"time"

	"cotamatch/internal"
	"cotamatch/internal/config"
	"cotamatch/internal/logger"
	"cotamatch/internal/storage"
)

const lastSyncKey = "catalog.last_sync"

type SyncResult struct {
	Fetched  int `json:"recebidos"`
	Changed  int `json:"alterados"`
	Enqueued int `json:"enfileirados"`
}

type SyncService struct {
	db     *storage.DB
	client *Client
	log    *logger.Logger
	now    func() time.Time
}

func NewSyncService(db *storage.DB, cfg config.Config, log *logger.Logger) *SyncService {
	return NewSyncServiceWithClient(db, NewClient(cfg), log)
}

func NewSyncServiceWithClient(db *storage.DB, client *Client, log *logger.Logger) *SyncService {
	if log == nil {
		log = logger.Nop()
	}
	return &SyncService{db: db, client: client, log: log.With("component", "catalog-sync"), now: func() time.Time { return time.Now().UTC() }}
}

// Sync pulls the catalog, incrementally when a previous sync is recorded and full otherwise.
// Products whose description or code changed are queued for re-embedding.
func (s *SyncService) Sync(ctx context.Context, full bool) (SyncResult, error) {
	started := s.now()

	var since *time.Time
	if !full {
		last, err := s.db.GetMetadata(ctx, lastSyncKey)
		if err != nil {
			return SyncResult{}, err
		}
		if last != nil {
			if parsed, err := time.Parse(time.RFC3339, *last); err == nil {
				since = &parsed
			}
		}
	}

	products, err := s.fetch(ctx, since)
	if err != nil {
		return SyncResult{}, err
	}
	result := SyncResult{Fetched: len(products)}

	if len(products) > 0 {
		changed, err := s.db.UpsertProducts(ctx, products, s.now())
		if err != nil {
			return result, err
		}
		result.Changed = len(changed)
		added, err := s.db.EnqueueEmbedding(ctx, changed, s.now())
		if err != nil {
			return result, err
		}
		result.Enqueued = added
	}

	if err := s.db.SetMetadata(ctx, lastSyncKey, started.Format(time.RFC3339)); err != nil {
		return result, err
	}
	s.log.Info("catalog synced", "full", since == nil, "recebidos", result.Fetched, "alterados", result.Changed, "enfileirados", result.Enqueued)
	return result, nil
}

func (s *SyncService) fetch(ctx context.Context, since *time.Time) ([]internal.Product, error) {
	if since == nil {
		return s.client.GetProductsScrollAll(ctx)
	}
	return s.client.GetProductsUpdatedSince(ctx, *since)
}
