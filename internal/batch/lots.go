package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cotamatch/internal"
	"cotamatch/internal/apperr"
	"cotamatch/internal/config"
	"cotamatch/internal/embedding"
	"cotamatch/internal/logger"
	"cotamatch/internal/metrics"
	"cotamatch/internal/storage"
)

const (
	LotPopulate = "embeddings.populate"
	LotDrain    = "embeddings.drain"
)

// EmbeddingLots holds the two lot functions that keep product vectors current.
type EmbeddingLots struct {
	db          *storage.DB
	embedder    embedding.Embedder
	metrics     *metrics.Collector
	log         *logger.Logger
	lotSize     int
	maxAttempts int
	staleClaim  time.Duration
	now         func() time.Time
}

func NewEmbeddingLots(db *storage.DB, embedder embedding.Embedder, cfg config.Config, collector *metrics.Collector, log *logger.Logger) *EmbeddingLots {
	if log == nil {
		log = logger.Nop()
	}
	l := &EmbeddingLots{
		db:          db,
		embedder:    embedder,
		metrics:     collector,
		log:         log.With("component", "embedding-lots"),
		lotSize:     cfg.BatchLotSize,
		maxAttempts: cfg.EmbeddingMaxAttempts,
		staleClaim:  cfg.QueueStaleClaim,
		now:         func() time.Time { return time.Now().UTC() },
	}
	if l.lotSize <= 0 {
		l.lotSize = 20
	}
	if l.maxAttempts <= 0 {
		l.maxAttempts = 3
	}
	if l.staleClaim <= 0 {
		l.staleClaim = 15 * time.Minute
	}
	return l
}

// Register adds both lots to r under their canonical names.
func (l *EmbeddingLots) Register(r *Registry) {
	r.Register(LotPopulate, l.Populate)
	r.Register(LotDrain, l.Drain)
}

// Populate embeds one lot of products that have no vector yet.
func (l *EmbeddingLots) Populate(ctx context.Context) (LotResult, error) {
	started := time.Now()
	now := l.now()
	products, err := l.db.ClaimProductsMissingEmbedding(ctx, l.lotSize, l.maxAttempts, now, now.Add(-l.staleClaim))
	if err != nil {
		return LotResult{}, fmt.Errorf("claim products: %w", err)
	}

	var res LotResult
	for _, p := range products {
		vector, err := l.embedOne(ctx, p.EmbeddingText())
		if err != nil {
			res.Failed++
			l.log.Warn("product embedding failed", "produto_id", p.ID, "error", err)
			if err := l.db.RecordProductEmbeddingFailure(ctx, p.ID, err.Error()); err != nil {
				return res, fmt.Errorf("record failure for %s: %w", p.ID, err)
			}
			continue
		}
		if err := l.db.SaveProductEmbedding(ctx, p.ID, vector, l.now()); err != nil {
			return res, fmt.Errorf("save embedding for %s: %w", p.ID, err)
		}
		res.Processed++
	}

	remaining, err := l.db.CountProductsMissingEmbedding(ctx, l.maxAttempts)
	if err != nil {
		return res, fmt.Errorf("count remaining: %w", err)
	}
	res.Remaining = remaining
	res.Done = len(products) == 0 || remaining == 0
	l.observe(LotPopulate, started, res)
	return res, nil
}

// Drain processes one lot of pending queue entries. Stale processing claims are released first.
func (l *EmbeddingLots) Drain(ctx context.Context) (LotResult, error) {
	started := time.Now()
	now := l.now()
	if released, err := l.db.ReleaseStaleClaims(ctx, now.Add(-l.staleClaim)); err != nil {
		return LotResult{}, fmt.Errorf("release stale claims: %w", err)
	} else if released > 0 {
		l.log.Info("released stale queue claims", "count", released)
	}

	entries, err := l.db.ClaimEmbeddingQueue(ctx, l.lotSize, now)
	if err != nil {
		return LotResult{}, fmt.Errorf("claim queue: %w", err)
	}

	var res LotResult
	for _, entry := range entries {
		p, err := l.db.GetProduct(ctx, entry.ProductID)
		if err != nil {
			return res, fmt.Errorf("load product %s: %w", entry.ProductID, err)
		}

		var vector []float32
		if p == nil {
			err = fmt.Errorf("produto %s: %w", entry.ProductID, apperr.ErrNotFound)
		} else {
			vector, err = l.embedOne(ctx, p.EmbeddingText())
		}
		if err != nil {
			res.Failed++
			l.log.Warn("queue entry failed", "entry_id", entry.ID, "produto_id", entry.ProductID, "error", err)
			if err := l.db.MarkQueueFailed(ctx, entry.ID, err.Error(), l.now()); err != nil {
				return res, fmt.Errorf("mark entry %s failed: %w", entry.ID, err)
			}
			continue
		}

		if err := l.db.SaveProductEmbedding(ctx, p.ID, vector, l.now()); err != nil {
			return res, fmt.Errorf("save embedding for %s: %w", p.ID, err)
		}
		if err := l.db.MarkQueueProcessed(ctx, entry.ID, l.now()); err != nil {
			return res, fmt.Errorf("mark entry %s processed: %w", entry.ID, err)
		}
		res.Processed++
	}

	remaining, err := l.db.CountQueue(ctx, internal.QueuePending)
	if err != nil {
		return res, fmt.Errorf("count pending: %w", err)
	}
	res.Remaining = remaining
	res.Done = len(entries) == 0 || remaining == 0
	l.observe(LotDrain, started, res)
	return res, nil
}

func (l *EmbeddingLots) embedOne(ctx context.Context, text string) ([]float32, error) {
	if l.embedder == nil {
		return nil, apperr.Dependency("embedding", errors.New("no embedder configured"))
	}
	vectors, err := l.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, apperr.Dependency("embedding", errors.New("empty vector"))
	}
	return vectors[0], nil
}

func (l *EmbeddingLots) observe(name string, started time.Time, res LotResult) {
	labels := map[string]string{"lote": name}
	l.metrics.Observe("lote.duracao_ms", started, labels)
	l.metrics.Record("lote.processados", float64(res.Processed), labels)
	l.metrics.Record("lote.falhas", float64(res.Failed), labels)
}
