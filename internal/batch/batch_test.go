package batch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cotamatch/internal"
	"cotamatch/internal/apperr"
	"cotamatch/internal/config"
	"cotamatch/internal/metrics"
	"cotamatch/internal/storage"
)

func TestRunUntilDrainedStopsAtCap(t *testing.T) {
	calls := 0
	rep := RunUntilDrained(context.Background(), func(ctx context.Context) (LotResult, error) {
		calls++
		return LotResult{Done: false, Processed: 1, Remaining: 10}, nil
	}, Options{MaxIterations: 5})

	assert.Equal(t, 5, calls)
	assert.Equal(t, OutcomeCapExceeded, rep.Outcome)
	assert.Equal(t, 5, rep.Iterations)
	assert.Equal(t, 5, rep.Processed)
	assert.True(t, errors.Is(rep.Err(), apperr.ErrCapExceeded))
}

func TestRunUntilDrainedAccumulatesUntilDone(t *testing.T) {
	calls := 0
	rep := RunUntilDrained(context.Background(), func(ctx context.Context) (LotResult, error) {
		calls++
		return LotResult{Done: calls == 3, Processed: 2, Failed: 1}, nil
	}, Options{MaxIterations: 10, InterLotDelay: time.Millisecond})

	assert.Equal(t, OutcomeDone, rep.Outcome)
	assert.Equal(t, 3, rep.Iterations)
	assert.Equal(t, 6, rep.Processed)
	assert.Equal(t, 3, rep.Failed)
	assert.NoError(t, rep.Err())
}

func TestRunUntilDrainedPropagatesLotFailure(t *testing.T) {
	boom := apperr.Dependency("lot invoker", errors.New("connection refused"))
	calls := 0
	rep := RunUntilDrained(context.Background(), func(ctx context.Context) (LotResult, error) {
		calls++
		if calls == 2 {
			return LotResult{}, boom
		}
		return LotResult{Processed: 4}, nil
	}, Options{MaxIterations: 10})

	assert.Equal(t, 2, calls, "a failed lot is not retried")
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.Equal(t, 4, rep.Processed)
	assert.ErrorIs(t, rep.Err(), boom)
	assert.NotContains(t, rep.Error, "connection refused")
}

func TestRunUntilDrainedHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rep := RunUntilDrained(ctx, func(ctx context.Context) (LotResult, error) {
		cancel()
		return LotResult{}, nil
	}, Options{MaxIterations: 10, InterLotDelay: time.Hour})

	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.ErrorIs(t, rep.Err(), context.Canceled)
}

type stubEmbedder struct {
	fail map[string]bool
}

func (s stubEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, 0, len(inputs))
	for _, in := range inputs {
		if s.fail[in] {
			return nil, apperr.Dependency("embedding", errors.New("rate limited"))
		}
		out = append(out, []float32{float32(len(in)), 1})
	}
	return out, nil
}

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedProducts(t *testing.T, db *storage.DB, descriptions ...string) []string {
	t.Helper()
	var products []internal.Product
	for i, d := range descriptions {
		products = append(products, internal.Product{ID: string(rune('A' + i)), Description: d})
	}
	changed, err := db.UpsertProducts(context.Background(), products, time.Now().UTC())
	require.NoError(t, err)
	return changed
}

func lotConfig() config.Config {
	return config.Config{BatchLotSize: 2, EmbeddingMaxAttempts: 2, QueueStaleClaim: time.Minute}
}

func TestPopulateCountsPerItemFailures(t *testing.T) {
	db := openDB(t)
	seedProducts(t, db, "Parafuso", "Porca", "Arruela", "Luva")
	collector := metrics.NewCollector(32)
	lots := NewEmbeddingLots(db, stubEmbedder{fail: map[string]bool{"Porca": true}}, lotConfig(), collector, nil)

	rep := RunUntilDrained(context.Background(), lots.Populate, Options{MaxIterations: 10})
	require.NoError(t, rep.Err())
	assert.Equal(t, OutcomeDone, rep.Outcome)
	assert.Equal(t, 3, rep.Processed)
	assert.Equal(t, 2, rep.Failed, "the failing product is retried up to the attempt limit")

	p, err := db.GetProduct(context.Background(), "B")
	require.NoError(t, err)
	assert.Empty(t, p.Embedding)
	assert.Equal(t, 2, p.EmbeddingAttempts)
	require.NotNil(t, p.EmbeddingError)

	p, err = db.GetProduct(context.Background(), "A")
	require.NoError(t, err)
	assert.NotEmpty(t, p.Embedding)
	assert.NotEmpty(t, collector.Snapshot().Samples)
}

func TestDrainMarksEntries(t *testing.T) {
	db := openDB(t)
	ctx := context.Background()
	ids := seedProducts(t, db, "Parafuso", "Porca", "Arruela")
	_, err := db.EnqueueEmbedding(ctx, append(ids, "ghost"), time.Now().UTC())
	require.NoError(t, err)

	lots := NewEmbeddingLots(db, stubEmbedder{fail: map[string]bool{"Porca": true}}, lotConfig(), nil, nil)
	registry := NewRegistry()
	lots.Register(registry)
	assert.Equal(t, []string{LotDrain, LotPopulate}, registry.Names())

	rep := NewService(registry, Options{MaxIterations: 10}, nil, nil).Drain(ctx, LotDrain)
	require.NoError(t, rep.Err())
	assert.Equal(t, 2, rep.Processed)
	assert.Equal(t, 2, rep.Failed)

	pending, err := db.CountQueue(ctx, internal.QueuePending)
	require.NoError(t, err)
	assert.Zero(t, pending)
	failed, err := db.ListQueue(ctx, internal.QueueFailed, 10)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	for _, e := range failed {
		require.NotNil(t, e.Error)
	}

	_, err = registry.Invoke(ctx, "unknown")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestHTTPInvoker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method %s", r.Method)
		}
		switch r.URL.Path {
		case "/lotes/" + LotDrain:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"done":true,"processados":3,"falhas":1,"restantes":0}`))
		default:
			http.Error(w, "boom", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	inv := NewHTTPInvoker(srv.URL+"/", time.Second)
	res, err := inv.Invoke(context.Background(), LotDrain)
	require.NoError(t, err)
	assert.Equal(t, LotResult{Done: true, Processed: 3, Failed: 1}, res)

	_, err = inv.Invoke(context.Background(), LotPopulate)
	require.Error(t, err)
	assert.True(t, apperr.IsDependency(err))
	assert.True(t, strings.Contains(err.Error(), "502"))

	rep := RunUntilDrained(context.Background(), func(ctx context.Context) (LotResult, error) {
		return inv.Invoke(ctx, LotPopulate)
	}, Options{MaxIterations: 3})
	assert.Equal(t, OutcomeFailed, rep.Outcome)
	assert.Equal(t, 1, rep.Iterations)
}
