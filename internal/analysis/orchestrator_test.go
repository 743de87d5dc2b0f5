package analysis

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cotamatch/internal"
	"cotamatch/internal/adjustments"
	"cotamatch/internal/apperr"
	"cotamatch/internal/events"
	"cotamatch/internal/metrics"
	"cotamatch/internal/reconcile"
	"cotamatch/internal/scoring"
	"cotamatch/internal/storage"
	"cotamatch/internal/util"
)

type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	fail    map[string]bool
	calls   int

	// when set, call number blockOn (default 1) signals entered and waits for release
	entered chan struct{}
	release chan struct{}
	blockOn int
}

func (f *fakeEmbedder) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	block := f.calls == max(f.blockOn, 1)
	f.mu.Unlock()

	if block && f.entered != nil {
		close(f.entered)
		<-f.release
	}

	out := make([][]float32, 0, len(inputs))
	for _, in := range inputs {
		if f.fail[in] {
			return nil, apperr.Dependency("embedding", errors.New("quota exceeded"))
		}
		v, ok := f.vectors[in]
		if !ok {
			v = []float32{0.1, 0.1, 0.1}
		}
		out = append(out, v)
	}
	return out, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) all(t *testing.T) ([]string, []events.Progress) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.events))
	payloads := make([]events.Progress, 0, len(r.events))
	for _, ev := range r.events {
		var p events.Progress
		require.NoError(t, ev.Decode(&p))
		names = append(names, ev.Name)
		payloads = append(payloads, p)
	}
	return names, payloads
}

type fixture struct {
	db       *storage.DB
	bus      *events.MemoryBus
	embedder *fakeEmbedder
	rec      *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	products := []internal.Product{
		{ID: "P1", Description: "Parafuso sextavado M10"},
		{ID: "P2", Description: "Porca sextavada M10"},
		{ID: "P3", Description: "Arruela lisa M10"},
	}
	now := time.Now().UTC()
	_, err = db.UpsertProducts(ctx, products, now)
	require.NoError(t, err)
	require.NoError(t, db.SaveProductEmbedding(ctx, "P1", []float32{1, 0, 0}, now))
	require.NoError(t, db.SaveProductEmbedding(ctx, "P2", []float32{0, 1, 0}, now))
	require.NoError(t, db.SaveProductEmbedding(ctx, "P3", []float32{0, 0, 1}, now))

	f := &fixture{
		db:  db,
		bus: events.NewMemoryBus(),
		embedder: &fakeEmbedder{vectors: map[string][]float32{
			"parafuso sextavado m10": {1, 0, 0},
			"porca sextavada m10":    {0, 1, 0},
			"arruela lisa m10":       {0, 0, 1},
		}, fail: map[string]bool{}},
		rec: &recorder{},
	}
	return f
}

func (f *fixture) seed(t *testing.T, id string) {
	t.Helper()
	q := &internal.Quotation{ID: id, Number: "COT-" + id, Source: "test", CreatedAt: time.Now().UTC()}
	require.NoError(t, f.db.CreateQuotation(context.Background(), q, []internal.QuotationItem{
		{ID: id + "-1", LineNo: 1, Description: "parafuso sextavado m10"},
		{ID: id + "-2", LineNo: 2, Description: "porca sextavada m10"},
		{ID: id + "-3", LineNo: 3, Description: "arruela lisa m10"},
	}))
	_, err := f.bus.Subscribe(context.Background(), events.QuotationTopic(id), f.rec.handle)
	require.NoError(t, err)
}

func (f *fixture) orchestrator(engine *scoring.Engine, collector *metrics.Collector) *Orchestrator {
	return New(Deps{DB: f.db, Engine: engine, Embedder: f.embedder, Bus: f.bus, Metrics: collector}, Options{Concurrency: 2})
}

func TestRunCompletesQuotation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "q1")
	collector := metrics.NewCollector(64)
	ctx := context.Background()

	res, err := f.orchestrator(nil, collector).Run(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, internal.QuotationDone, res.Status)
	assert.Equal(t, 3, res.Done)
	assert.Zero(t, res.Failed)

	q, err := f.db.GetQuotation(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, internal.QuotationDone, q.Status)
	assert.Equal(t, 100, q.Progress)
	assert.Equal(t, 3, q.AnalyzedItems)
	assert.NotNil(t, q.CompletedAt)

	items, err := f.db.ListItems(ctx, "q1")
	require.NoError(t, err)
	want := []string{"P1", "P2", "P3"}
	for i, item := range items {
		assert.Equal(t, internal.ItemDone, item.Status)
		require.NotNil(t, item.SelectedProductID)
		assert.Equal(t, want[i], *item.SelectedProductID)
		require.NotEmpty(t, item.Suggestions)
		assert.True(t, item.Suggestions[0].Principal)
	}

	names, _ := f.rec.all(t)
	completed := 0
	for _, n := range names {
		if n == events.AnalysisCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, events.AnalysisCompleted, names[len(names)-1])
	assert.NotEmpty(t, collector.Snapshot().Samples)
}

func TestProgressIsMonotonicAndReachesTotalOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "q1")

	_, err := f.orchestrator(nil, nil).Run(context.Background(), "q1")
	require.NoError(t, err)

	names, payloads := f.rec.all(t)
	require.NotEmpty(t, payloads)
	assert.Equal(t, 0, payloads[0].AnalyzedItems, "first event carries zero counts")
	assert.Equal(t, 3, payloads[0].PendingItems)

	reachedTotal := 0
	for i, p := range payloads {
		if i > 0 {
			assert.GreaterOrEqual(t, p.AnalyzedItems, payloads[i-1].AnalyzedItems)
		}
		if p.AnalyzedItems == p.TotalItems {
			reachedTotal++
			assert.Equal(t, events.AnalysisCompleted, names[i])
			assert.Equal(t, 100, p.Percent)
		}
	}
	assert.Equal(t, 1, reachedTotal)
}

func TestItemEmbeddingFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "q1")
	f.embedder.fail["porca sextavada m10"] = true
	ctx := context.Background()

	res, err := f.orchestrator(nil, nil).Run(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, internal.QuotationDone, res.Status)
	assert.Equal(t, 2, res.Done)
	assert.Equal(t, 1, res.Failed)

	item, err := f.db.GetItem(ctx, "q1-2")
	require.NoError(t, err)
	assert.Equal(t, internal.ItemError, item.Status)
	require.NotNil(t, item.LastError)
	assert.Contains(t, *item.LastError, "quota exceeded")
}

func TestAllItemsFailingEndsInError(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "q1")
	for text := range f.embedder.vectors {
		f.embedder.fail[text] = true
	}
	ctx := context.Background()

	res, err := f.orchestrator(nil, nil).Run(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, internal.QuotationError, res.Status)

	q, err := f.db.GetQuotation(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, internal.QuotationError, q.Status)
	assert.NotNil(t, q.LastError)

	names, payloads := f.rec.all(t)
	assert.Equal(t, events.AnalysisFailed, names[len(names)-1])
	assert.NotEmpty(t, payloads[len(payloads)-1].Error)
}

type flakyAdjustments struct {
	mu    sync.Mutex
	calls int
}

func (f *flakyAdjustments) ActiveAdjustments(ctx context.Context) ([]internal.ScoreAdjustment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls > 1 {
		return nil, errors.New("database is locked")
	}
	return nil, nil
}

func (f *flakyAdjustments) RecordUsage(ctx context.Context, counts map[string]int) error { return nil }

func TestStoreFailureMarksQuotationErrorWithoutRollback(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "q1")
	ctx := context.Background()

	engine := scoring.NewEngine(scoring.DefaultOptions(), &flakyAdjustments{})
	o := New(Deps{DB: f.db, Engine: engine, Embedder: f.embedder, Bus: f.bus}, Options{Concurrency: 1})
	_, err := o.Run(ctx, "q1")
	require.Error(t, err)

	q, err := f.db.GetQuotation(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, internal.QuotationError, q.Status)

	first, err := f.db.GetItem(ctx, "q1-1")
	require.NoError(t, err)
	assert.Equal(t, internal.ItemDone, first.Status, "items scored before the failure are kept")

	names, _ := f.rec.all(t)
	assert.Equal(t, events.AnalysisFailed, names[len(names)-1])
}

func TestStartRejectsQuotationNotPending(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "q1")
	ctx := context.Background()
	o := f.orchestrator(nil, nil)

	_, err := o.Run(ctx, "q1")
	require.NoError(t, err)

	err = o.Start(ctx, "q1")
	require.Error(t, err)
	var conflict *apperr.StateConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, string(internal.QuotationDone), conflict.From)

	err = o.Start(ctx, "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestCancelStopsFurtherScoring(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "q1")
	f.embedder.entered = make(chan struct{})
	f.embedder.release = make(chan struct{})
	ctx := context.Background()

	o := New(Deps{DB: f.db, Embedder: f.embedder, Bus: f.bus}, Options{Concurrency: 1})
	require.NoError(t, o.Start(ctx, "q1"))

	select {
	case <-f.embedder.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first item never reached the embedder")
	}
	_, running := o.Progress("q1")
	assert.True(t, running)

	require.NoError(t, o.Cancel(ctx, "q1"))
	eventsAtCancel := len(f.rec.events)
	close(f.embedder.release)
	o.Wait()

	q, err := f.db.GetQuotation(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, internal.QuotationCanceled, q.Status)

	first, err := f.db.GetItem(ctx, "q1-1")
	require.NoError(t, err)
	assert.Equal(t, internal.ItemDone, first.Status, "in-flight item is still persisted")
	for _, id := range []string{"q1-2", "q1-3"} {
		item, err := f.db.GetItem(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, internal.ItemPending, item.Status)
	}
	assert.Equal(t, eventsAtCancel, len(f.rec.events), "no events after cancel")
	assert.Equal(t, 1, f.embedder.calls)

	_, running = o.Progress("q1")
	assert.False(t, running)

	require.NoError(t, o.Reopen(ctx, "q1"))
	f.embedder.entered = nil
	res, err := o.Run(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, internal.QuotationDone, res.Status)
	assert.Equal(t, 3, res.Done)
}

func TestCancelWithoutLiveRun(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "q1")
	ctx := context.Background()
	o := f.orchestrator(nil, nil)

	err := o.Cancel(ctx, "q1")
	assert.True(t, apperr.IsConflict(err), "pendente quotations cannot be cancelled")

	require.NoError(t, f.db.StartAnalysis(ctx, "q1", time.Now().UTC()))
	require.NoError(t, o.Cancel(ctx, "q1"))
	q, err := f.db.GetQuotation(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, internal.QuotationCanceled, q.Status)
}

func TestAdjustedProductOutsideCandidatePoolIsSelected(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	now := time.Now().UTC()

	products := make([]internal.Product, 0, 61)
	for n := range 60 {
		products = append(products, internal.Product{ID: fmt.Sprintf("A%02d", n), Description: fmt.Sprintf("Parafuso sextavado M%d", n)})
	}
	products = append(products, internal.Product{ID: "ZZ", Description: "Fixador especial linha azul"})
	_, err = db.UpsertProducts(ctx, products, now)
	require.NoError(t, err)

	require.NoError(t, db.InsertAdjustment(ctx, internal.ScoreAdjustment{
		ID: "adj-1", CodePattern: util.StringPtr("PARAF-10"), ProductID: "ZZ", Delta: 100, Active: true,
		CreatedAt: now, UpdatedAt: now,
	}))

	q := &internal.Quotation{ID: "q1", Number: "COT-q1", Source: "test", CreatedAt: now}
	require.NoError(t, db.CreateQuotation(ctx, q, []internal.QuotationItem{
		{ID: "q1-1", LineNo: 1, Description: "parafuso sextavado", Code: util.StringPtr("PARAF-10")},
	}))

	engine := scoring.NewEngine(scoring.DefaultOptions(), adjustments.NewStore(db, nil))
	o := New(Deps{DB: db, Engine: engine}, Options{Concurrency: 1, CandidatePoolSize: 5})
	res, err := o.Run(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, internal.QuotationDone, res.Status)

	item, err := db.GetItem(ctx, "q1-1")
	require.NoError(t, err)
	require.NotNil(t, item.SelectedProductID)
	assert.Equal(t, "ZZ", *item.SelectedProductID)
	require.NotNil(t, item.Score)
	assert.GreaterOrEqual(t, *item.Score, 100.0)

	adj, err := db.GetAdjustment(ctx, "adj-1")
	require.NoError(t, err)
	assert.Equal(t, 1, adj.UsageCount)
}

func (f *fixture) seedStale(t *testing.T, id string) {
	t.Helper()
	q := &internal.Quotation{ID: id, Number: "COT-" + id, Source: "test", CreatedAt: time.Now().UTC().Add(-time.Hour)}
	require.NoError(t, f.db.CreateQuotation(context.Background(), q, []internal.QuotationItem{
		{ID: id + "-1", LineNo: 1, Description: "parafuso sextavado m10"},
		{ID: id + "-2", LineNo: 2, Description: "porca sextavada m10"},
		{ID: id + "-3", LineNo: 3, Description: "arruela lisa m10"},
	}))
	_, err := f.bus.Subscribe(context.Background(), events.QuotationTopic(id), f.rec.handle)
	require.NoError(t, err)
}

func (f *fixture) startBlocked(t *testing.T, o *Orchestrator, id string) {
	t.Helper()
	f.embedder.entered = make(chan struct{})
	f.embedder.release = make(chan struct{})
	f.embedder.blockOn = 2
	require.NoError(t, o.Start(context.Background(), id))
	select {
	case <-f.embedder.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("second item never reached the embedder")
	}
}

func TestReconcilerSkipsLiveRun(t *testing.T) {
	f := newFixture(t)
	f.seedStale(t, "q1")
	ctx := context.Background()
	o := New(Deps{DB: f.db, Embedder: f.embedder, Bus: f.bus}, Options{Concurrency: 1})
	f.startBlocked(t, o, "q1")

	rep, err := reconcile.New(f.db, f.bus, o, nil, nil).Reconcile(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, rep.Entries, 1)
	assert.Equal(t, reconcile.ActionIgnored, rep.Entries[0].Action)
	assert.Zero(t, rep.Corrected)

	close(f.embedder.release)
	o.Wait()

	q, err := f.db.GetQuotation(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, internal.QuotationDone, q.Status)
	assert.Equal(t, 3, q.AnalyzedItems)
	names, _ := f.rec.all(t)
	assert.Equal(t, events.AnalysisCompleted, names[len(names)-1])
	assert.False(t, o.Running("q1"))
}

func TestResetElsewhereDoesNotAnnounceFailure(t *testing.T) {
	f := newFixture(t)
	f.seedStale(t, "q1")
	ctx := context.Background()
	o := New(Deps{DB: f.db, Embedder: f.embedder, Bus: f.bus}, Options{Concurrency: 1})
	f.startBlocked(t, o, "q1")

	// a sweep from another process cannot see the live run
	rep, err := reconcile.New(f.db, f.bus, nil, nil, nil).Reconcile(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Len(t, rep.Entries, 1)
	assert.Equal(t, reconcile.ActionReset, rep.Entries[0].Action)

	close(f.embedder.release)
	o.Wait()

	q, err := f.db.GetQuotation(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, internal.QuotationPending, q.Status)
	names, _ := f.rec.all(t)
	assert.NotContains(t, names, events.AnalysisFailed)
}
