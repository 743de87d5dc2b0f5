// Package analysis drives the per-quotation matching run: items are embedded, scored against
// catalog candidates and persisted while progress is published on the quotation's topic.
package analysis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"cotamatch/internal"
	"cotamatch/internal/apperr"
	"cotamatch/internal/catalog"
	"cotamatch/internal/embedding"
	"cotamatch/internal/events"
	"cotamatch/internal/logger"
	"cotamatch/internal/metrics"
	"cotamatch/internal/scoring"
	"cotamatch/internal/storage"
)

type Deps struct {
	DB       *storage.DB
	Engine   *scoring.Engine
	Embedder embedding.Embedder
	Bus      events.Bus
	Metrics  *metrics.Collector
	Log      *logger.Logger
}

type Options struct {
	Concurrency       int
	CandidatePoolSize int
}

type Result struct {
	QuotationID string                   `json:"cotacao_id"`
	TraceID     string                   `json:"trace_id"`
	Status      internal.QuotationStatus `json:"status"`
	TotalItems  int                      `json:"total_itens"`
	Done        int                      `json:"concluidos"`
	Failed      int                      `json:"erros"`
	DurationMs  float64                  `json:"duracao_ms"`
}

type Orchestrator struct {
	db       *storage.DB
	engine   *scoring.Engine
	embedder embedding.Embedder
	bus      events.Bus
	metrics  *metrics.Collector
	log      *logger.Logger
	opts     Options
	now      func() time.Time

	mu      sync.Mutex
	runs    map[string]*run
	pending sync.WaitGroup
}

func New(deps Deps, opts Options) *Orchestrator {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.Bus == nil {
		deps.Bus = events.NewMemoryBus()
	}
	if deps.Engine == nil {
		deps.Engine = scoring.NewEngine(scoring.DefaultOptions(), nil)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.CandidatePoolSize <= 0 {
		opts.CandidatePoolSize = 50
	}
	return &Orchestrator{
		db:       deps.DB,
		engine:   deps.Engine,
		embedder: deps.Embedder,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		log:      deps.Log.With("component", "analysis"),
		opts:     opts,
		now:      func() time.Time { return time.Now().UTC() },
		runs:     map[string]*run{},
	}
}

// Run analyses a pendente quotation and returns once every item is terminal or the run was cancelled.
func (o *Orchestrator) Run(ctx context.Context, quotationID string) (Result, error) {
	r, err := o.begin(ctx, quotationID)
	if err != nil {
		return Result{}, err
	}
	return o.execute(ctx, r)
}

// Start applies the status guard synchronously and continues the run in the background.
func (o *Orchestrator) Start(ctx context.Context, quotationID string) error {
	r, err := o.begin(ctx, quotationID)
	if err != nil {
		return err
	}
	bg := context.WithoutCancel(ctx)
	o.pending.Add(1)
	go func() {
		defer o.pending.Done()
		if _, err := o.execute(bg, r); err != nil {
			o.log.Error("analysis run failed", "cotacao_id", quotationID, "trace_id", r.traceID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every background run started with Start has returned.
func (o *Orchestrator) Wait() {
	o.pending.Wait()
}

// Cancel asks a running analysis to stop issuing scoring calls. Items already in flight finish and
// are persisted; the quotation becomes cancelada once they drain and no further events are published.
// A quotation left em_analise without a live run in this process is cancelled directly.
func (o *Orchestrator) Cancel(ctx context.Context, quotationID string) error {
	o.mu.Lock()
	r, ok := o.runs[quotationID]
	o.mu.Unlock()
	if ok {
		r.cancel()
		o.log.Info("analysis cancel requested", "cotacao_id", quotationID, "trace_id", r.traceID)
		return nil
	}

	q, err := o.db.GetQuotation(ctx, quotationID)
	if err != nil {
		return err
	}
	if q == nil {
		return fmt.Errorf("cotacao %s: %w", quotationID, apperr.ErrNotFound)
	}
	return o.db.FinishQuotation(ctx, quotationID, internal.QuotationCanceled, q.AnalyzedItems, q.Progress, nil, o.now())
}

// Reopen returns an erro or cancelada quotation to pendente with every item cleared.
func (o *Orchestrator) Reopen(ctx context.Context, quotationID string) error {
	if err := o.db.ReopenQuotation(ctx, quotationID, o.now()); err != nil {
		return err
	}
	o.log.Info("quotation reopened", "cotacao_id", quotationID)
	return nil
}

// Progress returns the in-memory progress of a run owned by this process.
func (o *Orchestrator) Progress(quotationID string) (events.Progress, bool) {
	o.mu.Lock()
	r, ok := o.runs[quotationID]
	o.mu.Unlock()
	if !ok {
		return events.Progress{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(internal.QuotationAnalyzing), true
}

// Running reports whether this process owns a live run of the quotation.
func (o *Orchestrator) Running(quotationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.runs[quotationID]
	return ok
}

func (o *Orchestrator) begin(ctx context.Context, quotationID string) (*run, error) {
	q, err := o.db.GetQuotation(ctx, quotationID)
	if err != nil {
		return nil, err
	}
	if q == nil {
		return nil, fmt.Errorf("cotacao %s: %w", quotationID, apperr.ErrNotFound)
	}
	if err := o.db.StartAnalysis(ctx, quotationID, o.now()); err != nil {
		return nil, err
	}

	r := &run{quotation: *q, traceID: traceID(), started: time.Now(), details: map[string]events.ItemDetail{}}
	o.mu.Lock()
	o.runs[quotationID] = r
	o.mu.Unlock()
	return r, nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run) (Result, error) {
	defer o.forget(r)
	qid := r.quotation.ID
	log := o.log.With("cotacao_id", qid, "trace_id", r.traceID)

	items, err := o.db.ListItems(ctx, qid)
	if err != nil {
		return o.fail(ctx, r, fmt.Errorf("list items: %w", err))
	}
	products, err := o.db.ListProducts(ctx)
	if err != nil {
		return o.fail(ctx, r, fmt.Errorf("list products: %w", err))
	}
	index := catalog.BuildIndex(products)

	r.mu.Lock()
	r.total = len(items)
	for _, item := range items {
		r.order = append(r.order, item.ID)
		r.details[item.ID] = events.ItemDetail{ItemID: item.ID, Status: item.Status, ProductID: item.SelectedProductID, Score: item.Score, Error: item.LastError}
		switch item.Status {
		case internal.ItemDone:
			r.done++
		case internal.ItemError:
			r.failed++
		}
	}
	start := r.snapshot(internal.QuotationAnalyzing)
	r.mu.Unlock()
	o.publish(ctx, qid, events.AnalysisProgress, start)
	log.Info("analysis started", "itens", len(items), "produtos", index.Len())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for _, item := range items {
		if item.Status != internal.ItemPending {
			continue
		}
		if r.cancelled() || gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if r.cancelled() {
				return nil
			}
			return o.analyzeItem(gctx, r, index, item)
		})
	}
	waitErr := g.Wait()

	if waitErr != nil {
		return o.fail(ctx, r, waitErr)
	}
	if r.cancelled() {
		return o.finishCancelled(ctx, r)
	}
	return o.finish(ctx, r)
}

func (o *Orchestrator) analyzeItem(ctx context.Context, r *run, index *catalog.Index, item internal.QuotationItem) error {
	started := time.Now()
	ok, err := o.db.MarkItemAnalyzing(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("mark item %s: %w", item.ID, err)
	}
	if !ok {
		return nil
	}
	o.itemChanged(ctx, r, events.ItemDetail{ItemID: item.ID, Status: internal.ItemAnalyzing}, false)

	code := ""
	if item.Code != nil {
		code = *item.Code
	}

	var vector []float32
	if o.embedder != nil {
		vectors, err := o.embedder.Embed(ctx, []string{itemText(item)})
		if err == nil && len(vectors) == 0 {
			err = errors.New("empty embedding response")
		}
		if err != nil {
			if !apperr.IsDependency(err) {
				err = apperr.Dependency("embedding", err)
			}
			msg := err.Error()
			if saveErr := o.db.SaveItemError(ctx, item.ID, msg, o.now()); saveErr != nil {
				return fmt.Errorf("save item %s error: %w", item.ID, saveErr)
			}
			o.metrics.Record("analise.item_erro", 1, map[string]string{"cotacao_id": r.quotation.ID})
			o.itemChanged(ctx, r, events.ItemDetail{ItemID: item.ID, Status: internal.ItemError, Error: &msg}, true)
			return nil
		}
		vector = vectors[0]
	}

	candidates := index.Candidates(item.Description, code, vector, o.opts.CandidatePoolSize)
	suggestions, err := o.engine.Score(ctx, scoring.Request{
		ItemText:   item.Description,
		ItemCode:   code,
		ItemVector: vector,
		Candidates: candidates,
		Context:    scoring.Context{CustomerTaxID: deref(r.quotation.CustomerTaxID), PlatformID: deref(r.quotation.PlatformID)},
		Lookup:     index.Product,
	})
	if err != nil {
		return fmt.Errorf("score item %s: %w", item.ID, err)
	}

	var productID *string
	var score *float64
	if len(suggestions) > 0 {
		productID = &suggestions[0].ProductID
		score = &suggestions[0].FinalScore
	}
	if err := o.db.SaveItemResult(ctx, item.ID, productID, score, suggestions, o.now()); err != nil {
		return fmt.Errorf("save item %s: %w", item.ID, err)
	}
	o.metrics.Observe("analise.item_ms", started, map[string]string{"cotacao_id": r.quotation.ID})
	o.itemChanged(ctx, r, events.ItemDetail{ItemID: item.ID, Status: internal.ItemDone, ProductID: productID, Score: score}, true)
	return nil
}

// itemChanged folds an item update into the run and, when the item reached a terminal state,
// persists and publishes progress. The last item is reported by the completion event instead.
// Publishing happens under the run lock so successive events never go backwards.
func (o *Orchestrator) itemChanged(ctx context.Context, r *run, d events.ItemDetail, terminal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.details[d.ItemID] = d
	if !terminal {
		return
	}
	if d.Status == internal.ItemError {
		r.failed++
	} else {
		r.done++
	}
	if r.stopped {
		return
	}

	p := r.snapshot(internal.QuotationAnalyzing)
	if _, err := o.db.UpdateProgress(ctx, r.quotation.ID, p.AnalyzedItems, p.Percent, o.now()); err != nil {
		o.log.Warn("progress update failed", "cotacao_id", r.quotation.ID, "error", err)
	}
	if p.AnalyzedItems < p.TotalItems {
		o.publish(ctx, r.quotation.ID, events.AnalysisProgress, p)
	}
}

func (o *Orchestrator) finish(ctx context.Context, r *run) (Result, error) {
	r.mu.Lock()
	status := internal.QuotationDone
	if r.total > 0 && r.failed == r.total {
		status = internal.QuotationError
	}
	p := r.snapshot(status)
	r.mu.Unlock()

	var errText *string
	name := events.AnalysisCompleted
	if status == internal.QuotationError {
		msg := "todos os itens falharam na análise"
		errText = &msg
		p.Error = msg
		name = events.AnalysisFailed
	}

	if err := o.db.FinishQuotation(ctx, r.quotation.ID, status, p.AnalyzedItems, p.Percent, errText, o.now()); err != nil {
		return o.result(r, status), err
	}
	o.publish(ctx, r.quotation.ID, name, p)
	return o.record(ctx, r, status), nil
}

func (o *Orchestrator) finishCancelled(ctx context.Context, r *run) (Result, error) {
	r.mu.Lock()
	p := r.snapshot(internal.QuotationCanceled)
	r.mu.Unlock()
	if err := o.db.FinishQuotation(ctx, r.quotation.ID, internal.QuotationCanceled, p.AnalyzedItems, p.Percent, nil, o.now()); err != nil {
		return o.result(r, internal.QuotationCanceled), err
	}
	o.log.Info("analysis cancelled", "cotacao_id", r.quotation.ID, "analisados", p.AnalyzedItems, "total", p.TotalItems)
	return o.record(ctx, r, internal.QuotationCanceled), nil
}

// fail marks the quotation erro after a store or scoring failure. Items already scored keep their results.
func (o *Orchestrator) fail(ctx context.Context, r *run, cause error) (Result, error) {
	r.mu.Lock()
	r.stopped = true
	p := r.snapshot(internal.QuotationError)
	r.mu.Unlock()

	msg := apperr.PublicMessage(cause)
	p.Error = msg
	err := o.db.FinishQuotation(ctx, r.quotation.ID, internal.QuotationError, p.AnalyzedItems, p.Percent, &msg, o.now())
	if apperr.IsConflict(err) {
		// reset or cancelled elsewhere; nothing left to announce
		o.log.Warn("quotation left em_analise before the run failed", "cotacao_id", r.quotation.ID, "trace_id", r.traceID, "error", err)
	} else {
		if err != nil {
			o.log.Error("could not mark quotation erro", "cotacao_id", r.quotation.ID, "error", err)
		}
		o.publish(ctx, r.quotation.ID, events.AnalysisFailed, p)
	}
	o.log.Error("analysis failed", "cotacao_id", r.quotation.ID, "trace_id", r.traceID, "error", cause)
	res := o.record(ctx, r, internal.QuotationError)
	return res, cause
}

func (o *Orchestrator) publish(ctx context.Context, quotationID, name string, p events.Progress) {
	ev, err := events.NewEvent(name, p)
	if err == nil {
		err = o.bus.Publish(ctx, events.QuotationTopic(quotationID), ev)
	}
	if err != nil {
		o.log.Warn("event publish failed", "cotacao_id", quotationID, "event", name, "error", err)
	}
}

func (o *Orchestrator) record(ctx context.Context, r *run, status internal.QuotationStatus) Result {
	res := o.result(r, status)
	labels := map[string]string{"status": string(status)}
	o.metrics.Observe("analise.run_ms", r.started, labels)
	o.metrics.Record("analise.itens", float64(res.TotalItems), labels)

	err := o.db.InsertRun(ctx, r.traceID, r.quotation.ID, "analysis",
		map[string]float64{"totalMs": res.DurationMs},
		map[string]int{"items": res.TotalItems, "done": res.Done, "failed": res.Failed})
	if err != nil {
		o.log.Warn("run record failed", "trace_id", r.traceID, "error", err)
	}
	return res
}

func (o *Orchestrator) result(r *run, status internal.QuotationStatus) Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Result{
		QuotationID: r.quotation.ID,
		TraceID:     r.traceID,
		Status:      status,
		TotalItems:  r.total,
		Done:        r.done,
		Failed:      r.failed,
		DurationMs:  float64(time.Since(r.started).Milliseconds()),
	}
}

func (o *Orchestrator) forget(r *run) {
	o.mu.Lock()
	if o.runs[r.quotation.ID] == r {
		delete(o.runs, r.quotation.ID)
	}
	o.mu.Unlock()
}

type run struct {
	quotation internal.Quotation
	traceID   string
	started   time.Time

	mu      sync.Mutex
	stopped bool
	total   int
	done    int
	failed  int
	order   []string
	details map[string]events.ItemDetail
}

func (r *run) cancel() {
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

func (r *run) cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// snapshot must be called with r.mu held.
func (r *run) snapshot(status internal.QuotationStatus) events.Progress {
	analyzed := r.done + r.failed
	p := events.Progress{
		QuotationID:   r.quotation.ID,
		TotalItems:    r.total,
		AnalyzedItems: analyzed,
		PendingItems:  r.total - analyzed,
		Percent:       percent(analyzed, r.total),
		Status:        status,
		Items:         make([]events.ItemDetail, 0, len(r.order)),
	}
	for _, id := range r.order {
		p.Items = append(p.Items, r.details[id])
	}
	return p
}

func percent(analyzed, total int) int {
	if total == 0 {
		return 100
	}
	return int(math.Round(float64(analyzed) / float64(total) * 100))
}

func itemText(item internal.QuotationItem) string {
	if item.Code != nil && *item.Code != "" {
		return item.Description + " " + *item.Code
	}
	return item.Description
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func traceID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("run-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b[:])
}
