// Package reconcile sweeps quotations left em_analise past a staleness threshold.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"cotamatch/internal"
	"cotamatch/internal/apperr"
	"cotamatch/internal/events"
	"cotamatch/internal/logger"
	"cotamatch/internal/metrics"
	"cotamatch/internal/storage"
)

type Action string

const (
	ActionFinalized Action = "finalizada"
	ActionReset     Action = "reiniciada"
	ActionIgnored   Action = "ignorada"
)

type Entry struct {
	QuotationID string `json:"cotacao_id"`
	Action      Action `json:"acao"`
	Analyzed    int    `json:"itens_analisados"`
	Total       int    `json:"total_itens"`
	Note        string `json:"observacao,omitempty"`
}

type Report struct {
	Checked   int     `json:"verificadas"`
	Corrected int     `json:"corrigidas"`
	Entries   []Entry `json:"cotacoes"`
}

// LiveRuns reports whether an analysis of the quotation is still running in this process.
type LiveRuns interface {
	Running(quotationID string) bool
}

type Reconciler struct {
	db      *storage.DB
	bus     events.Bus
	live    LiveRuns
	metrics *metrics.Collector
	log     *logger.Logger
	now     func() time.Time
}

// New builds a reconciler. live may be nil when no orchestrator shares the process.
func New(db *storage.DB, bus events.Bus, live LiveRuns, collector *metrics.Collector, log *logger.Logger) *Reconciler {
	if log == nil {
		log = logger.Nop()
	}
	return &Reconciler{
		db:      db,
		bus:     bus,
		live:    live,
		metrics: collector,
		log:     log.With("component", "reconciler"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile finalizes stuck quotations whose items are all analysed and resets the partially
// analysed ones to pendente. Quotations with nothing analysed are reported and left as they are.
// Quotations with a live run, or that leave em_analise while the sweep runs, are skipped.
func (r *Reconciler) Reconcile(ctx context.Context, threshold time.Duration) (Report, error) {
	started := time.Now()
	now := r.now()
	stuck, err := r.db.StuckQuotations(ctx, now.Add(-threshold))
	if err != nil {
		return Report{}, fmt.Errorf("list stuck quotations: %w", err)
	}

	rep := Report{Entries: []Entry{}}
	for _, q := range stuck {
		entry, err := r.reconcileOne(ctx, q, now)
		if err != nil {
			return rep, err
		}
		rep.Checked++
		if entry.Action != ActionIgnored {
			rep.Corrected++
		}
		rep.Entries = append(rep.Entries, entry)
	}

	r.metrics.Observe("reconciliacao.duracao_ms", started, nil)
	r.metrics.Record("reconciliacao.corrigidas", float64(rep.Corrected), nil)
	if rep.Checked > 0 {
		r.log.Info("reconciliation finished", "verificadas", rep.Checked, "corrigidas", rep.Corrected)
	}
	return rep, nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, q internal.Quotation, now time.Time) (Entry, error) {
	if r.live != nil && r.live.Running(q.ID) {
		r.log.Debug("stuck candidate still running", "cotacao_id", q.ID)
		return Entry{QuotationID: q.ID, Action: ActionIgnored, Analyzed: q.AnalyzedItems, Total: q.TotalItems, Note: "análise em andamento"}, nil
	}
	analyzed, total, err := r.db.CountAnalyzedItems(ctx, q.ID)
	if err != nil {
		return Entry{}, fmt.Errorf("count items of %s: %w", q.ID, err)
	}
	entry := Entry{QuotationID: q.ID, Analyzed: analyzed, Total: total}

	switch {
	case total > 0 && analyzed >= total:
		err = r.db.FinishQuotation(ctx, q.ID, internal.QuotationDone, analyzed, 100, nil, now)
		entry.Action = ActionFinalized
	case analyzed > 0:
		err = r.db.ResetQuotation(ctx, q.ID, now)
		entry.Action = ActionReset
	default:
		entry.Action = ActionIgnored
		entry.Note = "nenhum item analisado"
		r.log.Warn("stuck quotation has no analysed items", "cotacao_id", q.ID, "total_itens", total)
		return entry, nil
	}

	if apperr.IsConflict(err) {
		r.log.Info("quotation left em_analise during sweep", "cotacao_id", q.ID, "error", err)
		return Entry{QuotationID: q.ID, Action: ActionIgnored, Analyzed: analyzed, Total: total, Note: "status alterado durante a verificação"}, nil
	}
	if err != nil {
		return Entry{}, fmt.Errorf("%s quotation %s: %w", entry.Action, q.ID, err)
	}

	r.log.Info("stuck quotation reconciled", "cotacao_id", q.ID, "acao", entry.Action, "itens_analisados", analyzed, "total_itens", total)
	if entry.Action == ActionFinalized {
		r.announce(ctx, q.ID, analyzed, total)
	}
	return entry, nil
}

func (r *Reconciler) announce(ctx context.Context, quotationID string, analyzed, total int) {
	if r.bus == nil {
		return
	}
	ev, err := events.NewEvent(events.AnalysisCompleted, events.Progress{
		QuotationID:   quotationID,
		TotalItems:    total,
		AnalyzedItems: analyzed,
		Percent:       100,
		Status:        internal.QuotationDone,
	})
	if err == nil {
		err = r.bus.Publish(ctx, events.QuotationTopic(quotationID), ev)
	}
	if err != nil {
		r.log.Warn("event publish failed", "cotacao_id", quotationID, "error", err)
	}
}

// Run sweeps immediately and then every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval, threshold time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Reconcile(ctx, threshold); err != nil {
			r.log.Error("reconciliation failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
