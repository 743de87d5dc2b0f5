// Package app wires the services shared by the command-line tools and the HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cotamatch/internal/adjustments"
	"cotamatch/internal/analysis"
	"cotamatch/internal/api"
	"cotamatch/internal/batch"
	"cotamatch/internal/catalog"
	"cotamatch/internal/config"
	"cotamatch/internal/embedding"
	"cotamatch/internal/events"
	"cotamatch/internal/intake"
	"cotamatch/internal/listener"
	"cotamatch/internal/logger"
	"cotamatch/internal/metrics"
	"cotamatch/internal/reconcile"
	"cotamatch/internal/scoring"
	"cotamatch/internal/storage"
)

type App struct {
	Cfg     config.Config
	Log     *logger.Logger
	DB      *storage.DB
	Bus     events.Bus
	Metrics *metrics.Collector

	Catalog      *catalog.SyncService
	Orchestrator *analysis.Orchestrator
	Importer     *intake.Importer
	Adjustments  *adjustments.Store
	Feedback     *adjustments.FeedbackService
	Lots         *batch.Registry
	Batch        *batch.Service
	Reconciler   *reconcile.Reconciler
	Listener     *listener.Service
}

func New(cfg config.Config, log *logger.Logger) (*App, error) {
	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	bus, err := events.New(cfg, log)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init event bus: %w", err)
	}

	collector := metrics.NewCollector(cfg.MetricsBufferSize)
	embedder := embedding.NewClient(cfg)
	store := adjustments.NewStore(db, log)

	orchestrator := analysis.New(analysis.Deps{
		DB:       db,
		Engine:   scoring.NewEngine(scoring.OptionsFromConfig(cfg), store),
		Embedder: embedder,
		Bus:      bus,
		Metrics:  collector,
		Log:      log,
	}, analysis.Options{Concurrency: cfg.AnalysisConcurrency, CandidatePoolSize: cfg.CandidatePoolSize})

	lots := batch.NewRegistry()
	batch.NewEmbeddingLots(db, embedder, cfg, collector, log).Register(lots)
	var invoker batch.Invoker = lots
	if cfg.LotInvokerURL != "" {
		invoker = batch.NewHTTPInvoker(cfg.LotInvokerURL, 0)
	}

	importer := intake.NewImporter(db, collector, log)
	a := &App{
		Cfg:          cfg,
		Log:          log,
		DB:           db,
		Bus:          bus,
		Metrics:      collector,
		Catalog:      catalog.NewSyncService(db, cfg, log),
		Orchestrator: orchestrator,
		Importer:     importer,
		Adjustments:  store,
		Feedback:     adjustments.NewFeedbackService(db, store, cfg, log),
		Lots:         lots,
		Batch:        batch.NewService(invoker, batch.Options{MaxIterations: cfg.BatchMaxIterations, InterLotDelay: cfg.InterLotDelay()}, collector, log),
		Reconciler:   reconcile.New(db, bus, orchestrator, collector, log),
		Listener:     listener.NewService(db, cfg, importer, orchestrator, collector, log),
	}
	return a, nil
}

func (a *App) Server() *api.Server {
	return api.NewServer(api.Deps{
		DB:                 a.DB,
		Orchestrator:       a.Orchestrator,
		Importer:           a.Importer,
		Adjustments:        a.Adjustments,
		Feedback:           a.Feedback,
		Batch:              a.Batch,
		Lots:               a.Lots,
		Reconciler:         a.Reconciler,
		Bus:                a.Bus,
		Metrics:            a.Metrics,
		Log:                a.Log,
		OutputDir:          a.Cfg.OutputDir,
		ReconcileThreshold: a.Cfg.ReconcileStuckThreshold,
	})
}

// Serve runs the HTTP API and the periodic reconciler until ctx is cancelled, then shuts down
// gracefully.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Cfg.HTTPAddr,
		Handler:           a.Server().Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := a.Reconciler.Run(ctx, a.Cfg.ReconcileInterval, a.Cfg.ReconcileStuckThreshold); err != nil && !errors.Is(err, context.Canceled) {
			a.Log.Error("reconciler stopped", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		a.Log.Info("http server listening", "addr", a.Cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// Close waits for background analyses and releases the bus and the database.
func (a *App) Close() {
	if a == nil {
		return
	}
	a.Orchestrator.Wait()
	if err := a.Bus.Close(); err != nil {
		a.Log.Warn("close event bus", "error", err)
	}
	if err := a.DB.Close(); err != nil {
		a.Log.Warn("close database", "error", err)
	}
	a.Log.Sync()
}
