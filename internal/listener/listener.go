// Package listener polls a mailbox, turns quotation e-mails into quotations and optionally starts
// their analysis.
package listener

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cotamatch/internal/config"
	"cotamatch/internal/connectors"
	gmailconnector "cotamatch/internal/connectors/gmail"
	imapconnector "cotamatch/internal/connectors/imap"
	"cotamatch/internal/intake"
	"cotamatch/internal/logger"
	"cotamatch/internal/metrics"
	"cotamatch/internal/storage"
)

// Analyzer starts a quotation analysis in the background.
type Analyzer interface {
	Start(ctx context.Context, quotationID string) error
}

type CycleResult struct {
	Fetched  int
	Stored   int
	Imported int
	Ignored  int
	Started  int
}

type Service struct {
	db       *storage.DB
	cfg      config.Config
	importer *intake.Importer
	analyzer Analyzer
	metrics  *metrics.Collector
	log      *logger.Logger

	connect func(ctx context.Context, provider string) (connectors.MailConnector, error)
}

// NewService wires the listener. analyzer may be nil, which disables auto-analysis.
func NewService(db *storage.DB, cfg config.Config, importer *intake.Importer, analyzer Analyzer, collector *metrics.Collector, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	s := &Service{
		db:       db,
		cfg:      cfg,
		importer: importer,
		analyzer: analyzer,
		metrics:  collector,
		log:      log.With("component", "mail-listener"),
	}
	s.connect = s.Connector
	return s
}

func (s *Service) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.MailListenerIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	for {
		if _, err := s.RunCycle(ctx); err != nil {
			s.log.Error("listener cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

// RunCycle fetches new mail, imports what was stored and starts analyses when enabled.
func (s *Service) RunCycle(ctx context.Context) (CycleResult, error) {
	started := time.Now()
	provider := strings.ToLower(strings.TrimSpace(s.cfg.MailListenerProvider))
	mailConnector, err := s.connect(ctx, provider)
	if err != nil {
		return CycleResult{}, err
	}

	fetchService := connectors.NewFetchService(s.db, s.cfg.RawMailDir, mailConnector, s.log)
	fetchResult, err := fetchService.FetchAndStore(ctx, s.cfg.MailListenerLabel, s.cfg.MailListenerFetchMax)
	if err != nil {
		return CycleResult{}, err
	}

	results, err := s.importer.ImportPending(ctx, s.cfg.MailListenerProcessBatch, provider)
	if err != nil {
		return CycleResult{}, err
	}

	res := CycleResult{Fetched: fetchResult.Fetched, Stored: fetchResult.Stored}
	for _, r := range results {
		if r.Skipped {
			res.Ignored++
			continue
		}
		res.Imported++
		if !s.cfg.MailListenerAutoAnalyze || s.analyzer == nil {
			continue
		}
		if err := s.analyzer.Start(ctx, r.Quotation.ID); err != nil {
			s.log.Warn("auto-analysis not started", "cotacao_id", r.Quotation.ID, "error", err)
			continue
		}
		res.Started++
	}

	s.metrics.Observe("listener.ciclo_ms", started, map[string]string{"provedor": provider})
	s.log.Info("listener cycle done", "provider", provider, "fetched", res.Fetched, "stored", res.Stored,
		"imported", res.Imported, "ignored", res.Ignored, "started", res.Started)
	return res, nil
}

// Connector builds the mailbox connector for provider (gmail or imap).
func (s *Service) Connector(ctx context.Context, provider string) (connectors.MailConnector, error) {
	switch provider {
	case "gmail":
		return gmailconnector.NewConnector(ctx, s.cfg)
	case "imap":
		return imapconnector.NewConnector(s.cfg)
	default:
		return nil, fmt.Errorf("unsupported listener provider: %s", provider)
	}
}
