package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"cotamatch/internal/apperr"
	"cotamatch/internal/logger"
	"cotamatch/internal/metrics"
)

// Invoker runs one named lot and returns its structured result.
type Invoker interface {
	Invoke(ctx context.Context, name string) (LotResult, error)
}

// Registry runs lots in process.
type Registry struct {
	mu   sync.RWMutex
	lots map[string]LotFunc
}

func NewRegistry() *Registry {
	return &Registry{lots: map[string]LotFunc{}}
}

func (r *Registry) Register(name string, fn LotFunc) {
	r.mu.Lock()
	r.lots[name] = fn
	r.mu.Unlock()
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.lots))
	for name := range r.lots {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Invoke(ctx context.Context, name string) (LotResult, error) {
	r.mu.RLock()
	fn, ok := r.lots[name]
	r.mu.RUnlock()
	if !ok {
		return LotResult{}, fmt.Errorf("lote %s: %w", name, apperr.ErrNotFound)
	}
	return fn(ctx)
}

// HTTPInvoker calls a remote lot endpoint: POST {baseURL}/lotes/{name}, answering a JSON LotResult.
type HTTPInvoker struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPInvoker(baseURL string, timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPInvoker{baseURL: strings.TrimRight(baseURL, "/"), httpClient: &http.Client{Timeout: timeout}}
}

func (h *HTTPInvoker) Invoke(ctx context.Context, name string) (LotResult, error) {
	endpoint := h.baseURL + "/lotes/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return LotResult{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return LotResult{}, apperr.Dependency("lot invoker", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return LotResult{}, apperr.Dependency("lot invoker", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return LotResult{}, apperr.Dependency("lot invoker", fmt.Errorf("%s: status=%d body=%s", name, resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var out LotResult
	if err := json.Unmarshal(body, &out); err != nil {
		return LotResult{}, apperr.Dependency("lot invoker", fmt.Errorf("decode %s result: %w", name, err))
	}
	return out, nil
}

// Service drains a named lot through an invoker.
type Service struct {
	invoker Invoker
	opts    Options
	metrics *metrics.Collector
	log     *logger.Logger
}

func NewService(invoker Invoker, opts Options, collector *metrics.Collector, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{invoker: invoker, opts: opts, metrics: collector, log: log.With("component", "batch")}
}

func (s *Service) Drain(ctx context.Context, name string) Report {
	started := time.Now()
	rep := RunUntilDrained(ctx, func(ctx context.Context) (LotResult, error) {
		return s.invoker.Invoke(ctx, name)
	}, s.opts)

	s.metrics.Observe("batch.duracao_ms", started, map[string]string{"lote": name, "resultado": string(rep.Outcome)})
	kv := []any{"lote", name, "resultado", rep.Outcome, "iteracoes", rep.Iterations, "processados", rep.Processed, "falhas", rep.Failed, "restantes", rep.Remaining}
	switch rep.Outcome {
	case OutcomeDone:
		s.log.Info("batch drained", kv...)
	case OutcomeCapExceeded:
		s.log.Warn("batch stopped at iteration cap", kv...)
	default:
		s.log.Error("batch failed", append(kv, "error", rep.Err())...)
	}
	return rep
}
