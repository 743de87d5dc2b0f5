// Package scoring ranks catalog products for a free-text quotation line.
package scoring

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"cotamatch/internal"
	"cotamatch/internal/config"
)

// Weights of the token and semantic components. They are normalized to sum to 1 before use
// so the unadjusted score stays within 0..100.
type Weights struct {
	Token    float64
	Semantic float64
}

func DefaultWeights() Weights {
	return Weights{Token: 0.4, Semantic: 0.6}
}

func (w Weights) normalized() Weights {
	sum := w.Token + w.Semantic
	if sum <= 0 {
		return DefaultWeights()
	}
	return Weights{Token: w.Token / sum, Semantic: w.Semantic / sum}
}

type Options struct {
	Weights       Weights
	HighThreshold float64
	MidThreshold  float64
	TopN          int
}

func DefaultOptions() Options {
	return Options{Weights: DefaultWeights(), HighThreshold: 80, MidThreshold: 50, TopN: 5}
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Weights:       Weights{Token: cfg.ScoreWeightToken, Semantic: cfg.ScoreWeightSemantic},
		HighThreshold: cfg.ScoreHighThreshold,
		MidThreshold:  cfg.ScoreMidThreshold,
		TopN:          cfg.ScoreTopN,
	}
}

// Bucket maps a final score to a confidence bucket.
func (o Options) Bucket(score float64) internal.ConfidenceBucket {
	switch {
	case score >= o.HighThreshold:
		return internal.ConfidenceHigh
	case score >= o.MidThreshold:
		return internal.ConfidenceMedium
	default:
		return internal.ConfidenceLow
	}
}

// AdjustmentSource supplies active adjustments and records their use. RecordUsage must add
// counts[id] to each counter atomically in the store.
type AdjustmentSource interface {
	ActiveAdjustments(ctx context.Context) ([]internal.ScoreAdjustment, error)
	RecordUsage(ctx context.Context, counts map[string]int) error
}

type Request struct {
	ItemText   string
	ItemCode   string
	ItemVector []float32
	Candidates []internal.Product
	Context    Context

	// Lookup resolves products targeted by a matching adjustment that are missing from Candidates.
	Lookup func(productID string) (internal.Product, bool)
}

type Engine struct {
	opts        Options
	adjustments AdjustmentSource
}

// NewEngine builds an engine. adjustments may be nil, in which case no adjustment is applied.
func NewEngine(opts Options, adjustments AdjustmentSource) *Engine {
	if opts.TopN <= 0 {
		opts.TopN = DefaultOptions().TopN
	}
	opts.Weights = opts.Weights.normalized()
	return &Engine{opts: opts, adjustments: adjustments}
}

func (e *Engine) Options() Options {
	return e.opts
}

// Score ranks req.Candidates, plus any product a matching adjustment targets, by final score,
// highest first, ties by product id, truncated to TopN.
// The first suggestion is principal and carries the next two as alternatives.
func (e *Engine) Score(ctx context.Context, req Request) ([]internal.Suggestion, error) {
	var active []internal.ScoreAdjustment
	if e.adjustments != nil {
		var err error
		active, err = e.adjustments.ActiveAdjustments(ctx)
		if err != nil {
			return nil, fmt.Errorf("load adjustments: %w", err)
		}
	}

	candidates := withTargets(req, active)
	if len(candidates) == 0 {
		return []internal.Suggestion{}, nil
	}

	used := map[string]int{}
	out := make([]internal.Suggestion, 0, len(candidates))
	seen := map[string]struct{}{}
	for _, p := range candidates {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}

		productCode := ""
		if p.Code != nil {
			productCode = *p.Code
		}
		token, codeExact := TokenScore(req.ItemText, req.ItemCode, p.Description, productCode)
		semantic := SemanticScore(req.ItemVector, p.Embedding)
		base := e.opts.Weights.Token*token + e.opts.Weights.Semantic*semantic

		delta := 0.0
		for _, a := range active {
			if Applies(a, p.ID, req.ItemText, req.ItemCode, req.Context) {
				delta += a.Delta
				used[a.ID] = 1
			}
		}

		final := round2(base + delta)
		s := internal.Suggestion{
			ProductID:     p.ID,
			FinalScore:    final,
			TokenScore:    round2(token),
			SemanticScore: round2(semantic),
			Adjustment:    round2(delta),
			Confidence:    e.opts.Bucket(final),
		}
		s.Reasons = reasons(codeExact, token, semantic, delta)
		s.Justification = justification(codeExact, s)
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FinalScore != out[j].FinalScore {
			return out[i].FinalScore > out[j].FinalScore
		}
		return out[i].ProductID < out[j].ProductID
	})
	if len(out) > e.opts.TopN {
		out = out[:e.opts.TopN]
	}

	out[0].Principal = true
	for _, alt := range out[1:min(len(out), 3)] {
		diff := out[0].FinalScore - alt.FinalScore
		out[0].Alternatives = append(out[0].Alternatives, internal.Alternative{
			ProductID:  alt.ProductID,
			Score:      alt.FinalScore,
			Difference: fmt.Sprintf("%.1f pontos abaixo da principal", diff),
		})
	}

	if len(used) > 0 {
		if err := e.adjustments.RecordUsage(ctx, used); err != nil {
			return nil, fmt.Errorf("record adjustment usage: %w", err)
		}
	}

	return out, nil
}

// withTargets appends the products of matching adjustments that preselection left out, so a
// learned correction is scored even when lexical and semantic ranking never surface it.
func withTargets(req Request, active []internal.ScoreAdjustment) []internal.Product {
	if req.Lookup == nil || len(active) == 0 {
		return req.Candidates
	}
	present := make(map[string]struct{}, len(req.Candidates))
	for _, p := range req.Candidates {
		present[p.ID] = struct{}{}
	}
	out := slices.Clone(req.Candidates)
	for _, a := range active {
		if _, ok := present[a.ProductID]; ok {
			continue
		}
		if !Applies(a, a.ProductID, req.ItemText, req.ItemCode, req.Context) {
			continue
		}
		p, ok := req.Lookup(a.ProductID)
		if !ok {
			continue
		}
		present[p.ID] = struct{}{}
		out = append(out, p)
	}
	return out
}

func reasons(codeExact bool, token, semantic, delta float64) []internal.MatchReason {
	var out []internal.MatchReason
	if codeExact {
		out = append(out, internal.ReasonCodeExact)
	}
	if !codeExact && token >= 50 {
		out = append(out, internal.ReasonDescription)
	}
	if semantic >= 70 {
		out = append(out, internal.ReasonSemantic)
	}
	if delta != 0 {
		out = append(out, internal.ReasonHistoricalTune)
	}
	return out
}

func justification(codeExact bool, s internal.Suggestion) string {
	parts := make([]string, 0, 4)
	if codeExact {
		parts = append(parts, "código idêntico ao do produto")
	} else {
		parts = append(parts, fmt.Sprintf("similaridade textual %.0f%%", s.TokenScore))
	}
	parts = append(parts, fmt.Sprintf("similaridade semântica %.0f%%", s.SemanticScore))
	if s.Adjustment != 0 {
		parts = append(parts, fmt.Sprintf("ajuste histórico %+.1f", s.Adjustment))
	}
	text := strings.Join(parts, "; ")
	return strings.ToUpper(text[:1]) + text[1:] + "."
}
