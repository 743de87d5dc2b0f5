package adjustments

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"cotamatch/internal"
	"cotamatch/internal/apperr"
	"cotamatch/internal/config"
	"cotamatch/internal/logger"
	"cotamatch/internal/storage"
	"cotamatch/internal/util"
)

type FeedbackInput struct {
	ItemID             string                `json:"item_id"`
	SuggestedProductID string                `json:"produto_sugerido_id"`
	CorrectedProductID *string               `json:"produto_correto_id"`
	Type               internal.FeedbackType `json:"tipo"`
	RejectionReason    *string               `json:"motivo_rejeicao"`
	OriginalScore      *float64              `json:"score_original"`
	Context            map[string]any        `json:"contexto"`
}

type SubmitResult struct {
	Feedback internal.Feedback         `json:"feedback"`
	Promoted *internal.ScoreAdjustment `json:"ajuste_promovido,omitempty"`
}

// Promotion controls how repeated feedback becomes an adjustment.
type Promotion struct {
	MinCount int
	Delta    float64
	MaxDelta float64
}

type FeedbackService struct {
	db        *storage.DB
	store     *Store
	log       *logger.Logger
	promotion Promotion
	high      float64
	mid       float64
	now       func() time.Time
}

func NewFeedbackService(db *storage.DB, store *Store, cfg config.Config, log *logger.Logger) *FeedbackService {
	if log == nil {
		log = logger.Nop()
	}
	return &FeedbackService{
		db:    db,
		store: store,
		log:   log.With("component", "feedback"),
		promotion: Promotion{
			MinCount: cfg.FeedbackPromotionMin,
			Delta:    cfg.FeedbackPromotionDelta,
			MaxDelta: cfg.FeedbackPromotionMaxDelta,
		},
		high: cfg.ScoreHighThreshold,
		mid:  cfg.ScoreMidThreshold,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates and appends one user judgment, records the chosen product on the item and
// promotes repeated corrections or rejections into an adjustment.
func (s *FeedbackService) Submit(ctx context.Context, userID string, in FeedbackInput) (SubmitResult, error) {
	if strings.TrimSpace(userID) == "" {
		return SubmitResult{}, apperr.Unauthenticated()
	}
	if err := validateFeedback(in); err != nil {
		return SubmitResult{}, err
	}

	item, err := s.db.GetItem(ctx, in.ItemID)
	if err != nil {
		return SubmitResult{}, err
	}
	if item == nil {
		return SubmitResult{}, fmt.Errorf("item %s: %w", in.ItemID, apperr.ErrNotFound)
	}
	quotation, err := s.db.GetQuotation(ctx, item.QuotationID)
	if err != nil {
		return SubmitResult{}, err
	}

	key := feedbackKey(*item, quotation)
	fb := internal.Feedback{
		ID:                 uuid.NewString(),
		ItemID:             in.ItemID,
		SuggestedProductID: in.SuggestedProductID,
		CorrectedProductID: trimmed(in.CorrectedProductID),
		Type:               in.Type,
		Accepted:           in.Type == internal.FeedbackAccepted,
		RejectionReason:    trimmed(in.RejectionReason),
		OriginalScore:      in.OriginalScore,
		Context:            in.Context,
		UserID:             strings.TrimSpace(userID),
		CreatedAt:          s.now(),
	}
	if err := s.db.InsertFeedback(ctx, fb, key); err != nil {
		return SubmitResult{}, fmt.Errorf("insert feedback: %w", err)
	}

	switch fb.Type {
	case internal.FeedbackAccepted:
		err = s.db.SetItemSelectedProduct(ctx, fb.ItemID, fb.SuggestedProductID)
	case internal.FeedbackCorrected:
		err = s.db.SetItemSelectedProduct(ctx, fb.ItemID, *fb.CorrectedProductID)
	}
	if err != nil {
		return SubmitResult{}, err
	}

	result := SubmitResult{Feedback: fb}
	promoted, err := s.maybePromote(ctx, fb, key, quotation)
	if err != nil {
		s.log.Error("feedback promotion failed", "feedback_id", fb.ID, "error", err)
		return result, nil
	}
	result.Promoted = promoted
	s.log.Info("feedback recorded", "feedback_id", fb.ID, "tipo", fb.Type, "item_id", fb.ItemID, "promoted", promoted != nil)
	return result, nil
}

func validateFeedback(in FeedbackInput) error {
	if strings.TrimSpace(in.ItemID) == "" {
		return apperr.Invalid("item_id", "obrigatório")
	}
	if strings.TrimSpace(in.SuggestedProductID) == "" {
		return apperr.Invalid("produto_sugerido_id", "obrigatório")
	}
	switch in.Type {
	case internal.FeedbackAccepted, internal.FeedbackRejected:
	case internal.FeedbackCorrected:
		if blank(in.CorrectedProductID) {
			return apperr.Invalid("produto_correto_id", "obrigatório para correções")
		}
	default:
		return apperr.Invalid("tipo", fmt.Sprintf("valor inválido %q", in.Type))
	}
	return nil
}

// feedbackKey scopes learning: a line with a code learns by code, otherwise by its normalized description.
func feedbackKey(item internal.QuotationItem, quotation *internal.Quotation) storage.FeedbackKey {
	var key storage.FeedbackKey
	if item.Code != nil && util.NormalizeCode(*item.Code) != "" {
		key.CodePattern = util.StringPtr(util.NormalizeCode(*item.Code))
	} else if desc := util.NormalizeText(item.Description); desc != "" {
		key.DescriptionPattern = util.StringPtr(desc)
	}
	if quotation != nil && quotation.CustomerTaxID != nil && strings.TrimSpace(*quotation.CustomerTaxID) != "" {
		key.CustomerTaxID = util.StringPtr(strings.TrimSpace(*quotation.CustomerTaxID))
	}
	return key
}

// maybePromote turns every MinCount-th correction (or rejection) under the same key into an
// adjustment: a new one when none exists, otherwise a bump of the existing delta within MaxDelta.
func (s *FeedbackService) maybePromote(ctx context.Context, fb internal.Feedback, key storage.FeedbackKey, quotation *internal.Quotation) (*internal.ScoreAdjustment, error) {
	if s.promotion.MinCount <= 0 || s.promotion.Delta == 0 {
		return nil, nil
	}
	if key.CodePattern == nil && key.DescriptionPattern == nil {
		return nil, nil
	}

	var productID string
	var step float64
	switch fb.Type {
	case internal.FeedbackCorrected:
		productID, step = *fb.CorrectedProductID, math.Abs(s.promotion.Delta)
	case internal.FeedbackRejected:
		productID, step = fb.SuggestedProductID, -math.Abs(s.promotion.Delta)
	default:
		return nil, nil
	}

	count, err := s.db.CountFeedback(ctx, fb.Type, productID, key)
	if err != nil {
		return nil, err
	}
	if count == 0 || count%s.promotion.MinCount != 0 {
		return nil, nil
	}

	adjKey := storage.AdjustmentKey{
		DescriptionPattern: key.DescriptionPattern,
		CodePattern:        key.CodePattern,
		ProductID:          productID,
		CustomerTaxID:      key.CustomerTaxID,
	}
	existing, err := s.db.FindAdjustmentByKey(ctx, adjKey)
	if err != nil {
		return nil, err
	}
	limit := math.Abs(s.promotion.MaxDelta)
	if limit == 0 {
		limit = math.Abs(step)
	}

	if existing != nil {
		if err := s.db.BumpAdjustmentDelta(ctx, existing.ID, step, limit, s.now()); err != nil {
			return nil, err
		}
		updated, err := s.store.Get(ctx, existing.ID)
		if err != nil {
			return nil, err
		}
		s.log.Info("adjustment bumped from feedback", "id", updated.ID, "ajuste_score", updated.Delta, "count", count)
		return &updated, nil
	}

	delta := math.Max(-limit, math.Min(limit, step))
	notes := fmt.Sprintf("promovido automaticamente após %d feedbacks do tipo %s", count, fb.Type)
	created, err := s.store.Create(ctx, CreateInput{
		DescriptionPattern: key.DescriptionPattern,
		CodePattern:        key.CodePattern,
		ProductID:          productID,
		CustomerTaxID:      key.CustomerTaxID,
		Delta:              delta,
		Notes:              &notes,
		CreatedBy:          "feedback:" + fb.UserID,
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

type Stats struct {
	TotalFeedback     int                           `json:"total_feedback"`
	ByType            map[internal.FeedbackType]int `json:"por_tipo"`
	AcceptanceRate    float64                       `json:"taxa_aceitacao_percent"`
	ByBucket          []storage.BucketAcceptance    `json:"aceitacao_por_confianca"`
	ActiveAdjustments int                           `json:"ajustes_ativos"`
	TopAdjustments    []internal.ScoreAdjustment    `json:"ajustes_mais_usados"`
}

// Stats aggregates feedback and adjustment usage for the AI dashboard.
func (s *FeedbackService) Stats(ctx context.Context) (Stats, error) {
	totals, err := s.db.FeedbackTotals(ctx)
	if err != nil {
		return Stats{}, err
	}
	buckets, err := s.db.AcceptanceByBucket(ctx, s.high, s.mid)
	if err != nil {
		return Stats{}, err
	}
	active, err := s.db.CountActiveAdjustments(ctx)
	if err != nil {
		return Stats{}, err
	}
	top, err := s.db.TopAdjustmentsByUsage(ctx, 10)
	if err != nil {
		return Stats{}, err
	}

	out := Stats{ByType: totals, ByBucket: buckets, ActiveAdjustments: active, TopAdjustments: top}
	for _, n := range totals {
		out.TotalFeedback += n
	}
	if out.TotalFeedback > 0 {
		rate := 100 * float64(totals[internal.FeedbackAccepted]) / float64(out.TotalFeedback)
		out.AcceptanceRate = math.Round(rate*10) / 10
	}
	return out, nil
}
