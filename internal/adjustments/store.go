// Package adjustments persists learned score corrections and turns user feedback into them.
package adjustments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"cotamatch/internal"
	"cotamatch/internal/apperr"
	"cotamatch/internal/logger"
	"cotamatch/internal/storage"
)

type CreateInput struct {
	DescriptionPattern *string `json:"padrao_descricao"`
	CodePattern        *string `json:"padrao_codigo"`
	ProductID          string  `json:"produto_id"`
	CustomerTaxID      *string `json:"cliente_cnpj"`
	PlatformID         *string `json:"plataforma_id"`
	Delta              float64 `json:"ajuste_score"`
	Notes              *string `json:"observacoes"`
	Active             *bool   `json:"ativo"`
	CreatedBy          string  `json:"-"`
}

// Patch is a partial update; nil fields keep their value.
type Patch struct {
	DescriptionPattern *string  `json:"padrao_descricao"`
	CodePattern        *string  `json:"padrao_codigo"`
	ProductID          *string  `json:"produto_id"`
	CustomerTaxID      *string  `json:"cliente_cnpj"`
	PlatformID         *string  `json:"plataforma_id"`
	Delta              *float64 `json:"ajuste_score"`
	Notes              *string  `json:"observacoes"`
	Active             *bool    `json:"ativo"`
}

type Store struct {
	db  *storage.DB
	log *logger.Logger
	now func() time.Time
}

func NewStore(db *storage.DB, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Nop()
	}
	return &Store{db: db, log: log.With("component", "adjustments"), now: func() time.Time { return time.Now().UTC() }}
}

// Create validates and stores a new adjustment. At least one pattern and a product are required.
func (s *Store) Create(ctx context.Context, in CreateInput) (internal.ScoreAdjustment, error) {
	if blank(in.DescriptionPattern) && blank(in.CodePattern) {
		return internal.ScoreAdjustment{}, apperr.Invalid("padrao_descricao", "informe padrão de descrição ou de código")
	}
	if strings.TrimSpace(in.ProductID) == "" {
		return internal.ScoreAdjustment{}, apperr.Invalid("produto_id", "obrigatório")
	}

	now := s.now()
	a := internal.ScoreAdjustment{
		ID:                 uuid.NewString(),
		DescriptionPattern: trimmed(in.DescriptionPattern),
		CodePattern:        trimmed(in.CodePattern),
		ProductID:          strings.TrimSpace(in.ProductID),
		CustomerTaxID:      trimmed(in.CustomerTaxID),
		PlatformID:         trimmed(in.PlatformID),
		Delta:              in.Delta,
		Notes:              trimmed(in.Notes),
		Active:             in.Active == nil || *in.Active,
		CreatedBy:          trimmed(&in.CreatedBy),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.db.InsertAdjustment(ctx, a); err != nil {
		return internal.ScoreAdjustment{}, fmt.Errorf("insert adjustment: %w", err)
	}
	s.log.Info("adjustment created", "id", a.ID, "produto_id", a.ProductID, "ajuste_score", a.Delta)
	return a, nil
}

// Update merges patch into an existing adjustment. The merged record must still carry a pattern
// and a product.
func (s *Store) Update(ctx context.Context, id string, patch Patch) (internal.ScoreAdjustment, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return internal.ScoreAdjustment{}, err
	}

	desc := current.DescriptionPattern
	if patch.DescriptionPattern != nil {
		desc = trimmed(patch.DescriptionPattern)
	}
	code := current.CodePattern
	if patch.CodePattern != nil {
		code = trimmed(patch.CodePattern)
	}
	if blank(desc) && blank(code) {
		return internal.ScoreAdjustment{}, apperr.Invalid("padrao_descricao", "informe padrão de descrição ou de código")
	}
	if patch.ProductID != nil && strings.TrimSpace(*patch.ProductID) == "" {
		return internal.ScoreAdjustment{}, apperr.Invalid("produto_id", "obrigatório")
	}

	if err := s.db.UpdateAdjustment(ctx, id, storage.AdjustmentPatch{
		DescriptionPattern: patched(patch.DescriptionPattern),
		CodePattern:        patched(patch.CodePattern),
		ProductID:          patched(patch.ProductID),
		CustomerTaxID:      patched(patch.CustomerTaxID),
		PlatformID:         patched(patch.PlatformID),
		Delta:              patch.Delta,
		Notes:              patched(patch.Notes),
		Active:             patch.Active,
	}, s.now()); err != nil {
		return internal.ScoreAdjustment{}, err
	}
	return s.Get(ctx, id)
}

// Deactivate soft-disables an adjustment. Deactivating twice is not an error.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	inactive := false
	if err := s.db.UpdateAdjustment(ctx, id, storage.AdjustmentPatch{Active: &inactive}, s.now()); err != nil {
		return err
	}
	s.log.Info("adjustment deactivated", "id", id)
	return nil
}

// Delete removes an adjustment for good. Normal flows deactivate instead.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.db.DeleteAdjustment(ctx, id); err != nil {
		return err
	}
	s.log.Warn("adjustment deleted", "id", id)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (internal.ScoreAdjustment, error) {
	a, err := s.db.GetAdjustment(ctx, id)
	if err != nil {
		return internal.ScoreAdjustment{}, err
	}
	if a == nil {
		return internal.ScoreAdjustment{}, fmt.Errorf("ajuste %s: %w", id, apperr.ErrNotFound)
	}
	return *a, nil
}

func (s *Store) Query(ctx context.Context, f storage.AdjustmentFilter) ([]internal.ScoreAdjustment, error) {
	return s.db.QueryAdjustments(ctx, f)
}

func (s *Store) ActiveAdjustments(ctx context.Context) ([]internal.ScoreAdjustment, error) {
	return s.db.ActiveAdjustments(ctx)
}

// RecordUsage bumps usage counters in the database; it is the only path that mutates them.
func (s *Store) RecordUsage(ctx context.Context, counts map[string]int) error {
	return s.db.IncrementAdjustmentUsage(ctx, counts, s.now())
}

func blank(v *string) bool {
	return v == nil || strings.TrimSpace(*v) == ""
}

// patched trims a patch field while keeping nil as "leave unchanged"; a blank value clears the column.
func patched(v *string) *string {
	if v == nil {
		return nil
	}
	t := strings.TrimSpace(*v)
	return &t
}

func trimmed(v *string) *string {
	if blank(v) {
		return nil
	}
	t := strings.TrimSpace(*v)
	return &t
}
