package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	wrapped := fmt.Errorf("scoring item: %w", Dependency("embedding", errors.New("quota")))
	assert.True(t, IsDependency(wrapped))
	assert.False(t, IsValidation(wrapped))

	unauth := fmt.Errorf("feedback: %w", Unauthenticated())
	assert.True(t, IsValidation(unauth))
	assert.ErrorIs(t, unauth, ErrUnauthenticated)

	conflict := Conflict("cotacao", "q1", "concluida", "em_analise")
	assert.True(t, IsConflict(conflict))
	assert.Contains(t, conflict.Error(), "concluida -> em_analise")
}

func TestPublicMessageHidesInternals(t *testing.T) {
	msg := PublicMessage(errors.New("sqlite: database is locked at 0xdeadbeef"))
	assert.NotContains(t, msg, "sqlite")
	assert.Equal(t, "Registro não encontrado.", PublicMessage(fmt.Errorf("x: %w", ErrNotFound)))
	assert.Contains(t, PublicMessage(Invalid("produto_id", "obrigatório")), "produto_id")
	assert.Empty(t, PublicMessage(nil))
}

func TestDependencyNil(t *testing.T) {
	assert.NoError(t, Dependency("x", nil))
}
