// Package apperr holds the error taxonomy shared by every component.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthenticated = errors.New("usuário não autenticado")
	// ErrCapExceeded marks a drain loop that stopped at its iteration cap with work left.
	ErrCapExceeded = errors.New("iteration cap reached before queue drained")
)

type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func Unauthenticated() error {
	return &ValidationError{Field: "usuario", Reason: "autenticação obrigatória", Err: ErrUnauthenticated}
}

type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

func Dependency(name string, err error) error {
	if err == nil {
		return nil
	}
	return &DependencyError{Dependency: name, Err: err}
}

type StateConflictError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("%s %s: transição %s -> %s não permitida", e.Entity, e.ID, e.From, e.To)
}

func Conflict(entity, id, from, to string) error {
	return &StateConflictError{Entity: entity, ID: id, From: from, To: to}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

func IsDependency(err error) bool {
	var d *DependencyError
	return errors.As(err, &d)
}

func IsConflict(err error) bool {
	var c *StateConflictError
	return errors.As(err, &c)
}

// PublicMessage returns text that is safe to show an end user.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var v *ValidationError
	var c *StateConflictError
	var d *DependencyError
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return "É necessário estar autenticado para esta ação."
	case errors.As(err, &v):
		if v.Field == "" {
			return "Dados inválidos: " + v.Reason
		}
		return fmt.Sprintf("Dados inválidos (%s): %s", v.Field, v.Reason)
	case errors.As(err, &c):
		return fmt.Sprintf("A operação não é permitida no estado atual (%s).", c.From)
	case errors.Is(err, ErrNotFound):
		return "Registro não encontrado."
	case errors.Is(err, ErrCapExceeded):
		return "O processamento parou no limite de iterações; execute novamente para continuar."
	case errors.As(err, &d):
		return fmt.Sprintf("Serviço externo indisponível (%s). Tente novamente mais tarde.", d.Dependency)
	default:
		return "Erro interno. Tente novamente mais tarde."
	}
}
