package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"cotamatch/internal/apperr"
)

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case apperr.IsValidation(err):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case apperr.IsConflict(err):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperr.ErrCapExceeded):
		return http.StatusAccepted, "cap_exceeded"
	case apperr.IsDependency(err):
		return http.StatusBadGateway, "dependency"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) respondError(c *gin.Context, err error) {
	status, code := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "route", c.FullPath(), "status", status, "error", err)
	} else {
		s.log.Debug("request rejected", "route", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, ErrorEnvelope{Error: APIError{Message: apperr.PublicMessage(err), Code: code}})
}

func respondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}
