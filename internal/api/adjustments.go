package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"cotamatch/internal/adjustments"
	"cotamatch/internal/apperr"
	"cotamatch/internal/storage"
)

const userHeader = "X-User-ID"

func (s *Server) submitFeedback(c *gin.Context) {
	var in adjustments.FeedbackInput
	if err := c.ShouldBindJSON(&in); err != nil {
		s.respondError(c, apperr.Invalid("", "corpo JSON inválido"))
		return
	}
	res, err := s.Feedback.Submit(c.Request.Context(), c.GetHeader(userHeader), in)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) dashboard(c *gin.Context) {
	stats, err := s.Feedback.Stats(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c, stats)
}

func (s *Server) listAdjustments(c *gin.Context) {
	f := storage.AdjustmentFilter{
		DescriptionContains: c.Query("descricao"),
		ProductID:           c.Query("produto_id"),
		CustomerTaxID:       c.Query("cliente_cnpj"),
		PlatformID:          c.Query("plataforma_id"),
	}
	if v := c.Query("ativo"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			s.respondError(c, apperr.Invalid("ativo", "use true ou false"))
			return
		}
		f.Active = &active
	}
	if v := c.Query("limite"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.respondError(c, apperr.Invalid("limite", "inteiro não negativo"))
			return
		}
		f.Limit = n
	}
	out, err := s.Adjustments.Query(c.Request.Context(), f)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c, gin.H{"ajustes": out})
}

func (s *Server) createAdjustment(c *gin.Context) {
	var in adjustments.CreateInput
	if err := c.ShouldBindJSON(&in); err != nil {
		s.respondError(c, apperr.Invalid("", "corpo JSON inválido"))
		return
	}
	in.CreatedBy = strings.TrimSpace(c.GetHeader(userHeader))
	a, err := s.Adjustments.Create(c.Request.Context(), in)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (s *Server) getAdjustment(c *gin.Context) {
	a, err := s.Adjustments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c, a)
}

func (s *Server) updateAdjustment(c *gin.Context) {
	var patch adjustments.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		s.respondError(c, apperr.Invalid("", "corpo JSON inválido"))
		return
	}
	a, err := s.Adjustments.Update(c.Request.Context(), c.Param("id"), patch)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c, a)
}

func (s *Server) deactivateAdjustment(c *gin.Context) {
	if err := s.Adjustments.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c, gin.H{"id": c.Param("id"), "ativo": false})
}

func (s *Server) deleteAdjustment(c *gin.Context) {
	if err := s.Adjustments.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
