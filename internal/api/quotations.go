package api

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"cotamatch/internal"
	"cotamatch/internal/apperr"
	"cotamatch/internal/events"
	"cotamatch/internal/export"
	"cotamatch/internal/intake"
)

const (
	maxUpload = 20 << 20
	// room for multipart headers and form fields around the file
	maxBody = maxUpload + 1<<20
)

type importRequest struct {
	Kind          intake.Kind `json:"tipo"`
	Content       string      `json:"conteudo"`
	Number        string      `json:"numero"`
	CustomerTaxID *string     `json:"cliente_cnpj"`
	PlatformID    *string     `json:"plataforma_id"`
}

type quotationResponse struct {
	Quotation internal.Quotation       `json:"cotacao"`
	Items     []internal.QuotationItem `json:"itens"`
	Live      *events.Progress         `json:"progresso_ao_vivo,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	if err := s.DB.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "indisponivel"})
		return
	}
	respondOK(c, gin.H{"status": "ok"})
}

// importQuotation accepts either a multipart upload in "arquivo" or a JSON body with inline content.
func (s *Server) importQuotation(c *gin.Context) {
	var src intake.Source
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("arquivo")
		if tooLarge(err) {
			s.respondError(c, errUploadTooLarge)
			return
		}
		if err != nil {
			s.respondError(c, apperr.Invalid("arquivo", "obrigatório"))
			return
		}
		if fh.Size > maxUpload {
			s.respondError(c, errUploadTooLarge)
			return
		}
		kind, err := intake.KindFromFilename(fh.Filename)
		if err != nil {
			s.respondError(c, err)
			return
		}
		f, err := fh.Open()
		if err != nil {
			s.respondError(c, err)
			return
		}
		defer f.Close()
		content, err := io.ReadAll(io.LimitReader(f, maxUpload+1))
		if err != nil {
			s.respondError(c, err)
			return
		}
		if len(content) > maxUpload {
			s.respondError(c, errUploadTooLarge)
			return
		}
		src = intake.Source{Kind: kind, Content: content, Origin: "upload:" + filepath.Base(fh.Filename), Number: c.PostForm("numero")}
		if v := c.PostForm("cliente_cnpj"); v != "" {
			src.CustomerTaxID = &v
		}
		if v := c.PostForm("plataforma_id"); v != "" {
			src.PlatformID = &v
		}
	} else {
		var req importRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			if tooLarge(err) {
				s.respondError(c, errUploadTooLarge)
				return
			}
			s.respondError(c, apperr.Invalid("", "corpo JSON inválido"))
			return
		}
		if req.Kind == "" {
			req.Kind = intake.KindText
		}
		src = intake.Source{Kind: req.Kind, Content: []byte(req.Content), Number: req.Number, CustomerTaxID: req.CustomerTaxID, PlatformID: req.PlatformID}
	}

	res, err := s.Importer.Import(c.Request.Context(), src)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, quotationResponse{Quotation: res.Quotation, Items: res.Items})
}

var errUploadTooLarge = apperr.Invalid("arquivo", "excede o limite de 20 MiB")

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func (s *Server) getQuotation(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	q, err := s.DB.GetQuotation(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if q == nil {
		s.respondError(c, apperr.ErrNotFound)
		return
	}
	items, err := s.DB.ListItems(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	out := quotationResponse{Quotation: *q, Items: items}
	if p, ok := s.Orchestrator.Progress(id); ok {
		out.Live = &p
	}
	respondOK(c, out)
}

// startAnalysis applies the status guard synchronously and runs the analysis in the background.
func (s *Server) startAnalysis(c *gin.Context) {
	id := c.Param("id")
	if err := s.Orchestrator.Start(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cotacao_id": id, "status": internal.QuotationAnalyzing})
}

func (s *Server) cancelAnalysis(c *gin.Context) {
	id := c.Param("id")
	if err := s.Orchestrator.Cancel(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cotacao_id": id, "cancelamento": "solicitado"})
}

func (s *Server) reopenQuotation(c *gin.Context) {
	id := c.Param("id")
	if err := s.Orchestrator.Reopen(c.Request.Context(), id); err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c, gin.H{"cotacao_id": id, "status": internal.QuotationPending})
}

func (s *Server) exportQuotation(c *gin.Context) {
	path, err := export.Quotation(c.Request.Context(), s.DB, c.Param("id"), s.OutputDir)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.FileAttachment(path, filepath.Base(path))
}
