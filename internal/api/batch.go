package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"cotamatch/internal/batch"
)

// drain runs the named lot until the queue is empty or the iteration cap stops it. A capped run
// answers 202 with the report so the caller can resume.
func (s *Server) drain(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		rep := s.Batch.Drain(c.Request.Context(), name)
		switch rep.Outcome {
		case batch.OutcomeDone:
			respondOK(c, rep)
		case batch.OutcomeCapExceeded:
			c.JSON(http.StatusAccepted, rep)
		default:
			status, code := statusFor(rep.Err())
			c.JSON(status, gin.H{"error": APIError{Message: rep.Error, Code: code}, "relatorio": rep})
		}
	}
}

// runLot executes one lot in this process. Remote invokers call it between inter-lot delays.
func (s *Server) runLot(c *gin.Context) {
	res, err := s.Lots.Invoke(c.Request.Context(), c.Param("name"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c, res)
}

func (s *Server) reconcile(c *gin.Context) {
	rep, err := s.Reconciler.Reconcile(c.Request.Context(), s.ReconcileThreshold)
	if err != nil {
		s.respondError(c, err)
		return
	}
	respondOK(c, rep)
}

func (s *Server) metricsSnapshot(c *gin.Context) {
	respondOK(c, s.Metrics.Snapshot())
}
