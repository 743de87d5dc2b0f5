// Package api exposes the analysis, feedback, adjustment and batch operations over HTTP.
package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"cotamatch/internal/adjustments"
	"cotamatch/internal/analysis"
	"cotamatch/internal/batch"
	"cotamatch/internal/events"
	"cotamatch/internal/intake"
	"cotamatch/internal/logger"
	"cotamatch/internal/metrics"
	"cotamatch/internal/reconcile"
	"cotamatch/internal/storage"
)

type Deps struct {
	DB           *storage.DB
	Orchestrator *analysis.Orchestrator
	Importer     *intake.Importer
	Adjustments  *adjustments.Store
	Feedback     *adjustments.FeedbackService
	// Batch drains lots through whichever invoker the process was configured with; Lots runs a
	// single local lot and backs POST /lotes/:name.
	Batch      *batch.Service
	Lots       batch.Invoker
	Reconciler *reconcile.Reconciler
	Bus        events.Bus
	Metrics    *metrics.Collector
	Log        *logger.Logger

	OutputDir          string
	ReconcileThreshold time.Duration
	Heartbeat          time.Duration
}

type Server struct {
	Deps
	log *logger.Logger
}

func NewServer(deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = logger.Nop()
	}
	if deps.Heartbeat <= 0 {
		deps.Heartbeat = 15 * time.Second
	}
	return &Server{Deps: deps, log: deps.Log.With("component", "api")}
}

func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.observe())

	router.GET("/healthz", s.health)

	router.POST("/cotacoes", s.importQuotation)
	router.GET("/cotacoes/:id", s.getQuotation)
	router.POST("/cotacoes/:id/analise", s.startAnalysis)
	router.DELETE("/cotacoes/:id/analise", s.cancelAnalysis)
	router.POST("/cotacoes/:id/reabrir", s.reopenQuotation)
	router.GET("/cotacoes/:id/eventos", s.streamEvents)
	router.GET("/cotacoes/:id/exportacao", s.exportQuotation)

	router.POST("/feedback", s.submitFeedback)
	router.GET("/dashboard/ia", s.dashboard)

	router.GET("/ajustes", s.listAdjustments)
	router.POST("/ajustes", s.createAdjustment)
	router.GET("/ajustes/:id", s.getAdjustment)
	router.PATCH("/ajustes/:id", s.updateAdjustment)
	router.POST("/ajustes/:id/desativar", s.deactivateAdjustment)
	router.DELETE("/ajustes/:id", s.deleteAdjustment)

	router.POST("/embeddings/populacao", s.drain(batch.LotPopulate))
	router.POST("/embeddings/processamento", s.drain(batch.LotDrain))
	router.POST("/lotes/:name", s.runLot)
	router.POST("/reconciliacao", s.reconcile)
	router.GET("/metricas", s.metricsSnapshot)

	return router
}

// observe records one duration sample per request.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "desconhecida"
		}
		s.Metrics.Observe("http.duracao_ms", started, map[string]string{
			"rota":   route,
			"metodo": c.Request.Method,
			"status": strconv.Itoa(c.Writer.Status()),
		})
	}
}
