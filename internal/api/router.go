// Package api assembles the HTTP routes of the fraud-tracker service.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/dvloznov/fraud-tracker/internal/api/handlers"
	"github.com/dvloznov/fraud-tracker/internal/api/middleware"
	"github.com/dvloznov/fraud-tracker/internal/jobs"
)

// Deps are the collaborators the routes are served by.
type Deps struct {
	Transactions handlers.TransactionReader
	Ingester     handlers.Ingester
	Recorder     handlers.DecisionRecorder
	Settings     handlers.ThresholdSettings
	// Importer serves POST /api/admin/import; nil answers 501.
	Importer     handlers.Importer
	Jobs         jobs.JobStore
	// Metrics serves /metrics when set.
	Metrics      http.Handler
	AdminToken   string
	Log          zerolog.Logger
}

// NewRouter builds the gin engine.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(
		middleware.Recovery(d.Log),
		middleware.RequestID(),
		middleware.Logger(d.Log),
		middleware.CORS(),
	)

	r.GET("/health", func(c *gin.Context) {
		middleware.WriteJSON(c, http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics))
	}

	transactions := handlers.NewTransactionsHandler(d.Transactions, d.Ingester, d.Recorder, d.Log)
	admin := handlers.NewAdminHandler(d.Transactions, d.Settings, d.Importer, d.Log)
	jobsHandler := handlers.NewJobsHandler(d.Jobs, d.Log)

	api := r.Group("/api")

	tx := api.Group("/transactions", middleware.RequireUser())
	tx.GET("", transactions.ListTransactions)
	tx.POST("/ingest", transactions.Ingest)
	tx.POST("/:id/decision", transactions.RecordDecision)
	tx.POST("/:id/score", transactions.Score)
	tx.GET("/:id/flags", transactions.ListFlags)

	adm := api.Group("/admin", middleware.RequireAdmin(d.AdminToken))
	adm.GET("/flags", admin.ListFlagged)
	adm.GET("/threshold", admin.GetThreshold)
	adm.POST("/threshold", admin.SetThreshold)
	adm.POST("/import", admin.Import)

	jb := api.Group("/jobs", middleware.RequireAdmin(d.AdminToken))
	jb.GET("", jobsHandler.ListJobs)
	jb.GET("/:id", jobsHandler.GetJob)

	return r
}
