package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/dvloznov/fraud-tracker/internal/api/middleware"
	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/importer"
	"github.com/dvloznov/fraud-tracker/internal/store"
)

const adminFlagLimit = 200

// ThresholdSettings is the runtime flag threshold.
type ThresholdSettings interface {
	Threshold() int
	SetThreshold(threshold int) error
}

// Importer bulk-loads unscored transactions for the backlog worker.
type Importer interface {
	Import(ctx context.Context, userID, uri string) (*importer.Result, error)
}

// AdminHandler handles operator endpoints.
type AdminHandler struct {
	repo     TransactionReader
	settings ThresholdSettings
	importer Importer
	log      zerolog.Logger
}

// NewAdminHandler creates a new admin handler. importer may be nil.
func NewAdminHandler(repo TransactionReader, settings ThresholdSettings, im Importer, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{repo: repo, settings: settings, importer: im, log: log}
}

// ListFlagged handles GET /api/admin/flags: flagged transactions across all
// users, most recently flagged first.
func (h *AdminHandler) ListFlagged(c *gin.Context) {
	limit := queryLimit(c)
	if limit == 0 || limit > adminFlagLimit {
		limit = adminFlagLimit
	}

	txs, err := h.repo.ListTransactions(c.Request.Context(), store.TransactionFilter{
		FlaggedOnly: true,
		Limit:       limit,
	})
	if err != nil {
		middleware.WriteDomainError(c, err, "Failed to list flagged transactions")
		return
	}
	if txs == nil {
		txs = []*domain.Transaction{}
	}

	middleware.WriteJSON(c, http.StatusOK, gin.H{"flags": txs})
}

// GetThreshold handles GET /api/admin/threshold
func (h *AdminHandler) GetThreshold(c *gin.Context) {
	middleware.WriteJSON(c, http.StatusOK, gin.H{"threshold": h.settings.Threshold()})
}

// SetThreshold handles POST /api/admin/threshold
func (h *AdminHandler) SetThreshold(c *gin.Context) {
	var req struct {
		Threshold *int `json:"threshold"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Threshold == nil {
		middleware.WriteError(c, http.StatusBadRequest, "threshold must be an integer")
		return
	}

	previous := h.settings.Threshold()
	if err := h.settings.SetThreshold(*req.Threshold); err != nil {
		middleware.WriteError(c, http.StatusBadRequest, err.Error())
		return
	}

	h.log.Info().
		Int("previous", previous).
		Int("threshold", *req.Threshold).
		Msg("Flag threshold updated")

	middleware.WriteJSON(c, http.StatusOK, gin.H{"threshold": h.settings.Threshold()})
}

// Import handles POST /api/admin/import. Rows land unscored and are scored by
// the score-job consumer or the next backlog run.
func (h *AdminHandler) Import(c *gin.Context) {
	if h.importer == nil {
		middleware.WriteError(c, http.StatusNotImplemented, "Import is not configured")
		return
	}

	var req struct {
		UserID string `json:"user_id"`
		URI    string `json:"uri"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.WriteError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	req.URI = strings.TrimSpace(req.URI)
	if req.UserID == "" || req.URI == "" {
		middleware.WriteError(c, http.StatusBadRequest, "user_id and uri are required")
		return
	}

	res, err := h.importer.Import(c.Request.Context(), req.UserID, req.URI)
	if err != nil {
		middleware.WriteDomainError(c, err, "Import failed")
		return
	}

	h.log.Info().
		Str("user_id", req.UserID).
		Str("uri", req.URI).
		Int("imported", len(res.Imported)).
		Msg("Import finished")

	middleware.WriteJSON(c, http.StatusAccepted, res)
}
