package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/dvloznov/fraud-tracker/internal/api/middleware"
	"github.com/dvloznov/fraud-tracker/internal/domain"
	"github.com/dvloznov/fraud-tracker/internal/pipeline"
	"github.com/dvloznov/fraud-tracker/internal/store"
)

// maxIngestRecords bounds a single ingest request.
const maxIngestRecords = 1000

// Ingester is the part of the ingestion pipeline the API calls.
type Ingester interface {
	Ingest(ctx context.Context, userID string, records []json.RawMessage) (*pipeline.IngestResult, error)
	Preview(ctx context.Context, userID string, raw json.RawMessage) (*pipeline.Assessment, error)
}

// DecisionRecorder records reviewer decisions.
type DecisionRecorder interface {
	RecordDecision(ctx context.Context, userID, txID, decision string) (*domain.Transaction, error)
}

// TransactionReader is the read side of the store used by the handlers.
type TransactionReader interface {
	GetTransaction(ctx context.Context, userID, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, filter store.TransactionFilter) ([]*domain.Transaction, error)
	ListFlags(ctx context.Context, filter store.FlagFilter) ([]*domain.Flag, error)
}

// TransactionsHandler handles transaction-related endpoints.
type TransactionsHandler struct {
	repo     TransactionReader
	ingester Ingester
	recorder DecisionRecorder
	log      zerolog.Logger
}

// NewTransactionsHandler creates a new transactions handler.
func NewTransactionsHandler(repo TransactionReader, ingester Ingester, recorder DecisionRecorder, log zerolog.Logger) *TransactionsHandler {
	return &TransactionsHandler{
		repo:     repo,
		ingester: ingester,
		recorder: recorder,
		log:      log,
	}
}

func queryLimit(c *gin.Context) int {
	if v := c.Query("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 {
			return limit
		}
	}
	return 0
}

// ListTransactions handles GET /api/transactions
func (h *TransactionsHandler) ListTransactions(c *gin.Context) {
	flagged, _ := strconv.ParseBool(c.Query("flagged"))

	transactions, err := h.repo.ListTransactions(c.Request.Context(), store.TransactionFilter{
		UserID:      middleware.UserID(c),
		FlaggedOnly: flagged,
		Limit:       queryLimit(c),
	})
	if err != nil {
		middleware.WriteDomainError(c, err, "Failed to list transactions")
		return
	}
	if transactions == nil {
		transactions = []*domain.Transaction{}
	}

	middleware.WriteJSON(c, http.StatusOK, gin.H{"transactions": transactions})
}

// Ingest handles POST /api/transactions/ingest
func (h *TransactionsHandler) Ingest(c *gin.Context) {
	var req struct {
		Transactions []json.RawMessage `json:"transactions"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.WriteError(c, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Transactions == nil {
		middleware.WriteError(c, http.StatusBadRequest, "transactions must be an array")
		return
	}
	if len(req.Transactions) > maxIngestRecords {
		middleware.WriteError(c, http.StatusBadRequest, "Too many transactions in one request")
		return
	}

	userID := middleware.UserID(c)
	result, err := h.ingester.Ingest(c.Request.Context(), userID, req.Transactions)
	if err != nil {
		middleware.WriteDomainError(c, err, "Failed to ingest transactions")
		return
	}

	middleware.WriteJSON(c, http.StatusCreated, result)
}

// RecordDecision handles POST /api/transactions/:id/decision
func (h *TransactionsHandler) RecordDecision(c *gin.Context) {
	var req struct {
		Decision string `json:"decision"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		middleware.WriteError(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	tx, err := h.recorder.RecordDecision(c.Request.Context(), middleware.UserID(c), c.Param("id"), req.Decision)
	if err != nil {
		middleware.WriteDomainError(c, err, "Failed to record decision")
		return
	}

	middleware.WriteJSON(c, http.StatusOK, gin.H{"transaction": tx})
}

type scoreResponse struct {
	Score             int                `json:"score"`
	Explanation       domain.Explanation `json:"explanation"`
	RecommendedAction domain.Action      `json:"recommended_action"`
	IsFlagged         bool               `json:"is_flagged"`
	Source            string             `json:"source"`
}

// Score handles POST /api/transactions/:id/score. The record in the body is
// scored against the caller's stored history and nothing is persisted.
func (h *TransactionsHandler) Score(c *gin.Context) {
	var req struct {
		Transaction json.RawMessage `json:"transaction"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Transaction) == 0 {
		middleware.WriteError(c, http.StatusBadRequest, "transaction is required")
		return
	}

	a, err := h.ingester.Preview(c.Request.Context(), middleware.UserID(c), req.Transaction)
	if err != nil {
		middleware.WriteDomainError(c, err, "Failed to score transaction")
		return
	}

	middleware.WriteJSON(c, http.StatusOK, scoreResponse{
		Score:             a.Outcome.Assessment.Score,
		Explanation:       a.Outcome.Assessment.Explanation,
		RecommendedAction: a.Outcome.Assessment.RecommendedAction,
		IsFlagged:         a.Transaction.IsFlagged,
		Source:            string(a.Outcome.Source),
	})
}

// ListFlags handles GET /api/transactions/:id/flags
func (h *TransactionsHandler) ListFlags(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.UserID(c)

	tx, err := h.repo.GetTransaction(ctx, userID, c.Param("id"))
	if err != nil {
		middleware.WriteDomainError(c, err, "Failed to load transaction")
		return
	}

	flags, err := h.repo.ListFlags(ctx, store.FlagFilter{TransactionID: tx.ID, UserID: userID})
	if err != nil {
		middleware.WriteDomainError(c, err, "Failed to list flags")
		return
	}
	if flags == nil {
		flags = []*domain.Flag{}
	}

	middleware.WriteJSON(c, http.StatusOK, gin.H{"flags": flags, "count": len(flags)})
}
