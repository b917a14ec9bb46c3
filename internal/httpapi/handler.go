package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spbu-ds-practicum-2025/card-fraud-service/internal/domain"
)

const (
	maxBodyBytes     = 1 << 20
	defaultListLimit = 20
	maxListLimit     = 100

	// IdempotencyKeyHeader makes retried submissions reuse one ledger entry
	IdempotencyKeyHeader = "X-Idempotency-Key"
)

// Processor runs a raw transaction through classification
type Processor interface {
	Process(ctx context.Context, d domain.Delivery) (domain.Outcome, error)
}

// Handler serves the admin API
type Handler struct {
	pipeline Processor
	cards    domain.CardRepository
	ledger   domain.Ledger
	logger   logrus.FieldLogger
}

// NewHandler creates a new Handler
func NewHandler(pipeline Processor, cards domain.CardRepository, ledger domain.Ledger, logger logrus.FieldLogger) *Handler {
	return &Handler{
		pipeline: pipeline,
		cards:    cards,
		ledger:   ledger,
		logger:   logger,
	}
}

// ClassifyTransaction classifies one transaction event synchronously
func (h *Handler) ClassifyTransaction(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to read request body", err.Error())
		return
	}

	outcome, err := h.pipeline.Process(r.Context(), domain.Delivery{
		Body: body,
		Key:  r.Header.Get(IdempotencyKeyHeader),
	})
	if err != nil {
		if outcome.Record != nil {
			h.logger.WithError(err).WithField("ledger_id", outcome.Record.ID).Warn("transaction ledgered but not completed")
		}
		handleDomainError(w, err, outcome.Record)
		return
	}

	resp := ClassifyResponse{
		Outcome:     string(outcome.Kind),
		FailedRules: outcome.Classification.FailedRules(),
		Rules:       outcome.Classification.Rules,
	}
	if resp.FailedRules == nil {
		resp.FailedRules = []domain.RuleName{}
	}
	if outcome.Record != nil {
		resp.LedgerID = &outcome.Record.ID
		resp.Status = string(outcome.Record.Status)
	}

	sendJSON(w, http.StatusOK, resp)
}

// GetCardState returns the stored state of a card
func (h *Handler) GetCardState(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardID")

	state, err := h.cards.GetState(r.Context(), cardID)
	if err != nil {
		h.handleStoreError(w, err)
		return
	}

	sendJSON(w, http.StatusOK, CardStateResponse{
		CardID:            state.CardID,
		LastPostcode:      state.LastPostcode,
		LastTransactionDT: state.LastTransactionDT.UTC(),
	})
}

// GetCardTransactions lists the latest ledger entries of a card
func (h *Handler) GetCardTransactions(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardID")

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxListLimit {
			sendErrorResponse(w, http.StatusBadRequest, "INVALID_ARGUMENT", "limit must be between 1 and 100", raw)
			return
		}
		limit = n
	}

	entries, err := h.ledger.ListByCard(r.Context(), cardID, limit)
	if err != nil {
		h.handleStoreError(w, err)
		return
	}

	resp := GetTransactionsResponse{Content: make([]LedgerEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Content = append(resp.Content, newLedgerEntry(e))
	}
	sendJSON(w, http.StatusOK, resp)
}

// PutCardProfile creates or replaces the profile of a card
func (h *Handler) PutCardProfile(w http.ResponseWriter, r *http.Request) {
	cardID := chi.URLParam(r, "cardID")

	var req ProfileRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to parse request body", err.Error())
		return
	}
	if req.Score == nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_ARGUMENT", "score is required", "")
		return
	}
	if !req.UCL.Valid || req.UCL.Decimal.IsNegative() {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_ARGUMENT", "ucl must be a non-negative number", "")
		return
	}

	profile := domain.CardProfile{CardID: cardID, Score: *req.Score, UCL: req.UCL.Decimal}
	if err := h.cards.UpsertProfile(r.Context(), profile); err != nil {
		h.handleStoreError(w, err)
		return
	}

	h.logger.WithFields(logrus.Fields{"card_id": cardID, "score": profile.Score}).Info("card profile updated")
	w.WriteHeader(http.StatusNoContent)
}

// Health reports that the process is up
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		sendErrorResponse(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", err.Error())
		return
	}
	h.logger.WithError(err).Error("store request failed")
	sendErrorResponse(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Store unavailable", err.Error())
}

// handleDomainError maps pipeline errors to responses. record is the ledger
// entry written before the failure, if any.
func handleDomainError(w http.ResponseWriter, err error, record *domain.ClassifiedTransaction) {
	resp := BaseError{ID: uuid.New(), Details: err.Error()}
	if record != nil {
		resp.LedgerID = &record.ID
	}

	status := http.StatusInternalServerError
	switch {
	case domain.IsRejected(err):
		status, resp.Code, resp.Description = http.StatusBadRequest, "INVALID_TRANSACTION", "Transaction rejected"
	case errors.Is(err, domain.ErrStateWriteFailed):
		status, resp.Code, resp.Description = http.StatusServiceUnavailable, "STATE_WRITE_FAILED", "Transaction ledgered but card state not updated, retry with the same idempotency key"
	case domain.IsRetryable(err):
		status, resp.Code, resp.Description = http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Transaction could not be processed, retry later"
	default:
		resp.Code, resp.Description = "INTERNAL_ERROR", "An internal error occurred"
	}

	sendJSON(w, status, resp)
}

// sendErrorResponse sends an error response in the expected format
func sendErrorResponse(w http.ResponseWriter, statusCode int, code, description, details string) {
	sendJSON(w, statusCode, BaseError{
		ID:          uuid.New(),
		Code:        code,
		Description: description,
		Details:     details,
	})
}

func sendJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
