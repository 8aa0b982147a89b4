package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/tuition/ledger-service/internal/app"
	"github.com/tuition/ledger-service/internal/domain"
	"go.uber.org/zap"
)

const (
	idempotencyKeyHeader = "Idempotency-Key"
	maxRequestBodyBytes  = 1 << 20
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the ledger HTTP API.
type Handler struct {
	ledger     *app.AccountLedger
	saga       *app.SettlementSaga
	reconciler *app.Reconciler
	db         Pinger
	logger     *zap.Logger
}

func NewHandler(ledger *app.AccountLedger, saga *app.SettlementSaga, reconciler *app.Reconciler, db Pinger, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{ledger: ledger, saga: saga, reconciler: reconciler, db: db, logger: logger}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			h.logger.Warn("health check failed", zap.String("component", "http"), zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	account, err := h.ledger.Register(r.Context(), req)
	if err != nil {
		h.writeAppError(w, r, "register", err)
		return
	}
	writeJSON(w, http.StatusCreated, domain.AccountResponse{AccountNumber: account.AccountNumber, Balance: account.Balance})
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	var req domain.BalanceRequest
	if !h.decode(w, r, &req) {
		return
	}
	account, err := h.ledger.Balance(r.Context(), req.AccountNumber, req.Secret)
	if err != nil {
		h.writeAppError(w, r, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, domain.AccountResponse{AccountNumber: account.AccountNumber, Balance: account.Balance})
}

func (h *Handler) handleDebit(w http.ResponseWriter, r *http.Request) {
	var req domain.DebitRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.saga.DebitLearner(r.Context(), req, idempotencyKey(r))
	if err != nil {
		h.writeAppError(w, r, "debit", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCreatePending(w http.ResponseWriter, r *http.Request) {
	var req domain.PendingTransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	record, err := h.saga.RecordObligation(r.Context(), req)
	if err != nil {
		h.writeAppError(w, r, "create_pending", err)
		return
	}
	writeJSON(w, http.StatusCreated, domain.PendingTransferResponse{TransactionID: record.ID})
}

func (h *Handler) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req domain.SettleTransferRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.saga.SettleObligation(r.Context(), req)
	if err != nil {
		h.writeAppError(w, r, "settle", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCreditDirect(w http.ResponseWriter, r *http.Request) {
	var req domain.DirectCreditRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.saga.CreditDirect(r.Context(), req, idempotencyKey(r))
	if err != nil {
		h.writeAppError(w, r, "credit_direct", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handlePayTuition(w http.ResponseWriter, r *http.Request) {
	var req domain.TuitionPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.saga.PayTuition(r.Context(), req, idempotencyKey(r))
	if err != nil {
		h.writeAppError(w, r, "pay_tuition", err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleCourseUpload(w http.ResponseWriter, r *http.Request) {
	var req domain.CourseUploadPaymentRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.saga.PayCourseUploadFee(r.Context(), req)
	if err != nil {
		h.writeAppError(w, r, "course_upload", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.transactionID(w, r)
	if !ok {
		return
	}
	record, err := h.saga.Transaction(r.Context(), id)
	if err != nil {
		h.writeAppError(w, r, "get_transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) handleLookupTransaction(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.URL.Query().Get("idempotencyKey"))
	if key == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "idempotencyKey query parameter is required", Code: string(app.KindInvalidRequest)})
		return
	}
	record, err := h.saga.TransactionByIdempotencyKey(r.Context(), key)
	if err != nil {
		h.writeAppError(w, r, "lookup_transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) handleReverse(w http.ResponseWriter, r *http.Request) {
	id, ok := h.transactionID(w, r)
	if !ok {
		return
	}
	var req domain.ReversalRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", Code: string(app.KindInvalidRequest)})
		return
	}
	resp, err := h.saga.ReversePayment(r.Context(), id, req.Reason)
	if err != nil {
		h.writeAppError(w, r, "reverse", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleReconciliation(w http.ResponseWriter, r *http.Request) {
	report := h.reconciler.LastReport()
	if report == nil || r.URL.Query().Get("refresh") == "true" {
		var err error
		if report, err = h.reconciler.Run(r.Context()); err != nil {
			h.writeAppError(w, r, "reconciliation", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) transactionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid transaction id", Code: string(app.KindInvalidRequest)})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err := decoder.Decode(dst); err != nil {
		h.logger.Warn("invalid request body",
			zap.String("component", "http"),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", Code: string(app.KindInvalidRequest)})
		return false
	}
	return true
}

func (h *Handler) writeAppError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	kind := app.KindOf(err)
	status := statusForKind(kind)

	message := err.Error()
	if kind == app.KindInternal {
		message = "internal server error"
		h.logger.Error("request failed",
			zap.String("component", "http"),
			zap.String("endpoint", endpoint),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	} else {
		h.logger.Info("request rejected",
			zap.String("component", "http"),
			zap.String("endpoint", endpoint),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, errorResponse{Error: message, Code: string(kind)})
}

func statusForKind(kind app.ErrorKind) int {
	switch kind {
	case app.KindNotFound:
		return http.StatusNotFound
	case app.KindUnauthorized:
		return http.StatusUnauthorized
	case app.KindAlreadyExists, app.KindIdempotencyConflict:
		return http.StatusConflict
	case app.KindInsufficientFunds, app.KindAlreadyProcessed, app.KindAccountMismatch, app.KindInvalidRequest:
		return http.StatusBadRequest
	case app.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func idempotencyKey(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}
