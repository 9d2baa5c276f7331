package billpay

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/propledger/propledger/internal/payments"
	"github.com/propledger/propledger/internal/saga"
	"github.com/propledger/propledger/internal/shared"
)

// Handler exposes the synchronous saga-start surface. Precondition failures
// return {success:false, error} immediately; once started, failures surface
// asynchronously through the saga status and emitted events.
type Handler struct {
	runner   *saga.Runner
	executor *Executor
	timeout  time.Duration
	logger   *slog.Logger
	validate *validator.Validate
}

// NewHandler wires the start surface. timeout bounds heartbeat silence per
// saga; zero falls back to DefaultTimeout.
func NewHandler(runner *saga.Runner, executor *Executor, timeout time.Duration, logger *slog.Logger) *Handler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		runner:   runner,
		executor: executor,
		timeout:  timeout,
		logger:   logger,
		validate: validator.New(),
	}
}

func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/bill-pay", h.Start)
}

type allocationRequest struct {
	PropertyID int64  `json:"property_id" validate:"required"`
	OwnerID    int64  `json:"owner_id" validate:"required"`
	Amount     string `json:"amount" validate:"required"`
}

type startRequest struct {
	VendorID         int64               `json:"vendor_id" validate:"required"`
	BillID           *int64              `json:"bill_id"`
	InvoiceNumber    string              `json:"invoice_number" validate:"required"`
	Amount           string              `json:"amount" validate:"required"`
	Method           string              `json:"method" validate:"required,oneof=check ach wire credit_card"`
	Memo             string              `json:"memo"`
	ExpenseAccountID int64               `json:"expense_account_id" validate:"required"`
	Date             string              `json:"date"`
	Allocations      []allocationRequest `json:"allocations" validate:"required,min=1,dive"`
	TraceID          string              `json:"trace_id"`
	InitiatedBy      string              `json:"initiated_by"`
}

type startResponse struct {
	Success bool        `json:"success"`
	SagaID  string      `json:"saga_id,omitempty"`
	Error   *startError `json:"error,omitempty"`
}

type startError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeStartError(w, http.StatusBadRequest, string(shared.CodeInvalidPayload), "malformed request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeStartError(w, http.StatusUnprocessableEntity, string(shared.CodeInvalidPayload), err.Error())
		return
	}

	payload, err := req.toPayload()
	if err != nil {
		writeStartError(w, http.StatusUnprocessableEntity, string(shared.CodeInvalidPayload), err.Error())
		return
	}
	sagaID := uuid.New()
	if err := h.executor.CheckPreconditions(r.Context(), sagaID, payload); err != nil {
		code := shared.CodeOf(err)
		status := http.StatusUnprocessableEntity
		if code == shared.CodeDuplicatePayment {
			status = http.StatusConflict
		}
		if code == "" {
			h.logger.Error("bill pay preconditions", slog.Any("error", err))
			writeStartError(w, http.StatusInternalServerError, "INTERNAL", "precondition check failed")
			return
		}
		writeStartError(w, status, string(code), err.Error())
		return
	}

	raw, err := payload.encode()
	if err != nil {
		h.logger.Error("encode bill pay payload", slog.Any("error", err))
		h.releaseClaim(r.Context(), sagaID)
		writeStartError(w, http.StatusInternalServerError, "INTERNAL", "payload encoding failed")
		return
	}
	sg, err := h.runner.Start(r.Context(), saga.StartInput{
		ID:          sagaID,
		Type:        saga.TypeBillPay,
		Payload:     raw,
		TraceID:     req.TraceID,
		InitiatedBy: req.InitiatedBy,
		Timeout:     h.timeout,
	})
	if err != nil {
		h.logger.Error("start bill pay saga", slog.Any("error", err))
		h.releaseClaim(r.Context(), sagaID)
		writeStartError(w, http.StatusInternalServerError, "INTERNAL", "saga could not be started")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(startResponse{Success: true, SagaID: sg.ID.String()})
}

// releaseClaim frees the claimed invoice when the saga never started. Best
// effort; a leaked pending claim still surfaces through the payment record.
func (h *Handler) releaseClaim(ctx context.Context, sagaID uuid.UUID) {
	if err := h.executor.ReleaseClaim(ctx, sagaID); err != nil {
		h.logger.Error("release invoice claim",
			slog.String("saga_id", sagaID.String()), slog.Any("error", err))
	}
}

func (r startRequest) toPayload() (Payload, error) {
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return Payload{}, shared.NewDomainError(shared.CodeInvalidPayload, "amount %q is not a decimal", r.Amount)
	}
	date := time.Now()
	if r.Date != "" {
		parsed, err := time.Parse("2006-01-02", r.Date)
		if err != nil {
			return Payload{}, shared.NewDomainError(shared.CodeInvalidPayload, "date %q is not YYYY-MM-DD", r.Date)
		}
		date = parsed
	}
	allocations := make([]Allocation, 0, len(r.Allocations))
	for idx, a := range r.Allocations {
		amt, err := decimal.NewFromString(a.Amount)
		if err != nil {
			return Payload{}, shared.NewDomainError(shared.CodeInvalidPayload, "allocation %d amount is not a decimal", idx)
		}
		allocations = append(allocations, Allocation{
			PropertyID: a.PropertyID,
			OwnerID:    a.OwnerID,
			Amount:     shared.RoundCurrency(amt),
		})
	}
	return Payload{
		Version:          1,
		VendorID:         r.VendorID,
		BillID:           r.BillID,
		InvoiceNumber:    r.InvoiceNumber,
		Amount:           shared.RoundCurrency(amount),
		Method:           payments.Method(r.Method),
		Memo:             r.Memo,
		ExpenseAccountID: r.ExpenseAccountID,
		Date:             date,
		Allocations:      allocations,
	}, nil
}

func writeStartError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(startResponse{
		Success: false,
		Error:   &startError{Code: code, Message: message},
	})
}
