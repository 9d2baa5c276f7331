package periodclose

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/propledger/propledger/internal/ledger"
	"github.com/propledger/propledger/internal/periods"
	"github.com/propledger/propledger/internal/saga"
	"github.com/propledger/propledger/internal/shared"
)

// Handler starts period close sagas. The close itself runs asynchronously;
// the handler only rejects requests that could never succeed.
type Handler struct {
	runner   *saga.Runner
	ledger   *ledger.Service
	periods  *periods.Service
	retained int64
	timeout  time.Duration
	logger   *slog.Logger
	validate *validator.Validate
}

// NewHandler wires the start surface. retainedEarningsAccountID may be zero,
// in which case the account is resolved by subtype at request time. A zero
// timeout falls back to DefaultTimeout.
func NewHandler(
	runner *saga.Runner,
	ledgerSvc *ledger.Service,
	periodSvc *periods.Service,
	retainedEarningsAccountID int64,
	timeout time.Duration,
	logger *slog.Logger,
) *Handler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		runner:   runner,
		ledger:   ledgerSvc,
		periods:  periodSvc,
		retained: retainedEarningsAccountID,
		timeout:  timeout,
		logger:   logger,
		validate: validator.New(),
	}
}

func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/period-close", h.Start)
}

type startRequest struct {
	PeriodID    int64  `json:"period_id" validate:"required"`
	TraceID     string `json:"trace_id"`
	InitiatedBy string `json:"initiated_by"`
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

	if err := h.periods.EnsureOpen(r.Context(), req.PeriodID); err != nil {
		if code := shared.CodeOf(err); code != "" {
			writeStartError(w, http.StatusConflict, string(code), err.Error())
			return
		}
		h.logger.Error("period close preconditions", slog.Any("error", err))
		writeStartError(w, http.StatusInternalServerError, "INTERNAL", "precondition check failed")
		return
	}

	retained := h.retained
	if retained == 0 {
		account, err := h.ledger.RetainedEarningsAccount(r.Context())
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				writeStartError(w, http.StatusUnprocessableEntity, string(shared.CodeInvalidAccount),
					"no retained earnings account configured")
				return
			}
			h.logger.Error("resolve retained earnings account", slog.Any("error", err))
			writeStartError(w, http.StatusInternalServerError, "INTERNAL", "account lookup failed")
			return
		}
		retained = account.ID
	}

	payload := Payload{
		Version:                   1,
		PeriodID:                  req.PeriodID,
		RetainedEarningsAccountID: retained,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("encode period close payload", slog.Any("error", err))
		writeStartError(w, http.StatusInternalServerError, "INTERNAL", "payload encoding failed")
		return
	}
	sg, err := h.runner.Start(r.Context(), saga.StartInput{
		Type:        saga.TypePeriodClose,
		Payload:     raw,
		TraceID:     req.TraceID,
		InitiatedBy: req.InitiatedBy,
		Timeout:     h.timeout,
	})
	if err != nil {
		h.logger.Error("start period close saga", slog.Any("error", err))
		writeStartError(w, http.StatusInternalServerError, "INTERNAL", "saga could not be started")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(startResponse{Success: true, SagaID: sg.ID.String()})
}

func writeStartError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(startResponse{
		Success: false,
		Error:   &startError{Code: code, Message: message},
	})
}
