package saga

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/propledger/propledger/internal/shared"
)

// Handler exposes read access to saga records. Clients poll it after a
// 202 from a start endpoint to learn the asynchronous outcome.
type Handler struct {
	svc    *Service
	logger *slog.Logger
}

func NewHandler(svc *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{id}", h.Get)
}

type sagaResponse struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	CurrentStep   int             `json:"current_step"`
	StepName      string          `json:"step_name"`
	Steps         []string        `json:"steps"`
	Payload       json.RawMessage `json:"payload"`
	TraceID       string          `json:"trace_id,omitempty"`
	InitiatedBy   string          `json:"initiated_by,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	HeartbeatAt   time.Time       `json:"heartbeat_at"`
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid saga id", http.StatusBadRequest)
		return
	}
	sg, err := h.svc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			http.Error(w, "saga not found", http.StatusNotFound)
			return
		}
		h.logger.Error("load saga", slog.String("saga_id", id.String()), slog.Any("error", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sagaResponse{
		ID:            sg.ID.String(),
		Type:          string(sg.Type),
		Status:        string(sg.Status),
		CurrentStep:   sg.CurrentStep,
		StepName:      sg.StepName(),
		Steps:         sg.Steps,
		Payload:       sg.Payload,
		TraceID:       sg.TraceID,
		InitiatedBy:   sg.InitiatedBy,
		FailureReason: sg.FailureReason,
		CreatedAt:     sg.CreatedAt,
		UpdatedAt:     sg.UpdatedAt,
		HeartbeatAt:   sg.HeartbeatAt,
	})
}
