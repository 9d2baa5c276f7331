package saga

import (
	"context"
	"log/slog"

	"github.com/propledger/propledger/internal/events"
)

// AbandonedEvent is the payload of a saga.abandoned event.
type AbandonedEvent struct {
	SagaID      string `json:"saga_id"`
	Type        string `json:"type"`
	Step        string `json:"step"`
	Status      string `json:"status"`
	HeartbeatAt string `json:"heartbeat_at"`
	TraceID     string `json:"trace_id"`
}

// AbandonedGauge records how many sagas are currently stalled.
type AbandonedGauge interface {
	SetAbandoned(n int)
}

// Watchdog surfaces sagas that missed their heartbeat deadline. It never
// compensates them: the failure could sit before or after an external side
// effect like a mailed check, so the rollback decision belongs to an
// operator.
type Watchdog struct {
	svc    *Service
	bus    events.Bus
	logger *slog.Logger
	gauge  AbandonedGauge
}

func NewWatchdog(svc *Service, bus events.Bus, logger *slog.Logger, gauge AbandonedGauge) *Watchdog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{svc: svc, bus: bus, logger: logger, gauge: gauge}
}

// Scan lists stalled sagas, logs them, and emits saga.abandoned for each.
func (w *Watchdog) Scan(ctx context.Context) error {
	stalled, err := w.svc.Abandoned(ctx)
	if err != nil {
		return err
	}
	if w.gauge != nil {
		w.gauge.SetAbandoned(len(stalled))
	}
	for _, sg := range stalled {
		w.logger.Warn("saga abandoned",
			slog.String("saga_id", sg.ID.String()),
			slog.String("type", string(sg.Type)),
			slog.String("step", sg.StepName()),
			slog.Time("heartbeat_at", sg.HeartbeatAt))
		if w.bus == nil {
			continue
		}
		evt := AbandonedEvent{
			SagaID:      sg.ID.String(),
			Type:        string(sg.Type),
			Step:        sg.StepName(),
			Status:      string(sg.Status),
			HeartbeatAt: sg.HeartbeatAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			TraceID:     sg.TraceID,
		}
		if err := w.bus.Emit(ctx, events.TypeSagaAbandoned, evt); err != nil {
			w.logger.Error("emit saga.abandoned", slog.String("saga_id", sg.ID.String()), slog.Any("error", err))
		}
	}
	return nil
}
