package saga

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/propledger/propledger/internal/events"
)

type captureBus struct {
	emitted []events.Envelope
}

func (b *captureBus) Emit(_ context.Context, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.emitted = append(b.emitted, events.Envelope{Type: eventType, Data: data})
	return nil
}

type captureGauge struct {
	value int
	sets  int
}

func (g *captureGauge) SetAbandoned(n int) {
	g.value = n
	g.sets++
}

func TestWatchdogSurfacesStalledSagas(t *testing.T) {
	svc := NewService(newMemRepo(), nil)
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc.WithNow(func() time.Time { return base })

	stalled := startTestSaga(t, svc, []string{"a", "b"})
	healthy := startTestSaga(t, svc, []string{"a", "b"})

	bus := &captureBus{}
	gauge := &captureGauge{}
	wd := NewWatchdog(svc, bus, nil, gauge)

	// Nothing has missed its deadline yet.
	if err := wd.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if gauge.value != 0 || len(bus.emitted) != 0 {
		t.Fatalf("premature abandonment: gauge=%d events=%d", gauge.value, len(bus.emitted))
	}

	// Advance past the 5m default timeout, keeping one saga alive.
	svc.WithNow(func() time.Time { return base.Add(6 * time.Minute) })
	if err := svc.Heartbeat(context.Background(), healthy.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	if err := wd.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if gauge.value != 1 {
		t.Fatalf("gauge = %d, want 1", gauge.value)
	}
	if len(bus.emitted) != 1 || bus.emitted[0].Type != events.TypeSagaAbandoned {
		t.Fatalf("emitted = %v, want one saga.abandoned", bus.emitted)
	}
	var evt AbandonedEvent
	if err := json.Unmarshal(bus.emitted[0].Data, &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.SagaID != stalled.ID.String() {
		t.Fatalf("event saga id = %s, want %s", evt.SagaID, stalled.ID)
	}
	if evt.Step != "a" {
		t.Fatalf("event step = %s, want a", evt.Step)
	}
}

func TestWatchdogNeverMutatesSagas(t *testing.T) {
	svc := NewService(newMemRepo(), nil)
	base := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	svc.WithNow(func() time.Time { return base })
	sg := startTestSaga(t, svc, []string{"a"})

	svc.WithNow(func() time.Time { return base.Add(time.Hour) })
	wd := NewWatchdog(svc, &captureBus{}, nil, nil)
	if err := wd.Scan(context.Background()); err != nil {
		t.Fatalf("Scan: %v", err)
	}

	got, _ := svc.Get(context.Background(), sg.ID)
	if got.Status != StatusRunning {
		t.Fatalf("status = %s, want running untouched", got.Status)
	}
}
