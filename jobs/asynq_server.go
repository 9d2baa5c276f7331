package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/propledger/propledger/internal/events"
	"github.com/propledger/propledger/internal/saga"
)

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts  asynq.RedisClientOpt
	Logger     *slog.Logger
	Runner     *saga.Runner
	Watchdog   *saga.Watchdog
	Dispatcher *Dispatcher
	Handlers   []TaskHandler
	Cron       []CronRegistration
}

// NewWorker constructs a Worker instance. Saga steps, the watchdog scan
// and event dispatch are wired first; cfg.Handlers can add task types but
// not replace these.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: 10,
		Queues: map[string]int{
			QueueSagas:         5,
			events.QueueEvents: 3,
			QueueDefault:       1,
		},
	})
	mux := asynq.NewServeMux()
	if cfg.Runner != nil {
		mux.HandleFunc(TaskTypeSagaStep, handleSagaStep(cfg.Runner, cfg.Logger))
	}
	if cfg.Watchdog != nil {
		mux.HandleFunc(TaskTypeWatchdogScan, handleWatchdogScan(cfg.Watchdog))
	}
	if cfg.Dispatcher != nil {
		mux.HandleFunc(events.TaskTypeDispatch, cfg.Dispatcher.Handle)
	}
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, err
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: cfg.Logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

func handleSagaStep(runner *saga.Runner, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var payload SagaStepPayload
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
		id, err := uuid.Parse(payload.SagaID)
		if err != nil {
			logger.Warn("saga step with bad id", slog.String("saga_id", payload.SagaID))
			return asynq.SkipRetry
		}
		// HandleStep only returns infrastructure errors; business failures
		// are absorbed into the saga record. Infrastructure errors retry.
		return runner.HandleStep(ctx, id, payload.Step)
	}
}

func handleWatchdogScan(wd *saga.Watchdog) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		return wd.Scan(ctx)
	}
}

// Client submits tasks to the queue. It is the saga runner's Enqueuer.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	client := asynq.NewClient(redisOpts)
	return &Client{client: client}, nil
}

// EnqueueSagaStep schedules delivery of one saga step.
func (c *Client) EnqueueSagaStep(ctx context.Context, sagaID uuid.UUID, step int) error {
	task, err := NewSagaStepTask(sagaID, step)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task, asynq.Queue(QueueSagas), asynq.MaxRetry(10))
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

// Handler exposes HTTP endpoints for job observability.
type Handler struct {
	inspector *asynq.Inspector
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(inspector *asynq.Inspector, logger *slog.Logger) *Handler {
	return &Handler{inspector: inspector, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if h.inspector == nil {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"queue":"sagas","pending":0}`))
		return
	}
	info, err := h.inspector.GetQueueInfo(QueueSagas)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	pending := 0
	queueName := QueueSagas
	if info != nil {
		pending = int(info.Pending)
		queueName = info.Queue
	}
	_, _ = w.Write([]byte(`{"queue":"` + queueName + `","pending":` + strconv.Itoa(pending) + `}`))
}
