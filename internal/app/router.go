package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/propledger/propledger/internal/observability"
	"github.com/propledger/propledger/internal/saga"
	"github.com/propledger/propledger/internal/saga/billpay"
	"github.com/propledger/propledger/internal/saga/periodclose"
	"github.com/propledger/propledger/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	SagaHandler        *saga.Handler
	BillPayHandler     *billpay.Handler
	PeriodCloseHandler *periodclose.Handler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/api/sagas", func(api chi.Router) {
		if params.SagaHandler != nil {
			params.SagaHandler.MountRoutes(api)
		}
		// Saga starts move money and close periods; they get a tighter
		// limit than the global one.
		api.Group(func(starts chi.Router) {
			limit := 60
			if params.Config != nil && params.Config.StartRateLimit > 0 {
				limit = params.Config.StartRateLimit
			}
			starts.Use(httprate.Limit(limit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
			if params.BillPayHandler != nil {
				params.BillPayHandler.MountRoutes(starts)
			}
			if params.PeriodCloseHandler != nil {
				params.PeriodCloseHandler.MountRoutes(starts)
			}
		})
	})

	if params.JobHandler != nil {
		r.Route("/jobs", func(jr chi.Router) {
			params.JobHandler.MountRoutes(jr)
		})
	}

	return r
}
