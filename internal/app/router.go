package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/deliveries"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/ledger"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/lots"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/observability"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/packaging"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/supplies"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/internal/transfers"
	"github.com/juansemartinez01/Trazabilidad-Vasquetto-sub000/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger            *slog.Logger
	Config            *Config
	LotsHandler       *lots.Handler
	LedgerHandler     *ledger.Handler
	PackagingHandler  *packaging.Handler
	SuppliesHandler   *supplies.Handler
	TransfersHandler  *transfers.Handler
	DeliveriesHandler *deliveries.Handler
	JobHandler        *jobs.Handler
	Metrics           *observability.Metrics
}

// NewRouter constructs the chi.Router with application defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
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
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	r.Group(func(r chi.Router) {
		r.Use(IdentityMiddleware(params.Logger))
		params.LotsHandler.MountRoutes(r)
		params.LedgerHandler.MountRoutes(r)
		params.PackagingHandler.MountRoutes(r)
		params.SuppliesHandler.MountRoutes(r)
		params.TransfersHandler.MountRoutes(r)
		params.DeliveriesHandler.MountRoutes(r)
	})

	return r
}
