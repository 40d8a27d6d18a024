package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/buildpay/buildpay/internal/billing"
	"github.com/buildpay/buildpay/internal/catalog"
	"github.com/buildpay/buildpay/internal/ledger"
	"github.com/buildpay/buildpay/internal/observability"
	"github.com/buildpay/buildpay/internal/platform/httpx"
	"github.com/buildpay/buildpay/internal/rbac"
	"github.com/buildpay/buildpay/internal/settings"
	"github.com/buildpay/buildpay/internal/shared"
	"github.com/buildpay/buildpay/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	RBACMiddleware rbac.Middleware

	CatalogHandler     *catalog.Handler
	LedgerHandler      *ledger.Handler
	BillingHandler     *billing.Handler
	SettingsHandler    *settings.Handler
	PermissionsHandler *rbac.PermissionsHandler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with buildpay defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         params.Logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	r.Group(func(r chi.Router) {
		r.Use(params.RBACMiddleware.Authenticate)
		if params.PermissionsHandler != nil {
			r.Route("/me", params.PermissionsHandler.MountRoutes)
		}
		if params.CatalogHandler != nil {
			r.Route("/catalog", params.CatalogHandler.MountRoutes)
		}
		if params.LedgerHandler != nil {
			r.Route("/ledger", params.LedgerHandler.MountRoutes)
		}
		if params.BillingHandler != nil {
			r.Route("/billing", params.BillingHandler.MountRoutes)
		}
		if params.SettingsHandler != nil {
			r.Route("/settings", params.SettingsHandler.MountRoutes)
		}
	})

	return r
}
