package catalog

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/buildpay/buildpay/internal/platform/httpx"
	"github.com/buildpay/buildpay/internal/rbac"
)

// Handler exposes catalog feeds.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermCatalogView))
		r.Get("/options", h.options)
		r.Get("/projects/{id}/plots", h.plots)
		r.Get("/boq-jobs", h.boqJobs)
	})
}

func (h *Handler) options(w http.ResponseWriter, r *http.Request) {
	opts, err := h.service.Options(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, opts)
}

func (h *Handler) plots(w http.ResponseWriter, r *http.Request) {
	projectID, err := httpx.IDParam(r, "id")
	if err != nil {
		h.respondError(w, err)
		return
	}
	plots, err := h.service.ListPlots(r.Context(), projectID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, plots)
}

func (h *Handler) boqJobs(w http.ResponseWriter, r *http.Request) {
	projectID, err := httpx.QueryInt64(r, "project_id")
	if err != nil {
		h.respondError(w, err)
		return
	}
	contractorID, err := httpx.QueryInt64(r, "contractor_id")
	if err != nil {
		h.respondError(w, err)
		return
	}
	plotID, err := httpx.QueryInt64(r, "plot_id")
	if err != nil {
		h.respondError(w, err)
		return
	}
	if projectID == nil || contractorID == nil {
		h.respondError(w, ErrValidation)
		return
	}
	jobs, err := h.service.ListBoqJobs(r.Context(), *projectID, *contractorID, plotID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, jobs)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrValidation) || errors.Is(err, httpx.ErrValidation) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	h.logger.Error("catalog request failed", slog.Any("error", err))
	httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
}
