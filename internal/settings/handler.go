package settings

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/buildpay/buildpay/internal/money"
	"github.com/buildpay/buildpay/internal/platform/httpx"
	"github.com/buildpay/buildpay/internal/rbac"
)

// Handler exposes organization settings.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers settings routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermBillingRequest, rbac.PermBillingReview))
		r.Get("/", h.get)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermBillingReview))
		r.Put("/", h.update)
	})
}

type updateRequest struct {
	CompanyName      string `json:"company_name" validate:"max=200"`
	TaxID            string `json:"tax_id" validate:"max=50"`
	DefaultVAT       string `json:"default_vat" validate:"required,numeric"`
	DefaultWHT       string `json:"default_wht" validate:"required,numeric"`
	DefaultRetention string `json:"default_retention" validate:"required,numeric"`
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	cur, err := h.service.Get(r.Context())
	if err != nil {
		h.logger.Error("get settings", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, cur)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := httpx.Validate(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := Settings{CompanyName: req.CompanyName, TaxID: req.TaxID}
	var err error
	if in.DefaultVAT, err = money.Parse(req.DefaultVAT); err == nil {
		if in.DefaultWHT, err = money.Parse(req.DefaultWHT); err == nil {
			in.DefaultRetention, err = money.Parse(req.DefaultRetention)
		}
	}
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	saved, err := h.service.Update(r.Context(), in)
	if err != nil {
		if errors.Is(err, ErrInvalidPercent) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
			return
		}
		h.logger.Error("update settings", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, saved)
}
