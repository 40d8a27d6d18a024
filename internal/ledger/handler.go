package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/buildpay/buildpay/internal/money"
	"github.com/buildpay/buildpay/internal/platform/httpx"
	"github.com/buildpay/buildpay/internal/rbac"
	"github.com/buildpay/buildpay/internal/shared"
)

// Handler exposes ledger endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermLedgerView))
		r.Get("/summary", h.summary)
		r.Get("/billable-jobs", h.listBillableJobs)
		r.Get("/plots/{id}/jobs", h.jobHistory)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermLedgerSettle))
		r.Post("/payments", h.recordSettlement)
		r.Delete("/payments/{id}", h.deleteSettlement)
	})
}

type settlementRequest struct {
	JobID  int64  `json:"job_id" validate:"required,gt=0"`
	Amount string `json:"amount" validate:"required,numeric"`
	PaidAt string `json:"paid_at" validate:"omitempty,datetime=2006-01-02"`
	Note   string `json:"note" validate:"max=500"`
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.Summary(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) listBillableJobs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseJobFilter(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	jobs, err := h.service.ListBillableJobs(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, jobs)
}

func (h *Handler) jobHistory(w http.ResponseWriter, r *http.Request) {
	plotID, err := httpx.IDParam(r, "id")
	if err != nil {
		h.respondError(w, err)
		return
	}
	history, err := h.service.JobHistory(r.Context(), plotID)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, history)
}

func (h *Handler) recordSettlement(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	var req settlementRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	if err := httpx.Validate(req); err != nil {
		h.respondError(w, err)
		return
	}
	amount, err := money.Parse(req.Amount)
	if err != nil {
		h.respondError(w, ErrInvalidAmount)
		return
	}
	paidAt := time.Now()
	if req.PaidAt != "" {
		paidAt, _ = time.Parse(time.DateOnly, req.PaidAt)
	}
	payment, err := h.service.RecordSettlement(r.Context(), actor, SettlementInput{
		JobID:  req.JobID,
		Amount: amount,
		PaidAt: paidAt,
		Note:   req.Note,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, payment)
}

func (h *Handler) deleteSettlement(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.service.DeleteSettlement(r.Context(), actor, id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseJobFilter(r *http.Request) (JobFilter, error) {
	var (
		filter JobFilter
		err    error
	)
	if filter.ProjectID, err = httpx.QueryInt64(r, "project_id"); err != nil {
		return filter, err
	}
	if filter.ContractorID, err = httpx.QueryInt64(r, "contractor_id"); err != nil {
		return filter, err
	}
	if filter.PlotID, err = httpx.QueryInt64(r, "plot_id"); err != nil {
		return filter, err
	}
	return filter, nil
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidAmount), errors.Is(err, httpx.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrPaymentNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrOwnedByBilling):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("ledger request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
