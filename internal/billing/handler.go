package billing

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/buildpay/buildpay/internal/platform/httpx"
	"github.com/buildpay/buildpay/internal/rbac"
	"github.com/buildpay/buildpay/internal/shared"
)

// IdempotencyHeader carries the client retry key on submit.
const IdempotencyHeader = "Idempotency-Key"

// Handler exposes billing endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
}

// NewHandler constructs a Handler.
func NewHandler(logger *slog.Logger, service *Service, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermBillingRequest))
		r.Post("/requests", h.submit)
		r.Put("/requests/{id}", h.updatePending)
		r.Get("/requests/mine", h.listMine)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermBillingRequest, rbac.PermBillingReview))
		r.Get("/documents/{id}", h.get)
		r.Delete("/documents/{id}", h.delete)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermBillingReview))
		r.Get("/documents", h.list)
		r.Post("/documents/{id}/approve", h.approve)
		r.Post("/documents/{id}/reject", h.reject)
		r.Post("/documents/{id}/undo-approve", h.undoApprove)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermBillingReport))
		r.Get("/reports/contractor-cycle", h.cycleReport)
		r.Get("/reports/contractor-cycle.csv", h.cycleReportCSV)
		r.Get("/reports/extra-work", h.extraWorkReport)
	})
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	var req submitRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	input, err := req.toInput(strings.TrimSpace(r.Header.Get(IdempotencyHeader)))
	if err != nil {
		h.respondError(w, err)
		return
	}
	doc, err := h.service.Submit(r.Context(), actor, input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, doc)
}

func (h *Handler) updatePending(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.respondError(w, err)
		return
	}
	var req submitRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondError(w, err)
		return
	}
	input, err := req.toInput("")
	if err != nil {
		h.respondError(w, err)
		return
	}
	doc, err := h.service.UpdatePending(r.Context(), actor, id, UpdateInput{
		Header:      input.Header,
		Jobs:        input.Jobs,
		Adjustments: input.Adjustments,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) listMine(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	page, perPage := parsePage(r)
	result, err := h.service.ListByCreator(r.Context(), actor, page, perPage)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	filter, err := parseListFilter(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	result, err := h.service.List(r.Context(), actor, filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.respondError(w, err)
		return
	}
	view, err := h.service.Get(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.respondError(w, err)
		return
	}
	var req approveRequest
	if r.ContentLength != 0 {
		if err := h.decode(w, r, &req); err != nil {
			h.respondError(w, err)
			return
		}
	}
	input, err := req.toInput()
	if err != nil {
		h.respondError(w, err)
		return
	}
	doc, err := h.service.Approve(r.Context(), actor, id, input)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.respondError(w, err)
		return
	}
	var req rejectRequest
	if r.ContentLength != 0 {
		if err := h.decode(w, r, &req); err != nil {
			h.respondError(w, err)
			return
		}
	}
	doc, err := h.service.Reject(r.Context(), actor, id, RejectInput{Note: req.Note})
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) undoApprove(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.respondError(w, err)
		return
	}
	doc, err := h.service.UndoApprove(r.Context(), actor, id)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	actor, _ := shared.ActorFromContext(r.Context())
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		h.respondError(w, err)
		return
	}
	if err := h.service.Delete(r.Context(), actor, id); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) cycleReport(w http.ResponseWriter, r *http.Request) {
	filter, err := parseCycleFilter(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	report, err := h.service.ContractorCycleReport(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) cycleReportCSV(w http.ResponseWriter, r *http.Request) {
	filter, err := parseCycleFilter(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	report, err := h.service.ContractorCycleReport(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	name := fmt.Sprintf("contractor-cycle-%s-%s.csv", filter.DateFrom.Format("20060102"), filter.DateTo.Format("20060102"))
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	if err := WriteCycleCSV(w, report); err != nil {
		h.logger.Error("write cycle csv", slog.Any("error", err))
	}
}

func (h *Handler) extraWorkReport(w http.ResponseWriter, r *http.Request) {
	filter, err := parseExtraWorkFilter(r)
	if err != nil {
		h.respondError(w, err)
		return
	}
	report, err := h.service.ExtraWorkReport(r.Context(), filter)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) error {
	if err := httpx.DecodeJSON(w, r, target); err != nil {
		return err
	}
	return httpx.Validate(target)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	var re *ReconciliationError
	switch {
	case errors.As(err, &re):
		h.logger.Error("billing reconciliation failed", slog.String("doc_no", FormatDocNo(re.DocNo)),
			slog.String("step", string(re.Step)), slog.Any("error", re.Err))
		detail := fmt.Sprintf("document %s failed at step %s; no changes were applied", FormatDocNo(re.DocNo), re.Step)
		if re.Step == StepCommit {
			detail = fmt.Sprintf("document %s failed at step %s; verify the ledger before retrying", FormatDocNo(re.DocNo), re.Step)
		}
		httpx.Problem(w, http.StatusInternalServerError, "Reconciliation Failed", detail)
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidProgress), errors.Is(err, ErrInvalidAmount),
		errors.Is(err, httpx.ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrPermissionDenied):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidStateTransition), errors.Is(err, ErrDuplicateSubmit):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("billing request failed", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
