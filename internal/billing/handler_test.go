package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/buildpay/buildpay/internal/platform/httpx"
	"github.com/buildpay/buildpay/internal/rbac"
	"github.com/buildpay/buildpay/internal/shared"
)

type staticRoles map[int64]string

func (s staticRoles) UserRole(_ context.Context, id int64) (string, error) {
	if role, ok := s[id]; ok {
		return role, nil
	}
	return "", rbac.ErrNotFound
}

func newTestRouter(t *testing.T, f fixture) http.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mw := rbac.Middleware{Service: rbac.NewServiceWithStore(staticRoles{1: "foreman", 2: "reviewer", 3: "foreman"}), Logger: logger}
	h := NewHandler(logger, f.svc, mw)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			sess := &shared.Session{ID: "s"}
			sess.SetUser(req.Header.Get("X-Test-User"))
			next.ServeHTTP(w, req.WithContext(shared.ContextWithSession(req.Context(), sess)))
		})
	})
	r.Use(mw.Authenticate)
	r.Route("/billing", h.MountRoutes)
	return r
}

func do(t *testing.T, router http.Handler, method, path, user, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Test-User", user)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) httpx.ProblemDetail {
	t.Helper()
	var p httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

const submitBody = `{"project_id":100,"contractor_id":7,"billing_date":"2025-04-10","jobs":[{"job_id":1,"progress_percent":"50"}]}`

func TestHandlerBillingLifecycle(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)

	rec := do(t, router, http.MethodPost, "/billing/requests", "1", submitBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var doc Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, StatusPendingReview, doc.Status)
	require.Equal(t, "5000.00", doc.TotalWorkAmount.StringFixed(2))
	require.Equal(t, "4750.00", doc.NetAmount.StringFixed(2))
	require.Equal(t, day(10), doc.BillingDate)

	approvePath := fmt.Sprintf("/billing/documents/%d/approve", doc.ID)
	rec = do(t, router, http.MethodPost, approvePath, "1", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, router, http.MethodPost, approvePath, "2", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, StatusApproved, doc.Status)
	require.Len(t, f.repo.paymentsFor(doc.ID), 1)

	rec = do(t, router, http.MethodPost, approvePath, "2", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, decodeProblem(t, rec).Detail, "#0001")

	rec = do(t, router, http.MethodGet, fmt.Sprintf("/billing/documents/%d", doc.ID), "1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view DocumentView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Len(t, view.Jobs, 1)
	require.Equal(t, "250.00", view.RetentionAmount.StringFixed(2))
	require.Len(t, view.History, 2)

	rec = do(t, router, http.MethodGet, fmt.Sprintf("/billing/documents/%d", doc.ID), "3", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, router, http.MethodPost, fmt.Sprintf("/billing/documents/%d/undo-approve", doc.ID), "2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, f.repo.paymentsFor(doc.ID))

	rec = do(t, router, http.MethodPost, fmt.Sprintf("/billing/documents/%d/reject", doc.ID), "2", `{"note":"wrong plot"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, StatusRejected, doc.Status)
	require.Equal(t, "wrong plot", doc.Note)

	rec = do(t, router, http.MethodDelete, fmt.Sprintf("/billing/documents/%d", doc.ID), "1", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, router, http.MethodDelete, fmt.Sprintf("/billing/documents/%d", doc.ID), "2", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, router, http.MethodGet, fmt.Sprintf("/billing/documents/%d", doc.ID), "2", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerApproveWithOverrides(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	rec := do(t, router, http.MethodPost, "/billing/requests", "1", submitBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	var doc Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))

	body := `{"jobs":[{"job_id":1,"pay_remaining":true}],"adjustments":[{"type":"deduction","description":"Cleanup","quantity":"1","unit_price":"100"}],"retention_percent":"0"}`
	rec = do(t, router, http.MethodPost, fmt.Sprintf("/billing/documents/%d/approve", doc.ID), "2", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, "10000.00", doc.TotalWorkAmount.StringFixed(2))
	require.Equal(t, "9900.00", doc.NetAmount.StringFixed(2))
}

func TestHandlerRejectsBadInput(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)

	cases := []struct {
		name string
		body string
	}{
		{"unknown field", `{"project_id":100,"contractor_id":7,"bogus":1}`},
		{"missing project", `{"contractor_id":7,"jobs":[{"job_id":1,"progress_percent":"10"}]}`},
		{"non numeric progress", `{"project_id":100,"contractor_id":7,"jobs":[{"job_id":1,"progress_percent":"half"}]}`},
		{"missing progress", `{"project_id":100,"contractor_id":7,"jobs":[{"job_id":1}]}`},
		{"bad adjustment type", `{"project_id":100,"contractor_id":7,"adjustments":[{"type":"bonus","description":"x","quantity":"1","unit_price":"1"}]}`},
		{"bad date", `{"project_id":100,"contractor_id":7,"billing_date":"10/04/2025","jobs":[{"job_id":1,"progress_percent":"10"}]}`},
		{"progress above hundred", `{"project_id":100,"contractor_id":7,"jobs":[{"job_id":1,"progress_percent":"150"}]}`},
		{"negative adjustment", `{"project_id":100,"contractor_id":7,"adjustments":[{"type":"deduction","description":"x","quantity":"-1","unit_price":"1"}]}`},
		{"no lines", `{"project_id":100,"contractor_id":7}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, router, http.MethodPost, "/billing/requests", "1", tc.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			require.Equal(t, "Validation Failed", decodeProblem(t, rec).Title)
		})
	}

	rec := do(t, router, http.MethodPost, "/billing/requests", "", submitBody)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, router, http.MethodGet, "/billing/documents/abc", "2", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, router, http.MethodGet, "/billing/documents/99", "2", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandlerIdempotentSubmit(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.Idempotency = &memoryIdempotency{} })
	router := newTestRouter(t, f)

	rec := do(t, router, http.MethodPost, "/billing/requests", "1", submitBody, IdempotencyHeader, "abc")
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = do(t, router, http.MethodPost, "/billing/requests", "1", submitBody, IdempotencyHeader, "abc")
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, router, http.MethodGet, "/billing/requests/mine", "1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page DocumentPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Documents, 1)
	require.Equal(t, 1, page.Pagination.Total)
}

func TestHandlerReconciliationFailure(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	rec := do(t, router, http.MethodPost, "/billing/requests", "1", submitBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	var doc Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))

	f.repo.failStep = "InsertPayment"
	rec = do(t, router, http.MethodPost, fmt.Sprintf("/billing/documents/%d/approve", doc.ID), "2", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	problem := decodeProblem(t, rec)
	require.Equal(t, "Reconciliation Failed", problem.Title)
	require.Contains(t, problem.Detail, "#0001")
	require.Contains(t, problem.Detail, string(StepInsertPayments))
}

func TestHandlerReports(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	rec := do(t, router, http.MethodPost, "/billing/requests", "1", submitBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	var doc Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	rec = do(t, router, http.MethodPost, fmt.Sprintf("/billing/documents/%d/approve", doc.ID), "2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodGet, "/billing/reports/contractor-cycle?date_from=2025-04-01&date_to=2025-04-30", "1", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, router, http.MethodGet, "/billing/reports/contractor-cycle?date_from=2025-04-01", "2", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, router, http.MethodGet, "/billing/reports/contractor-cycle?date_from=2025-04-01&date_to=2025-04-30", "2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var report CycleReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Contractors, 1)
	require.Equal(t, "4750.00", report.GrandTotals.Net.StringFixed(2))

	rec = do(t, router, http.MethodGet, "/billing/reports/contractor-cycle.csv?date_from=2025-04-01&date_to=2025-04-30", "2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/csv; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Contains(t, rec.Header().Get("Content-Disposition"), "contractor-cycle-20250401-20250430.csv")
	csvBody := rec.Body.String()
	require.True(t, strings.HasPrefix(csvBody, "contractor,doc_no,billing_date"))
	require.Contains(t, csvBody, "#0001")
	require.Contains(t, csvBody, "50.00%")

	rec = do(t, router, http.MethodGet, "/billing/reports/extra-work?date_from=2025-04-30&date_to=2025-04-01", "2", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, router, http.MethodGet, "/billing/reports/extra-work", "2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var extra ExtraWorkReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &extra))
	require.Empty(t, extra.Rows)

	rec = do(t, router, http.MethodGet, "/billing/documents?status=approved", "2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page DocumentPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Documents, 1)
	rec = do(t, router, http.MethodGet, "/billing/documents?status=archived", "2", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
