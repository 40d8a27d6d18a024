package billing

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/buildpay/buildpay/internal/money"
	"github.com/buildpay/buildpay/internal/platform/httpx"
)

type jobLineRequest struct {
	JobID           int64  `json:"job_id" validate:"required,gt=0"`
	ProgressPercent string `json:"progress_percent" validate:"required_without=PayRemaining,omitempty,numeric"`
	PayRemaining    bool   `json:"pay_remaining"`
}

type adjustmentRequest struct {
	Type        string `json:"type" validate:"required,oneof=addition deduction"`
	Description string `json:"description" validate:"required,max=500"`
	Unit        string `json:"unit" validate:"max=50"`
	Quantity    string `json:"quantity" validate:"required,numeric"`
	UnitPrice   string `json:"unit_price" validate:"required,numeric"`
	PlotName    string `json:"plot_name" validate:"max=100"`
}

type headerRequest struct {
	ProjectID       int64  `json:"project_id" validate:"required,gt=0"`
	ContractorID    int64  `json:"contractor_id" validate:"required,gt=0"`
	PlotID          *int64 `json:"plot_id" validate:"omitempty,gt=0"`
	Type            string `json:"type" validate:"omitempty,oneof=progress extra_work"`
	BillingDate     string `json:"billing_date" validate:"omitempty,datetime=2006-01-02"`
	Note            string `json:"note" validate:"max=1000"`
	ExtraWorkReason string `json:"extra_work_reason" validate:"max=500"`
}

type submitRequest struct {
	headerRequest
	Jobs        []jobLineRequest    `json:"jobs" validate:"dive"`
	Adjustments []adjustmentRequest `json:"adjustments" validate:"dive"`
}

type approveRequest struct {
	BillingDate      string              `json:"billing_date" validate:"omitempty,datetime=2006-01-02"`
	Note             *string             `json:"note" validate:"omitempty,max=1000"`
	Jobs             []jobLineRequest    `json:"jobs" validate:"omitempty,dive"`
	Adjustments      []adjustmentRequest `json:"adjustments" validate:"omitempty,dive"`
	WHTPercent       *string             `json:"wht_percent" validate:"omitempty,numeric"`
	RetentionPercent *string             `json:"retention_percent" validate:"omitempty,numeric"`
}

type rejectRequest struct {
	Note string `json:"note" validate:"max=1000"`
}

func (r headerRequest) toHeader() Header {
	h := Header{
		ProjectID:       r.ProjectID,
		ContractorID:    r.ContractorID,
		PlotID:          r.PlotID,
		Type:            DocumentType(r.Type),
		Note:            r.Note,
		ExtraWorkReason: r.ExtraWorkReason,
	}
	if r.BillingDate != "" {
		h.BillingDate, _ = time.Parse(time.DateOnly, r.BillingDate)
	}
	return h
}

// toJobInputs keeps nil distinct from empty.
func toJobInputs(reqs []jobLineRequest) ([]JobLineInput, error) {
	if reqs == nil {
		return nil, nil
	}
	out := make([]JobLineInput, 0, len(reqs))
	for _, r := range reqs {
		in := JobLineInput{JobID: r.JobID, PayRemaining: r.PayRemaining}
		if !r.PayRemaining {
			p, err := money.Parse(r.ProgressPercent)
			if err != nil {
				return nil, fmt.Errorf("%w: job %d progress", ErrInvalidProgress, r.JobID)
			}
			in.ProgressPercent = p
		}
		out = append(out, in)
	}
	return out, nil
}

func toAdjustmentInputs(reqs []adjustmentRequest) ([]AdjustmentInput, error) {
	if reqs == nil {
		return nil, nil
	}
	out := make([]AdjustmentInput, 0, len(reqs))
	for _, r := range reqs {
		qty, err := money.Parse(r.Quantity)
		if err != nil {
			return nil, fmt.Errorf("%w: quantity of %q", ErrInvalidAmount, r.Description)
		}
		price, err := money.Parse(r.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("%w: unit price of %q", ErrInvalidAmount, r.Description)
		}
		out = append(out, AdjustmentInput{
			Kind:        AdjustmentKind(r.Type),
			Description: r.Description,
			Unit:        r.Unit,
			Quantity:    qty,
			UnitPrice:   price,
			PlotName:    r.PlotName,
		})
	}
	return out, nil
}

func (r submitRequest) toInput(idempotencyKey string) (SubmitInput, error) {
	jobs, err := toJobInputs(r.Jobs)
	if err != nil {
		return SubmitInput{}, err
	}
	adjustments, err := toAdjustmentInputs(r.Adjustments)
	if err != nil {
		return SubmitInput{}, err
	}
	return SubmitInput{Header: r.toHeader(), Jobs: jobs, Adjustments: adjustments, IdempotencyKey: idempotencyKey}, nil
}

func (r approveRequest) toInput() (ApproveInput, error) {
	var in ApproveInput
	var err error
	if r.BillingDate != "" {
		d, _ := time.Parse(time.DateOnly, r.BillingDate)
		in.BillingDate = &d
	}
	in.Note = r.Note
	if in.Jobs, err = toJobInputs(r.Jobs); err != nil {
		return ApproveInput{}, err
	}
	if in.Adjustments, err = toAdjustmentInputs(r.Adjustments); err != nil {
		return ApproveInput{}, err
	}
	if in.WHTPercent, err = optionalPercent("wht_percent", r.WHTPercent); err != nil {
		return ApproveInput{}, err
	}
	if in.RetentionPercent, err = optionalPercent("retention_percent", r.RetentionPercent); err != nil {
		return ApproveInput{}, err
	}
	return in, nil
}

func optionalPercent(name string, raw *string) (*decimal.Decimal, error) {
	if raw == nil {
		return nil, nil
	}
	d, err := money.Parse(*raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrValidation, name)
	}
	return &d, nil
}

func parseListFilter(r *http.Request) (ListFilter, error) {
	var (
		filter ListFilter
		err    error
	)
	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		status := Status(raw)
		filter.Status = &status
	}
	if raw := strings.TrimSpace(q.Get("type")); raw != "" {
		t := DocumentType(raw)
		filter.Type = &t
	}
	if filter.ProjectID, err = httpx.QueryInt64(r, "project_id"); err != nil {
		return filter, err
	}
	if filter.ContractorID, err = httpx.QueryInt64(r, "contractor_id"); err != nil {
		return filter, err
	}
	filter.Page, filter.PerPage = parsePage(r)
	return filter, nil
}

func parsePage(r *http.Request) (int, int) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	return page, perPage
}

func parseCycleFilter(r *http.Request) (CycleFilter, error) {
	var (
		filter CycleFilter
		err    error
	)
	from, err := queryDate(r, "date_from")
	if err != nil {
		return filter, err
	}
	to, err := queryDate(r, "date_to")
	if err != nil {
		return filter, err
	}
	if from == nil || to == nil {
		return filter, fmt.Errorf("%w: date_from and date_to are required", ErrValidation)
	}
	filter.DateFrom, filter.DateTo = *from, *to
	if filter.ProjectID, err = httpx.QueryInt64(r, "project_id"); err != nil {
		return filter, err
	}
	if filter.ContractorID, err = httpx.QueryInt64(r, "contractor_id"); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseExtraWorkFilter(r *http.Request) (ExtraWorkFilter, error) {
	var (
		filter ExtraWorkFilter
		err    error
	)
	if filter.ProjectID, err = httpx.QueryInt64(r, "project_id"); err != nil {
		return filter, err
	}
	if filter.PlotID, err = httpx.QueryInt64(r, "plot_id"); err != nil {
		return filter, err
	}
	if filter.DateFrom, err = queryDate(r, "date_from"); err != nil {
		return filter, err
	}
	if filter.DateTo, err = queryDate(r, "date_to"); err != nil {
		return filter, err
	}
	filter.Reason = strings.TrimSpace(r.URL.Query().Get("reason"))
	return filter, nil
}

func queryDate(r *http.Request, name string) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	d, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be YYYY-MM-DD", ErrValidation, name)
	}
	return &d, nil
}
