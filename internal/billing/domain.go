// Package billing implements the progress billing engine: request submission,
// review, approval into the job ledger and contractor cycle reporting.
package billing

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/buildpay/buildpay/internal/money"
	"github.com/buildpay/buildpay/internal/shared"
)

// ApprovalModule is the module key used for approval history and idempotency keys.
const ApprovalModule = "BILLING"

// Actor identifies the caller of every state transition.
type Actor = shared.Actor

// DocumentType distinguishes BOQ progress billing from lump-sum extra work.
type DocumentType string

const (
	TypeProgress  DocumentType = "progress"
	TypeExtraWork DocumentType = "extra_work"
)

// Valid reports whether t is a known document type.
func (t DocumentType) Valid() bool {
	return t == TypeProgress || t == TypeExtraWork
}

// Status enumerates the document lifecycle.
type Status string

const (
	StatusPendingReview Status = "pending_review"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingReview, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// AdjustmentKind is the sign of an adjustment line.
type AdjustmentKind string

const (
	KindAddition  AdjustmentKind = "addition"
	KindDeduction AdjustmentKind = "deduction"
)

// Document is a billing request header with its lines.
type Document struct {
	ID                int64            `json:"id"`
	OrgID             int64            `json:"org_id"`
	DocNo             int64            `json:"doc_no"`
	ProjectID         int64            `json:"project_id"`
	ProjectName       string           `json:"project_name"`
	ContractorID      int64            `json:"contractor_id"`
	ContractorName    string           `json:"contractor_name"`
	PlotID            *int64           `json:"plot_id,omitempty"`
	PlotName          string           `json:"plot_name,omitempty"`
	PlotType          string           `json:"plot_type,omitempty"`
	Type              DocumentType     `json:"type"`
	Status            Status           `json:"status"`
	BillingDate       time.Time        `json:"billing_date"`
	Note              string           `json:"note"`
	ExtraWorkReason   string           `json:"extra_work_reason,omitempty"`
	TotalWorkAmount   decimal.Decimal  `json:"total_work_amount"`
	TotalAddAmount    decimal.Decimal  `json:"total_add_amount"`
	TotalDeductAmount decimal.Decimal  `json:"total_deduct_amount"`
	WHTPercent        decimal.Decimal  `json:"wht_percent"`
	RetentionPercent  decimal.Decimal  `json:"retention_percent"`
	NetAmount         decimal.Decimal  `json:"net_amount"`
	CreatedBy         int64            `json:"created_by"`
	SubmittedBy       int64            `json:"submitted_by"`
	ReviewedBy        *int64           `json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time       `json:"reviewed_at,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
	Version           int64            `json:"version"`
	Jobs              []JobLine        `json:"jobs,omitempty"`
	Adjustments       []AdjustmentLine `json:"adjustments,omitempty"`
}

// Reference is the human document number.
func (d Document) Reference() string {
	return FormatDocNo(d.DocNo)
}

// Totals recomputes the derived deductions from the stored header.
func (d Document) Totals() Totals {
	t, err := ComputeTotals(d.TotalWorkAmount, d.TotalAddAmount, d.TotalDeductAmount, d.WHTPercent, d.RetentionPercent)
	if err != nil {
		// stored percentages are constrained by the schema
		return Totals{Work: d.TotalWorkAmount, Add: d.TotalAddAmount, Deduct: d.TotalDeductAmount, Net: d.NetAmount}
	}
	return t
}

func (d Document) header() Header {
	return Header{
		ProjectID:       d.ProjectID,
		ContractorID:    d.ContractorID,
		PlotID:          d.PlotID,
		Type:            d.Type,
		BillingDate:     d.BillingDate,
		Note:            d.Note,
		ExtraWorkReason: d.ExtraWorkReason,
	}
}

func (d *Document) applyHeader(h Header) {
	d.ProjectID = h.ProjectID
	d.ContractorID = h.ContractorID
	d.PlotID = h.PlotID
	d.Type = h.Type
	d.BillingDate = h.BillingDate
	d.Note = h.Note
	d.ExtraWorkReason = h.ExtraWorkReason
}

func (d *Document) applyTotals(t Totals) {
	d.TotalWorkAmount = t.Work
	d.TotalAddAmount = t.Add
	d.TotalDeductAmount = t.Deduct
	d.WHTPercent = t.WHTPercent
	d.RetentionPercent = t.RetentionPercent
	d.NetAmount = t.Net
}

// JobLine is the amount drawn against one job. Descriptive fields are joined
// from the ledger on read and ignored on write.
type JobLine struct {
	ID              int64           `json:"id"`
	DocumentID      int64           `json:"billing_id"`
	JobID           int64           `json:"job_id"`
	Amount          decimal.Decimal `json:"amount"`
	ProgressPercent decimal.Decimal `json:"progress_percent"`

	ItemName    string          `json:"item_name,omitempty"`
	Unit        string          `json:"unit,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	PlotID      int64           `json:"plot_id,omitempty"`
	PlotName    string          `json:"plot_name,omitempty"`
	PlotType    string          `json:"plot_type,omitempty"`
	ProjectName string          `json:"project_name,omitempty"`
}

// AdjustmentLine is a lump-sum addition or deduction.
type AdjustmentLine struct {
	ID          int64           `json:"id"`
	DocumentID  int64           `json:"billing_id"`
	Kind        AdjustmentKind  `json:"type"`
	Description string          `json:"description"`
	Unit        string          `json:"unit"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	PlotName    string          `json:"plot_name,omitempty"`
}

// Total is quantity times unit price.
func (a AdjustmentLine) Total() decimal.Decimal {
	return a.Quantity.Mul(a.UnitPrice)
}

// Signed is Total, negated for deductions.
func (a AdjustmentLine) Signed() decimal.Decimal {
	if a.Kind == KindDeduction {
		return a.Total().Neg()
	}
	return a.Total()
}

// Header carries the editable document fields.
type Header struct {
	ProjectID       int64
	ContractorID    int64
	PlotID          *int64
	Type            DocumentType
	BillingDate     time.Time
	Note            string
	ExtraWorkReason string
}

// JobLineInput requests a draw for a job. PayRemaining settles the whole
// remaining balance and overrides ProgressPercent.
type JobLineInput struct {
	JobID           int64
	ProgressPercent decimal.Decimal
	PayRemaining    bool
}

// AdjustmentInput is an adjustment line as entered.
type AdjustmentInput struct {
	Kind        AdjustmentKind
	Description string
	Unit        string
	Quantity    decimal.Decimal
	UnitPrice   decimal.Decimal
	PlotName    string
}

func (in AdjustmentInput) line() AdjustmentLine {
	return AdjustmentLine{
		Kind:        in.Kind,
		Description: in.Description,
		Unit:        in.Unit,
		Quantity:    in.Quantity,
		UnitPrice:   in.UnitPrice,
		PlotName:    in.PlotName,
	}
}

// SubmitInput creates a billing request. IdempotencyKey is optional.
type SubmitInput struct {
	Header
	Jobs           []JobLineInput
	Adjustments    []AdjustmentInput
	IdempotencyKey string
}

// UpdateInput fully replaces a pending request.
type UpdateInput struct {
	Header
	Jobs        []JobLineInput
	Adjustments []AdjustmentInput
}

// ApproveInput carries the reviewer's final edits. Nil slices keep the stored
// lines; an empty slice clears them. Nil percentages keep the stored ones.
type ApproveInput struct {
	BillingDate      *time.Time
	Note             *string
	Jobs             []JobLineInput
	Adjustments      []AdjustmentInput
	WHTPercent       *decimal.Decimal
	RetentionPercent *decimal.Decimal
}

// RejectInput carries the optional rejection reason.
type RejectInput struct {
	Note string
}

// ListFilter narrows document listings. Nil fields are ignored.
type ListFilter struct {
	Status       *Status
	Type         *DocumentType
	ProjectID    *int64
	ContractorID *int64
	CreatedBy    *int64
	Page         int
	PerPage      int
}

// DocumentPage is one page of documents without lines.
type DocumentPage struct {
	Documents  []Document        `json:"documents"`
	Pagination shared.Pagination `json:"pagination"`
}

// JobLineView enriches a stored line with the job's live ledger position.
type JobLineView struct {
	JobLine
	ContractValue    decimal.Decimal `json:"contract_value"`
	PaidBefore       decimal.Decimal `json:"paid_before"`
	PreviousProgress decimal.Decimal `json:"previous_progress"`
	Remaining        decimal.Decimal `json:"remaining"`
}

// DocumentView is a document with computed deductions and its history.
type DocumentView struct {
	Document
	Jobs            []JobLineView   `json:"jobs"`
	WHTAmount       decimal.Decimal `json:"wht_amount"`
	RetentionAmount decimal.Decimal `json:"retention_amount"`
	GrossAmount     decimal.Decimal `json:"gross_amount"`
	History         []HistoryEntry  `json:"history"`
}

// HistoryEntry is one approval log row.
type HistoryEntry struct {
	ActorID int64     `json:"actor_id"`
	Action  string    `json:"action"`
	Note    string    `json:"note,omitempty"`
	At      time.Time `json:"at"`
}

// ExtraWorkFilter narrows the extra work history.
type ExtraWorkFilter struct {
	ProjectID *int64
	PlotID    *int64
	Reason    string
	DateFrom  *time.Time
	DateTo    *time.Time
}

// ExtraWorkRow is one extra-work document in the history report.
type ExtraWorkRow struct {
	ID             int64            `json:"id"`
	DocNo          string           `json:"doc_no"`
	BillingDate    time.Time        `json:"billing_date"`
	Status         Status           `json:"status"`
	ProjectName    string           `json:"project_name"`
	PlotName       string           `json:"plot_name"`
	ContractorName string           `json:"contractor_name"`
	Reason         string           `json:"reason"`
	TotalAdd       decimal.Decimal  `json:"total_add"`
	TotalDeduct    decimal.Decimal  `json:"total_deduct"`
	NetAmount      decimal.Decimal  `json:"net_amount"`
	Lines          []AdjustmentLine `json:"lines"`
}

// ExtraWorkReport lists extra-work documents with grand totals.
type ExtraWorkReport struct {
	Rows        []ExtraWorkRow  `json:"rows"`
	TotalAdd    decimal.Decimal `json:"total_add"`
	TotalDeduct decimal.Decimal `json:"total_deduct"`
	TotalNet    decimal.Decimal `json:"total_net"`
}

func paymentNote(docNo int64) string {
	return "Billing " + FormatDocNo(docNo)
}

func zeroIfNegative(d decimal.Decimal) decimal.Decimal {
	return money.Max(d, decimal.Zero)
}
