// Package ledger owns job assignments and the append-only payment ledger that
// billing approvals settle into.
package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrJobNotFound     = errors.New("ledger: job not found")
	ErrPaymentNotFound = errors.New("ledger: payment not found")
	ErrInvalidAmount   = errors.New("ledger: invalid amount")
	ErrValidation      = errors.New("ledger: validation failed")
	// ErrOwnedByBilling is returned when a payment can only be removed through its billing document.
	ErrOwnedByBilling = errors.New("ledger: payment belongs to a billing document")
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
)

// Pricing selects where a job's unit price comes from. It is either
// AgreedPricing or CatalogPricing.
type Pricing interface {
	pricing()
}

// AgreedPricing overrides the BOQ price with a negotiated one.
type AgreedPricing struct {
	Price decimal.Decimal
}

// CatalogPricing uses the BOQ master price.
type CatalogPricing struct{}

func (AgreedPricing) pricing()  {}
func (CatalogPricing) pricing() {}

// Agreed returns a negotiated price override.
func Agreed(price decimal.Decimal) Pricing {
	return AgreedPricing{Price: price}
}

// FromCatalog returns the BOQ price variant.
func FromCatalog() Pricing {
	return CatalogPricing{}
}

// PricingFromNullable maps the nullable agreed_price column.
func PricingFromNullable(agreed decimal.NullDecimal) Pricing {
	if agreed.Valid {
		return Agreed(agreed.Decimal)
	}
	return FromCatalog()
}

// EffectiveUnitPrice resolves the unit price for p given the BOQ price.
func EffectiveUnitPrice(p Pricing, boqUnitPrice decimal.Decimal) decimal.Decimal {
	switch v := p.(type) {
	case AgreedPricing:
		return v.Price
	case CatalogPricing:
		return boqUnitPrice
	default:
		return boqUnitPrice
	}
}

// Job is one BOQ line applied to one plot.
type Job struct {
	ID             int64
	PlotID         int64
	PlotName       string
	ProjectID      int64
	ProjectName    string
	HouseModelName string
	BOQItemID      int64
	ItemName       string
	Unit           string
	BOQQuantity    decimal.Decimal
	BOQUnitPrice   decimal.Decimal
	Pricing        Pricing
	ContractorID   *int64
	ContractorName string
	Status         JobStatus
	PaidToDate     decimal.Decimal
}

// EffectiveUnitPrice returns the agreed price when set, else the BOQ price.
func (j Job) EffectiveUnitPrice() decimal.Decimal {
	return EffectiveUnitPrice(j.Pricing, j.BOQUnitPrice)
}

// ContractValue is quantity times effective unit price.
func (j Job) ContractValue() decimal.Decimal {
	return j.BOQQuantity.Mul(j.EffectiveUnitPrice())
}

// Remaining is the unpaid part of the contract value. It is negative when overpaid.
func (j Job) Remaining() decimal.Decimal {
	return j.ContractValue().Sub(j.PaidToDate)
}

// Overpaid flags ledgers that exceed the contract value after manual corrections.
func (j Job) Overpaid() bool {
	return j.PaidToDate.GreaterThan(j.ContractValue())
}

// Payment is an immutable ledger entry.
type Payment struct {
	ID                int64           `json:"id"`
	JobID             int64           `json:"job_id"`
	Amount            decimal.Decimal `json:"amount"`
	PaidAt            time.Time       `json:"paid_at"`
	Note              string          `json:"note"`
	BillingDocumentID *int64          `json:"billing_document_id,omitempty"`
	CreatedBy         int64           `json:"created_by"`
	CreatedAt         time.Time       `json:"created_at"`
}

// RecentPaymentLimit is how many payments Summary returns.
const RecentPaymentLimit = 5

// Summary is the dashboard view of the ledger.
type Summary struct {
	ProjectCount   int64           `json:"project_count"`
	PlotCount      int64           `json:"plot_count"`
	TotalPaid      decimal.Decimal `json:"total_paid"`
	ActiveJobs     int64           `json:"active_jobs"`
	RecentPayments []RecentPayment `json:"recent_payments"`
}

// RecentPayment is a payment with the plot and project it settled.
type RecentPayment struct {
	Payment
	PlotName    string `json:"plot_name"`
	ProjectName string `json:"project_name"`
}

// JobFilter narrows job listings. Nil fields are ignored.
type JobFilter struct {
	ProjectID    *int64
	ContractorID *int64
	PlotID       *int64
}

// JobSummary is the read model returned to clients.
type JobSummary struct {
	ID                 int64            `json:"id"`
	PlotID             int64            `json:"plot_id"`
	PlotName           string           `json:"plot_name"`
	ProjectID          int64            `json:"project_id"`
	ProjectName        string           `json:"project_name"`
	HouseModelName     string           `json:"house_model_name"`
	ItemName           string           `json:"item_name"`
	Unit               string           `json:"unit"`
	Quantity           decimal.Decimal  `json:"quantity"`
	BOQUnitPrice       decimal.Decimal  `json:"boq_unit_price"`
	AgreedPrice        *decimal.Decimal `json:"agreed_price,omitempty"`
	EffectiveUnitPrice decimal.Decimal  `json:"effective_unit_price"`
	TotalContractValue decimal.Decimal  `json:"total_contract_value"`
	PaidToDate         decimal.Decimal  `json:"paid_to_date"`
	Remaining          decimal.Decimal  `json:"remaining"`
	Overpaid           bool             `json:"overpaid"`
	ContractorID       *int64           `json:"contractor_id,omitempty"`
	ContractorName     string           `json:"contractor_name,omitempty"`
	Status             JobStatus        `json:"status"`
}

// Summary projects a Job into its client read model.
func (j Job) Summary() JobSummary {
	s := JobSummary{
		ID:                 j.ID,
		PlotID:             j.PlotID,
		PlotName:           j.PlotName,
		ProjectID:          j.ProjectID,
		ProjectName:        j.ProjectName,
		HouseModelName:     j.HouseModelName,
		ItemName:           j.ItemName,
		Unit:               j.Unit,
		Quantity:           j.BOQQuantity,
		BOQUnitPrice:       j.BOQUnitPrice,
		EffectiveUnitPrice: j.EffectiveUnitPrice(),
		TotalContractValue: j.ContractValue(),
		PaidToDate:         j.PaidToDate,
		Remaining:          j.Remaining(),
		Overpaid:           j.Overpaid(),
		ContractorID:       j.ContractorID,
		ContractorName:     j.ContractorName,
		Status:             j.Status,
	}
	if agreed, ok := j.Pricing.(AgreedPricing); ok {
		price := agreed.Price
		s.AgreedPrice = &price
	}
	return s
}

// JobHistory is a job with every payment settled against it.
type JobHistory struct {
	JobSummary
	Payments []Payment `json:"payments"`
}

// SettlementInput records a direct payment outside the billing workflow.
type SettlementInput struct {
	JobID  int64
	Amount decimal.Decimal
	PaidAt time.Time
	Note   string
}
