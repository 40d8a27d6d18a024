package billing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/buildpay/buildpay/internal/money"
)

// Totals are the header amounts of a document.
type Totals struct {
	Work             decimal.Decimal `json:"total_work_amount"`
	Add              decimal.Decimal `json:"total_add_amount"`
	Deduct           decimal.Decimal `json:"total_deduct_amount"`
	WHTPercent       decimal.Decimal `json:"wht_percent"`
	RetentionPercent decimal.Decimal `json:"retention_percent"`
	WHT              decimal.Decimal `json:"wht_amount"`
	Retention        decimal.Decimal `json:"retention_amount"`
	Gross            decimal.Decimal `json:"gross_amount"`
	Net              decimal.Decimal `json:"net_amount"`
}

// ComputeTotals derives withholding, retention, gross and net.
//
// WHT applies to additions only and retention to progress work only. The
// deductions are rounded first and net is built from the rounded parts, so
// net = (work - retention) + (add - wht) - deduct holds exactly.
func ComputeTotals(work, add, deduct, whtPercent, retentionPercent decimal.Decimal) (Totals, error) {
	if err := validatePercent("wht", whtPercent); err != nil {
		return Totals{}, err
	}
	if err := validatePercent("retention", retentionPercent); err != nil {
		return Totals{}, err
	}
	if work.IsNegative() || add.IsNegative() || deduct.IsNegative() {
		return Totals{}, fmt.Errorf("%w: totals must not be negative", ErrInvalidAmount)
	}
	t := Totals{
		Work:             money.Round(work),
		Add:              money.Round(add),
		Deduct:           money.Round(deduct),
		WHTPercent:       whtPercent,
		RetentionPercent: retentionPercent,
	}
	t.WHT = money.Round(money.Percent(t.Add, whtPercent))
	t.Retention = money.Round(money.Percent(t.Work, retentionPercent))
	t.Gross = t.Work.Add(t.Add).Sub(t.Deduct)
	t.Net = t.Work.Sub(t.Retention).Add(t.Add.Sub(t.WHT)).Sub(t.Deduct)
	return t, nil
}

func validatePercent(name string, pct decimal.Decimal) error {
	if pct.IsNegative() || pct.GreaterThan(money.Hundred()) {
		return fmt.Errorf("%w: %s percent %s is outside [0, 100]", ErrValidation, name, pct)
	}
	return nil
}
