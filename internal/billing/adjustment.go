package billing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/buildpay/buildpay/internal/money"
)

// AdjustmentTotals are the unsigned sums of addition and deduction lines.
type AdjustmentTotals struct {
	Addition  decimal.Decimal
	Deduction decimal.Decimal
}

// Net is additions minus deductions.
func (t AdjustmentTotals) Net() decimal.Decimal {
	return t.Addition.Sub(t.Deduction)
}

// ValidateAdjustment rejects unknown kinds, blank descriptions and negative inputs.
func ValidateAdjustment(line AdjustmentLine) error {
	if line.Kind != KindAddition && line.Kind != KindDeduction {
		return fmt.Errorf("%w: unknown adjustment type %q", ErrValidation, line.Kind)
	}
	if strings.TrimSpace(line.Description) == "" {
		return fmt.Errorf("%w: adjustment description is required", ErrValidation)
	}
	if line.Quantity.IsNegative() || line.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: adjustment %q has negative quantity or unit price", ErrInvalidAmount, line.Description)
	}
	return nil
}

// Adjustments validates lines and sums them by kind, rounded to currency precision.
func Adjustments(lines []AdjustmentLine) (AdjustmentTotals, error) {
	add, deduct := decimal.Zero, decimal.Zero
	for _, line := range lines {
		if err := ValidateAdjustment(line); err != nil {
			return AdjustmentTotals{}, err
		}
		switch line.Kind {
		case KindAddition:
			add = add.Add(line.Total())
		case KindDeduction:
			deduct = deduct.Add(line.Total())
		}
	}
	return AdjustmentTotals{Addition: money.Round(add), Deduction: money.Round(deduct)}, nil
}
