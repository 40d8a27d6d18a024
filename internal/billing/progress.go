package billing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/buildpay/buildpay/internal/money"
)

// Draw is the amount billed for one job at a requested progress.
type Draw struct {
	Amount           decimal.Decimal
	ProgressPercent  decimal.Decimal
	PreviousProgress decimal.Decimal
}

// PreviousProgress is the share of the contract already paid, in percent.
// It is zero when the contract value is zero.
func PreviousProgress(contractValue, paidToDate decimal.Decimal) decimal.Decimal {
	if !contractValue.IsPositive() {
		return decimal.Zero
	}
	return paidToDate.Mul(money.Hundred()).Div(contractValue)
}

// ValidateProgress requires p in (0, 100] and strictly above previous.
func ValidateProgress(p, previous decimal.Decimal) error {
	if !p.IsPositive() || p.GreaterThan(money.Hundred()) {
		return fmt.Errorf("%w: %s%% is outside (0, 100]", ErrInvalidProgress, p)
	}
	if !p.GreaterThan(previous) {
		return fmt.Errorf("%w: %s%% must exceed previous progress %s%%", ErrInvalidProgress, p, previous.StringFixed(2))
	}
	return nil
}

// DrawForProgress returns max(0, contract*p/100 - paid) rounded to currency precision.
func DrawForProgress(contractValue, paidToDate, p decimal.Decimal) (Draw, error) {
	previous := PreviousProgress(contractValue, paidToDate)
	if err := ValidateProgress(p, previous); err != nil {
		return Draw{}, err
	}
	amount := zeroIfNegative(money.Percent(contractValue, p).Sub(paidToDate))
	return Draw{Amount: money.Round(amount), ProgressPercent: p, PreviousProgress: previous}, nil
}

// PayRemaining draws the whole unpaid balance at 100%.
func PayRemaining(contractValue, paidToDate decimal.Decimal) (Draw, error) {
	previous := PreviousProgress(contractValue, paidToDate)
	full := money.Hundred()
	if err := ValidateProgress(full, previous); err != nil {
		return Draw{}, err
	}
	return Draw{
		Amount:           money.Round(contractValue.Sub(paidToDate)),
		ProgressPercent:  full,
		PreviousProgress: previous,
	}, nil
}

func drawFor(contractValue, paidToDate decimal.Decimal, in JobLineInput) (Draw, error) {
	if in.PayRemaining {
		return PayRemaining(contractValue, paidToDate)
	}
	return DrawForProgress(contractValue, paidToDate, in.ProgressPercent)
}
