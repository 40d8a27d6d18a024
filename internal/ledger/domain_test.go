package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/buildpay/buildpay/internal/money"
)

func TestEffectiveUnitPriceHandlesBothVariants(t *testing.T) {
	boq := money.MustParse("1000")
	require.True(t, EffectiveUnitPrice(FromCatalog(), boq).Equal(boq))
	require.True(t, EffectiveUnitPrice(Agreed(money.MustParse("850")), boq).Equal(money.MustParse("850")))
	require.True(t, EffectiveUnitPrice(nil, boq).Equal(boq))

	require.IsType(t, CatalogPricing{}, PricingFromNullable(decimal.NullDecimal{}))
	require.IsType(t, AgreedPricing{}, PricingFromNullable(decimal.NullDecimal{Decimal: boq, Valid: true}))
}

func TestJobDerivedAmounts(t *testing.T) {
	job := Job{
		BOQQuantity:  decimal.NewFromInt(10),
		BOQUnitPrice: decimal.NewFromInt(1000),
		Pricing:      FromCatalog(),
		PaidToDate:   decimal.NewFromInt(4000),
	}
	require.True(t, job.ContractValue().Equal(decimal.NewFromInt(10000)))
	require.True(t, job.Remaining().Equal(decimal.NewFromInt(6000)))
	require.False(t, job.Overpaid())

	job.Pricing = Agreed(decimal.NewFromInt(300))
	require.True(t, job.ContractValue().Equal(decimal.NewFromInt(3000)))
	require.True(t, job.Overpaid())
	require.True(t, job.Remaining().Equal(decimal.NewFromInt(-1000)))

	summary := job.Summary()
	require.NotNil(t, summary.AgreedPrice)
	require.True(t, summary.EffectiveUnitPrice.Equal(decimal.NewFromInt(300)))
	require.True(t, summary.Overpaid)
}
