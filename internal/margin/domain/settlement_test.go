package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserShare(t *testing.T) {
	tests := []struct {
		name   string
		days   int
		profit bool
		want   string
	}{
		{"loss is fully borne by user", 5, false, "1"},
		{"same day profit", 0, true, "0.99"},
		{"ten days profit", 10, true, "0.89"},
		{"share floors at zero", 200, true, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertDecimal(t, tt.want, UserShare(tt.days, tt.profit))
		})
	}
}

func TestUserPNL(t *testing.T) {
	p := NewPosition("p", "u", btcUSDT(), SideSell, d("1"), testNow)
	assertDecimal(t, "0.244680183", p.UserPNL(d("0.2471517"), testNow, DefaultExtensionLimit, time.UTC))
	assertDecimal(t, "-3.5", p.UserPNL(d("-3.5"), testNow.AddDate(0, 0, 3), DefaultExtensionLimit, time.UTC))

	assert.Equal(t, 2, p.ExtensionDays(testNow.AddDate(0, 0, 2), DefaultExtensionLimit, time.UTC))
	assert.Equal(t, DefaultExtensionLimit, p.ExtensionDays(testNow.AddDate(0, 0, 90), DefaultExtensionLimit, time.UTC))
}

func TestExtensionFeeAmount(t *testing.T) {
	assertDecimal(t, "0.015", ExtensionFeeAmount(d("19.17"), d("30"), d("0.0005")))
	assertDecimal(t, "0.045", ExtensionFeeAmount(d("61"), d("30"), d("0.0005")))
	assertDecimal(t, "0", ExtensionFeeAmount(d("61"), decimal.Zero, d("0.0005")))
	assertDecimal(t, "0", ExtensionFeeAmount(decimal.Zero, d("30"), d("0.0005")))
}

func TestFeeDue(t *testing.T) {
	p := NewPosition("p", "u", btcUSDT(), SideSell, d("1"), testNow)
	assert.False(t, p.FeeDue(testNow, DefaultExtensionLimit, time.UTC), "no fee on creation day")
	assert.True(t, p.FeeDue(testNow.AddDate(0, 0, 1), DefaultExtensionLimit, time.UTC))
	assert.True(t, p.FeeDue(testNow.AddDate(0, 0, DefaultExtensionLimit), DefaultExtensionLimit, time.UTC))
	assert.False(t, p.FeeDue(testNow.AddDate(0, 0, DefaultExtensionLimit+1), DefaultExtensionLimit, time.UTC))

	p.Status = PositionStatusClosed
	assert.False(t, p.FeeDue(testNow.AddDate(0, 0, 1), DefaultExtensionLimit, time.UTC))
}

func TestChargeFee(t *testing.T) {
	p := NewPosition("p", "u", btcUSDT(), SideSell, d("1"), testNow)
	p.Collateral = d("21.3")
	p.EarnedAmount = d("19.15083")
	p.DelegatedAmount = d("0.0009")

	require.NoError(t, p.ChargeFee(d("0.015"), DefaultMaintenanceMarginRatio, testNow))
	assertDecimal(t, "21.285", p.Collateral)
	assert.True(t, p.LiquidationPrice.LessThan(d("40798.13")))

	assert.ErrorIs(t, p.ChargeFee(d("22"), DefaultMaintenanceMarginRatio, testNow), ErrInsufficientBalance)
	assertDecimal(t, "21.285", p.Collateral)
}

func settledShort(t *testing.T, earned string) *Position {
	t.Helper()
	p := NewPosition("p", "u", btcUSDT(), SideSell, d("1"), testNow)
	p.Status = PositionStatusClosed
	p.Collateral = d("21.3")
	p.EarnedAmount = d(earned)
	opened := testNow
	closed := testNow.Add(time.Hour)
	p.OpenedAt = &opened
	p.ClosedAt = &closed
	return p
}

func TestPlanSettlementProfit(t *testing.T) {
	p := settledShort(t, "0.2471517")
	s, err := p.PlanSettlement(d("25"), DefaultExtensionLimit, time.UTC)
	require.NoError(t, err)
	assertDecimal(t, "0.244680183", s.PNL)
	assertDecimal(t, "-0.2471517", s.PoolAmount)
	assertDecimal(t, "0.002471517", s.Residual)
	assertDecimal(t, "21.3", s.Unblock)
	assert.False(t, s.CollateralShortfall)

	p.ApplySettlement(s, "tx1", testNow)
	assert.True(t, p.IsSettled())
	assert.False(t, p.NeedsPNL())
}

func TestPlanSettlementLossBeyondCollateral(t *testing.T) {
	p := settledShort(t, "-21.7213")
	s, err := p.PlanSettlement(d("25"), DefaultExtensionLimit, time.UTC)
	require.NoError(t, err)
	assert.True(t, s.CollateralShortfall)
	assertDecimal(t, "-21.3", s.PNL)
	assertDecimal(t, "-0.4213", s.Residual)
}

func TestPlanSettlementRequiresRepaidLiability(t *testing.T) {
	p := settledShort(t, "1")
	p.DelegatedAmount = d("0.0001")
	_, err := p.PlanSettlement(d("25"), DefaultExtensionLimit, time.UTC)
	assert.ErrorIs(t, err, ErrInvariantViolation)
}
