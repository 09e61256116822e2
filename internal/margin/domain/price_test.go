package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardMarkPriceBlocksSpike(t *testing.T) {
	p := NewPosition("p", "u", btcUSDT(), SideSell, d("1"), testNow)
	p.LiquidationPrice = d("40798.13")
	g := DefaultLiquidationGuard

	spike := PriceQuote{MinPrice: d("41000"), MaxPrice: d("41000"), Mark: d("21350")}
	assert.False(t, g.Triggered(p, spike), "mark price far below last trade blocks liquidation")

	agreed := PriceQuote{MinPrice: d("41000"), MaxPrice: d("41000"), Mark: d("40000")}
	assert.True(t, g.Triggered(p, agreed))

	noMark := QuoteFromLast(d("41000"), decimal.Zero)
	assert.True(t, g.Triggered(p, noMark))
	assert.False(t, LiquidationGuard{MarkGuardRate: d("0.05"), RequireMark: true}.Triggered(p, noMark))

	below := QuoteFromLast(d("39000"), d("39000"))
	assert.False(t, g.Triggered(p, below))
}

func TestGuardLong(t *testing.T) {
	p := NewPosition("p", "u", btcUSDT(), SideBuy, d("2"), testNow)
	p.LiquidationPrice = d("11553.78")
	g := DefaultLiquidationGuard

	assert.True(t, g.Triggered(p, QuoteFromLast(d("11500"), d("11500"))))
	assert.False(t, g.Triggered(p, QuoteFromLast(d("11600"), d("11600"))))
	assert.False(t, g.Triggered(p, PriceQuote{MinPrice: d("11000"), MaxPrice: d("12000"), Mark: d("13000")}))

	p.LiquidationPrice = decimal.Zero
	assert.False(t, g.Triggered(p, QuoteFromLast(d("1"), decimal.Zero)))
}

func TestGuardBounds(t *testing.T) {
	minP, maxP, ok := DefaultLiquidationGuard.Bounds(PriceQuote{MinPrice: d("90"), MaxPrice: d("120"), Mark: d("100")})
	require.True(t, ok)
	assertDecimal(t, "95", minP)
	assertDecimal(t, "105", maxP)

	_, _, ok = DefaultLiquidationGuard.Bounds(PriceQuote{})
	assert.False(t, ok)
}

func TestOrderCollateral(t *testing.T) {
	m := btcUSDT()
	assertDecimal(t, "21.3", OrderCollateral(m, d("1"), SideSell, d("0.001"), d("21300"), d("21000")))
	assertDecimal(t, "21.5", OrderCollateral(m, d("1"), SideSell, d("0.001"), d("21300"), d("21500")))
	assertDecimal(t, "10.65", OrderCollateral(m, d("2"), SideBuy, d("0.001"), d("21300"), d("21500")))
	assertDecimal(t, "10.75", OrderCollateral(m, d("2"), SideBuy, d("0.001"), decimal.Zero, d("21500")))
}

func TestReleaseOnCancelAfterPartialFill(t *testing.T) {
	p, o := newShort(t)
	require.NoError(t, o.ApplyMatch(d("0.0009"), d("21300"), d("0.01917"), testNow))
	require.True(t, o.Cancel(testNow))

	released := p.ReleaseOnCancel(o, nil)
	assertDecimal(t, "2.13", released)
	assertDecimal(t, "19.17", p.Collateral)
	assertDecimal(t, "19.17", o.BlockedCollateral)
}

func TestReleaseOnCancelWithPairKeepsLargerBlock(t *testing.T) {
	p, o := newShort(t)
	pair := &Order{ID: "o2", PositionID: p.ID, Side: SideSell, Amount: d("0.001"), Price: d("22000"),
		BlockedCollateral: d("22"), Status: OrderStatusNew}
	p.Collateral = d("22")
	o.PairID, pair.PairID = pair.ID, o.ID
	p.Orders = append(p.Orders, pair)

	require.True(t, o.Cancel(testNow))
	assertDecimal(t, "0", p.ReleaseOnCancel(o, pair))
	assertDecimal(t, "22", p.Collateral)
}

func TestChangeCollateral(t *testing.T) {
	p := NewPosition("p", "u", btcUSDT(), SideBuy, d("2"), testNow)
	p.Status = PositionStatusOpen
	p.Collateral = d("10")
	p.EarnedAmount = d("-20")
	p.DelegatedAmount = d("0.001")
	price := d("20000")

	_, err := p.ChangeCollateral(d("5"), price, d("100"))
	assert.ErrorIs(t, err, ErrLowMarginRatio)
	assertDecimal(t, "10", p.Collateral)

	_, err = p.ChangeCollateral(d("200"), price, d("100"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = p.ChangeCollateral(d("-1"), price, d("100"))
	assert.ErrorIs(t, err, ErrNegativeCollateral)

	delta, err := p.ChangeCollateral(d("15"), price, d("100"))
	require.NoError(t, err)
	assertDecimal(t, "5", delta)
	assertDecimal(t, "15", p.Collateral)

	minC, maxC := p.CollateralRange(price, d("100"), 6)
	assertDecimal(t, "10", minC)
	assertDecimal(t, "115", maxC)

	p.Status = PositionStatusClosed
	_, err = p.ChangeCollateral(d("20"), price, d("100"))
	assert.ErrorIs(t, err, ErrPositionNotOpen)
}

func TestLiquidationRequestCumulativeUpdates(t *testing.T) {
	p := NewPosition("p", "u", btcUSDT(), SideSell, d("1"), testNow)
	p.DelegatedAmount = d("0.6")
	r := NewLiquidationRequest("r1", p, "pool_btc", testNow)
	assert.Equal(t, SideBuy, r.Side)
	assertDecimal(t, "0.6", r.Amount)

	at := testNow.Add(time.Minute)
	changed, err := r.ApplyUpdate(d("0.3"), d("6300"), false, at)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = r.ApplyUpdate(d("0.2"), d("4200"), false, at)
	require.NoError(t, err)
	assert.False(t, changed, "stale cumulative report is ignored")
	assertDecimal(t, "0.3", r.FilledAmount)

	changed, err = r.ApplyUpdate(d("0.5"), d("10500"), true, at)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, LiquidationRequestDone, r.Status)
	assertDecimal(t, "0.1", r.UnfilledAmount())

	changed, err = r.ApplyUpdate(d("0.6"), d("12600"), true, at)
	require.NoError(t, err)
	assert.False(t, changed, "closed request ignores further reports")

	r2 := NewLiquidationRequest("r2", p, "pool_btc", testNow)
	_, err = r2.ApplyUpdate(d("0.7"), d("1"), false, at)
	assert.ErrorIs(t, err, ErrInvariantViolation)
}

func TestMarginCallThreshold(t *testing.T) {
	p := NewPosition("p", "u", btcUSDT(), SideSell, d("1"), testNow)
	p.Status = PositionStatusOpen
	p.LiquidationPrice = d("40798.13")

	assert.True(t, p.NeedsMarginCall(d("39000"), 5))
	assert.False(t, p.NeedsMarginCall(d("38300"), 5))
	assert.Equal(t, int64(4), PriceDiffPercent(d("40798.13"), d("39000")))

	call := NewMarginCall("c1", p, d("39000"), testNow)
	assert.Equal(t, int64(4), call.PriceDiffPercent())
	call.Solve(testNow)
	assert.True(t, call.IsSolved)
}
