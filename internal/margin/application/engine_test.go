package application

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
	"github.com/wyfcoding/marginengine/internal/margin/infrastructure/persistence/memory"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "want %s, got %s", want, got.String())
}

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t      *testing.T
	ctx    context.Context
	now    time.Time
	seq    int
	store  *memory.Store
	prices *memory.PriceBook
	locker *memory.Locker
	market *domain.Market
	logs   *bytes.Buffer
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		now:    testNow,
		store:  memory.NewStore(),
		prices: memory.NewPriceBook(),
		locker: memory.NewLocker(),
		logs:   &bytes.Buffer{},
		market: &domain.Market{
			Symbol:          "BTC-USDT",
			SrcCurrency:     "BTC",
			DstCurrency:     "USDT",
			PricePrecision:  2,
			AmountPrecision: 6,
			MakerFeeRate:    d("0.001"),
			TakerFeeRate:    d("0.0015"),
			MaxLeverage:     d("10"),
			FeeUnit:         d("30"),
			MarginEnabled:   true,
		},
	}
	f.store.AddPool(domain.LiquidityPool{Currency: "BTC", ManagerID: "pool_btc", PositionFeeRate: d("0.0005"), Active: true})
	f.store.AddPool(domain.LiquidityPool{Currency: "USDT", ManagerID: "pool_usdt", PositionFeeRate: d("0.0005"), Active: true})
	f.store.Deposit("pool_btc", "BTC", d("10"))
	f.store.Deposit("pool_usdt", "USDT", d("100000"))

	settings := DefaultSettings()
	settings.Location = time.UTC
	f.engine = NewEngine(Dependencies{
		Repo:      f.store,
		Wallets:   f.store,
		Pools:     f.store,
		Prices:    f.prices,
		Publisher: f.store,
		Markets:   domain.NewMarketCatalog(f.market),
		Locker:    f.locker,
		Logger:    slog.New(slog.NewTextHandler(f.logs, nil)),
		Settings:  settings,
		Clock: Clock{
			Now: func() time.Time { return f.now },
			NewID: func() string {
				f.seq++
				return fmt.Sprintf("id-%d", f.seq)
			},
		},
	})
	f.setLast("21300")
	return f
}

func (f *fixture) setLast(price string) {
	require.NoError(f.t, f.prices.SetLast(f.ctx, f.market.Symbol, d(price)))
}

func (f *fixture) runContext() *RunContext {
	return NewRunContext("run", f.now, f.prices)
}

func (f *fixture) position(id string) *domain.Position {
	f.t.Helper()
	p, err := f.store.FindByID(f.ctx, id)
	require.NoError(f.t, err)
	return p
}

func (f *fixture) wallet(userID, currency string) domain.Wallet {
	f.t.Helper()
	w, err := f.store.Wallet(f.ctx, userID, currency)
	require.NoError(f.t, err)
	return w
}

// openShort 用户 u1 挂出 1 倍空单
func (f *fixture) openShort(amount, price string) *OrderResult {
	f.t.Helper()
	res, err := f.engine.Orders.CreateMarginOrder(f.ctx, CreateMarginOrderCommand{
		UserID:   "u1",
		Symbol:   f.market.Symbol,
		Side:     domain.SideSell,
		Leverage: d("1"),
		Amount:   d(amount),
		Price:    d(price),
	})
	require.NoError(f.t, err)
	require.Len(f.t, res.OrderIDs, 1)
	return res
}

func (f *fixture) fill(order *OrderResult, tradeID, amount, price string) *Result {
	f.t.Helper()
	res, err := f.engine.Matcher.OnOrderMatched(f.ctx, domain.OrderMatchedEvent{
		TradeID:    tradeID,
		OrderID:    order.OrderIDs[0],
		PositionID: order.PositionID,
		Amount:     d(amount),
		Price:      d(price),
		IsMaker:    true,
		MatchedAt:  f.now,
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) liquidationUpdate(positionID, requestID, amount, total string, done bool) *Result {
	f.t.Helper()
	res, err := f.engine.Matcher.OnLiquidationUpdated(f.ctx, domain.LiquidationUpdatedEvent{
		LiquidationRequestID: requestID,
		PositionID:           positionID,
		FilledAmount:         d(amount),
		FilledTotalPrice:     d(total),
		Done:                 done,
		UpdatedAt:            f.now,
	})
	require.NoError(f.t, err)
	return res
}

func TestCreateMarginOrderBlocksCollateral(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("25"))

	res := f.openShort("0.001", "21300")
	assertDecimal(t, "21.3", res.Collateral)
	assert.Len(t, f.store.OutboxOf(domain.OrderPlaceRequestedEventType), 1)

	p := f.position(res.PositionID)
	assert.Equal(t, domain.PositionStatusNew, p.Status)
	assertDecimal(t, "21.3", p.Collateral)
	assertDecimal(t, "21.3", f.wallet("u1", "USDT").Blocked)

	available, err := f.store.AvailableBalance(f.ctx, "BTC")
	require.NoError(t, err)
	assertDecimal(t, "9.999", available)
}

func TestCreateMarginOrderRejected(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("10"))

	_, err := f.engine.Orders.CreateMarginOrder(f.ctx, CreateMarginOrderCommand{
		UserID: "u1", Symbol: "BTC-USDT", Side: domain.SideSell, Leverage: d("20"), Amount: d("0.001"), Price: d("21300"),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidLeverage)

	_, err = f.engine.Orders.CreateMarginOrder(f.ctx, CreateMarginOrderCommand{
		UserID: "u1", Symbol: "ETH-USDT", Side: domain.SideSell, Leverage: d("1"), Amount: d("0.001"), Price: d("21300"),
	})
	assert.ErrorIs(t, err, domain.ErrMarketNotFound)

	_, err = f.engine.Orders.CreateMarginOrder(f.ctx, CreateMarginOrderCommand{
		UserID: "u1", Symbol: "BTC-USDT", Side: domain.SideSell, Leverage: d("1"), Amount: d("0.001"), Price: d("21300"),
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	// 资金池占用随事务回滚
	available, err := f.store.AvailableBalance(f.ctx, "BTC")
	require.NoError(t, err)
	assertDecimal(t, "10", available)
	assert.Empty(t, f.store.Outbox())
}

func TestShortPartialFillThenCancel(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("25"))
	order := f.openShort("0.001", "21300")

	res := f.fill(order, "t1", "0.0009", "21300")
	assert.True(t, res.Applied)
	assert.Equal(t, domain.PositionStatusOpen, res.Status)

	p := f.position(order.PositionID)
	assertDecimal(t, "0.0009", p.DelegatedAmount)
	assertDecimal(t, "0.0009013521", p.Liability())
	assertDecimal(t, "19.15083", p.EarnedAmount)
	assertDecimal(t, "40798.13", p.LiquidationPrice)
	require.NotNil(t, p.OpenedAt)

	btc := f.store.Transactions("pool_btc")
	require.Len(t, btc, 2)
	assertDecimal(t, "-0.0009", btc[0].Amount)
	assertDecimal(t, "19.15083", btc[1].Amount)

	cancel, err := f.engine.Matcher.OnOrderCanceled(f.ctx, domain.OrderCanceledEvent{
		OrderID:    order.OrderIDs[0],
		PositionID: order.PositionID,
		CanceledAt: f.now,
	})
	require.NoError(t, err)
	assert.True(t, cancel.Applied)
	assert.Equal(t, domain.PositionStatusOpen, cancel.Status)

	p = f.position(order.PositionID)
	assertDecimal(t, "19.17", p.Collateral)
	assertDecimal(t, "19.17", f.wallet("u1", "USDT").Blocked)
	available, err := f.store.AvailableBalance(f.ctx, "BTC")
	require.NoError(t, err)
	assertDecimal(t, "9.9991", available)
}

func TestImmediateCancelSettlesWithoutPNL(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("25"))
	order := f.openShort("0.001", "21300")

	res, err := f.engine.Matcher.OnOrderCanceled(f.ctx, domain.OrderCanceledEvent{
		OrderID:    order.OrderIDs[0],
		PositionID: order.PositionID,
		CanceledAt: f.now,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusCanceled, res.Status)
	assert.Len(t, res.Intents.OfType(domain.PositionSettledEventType), 1)

	p := f.position(order.PositionID)
	require.True(t, p.IsSettled())
	assertDecimal(t, "0", p.PNL.Decimal)
	assertDecimal(t, "0", p.Collateral)

	w := f.wallet("u1", "USDT")
	assertDecimal(t, "25", w.Balance)
	assertDecimal(t, "0", w.Blocked)
	assert.Empty(t, f.store.Transactions("u1"))

	// 重复撤单回报不再变更
	replay, err := f.engine.Matcher.OnOrderCanceled(f.ctx, domain.OrderCanceledEvent{
		OrderID:    order.OrderIDs[0],
		PositionID: order.PositionID,
	})
	require.NoError(t, err)
	assert.False(t, replay.Applied)
}

func TestPriceJumpLiquidatesAndSettlesShortfall(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("25"))
	order := f.openShort("0.001", "21300")
	f.fill(order, "t1", "0.001", "21300")

	p := f.position(order.PositionID)
	assertDecimal(t, "21.2787", p.EarnedAmount)
	assertDecimal(t, "0.0010015023", p.Liability())

	f.setLast("43000")
	rc := f.engine.Manager.RunOnce(f.ctx)
	tally := rc.Tallies()
	assert.Equal(t, 1, tally.Liquidated)
	assert.Equal(t, 0, tally.Errors)

	p = f.position(order.PositionID)
	assert.Equal(t, domain.PositionStatusLiquidated, p.Status)
	require.NotNil(t, p.FreezedAt)
	require.Len(t, p.LiquidationRequests, 1)
	req := p.LiquidationRequests[0]
	assert.Equal(t, domain.SideBuy, req.Side)
	assert.Equal(t, "pool_btc", req.PoolManagerID)
	assertDecimal(t, "0.001", req.Amount)
	assert.Len(t, f.store.OutboxOf(domain.LiquidationRequestedEventType), 1)

	res := f.liquidationUpdate(p.ID, req.ID, "0.001", "43", true)
	assert.True(t, res.Applied)
	assert.Len(t, res.Intents.OfType(domain.PositionSettledEventType), 1)

	p = f.position(order.PositionID)
	require.True(t, p.IsSettled())
	assertDecimal(t, "-21.7213", p.EarnedAmount)
	assertDecimal(t, "-21.3", p.PNL.Decimal)
	require.NotNil(t, p.ClosedAt)

	w := f.wallet("u1", "USDT")
	assertDecimal(t, "3.7", w.Balance)
	assertDecimal(t, "0", w.Blocked)

	fix := f.store.Transactions("system_fix")
	require.Len(t, fix, 1)
	assertDecimal(t, "-0.4213", fix[0].Amount)

	// 资金池管理员的 src 与 dst 都回到初始余额
	assertDecimal(t, "10", f.wallet("pool_btc", "BTC").Balance)
	assertDecimal(t, "0", f.wallet("pool_btc", "USDT").Balance)

	replay := f.liquidationUpdate(p.ID, req.ID, "0.001", "43", true)
	assert.False(t, replay.Applied)
	again := f.fill(order, "t1", "0.001", "21300")
	assert.False(t, again.Applied)
	assertDecimal(t, "3.7", f.wallet("u1", "USDT").Balance)
}

func TestPartialLiquidationOpensNextRound(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("13000"))
	f.setLast("20000")
	order := f.openShort("0.6", "20000")
	f.fill(order, "t1", "0.6", "20000")
	assertDecimal(t, "11988", f.position(order.PositionID).EarnedAmount)

	f.setLast("40000")
	ids, err := f.engine.Scanner.LiquidatePositions(f.ctx, f.runContext(), f.market, domain.QuoteFromLast(d("40000"), decimal.Zero))
	require.NoError(t, err)
	assert.Equal(t, []string{order.PositionID}, ids)

	p := f.position(order.PositionID)
	require.Len(t, p.LiquidationRequests, 1)
	first := p.LiquidationRequests[0]
	assertDecimal(t, "0.6", first.Amount)

	res := f.liquidationUpdate(p.ID, first.ID, "0.3", "12000", false)
	assert.True(t, res.Applied)
	assert.Empty(t, res.Intents.OfType(domain.LiquidationRequestedEventType))
	assertDecimal(t, "0.3", f.position(p.ID).DelegatedAmount)

	res = f.liquidationUpdate(p.ID, first.ID, "0.5", "20000", true)
	requested := res.Intents.OfType(domain.LiquidationRequestedEventType)
	require.Len(t, requested, 1)
	ev, ok := requested[0].Payload.(domain.LiquidationRequestedEvent)
	require.True(t, ok)
	assertDecimal(t, "0.1", ev.Amount)

	// 旧的累计回报重放
	stale := f.liquidationUpdate(p.ID, first.ID, "0.3", "12000", false)
	assert.False(t, stale.Applied)

	res = f.liquidationUpdate(p.ID, ev.LiquidationRequestID, "0.1", "4000", true)
	assert.Len(t, res.Intents.OfType(domain.PositionSettledEventType), 1)

	p = f.position(order.PositionID)
	require.True(t, p.IsSettled())
	assertDecimal(t, "-12012", p.EarnedAmount)
	assertDecimal(t, "-12000", p.PNL.Decimal)
	assertDecimal(t, "1000", f.wallet("u1", "USDT").Balance)
	assertDecimal(t, "10", f.wallet("pool_btc", "BTC").Balance)
	assertDecimal(t, "0", f.wallet("pool_btc", "USDT").Balance)

	fix := f.store.Transactions("system_fix")
	require.Len(t, fix, 1)
	assertDecimal(t, "-12", fix[0].Amount)
}

func TestScanHonorsMarkPriceGuard(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("25"))
	order := f.openShort("0.001", "21300")
	f.fill(order, "t1", "0.001", "21300")

	f.setLast("43000")
	require.NoError(t, f.prices.SetMark(f.ctx, f.market.Symbol, d("21350")))
	require.NoError(t, f.engine.Scanner.ScanMarket(f.ctx, f.runContext(), f.market))
	assert.Equal(t, domain.PositionStatusOpen, f.position(order.PositionID).Status)
}

func TestScanSkipsLockedMarket(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("25"))
	order := f.openShort("0.001", "21300")
	f.fill(order, "t1", "0.001", "21300")

	release, err := f.locker.TryLock(f.ctx, "margin:liquidation:BTC-USDT", time.Minute)
	require.NoError(t, err)
	f.setLast("43000")
	require.NoError(t, f.engine.Scanner.ScanMarket(f.ctx, f.runContext(), f.market))
	assert.Equal(t, domain.PositionStatusOpen, f.position(order.PositionID).Status)

	release()
	require.NoError(t, f.engine.Scanner.ScanMarket(f.ctx, f.runContext(), f.market))
	assert.Equal(t, domain.PositionStatusLiquidated, f.position(order.PositionID).Status)
}

func TestChargeDailyFeeOncePerDay(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("25"))
	order := f.openShort("0.001", "21300")
	f.fill(order, "t1", "0.001", "21300")

	// 开仓当天不收费
	require.NoError(t, f.engine.Expiry.ChargeDailyFees(f.ctx, f.runContext()))
	assert.Empty(t, f.store.Fees(order.PositionID))

	f.now = testNow.AddDate(0, 0, 1)
	rc := f.runContext()
	require.NoError(t, f.engine.Expiry.ChargeDailyFees(f.ctx, rc))
	assert.Equal(t, 1, rc.Tallies().FeesCharged)
	require.NoError(t, f.engine.Expiry.ChargeDailyFees(f.ctx, f.runContext()))

	fees := f.store.Fees(order.PositionID)
	require.Len(t, fees, 1)
	assertDecimal(t, "0.015", fees[0].Amount)
	assertDecimal(t, "21.285", f.position(order.PositionID).Collateral)

	w := f.wallet("u1", "USDT")
	assertDecimal(t, "24.985", w.Balance)
	assertDecimal(t, "21.285", w.Blocked)

	income := f.store.Transactions("pool_btc")
	assertDecimal(t, "0.015", income[len(income)-1].Amount)
}

func TestExpireOpenPositionStartsLiquidation(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("25"))
	order := f.openShort("0.001", "21300")
	f.fill(order, "t1", "0.001", "21300")

	f.now = time.Date(2026, 4, 9, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.engine.Expiry.ExpirePositions(f.ctx, f.runContext()))
	assert.Equal(t, domain.PositionStatusOpen, f.position(order.PositionID).Status)

	f.now = time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	rc := f.runContext()
	require.NoError(t, f.engine.Expiry.ExpirePositions(f.ctx, rc))
	assert.Equal(t, 1, rc.Tallies().Expired)

	p := f.position(order.PositionID)
	assert.Equal(t, domain.PositionStatusExpired, p.Status)
	require.Len(t, p.LiquidationRequests, 1)

	// 再次执行不会重复发起强平
	require.NoError(t, f.engine.Expiry.ExpirePositions(f.ctx, f.runContext()))
	assert.Len(t, f.position(order.PositionID).LiquidationRequests, 1)
}

func TestExpireNewPositionCancelsOrders(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("25"))
	order := f.openShort("0.001", "21300")

	f.now = time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	require.NoError(t, f.engine.Expiry.ExpirePositions(f.ctx, f.runContext()))
	assert.Equal(t, domain.PositionStatusExpired, f.position(order.PositionID).Status)
	assert.Len(t, f.store.OutboxOf(domain.OrderCancelRequestedEventType), 1)

	res, err := f.engine.Matcher.OnOrderCanceled(f.ctx, domain.OrderCanceledEvent{
		OrderID:    order.OrderIDs[0],
		PositionID: order.PositionID,
	})
	require.NoError(t, err)
	assert.Len(t, res.Intents.OfType(domain.PositionSettledEventType), 1)

	p := f.position(order.PositionID)
	require.True(t, p.IsSettled())
	assertDecimal(t, "0", p.PNL.Decimal)
	assertDecimal(t, "0", f.wallet("u1", "USDT").Blocked)
}

func TestMarginCallLifecycle(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("25"))
	order := f.openShort("0.001", "21300")
	f.fill(order, "t1", "0.001", "21300")

	f.setLast("37000")
	rc := f.runContext()
	require.NoError(t, f.engine.MarginCalls.CheckMarket(f.ctx, rc, f.market))
	assert.Equal(t, 1, rc.Tallies().MarginCalls)
	require.NoError(t, f.engine.MarginCalls.CheckMarket(f.ctx, f.runContext(), f.market))

	calls := f.store.MarginCalls(order.PositionID)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].IsSent)
	assert.False(t, calls[0].IsSolved)
	assert.Len(t, f.store.OutboxOf(domain.NotificationEventType), 1)

	f.setLast("30000")
	require.NoError(t, f.engine.MarginCalls.CheckMarket(f.ctx, f.runContext(), f.market))
	calls = f.store.MarginCalls(order.PositionID)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].IsSolved)
}

func TestChangeCollateral(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("25"))
	order := f.openShort("0.001", "21300")
	f.fill(order, "t1", "0.001", "21300")

	rng, err := f.engine.Collateral.CollateralRange(f.ctx, "u1", order.PositionID)
	require.NoError(t, err)
	assertDecimal(t, "21.3", rng.Min)
	assertDecimal(t, "25", rng.Max)

	before := f.position(order.PositionID).LiquidationPrice
	res, err := f.engine.Collateral.ChangeCollateral(f.ctx, ChangeCollateralCommand{UserID: "u1", PositionID: order.PositionID, Collateral: d("23")})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	p := f.position(order.PositionID)
	assertDecimal(t, "23", p.Collateral)
	assert.True(t, p.LiquidationPrice.GreaterThan(before))
	assertDecimal(t, "23", f.wallet("u1", "USDT").Blocked)
	assert.Len(t, f.store.CollateralChanges(order.PositionID), 1)

	_, err = f.engine.Collateral.ChangeCollateral(f.ctx, ChangeCollateralCommand{UserID: "u1", PositionID: order.PositionID, Collateral: d("10")})
	assert.ErrorIs(t, err, domain.ErrLowMarginRatio)
	_, err = f.engine.Collateral.ChangeCollateral(f.ctx, ChangeCollateralCommand{UserID: "u1", PositionID: order.PositionID, Collateral: d("30")})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	_, err = f.engine.Collateral.ChangeCollateral(f.ctx, ChangeCollateralCommand{UserID: "u2", PositionID: order.PositionID, Collateral: d("24")})
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)

	assertDecimal(t, "23", f.position(order.PositionID).Collateral)
	assert.Len(t, f.store.CollateralChanges(order.PositionID), 1)
}

func TestCreateCloseOrderLimitsAmount(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("25"))
	order := f.openShort("0.001", "21300")
	f.fill(order, "t1", "0.001", "21300")

	_, err := f.engine.Orders.CreateCloseOrder(f.ctx, CreateCloseOrderCommand{UserID: "u1", PositionID: order.PositionID, Amount: d("0.002"), Price: d("21000")})
	assert.ErrorIs(t, err, domain.ErrCloseAmountExceeded)

	res, err := f.engine.Orders.CreateCloseOrder(f.ctx, CreateCloseOrderCommand{UserID: "u1", PositionID: order.PositionID, Amount: d("0.001"), Price: d("21000")})
	require.NoError(t, err)
	require.Len(t, res.OrderIDs, 1)

	p := f.position(order.PositionID)
	assertDecimal(t, "0.001", p.LiabilityInOrder())
	closing := p.Order(res.OrderIDs[0])
	require.NotNil(t, closing)
	assert.Equal(t, domain.SideBuy, closing.Side)

	// 挂单中的平仓数量计入上限
	_, err = f.engine.Orders.CreateCloseOrder(f.ctx, CreateCloseOrderCommand{UserID: "u1", PositionID: order.PositionID, Amount: d("0.000002"), Price: d("21000")})
	assert.ErrorIs(t, err, domain.ErrCloseAmountExceeded)
}

func TestGetPositionView(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("25"))
	order := f.openShort("0.001", "21300")
	f.fill(order, "t1", "0.001", "21300")

	v, err := f.engine.Query.GetPosition(f.ctx, order.PositionID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, v.Status)
	assertDecimal(t, "21300", v.MarketPrice)
	assertDecimal(t, "2", v.InitialMarginRatio)
	require.NotNil(t, v.MarginRatio)
	assertDecimal(t, "1.99", *v.MarginRatio)
	assert.Nil(t, v.PNL)
	require.Len(t, v.Orders, 1)
	assertDecimal(t, "21300", v.Orders[0].AveragePrice)
	assert.Equal(t, time.Date(2026, 4, 10, 0, 0, 0, 0, time.UTC), v.ExpirationDate)
}

// openLong 用户 u1 挂出多单
func (f *fixture) openLong(amount, price, leverage string) *OrderResult {
	f.t.Helper()
	res, err := f.engine.Orders.CreateMarginOrder(f.ctx, CreateMarginOrderCommand{
		UserID:   "u1",
		Symbol:   f.market.Symbol,
		Side:     domain.SideBuy,
		Leverage: d(leverage),
		Amount:   d(amount),
		Price:    d(price),
	})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) cancel(orderID, positionID string) *Result {
	f.t.Helper()
	res, err := f.engine.Matcher.OnOrderCanceled(f.ctx, domain.OrderCanceledEvent{
		OrderID:    orderID,
		PositionID: positionID,
		CanceledAt: f.now,
	})
	require.NoError(f.t, err)
	return res
}

func TestFillAfterSettledCancelIsRejected(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("25"))
	order := f.openShort("0.001", "21300")
	f.cancel(order.OrderIDs[0], order.PositionID)
	require.True(t, f.position(order.PositionID).IsSettled())

	_, err := f.engine.Matcher.OnOrderMatched(f.ctx, domain.OrderMatchedEvent{
		TradeID:    "late",
		OrderID:    order.OrderIDs[0],
		PositionID: order.PositionID,
		Amount:     d("0.0009"),
		Price:      d("21300"),
		IsMaker:    true,
		MatchedAt:  f.now,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)

	// 事务回滚，持仓与资金池均未变化
	p := f.position(order.PositionID)
	assert.Equal(t, domain.PositionStatusCanceled, p.Status)
	assertDecimal(t, "0", p.Liability())
	assertDecimal(t, "0", p.Order(order.OrderIDs[0]).MatchedAmount)
	assert.Empty(t, f.store.Transactions("pool_btc"))
	assertDecimal(t, "10", f.wallet("pool_btc", "BTC").Balance)
	assert.Contains(t, f.logs.String(), "margin invariant violated")
}

func TestLiquidatorCancelOpensNextRound(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("13000"))
	f.setLast("20000")
	order := f.openShort("0.6", "20000")
	f.fill(order, "t1", "0.6", "20000")

	f.setLast("40000")
	_, err := f.engine.Scanner.LiquidatePositions(f.ctx, f.runContext(), f.market, domain.QuoteFromLast(d("40000"), decimal.Zero))
	require.NoError(t, err)
	first := f.position(order.PositionID).LiquidationRequests[0]

	canceled := domain.LiquidationUpdatedEvent{
		LiquidationRequestID: first.ID,
		PositionID:           order.PositionID,
		FilledAmount:         d("0.2"),
		FilledTotalPrice:     d("8000"),
		Canceled:             true,
		UpdatedAt:            f.now,
	}
	res, err := f.engine.Matcher.OnLiquidationUpdated(f.ctx, canceled)
	require.NoError(t, err)
	assert.True(t, res.Applied)
	requested := res.Intents.OfType(domain.LiquidationRequestedEventType)
	require.Len(t, requested, 1)
	next, ok := requested[0].Payload.(domain.LiquidationRequestedEvent)
	require.True(t, ok)
	assertDecimal(t, "0.4", next.Amount)

	p := f.position(order.PositionID)
	require.Len(t, p.LiquidationRequests, 2)
	assert.Equal(t, domain.LiquidationRequestCanceled, p.LiquidationRequest(first.ID).Status)
	assertDecimal(t, "0.2", p.LiquidationRequest(first.ID).FilledAmount)
	assertDecimal(t, "9.6", f.wallet("pool_btc", "BTC").Balance)

	replay, err := f.engine.Matcher.OnLiquidationUpdated(f.ctx, canceled)
	require.NoError(t, err)
	assert.False(t, replay.Applied)

	f.liquidationUpdate(p.ID, next.LiquidationRequestID, "0.4", "16000", true)
	p = f.position(order.PositionID)
	require.True(t, p.IsSettled())
	assertDecimal(t, "-12012", p.EarnedAmount)
	assertDecimal(t, "-12000", p.PNL.Decimal)
	assertDecimal(t, "10", f.wallet("pool_btc", "BTC").Balance)
	assertDecimal(t, "0", f.wallet("pool_btc", "USDT").Balance)
}

func TestLiquidationPriceCorrectionPostsToPool(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("13000"))
	f.setLast("20000")
	order := f.openShort("0.6", "20000")
	f.fill(order, "t1", "0.6", "20000")

	f.setLast("40000")
	_, err := f.engine.Scanner.LiquidatePositions(f.ctx, f.runContext(), f.market, domain.QuoteFromLast(d("40000"), decimal.Zero))
	require.NoError(t, err)
	req := f.position(order.PositionID).LiquidationRequests[0]

	f.liquidationUpdate(order.PositionID, req.ID, "0.3", "12000", false)
	assertDecimal(t, "-12", f.wallet("pool_btc", "USDT").Balance)

	// 成交数量不变，只修正成交金额
	res := f.liquidationUpdate(order.PositionID, req.ID, "0.3", "12300", false)
	assert.True(t, res.Applied)

	p := f.position(order.PositionID)
	assertDecimal(t, "-312", p.EarnedAmount)
	assertDecimal(t, "-312", f.wallet("pool_btc", "USDT").Balance)
	assertDecimal(t, "9.7", f.wallet("pool_btc", "BTC").Balance)

	replay := f.liquidationUpdate(order.PositionID, req.ID, "0.3", "12300", false)
	assert.False(t, replay.Applied)
	assertDecimal(t, "-312", f.wallet("pool_btc", "USDT").Balance)
}

func TestOCOLegShrinksThenCancels(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("25"))
	order, err := f.engine.Orders.CreateMarginOrder(f.ctx, CreateMarginOrderCommand{
		UserID:   "u1",
		Symbol:   f.market.Symbol,
		Side:     domain.SideSell,
		Leverage: d("1"),
		Amount:   d("0.001"),
		Price:    d("21300"),
		Pair:     &OrderLeg{ExecutionType: domain.ExecutionStopLimit, Price: d("22000"), StopPrice: d("21900")},
	})
	require.NoError(t, err)
	require.Len(t, order.OrderIDs, 2)
	pairID := order.OrderIDs[1]
	assertDecimal(t, "22", order.Collateral)

	res := f.fill(order, "t1", "0.0004", "21300")
	amends := res.Intents.OfType(domain.OrderAmendRequestedEventType)
	require.Len(t, amends, 1)
	amend, ok := amends[0].Payload.(domain.OrderAmendRequestedEvent)
	require.True(t, ok)
	assert.Equal(t, pairID, amend.OrderID)
	assertDecimal(t, "0.0006", amend.Amount)
	assertDecimal(t, "0.0006", f.position(order.PositionID).Order(pairID).Amount)

	res = f.fill(order, "t2", "0.0006", "21300")
	assert.Empty(t, res.Intents.OfType(domain.OrderAmendRequestedEventType))
	cancels := res.Intents.OfType(domain.OrderCancelRequestedEventType)
	require.Len(t, cancels, 1)
	cancelReq, ok := cancels[0].Payload.(domain.OrderCancelRequestedEvent)
	require.True(t, ok)
	assert.Equal(t, pairID, cancelReq.OrderID)
	assert.Equal(t, "oco_pair_filled", cancelReq.Reason)

	// 配对腿撤销后只保留已成交腿的保证金
	f.cancel(pairID, order.PositionID)
	p := f.position(order.PositionID)
	assert.Equal(t, domain.PositionStatusOpen, p.Status)
	assertDecimal(t, "21.3", p.Collateral)
	assertDecimal(t, "21.3", f.wallet("u1", "USDT").Blocked)
	assertDecimal(t, "0.001", p.DelegatedAmount)
	available, err := f.store.AvailableBalance(f.ctx, "BTC")
	require.NoError(t, err)
	assertDecimal(t, "9.999", available)
}

func TestCreateCloseOrderCountsOCOOnce(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("25"))
	order := f.openShort("0.001", "21300")
	f.fill(order, "t1", "0.001", "21300")

	res, err := f.engine.Orders.CreateCloseOrder(f.ctx, CreateCloseOrderCommand{
		UserID:     "u1",
		PositionID: order.PositionID,
		Amount:     d("0.001"),
		Price:      d("21000"),
		Pair:       &OrderLeg{ExecutionType: domain.ExecutionStopLimit, Price: d("22000"), StopPrice: d("21900")},
	})
	require.NoError(t, err)
	require.Len(t, res.OrderIDs, 2)
	p := f.position(order.PositionID)
	assertDecimal(t, "0.001", p.LiabilityInOrder())
	assertDecimal(t, "22", p.AssetInOrder())

	_, err = f.engine.Orders.CreateCloseOrder(f.ctx, CreateCloseOrderCommand{UserID: "u1", PositionID: order.PositionID, Amount: d("0.000001"), Price: d("21000")})
	require.NoError(t, err)
	_, err = f.engine.Orders.CreateCloseOrder(f.ctx, CreateCloseOrderCommand{UserID: "u1", PositionID: order.PositionID, Amount: d("0.000001"), Price: d("21000")})
	assert.ErrorIs(t, err, domain.ErrCloseAmountExceeded)
}

func TestLongCloseSettlesProfitToPool(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("25"))
	order := f.openLong("0.001", "20000", "2")
	assertDecimal(t, "10", order.Collateral)
	available, err := f.store.AvailableBalance(f.ctx, "USDT")
	require.NoError(t, err)
	assertDecimal(t, "99980", available)

	f.fill(order, "t1", "0.001", "20000")
	p := f.position(order.PositionID)
	assert.Equal(t, domain.PositionStatusOpen, p.Status)
	assertDecimal(t, "0.000999", p.Liability())
	assertDecimal(t, "-20", p.EarnedAmount)
	assertDecimal(t, "12012.01", p.LiquidationPrice)
	assertDecimal(t, "0.000999", f.wallet("pool_usdt", "BTC").Balance)
	assertDecimal(t, "99980", f.wallet("pool_usdt", "USDT").Balance)

	closing, err := f.engine.Orders.CreateCloseOrder(f.ctx, CreateCloseOrderCommand{
		UserID: "u1", PositionID: order.PositionID, Amount: d("0.000999"), Price: d("22000"),
	})
	require.NoError(t, err)
	res := f.fill(closing, "t2", "0.000999", "22000")
	assert.Equal(t, domain.PositionStatusClosed, res.Status)
	assert.Len(t, res.Intents.OfType(domain.PositionSettledEventType), 1)

	p = f.position(order.PositionID)
	require.True(t, p.IsSettled())
	assertDecimal(t, "1.956022", p.EarnedAmount)
	// 开仓当天平仓，资金池分得 1%
	assertDecimal(t, "1.93646178", p.PNL.Decimal)

	profit := f.store.Transactions("system_pool_profit")
	require.Len(t, profit, 1)
	assertDecimal(t, "0.01956022", profit[0].Amount)
	assert.Empty(t, f.store.Transactions("system_fix"))

	w := f.wallet("u1", "USDT")
	assertDecimal(t, "26.93646178", w.Balance)
	assertDecimal(t, "0", w.Blocked)

	// 资金池本金守恒
	assertDecimal(t, "100000", f.wallet("pool_usdt", "USDT").Balance)
	assertDecimal(t, "0", f.wallet("pool_usdt", "BTC").Balance)
	available, err = f.store.AvailableBalance(f.ctx, "USDT")
	require.NoError(t, err)
	assertDecimal(t, "100000", available)
}

func TestLongLiquidationConservesPool(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("25"))
	order := f.openLong("0.001", "20000", "2")
	f.fill(order, "t1", "0.001", "20000")

	f.setLast("12000")
	rc := f.engine.Manager.RunOnce(f.ctx)
	assert.Equal(t, 1, rc.Tallies().Liquidated)

	p := f.position(order.PositionID)
	assert.Equal(t, domain.PositionStatusLiquidated, p.Status)
	require.Len(t, p.LiquidationRequests, 1)
	req := p.LiquidationRequests[0]
	assert.Equal(t, domain.SideSell, req.Side)
	assert.Equal(t, "pool_usdt", req.PoolManagerID)
	assertDecimal(t, "0.000999", req.Amount)

	res := f.liquidationUpdate(p.ID, req.ID, "0.000999", "11.988", true)
	assert.Len(t, res.Intents.OfType(domain.PositionSettledEventType), 1)

	p = f.position(order.PositionID)
	require.True(t, p.IsSettled())
	assertDecimal(t, "-8.012", p.EarnedAmount)
	assertDecimal(t, "-8.012", p.PNL.Decimal)
	assert.Empty(t, f.store.Transactions("system_fix"))
	assert.Empty(t, f.store.Transactions("system_pool_profit"))

	w := f.wallet("u1", "USDT")
	assertDecimal(t, "16.988", w.Balance)
	assertDecimal(t, "0", w.Blocked)
	assertDecimal(t, "100000", f.wallet("pool_usdt", "USDT").Balance)
	assertDecimal(t, "0", f.wallet("pool_usdt", "BTC").Balance)
}

func TestCancelReportMismatchIsLogged(t *testing.T) {
	f := newFixture(t)
	f.store.Deposit("u1", "USDT", d("50"))

	agree := f.openShort("0.001", "21300")
	f.fill(agree, "t1", "0.0004", "21300")
	_, err := f.engine.Matcher.OnOrderCanceled(f.ctx, domain.OrderCanceledEvent{
		OrderID: agree.OrderIDs[0], PositionID: agree.PositionID, UnmatchedAmount: d("0.0006"), CanceledAt: f.now,
	})
	require.NoError(t, err)
	assert.NotContains(t, f.logs.String(), "canceled unmatched amount differs")

	differ := f.openShort("0.001", "21300")
	f.fill(differ, "t2", "0.0004", "21300")
	res, err := f.engine.Matcher.OnOrderCanceled(f.ctx, domain.OrderCanceledEvent{
		OrderID: differ.OrderIDs[0], PositionID: differ.PositionID, UnmatchedAmount: d("0.0005"), CanceledAt: f.now,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Contains(t, f.logs.String(), "canceled unmatched amount differs")
	assert.Contains(t, f.logs.String(), "reported=0.0005")
}
