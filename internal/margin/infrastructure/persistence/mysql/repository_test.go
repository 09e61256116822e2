package mysql

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
	"github.com/wyfcoding/marginengine/pkg/db"
	"gorm.io/gorm"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDecimal(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, d(want).Equal(got), "want %s, got %s", want, got.String())
}

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Open(db.Config{
		Driver:       "sqlite",
		DSN:          filepath.Join(t.TempDir(), "margin.db"),
		MaxOpenConns: 1,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(gdb))
	t.Cleanup(func() { _ = db.Close(gdb) })
	return gdb
}

func testMarket() *domain.Market {
	return &domain.Market{
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
	}
}

func testPosition(id string, side domain.Side, createdAt time.Time) *domain.Position {
	p := domain.NewPosition(id, "u1", testMarket(), side, d("1"), createdAt)
	p.Collateral = d("21.3")
	p.Orders = []*domain.Order{{
		ID:                id + "-o1",
		PositionID:        id,
		UserID:            "u1",
		Symbol:            "BTC-USDT",
		Side:              side,
		ExecutionType:     domain.ExecutionLimit,
		Channel:           domain.ChannelUser,
		Amount:            d("0.001"),
		Price:             d("21300"),
		BlockedCollateral: d("21.3"),
		PoolReserved:      d("0.001"),
		Status:            domain.OrderStatusNew,
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
	}}
	return p
}

func TestPositionRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewPositionRepository(newTestDB(t))

	p := testPosition("p1", domain.SideSell, testNow)
	require.NoError(t, repo.Create(ctx, p))

	got, err := repo.FindByIDForUpdate(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, domain.SideSell, got.Side)
	assert.Equal(t, domain.PositionStatusNew, got.Status)
	assertDecimal(t, "21.3", got.Collateral)
	assertDecimal(t, "0.0015", got.TradeFeeRate)
	assert.False(t, got.PNL.Valid)
	require.Len(t, got.Orders, 1)
	assertDecimal(t, "0.001", got.Orders[0].PoolReserved)

	got.Collateral = d("19.17")
	got.LiquidationPrice = d("40798.13")
	got.Status = domain.PositionStatusOpen
	opened := testNow.Add(time.Minute)
	got.OpenedAt = &opened
	require.NoError(t, repo.Save(ctx, got))

	o := got.Orders[0]
	require.NoError(t, o.ApplyMatch(d("0.0009"), d("21300"), d("0.01917"), opened))
	require.NoError(t, repo.SaveOrder(ctx, o))

	again, err := repo.FindByID(ctx, "p1")
	require.NoError(t, err)
	assertDecimal(t, "19.17", again.Collateral)
	assertDecimal(t, "40798.13", again.LiquidationPrice)
	require.NotNil(t, again.OpenedAt)
	assert.True(t, again.OpenedAt.Equal(opened))
	assertDecimal(t, "0.0009", again.Orders[0].MatchedAmount)
	assert.Equal(t, domain.OrderStatusActive, again.Orders[0].Status)

	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
	_, err = repo.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestSaveMatchAndFeeDeduplicate(t *testing.T) {
	ctx := context.Background()
	repo := NewPositionRepository(newTestDB(t))
	require.NoError(t, repo.Create(ctx, testPosition("p1", domain.SideSell, testNow)))

	match := &domain.OrderMatch{TradeID: "t1", OrderID: "p1-o1", PositionID: "p1", Amount: d("0.0009"), Price: d("21300"), MatchedAt: testNow}
	created, err := repo.SaveMatch(ctx, match)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = repo.SaveMatch(ctx, match)
	require.NoError(t, err)
	assert.False(t, created)

	date := domain.FeeDate(testNow.AddDate(0, 0, 1), time.UTC)
	created, err = repo.SaveFee(ctx, &domain.PositionFee{ID: "f1", PositionID: "p1", Date: date, Amount: d("0.015"), CreatedAt: testNow})
	require.NoError(t, err)
	assert.True(t, created)
	created, err = repo.SaveFee(ctx, &domain.PositionFee{ID: "f2", PositionID: "p1", Date: date, Amount: d("0.015"), CreatedAt: testNow})
	require.NoError(t, err)
	assert.False(t, created)
}

func TestPositionQueries(t *testing.T) {
	ctx := context.Background()
	repo := NewPositionRepository(newTestDB(t))

	short := testPosition("short", domain.SideSell, testNow)
	short.Status = domain.PositionStatusOpen
	short.LiquidationPrice = d("38649.85")
	long := testPosition("long", domain.SideBuy, testNow.Add(time.Second))
	long.Status = domain.PositionStatusOpen
	long.LiquidationPrice = d("11553.78")
	done := testPosition("done", domain.SideSell, testNow.Add(2*time.Second))
	done.Status = domain.PositionStatusLiquidated
	fresh := testPosition("fresh", domain.SideSell, testNow.AddDate(0, 0, 20))
	for _, p := range []*domain.Position{short, long, done, fresh} {
		require.NoError(t, repo.Create(ctx, p))
	}

	ids, err := repo.ListLiquidationCandidates(ctx, "BTC-USDT", domain.PriceQuote{MinPrice: d("20000"), MaxPrice: d("43000")})
	require.NoError(t, err)
	assert.Equal(t, []string{"short"}, ids)

	ids, err = repo.ListLiquidationCandidates(ctx, "BTC-USDT", domain.PriceQuote{MinPrice: d("11000"), MaxPrice: d("21000")})
	require.NoError(t, err)
	assert.Equal(t, []string{"long"}, ids)

	ids, err = repo.ListUnsettled(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"done"}, ids)

	ids, err = repo.ListOngoing(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"short", "long", "fresh"}, ids)

	ids, err = repo.FindOpenPositionsOlderThan(ctx, testNow.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, []string{"short", "long"}, ids)

	open, err := repo.ListOpenBySymbol(ctx, "BTC-USDT")
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Len(t, open[0].Orders, 1)
}

func TestMarginCallAndLiquidationRequest(t *testing.T) {
	ctx := context.Background()
	repo := NewPositionRepository(newTestDB(t))
	p := testPosition("p1", domain.SideSell, testNow)
	require.NoError(t, repo.Create(ctx, p))

	call, err := repo.GetActiveMarginCall(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, call)

	mc := domain.NewMarginCall("mc1", p, d("37000"), testNow)
	mc.MarkSent(testNow)
	require.NoError(t, repo.SaveMarginCall(ctx, mc))
	call, err = repo.GetActiveMarginCall(ctx, "p1")
	require.NoError(t, err)
	require.NotNil(t, call)
	assert.True(t, call.IsSent)

	call.Solve(testNow)
	require.NoError(t, repo.SaveMarginCall(ctx, call))
	call, err = repo.GetActiveMarginCall(ctx, "p1")
	require.NoError(t, err)
	assert.Nil(t, call)

	p.DelegatedAmount = d("0.001")
	req := domain.NewLiquidationRequest("lr1", p, "pool_btc", testNow)
	require.NoError(t, repo.SaveLiquidationRequest(ctx, req))
	_, err = req.ApplyUpdate(d("0.0004"), d("17.2"), false, testNow)
	require.NoError(t, err)
	require.NoError(t, repo.SaveLiquidationRequest(ctx, req))

	got, err := repo.GetLiquidationRequest(ctx, "lr1")
	require.NoError(t, err)
	assert.Equal(t, domain.SideBuy, got.Side)
	assertDecimal(t, "0.0004", got.FilledAmount)
	assert.True(t, got.IsOpen())

	loaded, err := repo.FindByID(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, loaded.LiquidationRequests, 1)
}

func TestWithTxRollsBack(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	repo := NewPositionRepository(gdb)
	wallets := NewWalletLedger(gdb)

	boom := errors.New("boom")
	err := repo.WithTx(ctx, func(ctx context.Context) error {
		if err := repo.Create(ctx, testPosition("p1", domain.SideSell, testNow)); err != nil {
			return err
		}
		if _, err := wallets.CreateTransaction(ctx, &domain.Transaction{
			ID: "tx1", UserID: "u1", Currency: "USDT", Kind: domain.TxKindManualCharge, Amount: d("25"), RefModule: "Deposit", RefID: "1",
		}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = repo.FindByID(ctx, "p1")
	assert.ErrorIs(t, err, domain.ErrPositionNotFound)
	w, err := wallets.Wallet(ctx, "u1", "USDT")
	require.NoError(t, err)
	assert.True(t, w.Balance.IsZero())
}

func TestWalletLedger(t *testing.T) {
	ctx := context.Background()
	wallets := NewWalletLedger(newTestDB(t))

	deposit := &domain.Transaction{ID: "tx1", UserID: "u1", Currency: "USDT", Kind: domain.TxKindManualCharge, Amount: d("25"), RefModule: "Deposit", RefID: "1"}
	_, err := wallets.CreateTransaction(ctx, deposit)
	require.NoError(t, err)
	// 相同引用重复提交返回已有流水
	dup, err := wallets.CreateTransaction(ctx, &domain.Transaction{ID: "tx2", UserID: "u1", Currency: "USDT", Kind: domain.TxKindManualCharge, Amount: d("25"), RefModule: "Deposit", RefID: "1"})
	require.NoError(t, err)
	assert.Equal(t, "tx1", dup.ID)

	require.NoError(t, wallets.Block(ctx, "u1", "USDT", d("21.3")))
	err = wallets.Block(ctx, "u1", "USDT", d("5"))
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	require.NoError(t, wallets.Unblock(ctx, "u1", "USDT", d("100")))
	w, err := wallets.Wallet(ctx, "u1", "USDT")
	require.NoError(t, err)
	assertDecimal(t, "25", w.Balance)
	assertDecimal(t, "0", w.Blocked)

	empty, err := wallets.Wallet(ctx, "nobody", "USDT")
	require.NoError(t, err)
	assert.True(t, empty.Balance.IsZero())
}

func TestPoolLedger(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	pools := NewPoolLedger(gdb)
	wallets := NewWalletLedger(gdb)

	require.NoError(t, pools.EnsurePool(ctx, domain.LiquidityPool{Currency: "BTC", ManagerID: "pool_btc", PositionFeeRate: d("0.0005"), Active: true}))
	_, err := wallets.CreateTransaction(ctx, &domain.Transaction{ID: "tx1", UserID: "pool_btc", Currency: "BTC", Kind: domain.TxKindManualCharge, Amount: d("1"), RefModule: "Deposit", RefID: "1"})
	require.NoError(t, err)

	require.NoError(t, pools.Reserve(ctx, "BTC", d("0.6")))
	err = pools.Reserve(ctx, "BTC", d("0.5"))
	assert.ErrorIs(t, err, domain.ErrInsufficientPool)

	available, err := pools.AvailableBalance(ctx, "BTC")
	require.NoError(t, err)
	assertDecimal(t, "0.4", available)

	require.NoError(t, pools.Release(ctx, "BTC", d("1")))
	pool, err := pools.GetPool(ctx, "BTC")
	require.NoError(t, err)
	assert.True(t, pool.Reserved.IsZero())
	assertDecimal(t, "0.0005", pool.PositionFeeRate)

	require.NoError(t, pools.EnsurePool(ctx, domain.LiquidityPool{Currency: "BTC", ManagerID: "pool_btc", PositionFeeRate: d("0.001"), Active: false}))
	err = pools.Reserve(ctx, "BTC", d("0.1"))
	assert.ErrorIs(t, err, domain.ErrPoolInactive)

	_, err = pools.GetPool(ctx, "ETH")
	assert.ErrorIs(t, err, domain.ErrPoolNotFound)
}
