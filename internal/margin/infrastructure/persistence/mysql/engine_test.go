package mysql

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/marginengine/internal/margin/application"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
	"github.com/wyfcoding/marginengine/internal/margin/infrastructure/messaging"
	"github.com/wyfcoding/marginengine/internal/margin/infrastructure/persistence/memory"
)

// 空头开仓、价格跳涨强平到结算的完整流程，持久化走 GORM
func TestLiquidationFlowOnSQL(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	require.NoError(t, messaging.AutoMigrate(gdb))

	wallets := NewWalletLedger(gdb)
	pools := NewPoolLedger(gdb)
	require.NoError(t, pools.EnsurePool(ctx, domain.LiquidityPool{Currency: "BTC", ManagerID: "pool_btc", PositionFeeRate: d("0.0005"), Active: true}))
	for i, dep := range []domain.Transaction{
		{UserID: "pool_btc", Currency: "BTC", Amount: d("10")},
		{UserID: "u1", Currency: "USDT", Amount: d("25")},
	} {
		dep.ID = fmt.Sprintf("dep-%d", i)
		dep.Kind = domain.TxKindManualCharge
		dep.RefModule = "Deposit"
		dep.RefID = dep.ID
		_, err := wallets.CreateTransaction(ctx, &dep)
		require.NoError(t, err)
	}

	prices := memory.NewPriceBook()
	require.NoError(t, prices.SetLast(ctx, "BTC-USDT", d("21300")))
	settings := application.DefaultSettings()
	settings.Location = time.UTC
	seq := 0
	engine := application.NewEngine(application.Dependencies{
		Repo:      NewPositionRepository(gdb),
		Wallets:   wallets,
		Pools:     pools,
		Prices:    prices,
		Publisher: messaging.NewOutboxPublisher(gdb),
		Markets:   domain.NewMarketCatalog(testMarket()),
		Locker:    memory.NewLocker(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Settings:  settings,
		Clock: application.Clock{
			Now: func() time.Time { return testNow },
			NewID: func() string {
				seq++
				return fmt.Sprintf("id-%d", seq)
			},
		},
	})

	order, err := engine.Orders.CreateMarginOrder(ctx, application.CreateMarginOrderCommand{
		UserID: "u1", Symbol: "BTC-USDT", Side: domain.SideSell, Leverage: d("1"), Amount: d("0.001"), Price: d("21300"),
	})
	require.NoError(t, err)

	res, err := engine.Matcher.OnOrderMatched(ctx, domain.OrderMatchedEvent{
		TradeID: "t1", OrderID: order.OrderIDs[0], PositionID: order.PositionID,
		Amount: d("0.001"), Price: d("21300"), IsMaker: true, MatchedAt: testNow,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusOpen, res.Status)

	require.NoError(t, prices.SetLast(ctx, "BTC-USDT", d("43000")))
	rc := engine.Manager.RunOnce(ctx)
	assert.Equal(t, 1, rc.Tallies().Liquidated)

	view, err := engine.Query.GetPosition(ctx, order.PositionID)
	require.NoError(t, err)
	require.Len(t, view.LiquidationRequests, 1)

	res, err = engine.Matcher.OnLiquidationUpdated(ctx, domain.LiquidationUpdatedEvent{
		LiquidationRequestID: view.LiquidationRequests[0].ID,
		PositionID:           order.PositionID,
		FilledAmount:         d("0.001"),
		FilledTotalPrice:     d("43"),
		Done:                 true,
		UpdatedAt:            testNow,
	})
	require.NoError(t, err)
	assert.Len(t, res.Intents.OfType(domain.PositionSettledEventType), 1)

	view, err = engine.Query.GetPosition(ctx, order.PositionID)
	require.NoError(t, err)
	require.NotNil(t, view.PNL)
	assertDecimal(t, "-21.3", *view.PNL)

	w, err := wallets.Wallet(ctx, "u1", "USDT")
	require.NoError(t, err)
	assertDecimal(t, "3.7", w.Balance)
	assertDecimal(t, "0", w.Blocked)
	fix, err := wallets.Wallet(ctx, "system_fix", "USDT")
	require.NoError(t, err)
	assertDecimal(t, "-0.4213", fix.Balance)

	var settled int64
	require.NoError(t, gdb.Model(&messaging.OutboxMessage{}).
		Where("topic = ?", domain.PositionSettledEventType).Count(&settled).Error)
	assert.Equal(t, int64(1), settled)
}
