package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Wallet 用户某币种的保证金钱包
type Wallet struct {
	UserID   string
	Currency string
	Balance  decimal.Decimal
	Blocked  decimal.Decimal
}

// Active 可用余额
func (w Wallet) Active() decimal.Decimal {
	return w.Balance.Sub(w.Blocked)
}

// TransactionKind 流水类型
type TransactionKind string

const (
	TxKindPNL          TransactionKind = "pnl"
	TxKindPositionFee  TransactionKind = "position_fee"
	TxKindPoolTrade    TransactionKind = "pool_trade"
	TxKindPoolSettle   TransactionKind = "pool_settle"
	TxKindSystemFix    TransactionKind = "system_fix"
	TxKindPoolProfit   TransactionKind = "pool_profit"
	TxKindManualCharge TransactionKind = "manual"
)

// Transaction 钱包流水。(RefModule, RefID) 唯一，重复提交返回已有流水
type Transaction struct {
	ID          string
	UserID      string
	Currency    string
	Kind        TransactionKind
	Amount      decimal.Decimal
	RefModule   string
	RefID       string
	Description string
	CreatedAt   time.Time
}

// WalletLedger 钱包账本，所有方法须在调用方的事务内执行
type WalletLedger interface {
	// Wallet 查询钱包，不存在时返回零余额钱包
	Wallet(ctx context.Context, userID, currency string) (Wallet, error)
	// Block 冻结可用余额，amount 为负时解冻。可用余额不足返回 ErrInsufficientBalance
	Block(ctx context.Context, userID, currency string, amount decimal.Decimal) error
	// Unblock 解冻，解冻金额不超过已冻结金额
	Unblock(ctx context.Context, userID, currency string, amount decimal.Decimal) error
	// CreateTransaction 记账并变更余额
	CreateTransaction(ctx context.Context, tx *Transaction) (*Transaction, error)
}

// LiquidityPool 借贷资金池。可用额度 = 管理员钱包余额 - 挂单占用
type LiquidityPool struct {
	Currency        string
	ManagerID       string
	PositionFeeRate decimal.Decimal
	Reserved        decimal.Decimal
	Active          bool
	UpdatedAt       time.Time
}

// PoolLedger 资金池额度，Reserve/Release 在资金池行锁下执行
type PoolLedger interface {
	GetPool(ctx context.Context, currency string) (*LiquidityPool, error)
	// Reserve 占用额度，不足时返回 ErrInsufficientPool
	Reserve(ctx context.Context, currency string, amount decimal.Decimal) error
	// Release 归还额度，不会低于零
	Release(ctx context.Context, currency string, amount decimal.Decimal) error
	AvailableBalance(ctx context.Context, currency string) (decimal.Decimal, error)
}

// PoolReservation 挂单需占用的资金池额度：空头借入 src 数量，多头借入保证金乘杠杆的 dst 金额
func PoolReservation(side Side, amount, collateral, leverage decimal.Decimal) decimal.Decimal {
	if side == SideSell {
		return amount
	}
	return collateral.Mul(leverage)
}

// PoolTransfer 资金池管理员单币种的变动
type PoolTransfer struct {
	Currency string
	Amount   decimal.Decimal
}

// PoolTradeTransfers 一笔成交在资金池管理员 src/dst 账户上的变动
func PoolTradeTransfers(p *Position, side Side, amount, total, fee decimal.Decimal) [2]PoolTransfer {
	if side == SideSell {
		return [2]PoolTransfer{
			{Currency: p.SrcCurrency, Amount: amount.Neg()},
			{Currency: p.DstCurrency, Amount: total.Sub(fee)},
		}
	}
	return [2]PoolTransfer{
		{Currency: p.SrcCurrency, Amount: amount.Sub(fee)},
		{Currency: p.DstCurrency, Amount: total.Neg()},
	}
}
