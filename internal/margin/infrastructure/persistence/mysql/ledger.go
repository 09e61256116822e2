package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
	"github.com/wyfcoding/pkg/contextx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type walletLedger struct {
	db *gorm.DB
}

// NewWalletLedger 创建钱包账本
func NewWalletLedger(db *gorm.DB) domain.WalletLedger {
	return &walletLedger{db: db}
}

func (l *walletLedger) Wallet(ctx context.Context, userID, currency string) (domain.Wallet, error) {
	var m WalletModel
	err := getDB(ctx, l.db).Where("user_id = ? AND currency = ?", userID, currency).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Wallet{UserID: userID, Currency: currency}, nil
	}
	if err != nil {
		return domain.Wallet{}, err
	}
	return domain.Wallet{UserID: m.UserID, Currency: m.Currency, Balance: m.Balance, Blocked: m.Blocked}, nil
}

// lock 锁定钱包行，不存在时先插入零余额钱包
func (l *walletLedger) lock(ctx context.Context, userID, currency string) (*WalletModel, error) {
	db := getDB(ctx, l.db)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&WalletModel{
		UserID:    userID,
		Currency:  currency,
		Balance:   decimal.Zero,
		Blocked:   decimal.Zero,
		UpdatedAt: time.Now(),
	}).Error; err != nil {
		return nil, err
	}
	var m WalletModel
	if err := db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND currency = ?", userID, currency).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (l *walletLedger) update(ctx context.Context, m *WalletModel) error {
	return getDB(ctx, l.db).Model(&WalletModel{}).
		Where("user_id = ? AND currency = ?", m.UserID, m.Currency).
		Updates(map[string]any{"balance": m.Balance, "blocked": m.Blocked, "updated_at": time.Now()}).Error
}

func (l *walletLedger) Block(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return l.Unblock(ctx, userID, currency, amount.Neg())
	}
	if amount.IsZero() {
		return nil
	}
	m, err := l.lock(ctx, userID, currency)
	if err != nil {
		return fmt.Errorf("failed to lock wallet: %w", err)
	}
	if m.Balance.Sub(m.Blocked).LessThan(amount) {
		return fmt.Errorf("%w: user %s %s active %s, required %s",
			domain.ErrInsufficientBalance, userID, currency, m.Balance.Sub(m.Blocked), amount)
	}
	m.Blocked = m.Blocked.Add(amount)
	return l.update(ctx, m)
}

func (l *walletLedger) Unblock(ctx context.Context, userID, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	m, err := l.lock(ctx, userID, currency)
	if err != nil {
		return fmt.Errorf("failed to lock wallet: %w", err)
	}
	if amount.GreaterThan(m.Blocked) {
		amount = m.Blocked
	}
	m.Blocked = m.Blocked.Sub(amount)
	return l.update(ctx, m)
}

func (l *walletLedger) CreateTransaction(ctx context.Context, tx *domain.Transaction) (*domain.Transaction, error) {
	db := getDB(ctx, l.db)
	var existing TransactionModel
	err := db.Where("ref_module = ? AND ref_id = ?", tx.RefModule, tx.RefID).First(&existing).Error
	if err == nil {
		return toTransaction(&existing), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	m, err := l.lock(ctx, tx.UserID, tx.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	m.Balance = m.Balance.Add(tx.Amount)
	if err := l.update(ctx, m); err != nil {
		return nil, err
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}
	if err := db.Create(&TransactionModel{
		ID:          tx.ID,
		UserID:      tx.UserID,
		Currency:    tx.Currency,
		Kind:        string(tx.Kind),
		Amount:      tx.Amount,
		RefModule:   tx.RefModule,
		RefID:       tx.RefID,
		Description: tx.Description,
		CreatedAt:   tx.CreatedAt,
	}).Error; err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return tx, nil
}

// PoolLedger 资金池账本，额度以管理员钱包余额为上限
type PoolLedger struct {
	db      *gorm.DB
	wallets *walletLedger
}

// NewPoolLedger 创建资金池账本
func NewPoolLedger(db *gorm.DB) *PoolLedger {
	return &PoolLedger{db: db, wallets: &walletLedger{db: db}}
}

// EnsurePool 启动时按配置写入资金池，已存在时仅更新管理员、费率与启用状态
func (l *PoolLedger) EnsurePool(ctx context.Context, pool domain.LiquidityPool) error {
	return getDB(ctx, l.db).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "currency"}},
		DoUpdates: clause.AssignmentColumns([]string{"manager_id", "position_fee_rate", "active", "updated_at"}),
	}).Create(&LiquidityPoolModel{
		Currency:        pool.Currency,
		ManagerID:       pool.ManagerID,
		PositionFeeRate: pool.PositionFeeRate,
		Reserved:        decimal.Zero,
		Active:          pool.Active,
		UpdatedAt:       time.Now(),
	}).Error
}

func (l *PoolLedger) GetPool(ctx context.Context, currency string) (*domain.LiquidityPool, error) {
	return l.find(getDB(ctx, l.db), currency)
}

func (l *PoolLedger) find(q *gorm.DB, currency string) (*domain.LiquidityPool, error) {
	var m LiquidityPoolModel
	if err := q.Where("currency = ?", currency).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrPoolNotFound, currency)
		}
		return nil, err
	}
	return &domain.LiquidityPool{
		Currency:        m.Currency,
		ManagerID:       m.ManagerID,
		PositionFeeRate: m.PositionFeeRate,
		Reserved:        m.Reserved,
		Active:          m.Active,
		UpdatedAt:       m.UpdatedAt,
	}, nil
}

func (l *PoolLedger) setReserved(ctx context.Context, currency string, reserved decimal.Decimal) error {
	return getDB(ctx, l.db).Model(&LiquidityPoolModel{}).Where("currency = ?", currency).
		Updates(map[string]any{"reserved": reserved, "updated_at": time.Now()}).Error
}

func (l *PoolLedger) Reserve(ctx context.Context, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	pool, err := l.find(getDB(ctx, l.db).Clauses(clause.Locking{Strength: "UPDATE"}), currency)
	if err != nil {
		return err
	}
	if !pool.Active {
		return fmt.Errorf("%w: %s", domain.ErrPoolInactive, currency)
	}
	w, err := l.wallets.Wallet(ctx, pool.ManagerID, currency)
	if err != nil {
		return err
	}
	available := w.Balance.Sub(pool.Reserved)
	if amount.GreaterThan(available) {
		return fmt.Errorf("%w: %s available %s, required %s", domain.ErrInsufficientPool, currency, available, amount)
	}
	return l.setReserved(ctx, currency, pool.Reserved.Add(amount))
}

func (l *PoolLedger) Release(ctx context.Context, currency string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return nil
	}
	pool, err := l.find(getDB(ctx, l.db).Clauses(clause.Locking{Strength: "UPDATE"}), currency)
	if err != nil {
		return err
	}
	reserved := pool.Reserved.Sub(amount)
	if reserved.IsNegative() {
		reserved = decimal.Zero
	}
	return l.setReserved(ctx, currency, reserved)
}

func (l *PoolLedger) AvailableBalance(ctx context.Context, currency string) (decimal.Decimal, error) {
	pool, err := l.GetPool(ctx, currency)
	if err != nil {
		return decimal.Zero, err
	}
	w, err := l.wallets.Wallet(ctx, pool.ManagerID, currency)
	if err != nil {
		return decimal.Zero, err
	}
	return w.Balance.Sub(pool.Reserved), nil
}

// WithTx 在同一事务内执行账本操作，供运维脚本与测试使用
func WithTx(ctx context.Context, db *gorm.DB, fn func(ctx context.Context) error) error {
	return getDB(ctx, db).Transaction(func(tx *gorm.DB) error {
		return fn(contextx.WithTx(ctx, tx))
	})
}
