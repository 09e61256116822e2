package mysql

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
	"gorm.io/gorm"
)

// PositionModel 保证金持仓表
type PositionModel struct {
	ID               string              `gorm:"column:id;type:varchar(36);primaryKey"`
	UserID           string              `gorm:"column:user_id;type:varchar(64);index;not null"`
	Symbol           string              `gorm:"column:symbol;type:varchar(20);index:idx_symbol_status;not null"`
	SrcCurrency      string              `gorm:"column:src_currency;type:varchar(10);not null"`
	DstCurrency      string              `gorm:"column:dst_currency;type:varchar(10);not null"`
	Side             string              `gorm:"column:side;type:varchar(4);not null"`
	Leverage         decimal.Decimal     `gorm:"column:leverage;type:decimal(8,2);not null"`
	Collateral       decimal.Decimal     `gorm:"column:collateral;type:decimal(36,18);not null"`
	DelegatedAmount  decimal.Decimal     `gorm:"column:delegated_amount;type:decimal(36,18);not null"`
	EarnedAmount     decimal.Decimal     `gorm:"column:earned_amount;type:decimal(36,18);not null"`
	EntryPrice       decimal.Decimal     `gorm:"column:entry_price;type:decimal(36,18)"`
	ExitPrice        decimal.Decimal     `gorm:"column:exit_price;type:decimal(36,18)"`
	LiquidationPrice decimal.Decimal     `gorm:"column:liquidation_price;type:decimal(36,18);index"`
	TradeFeeRate     decimal.Decimal     `gorm:"column:trade_fee_rate;type:decimal(10,6)"`
	PricePrecision   int32               `gorm:"column:price_precision"`
	Status           string              `gorm:"column:status;type:varchar(12);index:idx_symbol_status;not null"`
	PNL              decimal.NullDecimal `gorm:"column:pnl;type:decimal(36,18)"`
	PNLTransactionID string              `gorm:"column:pnl_transaction_id;type:varchar(36)"`
	OpenedAt         *time.Time          `gorm:"column:opened_at"`
	ClosedAt         *time.Time          `gorm:"column:closed_at"`
	FreezedAt        *time.Time          `gorm:"column:freezed_at"`
	CreatedAt        time.Time           `gorm:"column:created_at;index"`
	UpdatedAt        time.Time           `gorm:"column:updated_at"`
}

func (PositionModel) TableName() string { return "margin_positions" }

// PositionOrderModel 持仓订单表，累计成交字段由成交回报更新
type PositionOrderModel struct {
	ID                string          `gorm:"column:id;type:varchar(36);primaryKey"`
	PositionID        string          `gorm:"column:position_id;type:varchar(36);index;not null"`
	UserID            string          `gorm:"column:user_id;type:varchar(64);not null"`
	Symbol            string          `gorm:"column:symbol;type:varchar(20);not null"`
	Side              string          `gorm:"column:side;type:varchar(4);not null"`
	ExecutionType     string          `gorm:"column:execution_type;type:varchar(16);not null"`
	Channel           string          `gorm:"column:channel;type:varchar(8);not null"`
	Amount            decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null"`
	Price             decimal.Decimal `gorm:"column:price;type:decimal(36,18)"`
	StopPrice         decimal.Decimal `gorm:"column:stop_price;type:decimal(36,18)"`
	PairID            string          `gorm:"column:pair_id;type:varchar(36)"`
	MatchedAmount     decimal.Decimal `gorm:"column:matched_amount;type:decimal(36,18)"`
	MatchedTotalPrice decimal.Decimal `gorm:"column:matched_total_price;type:decimal(36,18)"`
	Fee               decimal.Decimal `gorm:"column:fee;type:decimal(36,18)"`
	BlockedCollateral decimal.Decimal `gorm:"column:blocked_collateral;type:decimal(36,18)"`
	PoolReserved      decimal.Decimal `gorm:"column:pool_reserved;type:decimal(36,18)"`
	Status            string          `gorm:"column:status;type:varchar(10);not null"`
	FirstMatchedAt    *time.Time      `gorm:"column:first_matched_at"`
	LastMatchedAt     *time.Time      `gorm:"column:last_matched_at"`
	CreatedAt         time.Time       `gorm:"column:created_at"`
	UpdatedAt         time.Time       `gorm:"column:updated_at"`
}

func (PositionOrderModel) TableName() string { return "margin_position_orders" }

// OrderMatchModel 成交记录，trade_id 唯一
type OrderMatchModel struct {
	TradeID    string          `gorm:"column:trade_id;type:varchar(64);primaryKey"`
	OrderID    string          `gorm:"column:order_id;type:varchar(36);index;not null"`
	PositionID string          `gorm:"column:position_id;type:varchar(36);index;not null"`
	Amount     decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null"`
	Price      decimal.Decimal `gorm:"column:price;type:decimal(36,18);not null"`
	Fee        decimal.Decimal `gorm:"column:fee;type:decimal(36,18)"`
	IsMaker    bool            `gorm:"column:is_maker"`
	MatchedAt  time.Time       `gorm:"column:matched_at"`
}

func (OrderMatchModel) TableName() string { return "margin_order_matches" }

// LiquidationRequestModel 强平请求表
type LiquidationRequestModel struct {
	ID               string          `gorm:"column:id;type:varchar(36);primaryKey"`
	PositionID       string          `gorm:"column:position_id;type:varchar(36);index;not null"`
	PoolManagerID    string          `gorm:"column:pool_manager_id;type:varchar(64);not null"`
	Symbol           string          `gorm:"column:symbol;type:varchar(20);not null"`
	SrcCurrency      string          `gorm:"column:src_currency;type:varchar(10);not null"`
	DstCurrency      string          `gorm:"column:dst_currency;type:varchar(10);not null"`
	Side             string          `gorm:"column:side;type:varchar(4);not null"`
	Amount           decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null"`
	FilledAmount     decimal.Decimal `gorm:"column:filled_amount;type:decimal(36,18)"`
	FilledTotalPrice decimal.Decimal `gorm:"column:filled_total_price;type:decimal(36,18)"`
	Status           string          `gorm:"column:status;type:varchar(10);index;not null"`
	CreatedAt        time.Time       `gorm:"column:created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at"`
}

func (LiquidationRequestModel) TableName() string { return "margin_liquidation_requests" }

// PositionFeeModel 每日展期费，(position_id, date) 唯一
type PositionFeeModel struct {
	ID            string          `gorm:"column:id;type:varchar(36);primaryKey"`
	PositionID    string          `gorm:"column:position_id;type:varchar(36);uniqueIndex:uk_position_date;not null"`
	Date          time.Time       `gorm:"column:date;uniqueIndex:uk_position_date;not null"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null"`
	TransactionID string          `gorm:"column:transaction_id;type:varchar(36)"`
	CreatedAt     time.Time       `gorm:"column:created_at"`
}

func (PositionFeeModel) TableName() string { return "margin_position_fees" }

// CollateralChangeModel 保证金调整记录
type CollateralChangeModel struct {
	ID         string          `gorm:"column:id;type:varchar(36);primaryKey"`
	PositionID string          `gorm:"column:position_id;type:varchar(36);index;not null"`
	OldValue   decimal.Decimal `gorm:"column:old_value;type:decimal(36,18)"`
	NewValue   decimal.Decimal `gorm:"column:new_value;type:decimal(36,18)"`
	CreatedAt  time.Time       `gorm:"column:created_at"`
}

func (CollateralChangeModel) TableName() string { return "margin_collateral_changes" }

// MarginCallModel 追保提醒
type MarginCallModel struct {
	ID               string          `gorm:"column:id;type:varchar(36);primaryKey"`
	PositionID       string          `gorm:"column:position_id;type:varchar(36);index;not null"`
	MarketPrice      decimal.Decimal `gorm:"column:market_price;type:decimal(36,18)"`
	LiquidationPrice decimal.Decimal `gorm:"column:liquidation_price;type:decimal(36,18)"`
	IsSent           bool            `gorm:"column:is_sent"`
	IsSolved         bool            `gorm:"column:is_solved;index"`
	CreatedAt        time.Time       `gorm:"column:created_at"`
	UpdatedAt        time.Time       `gorm:"column:updated_at"`
}

func (MarginCallModel) TableName() string { return "margin_calls" }

// WalletModel 保证金钱包
type WalletModel struct {
	UserID    string          `gorm:"column:user_id;type:varchar(64);primaryKey"`
	Currency  string          `gorm:"column:currency;type:varchar(10);primaryKey"`
	Balance   decimal.Decimal `gorm:"column:balance;type:decimal(36,18);not null"`
	Blocked   decimal.Decimal `gorm:"column:blocked;type:decimal(36,18);not null"`
	UpdatedAt time.Time       `gorm:"column:updated_at"`
}

func (WalletModel) TableName() string { return "margin_wallets" }

// TransactionModel 钱包流水，(ref_module, ref_id) 唯一
type TransactionModel struct {
	ID          string          `gorm:"column:id;type:varchar(36);primaryKey"`
	UserID      string          `gorm:"column:user_id;type:varchar(64);index;not null"`
	Currency    string          `gorm:"column:currency;type:varchar(10);not null"`
	Kind        string          `gorm:"column:kind;type:varchar(16);not null"`
	Amount      decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null"`
	RefModule   string          `gorm:"column:ref_module;type:varchar(64);uniqueIndex:uk_ref;not null"`
	RefID       string          `gorm:"column:ref_id;type:varchar(128);uniqueIndex:uk_ref;not null"`
	Description string          `gorm:"column:description;type:varchar(255)"`
	CreatedAt   time.Time       `gorm:"column:created_at"`
}

func (TransactionModel) TableName() string { return "margin_transactions" }

// LiquidityPoolModel 借贷资金池
type LiquidityPoolModel struct {
	Currency        string          `gorm:"column:currency;type:varchar(10);primaryKey"`
	ManagerID       string          `gorm:"column:manager_id;type:varchar(64);not null"`
	PositionFeeRate decimal.Decimal `gorm:"column:position_fee_rate;type:decimal(10,6)"`
	Reserved        decimal.Decimal `gorm:"column:reserved;type:decimal(36,18);not null"`
	Active          bool            `gorm:"column:active"`
	UpdatedAt       time.Time       `gorm:"column:updated_at"`
}

func (LiquidityPoolModel) TableName() string { return "margin_liquidity_pools" }

// AutoMigrate 创建或更新保证金相关表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&PositionModel{},
		&PositionOrderModel{},
		&OrderMatchModel{},
		&LiquidationRequestModel{},
		&PositionFeeModel{},
		&CollateralChangeModel{},
		&MarginCallModel{},
		&WalletModel{},
		&TransactionModel{},
		&LiquidityPoolModel{},
	)
}

// mapping helpers

func toPositionModel(p *domain.Position) *PositionModel {
	return &PositionModel{
		ID:               p.ID,
		UserID:           p.UserID,
		Symbol:           p.Symbol,
		SrcCurrency:      p.SrcCurrency,
		DstCurrency:      p.DstCurrency,
		Side:             string(p.Side),
		Leverage:         p.Leverage,
		Collateral:       p.Collateral,
		DelegatedAmount:  p.DelegatedAmount,
		EarnedAmount:     p.EarnedAmount,
		EntryPrice:       p.EntryPrice,
		ExitPrice:        p.ExitPrice,
		LiquidationPrice: p.LiquidationPrice,
		TradeFeeRate:     p.TradeFeeRate,
		PricePrecision:   p.PricePrecision,
		Status:           string(p.Status),
		PNL:              p.PNL,
		PNLTransactionID: p.PNLTransactionID,
		OpenedAt:         p.OpenedAt,
		ClosedAt:         p.ClosedAt,
		FreezedAt:        p.FreezedAt,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func toPosition(m *PositionModel, orders []PositionOrderModel, requests []LiquidationRequestModel) *domain.Position {
	p := &domain.Position{
		ID:               m.ID,
		UserID:           m.UserID,
		Symbol:           m.Symbol,
		SrcCurrency:      m.SrcCurrency,
		DstCurrency:      m.DstCurrency,
		Side:             domain.Side(m.Side),
		Leverage:         m.Leverage,
		Collateral:       m.Collateral,
		DelegatedAmount:  m.DelegatedAmount,
		EarnedAmount:     m.EarnedAmount,
		EntryPrice:       m.EntryPrice,
		ExitPrice:        m.ExitPrice,
		LiquidationPrice: m.LiquidationPrice,
		TradeFeeRate:     m.TradeFeeRate,
		PricePrecision:   m.PricePrecision,
		Status:           domain.PositionStatus(m.Status),
		PNL:              m.PNL,
		PNLTransactionID: m.PNLTransactionID,
		OpenedAt:         m.OpenedAt,
		ClosedAt:         m.ClosedAt,
		FreezedAt:        m.FreezedAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
	p.Orders = make([]*domain.Order, len(orders))
	for i := range orders {
		p.Orders[i] = toOrder(&orders[i])
	}
	p.LiquidationRequests = make([]*domain.LiquidationRequest, len(requests))
	for i := range requests {
		p.LiquidationRequests[i] = toLiquidationRequest(&requests[i])
	}
	p.InitFSM()
	return p
}

func toOrderModel(o *domain.Order) *PositionOrderModel {
	return &PositionOrderModel{
		ID:                o.ID,
		PositionID:        o.PositionID,
		UserID:            o.UserID,
		Symbol:            o.Symbol,
		Side:              string(o.Side),
		ExecutionType:     string(o.ExecutionType),
		Channel:           string(o.Channel),
		Amount:            o.Amount,
		Price:             o.Price,
		StopPrice:         o.StopPrice,
		PairID:            o.PairID,
		MatchedAmount:     o.MatchedAmount,
		MatchedTotalPrice: o.MatchedTotalPrice,
		Fee:               o.Fee,
		BlockedCollateral: o.BlockedCollateral,
		PoolReserved:      o.PoolReserved,
		Status:            string(o.Status),
		FirstMatchedAt:    o.FirstMatchedAt,
		LastMatchedAt:     o.LastMatchedAt,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
}

func toOrder(m *PositionOrderModel) *domain.Order {
	return &domain.Order{
		ID:                m.ID,
		PositionID:        m.PositionID,
		UserID:            m.UserID,
		Symbol:            m.Symbol,
		Side:              domain.Side(m.Side),
		ExecutionType:     domain.ExecutionType(m.ExecutionType),
		Channel:           domain.OrderChannel(m.Channel),
		Amount:            m.Amount,
		Price:             m.Price,
		StopPrice:         m.StopPrice,
		PairID:            m.PairID,
		MatchedAmount:     m.MatchedAmount,
		MatchedTotalPrice: m.MatchedTotalPrice,
		Fee:               m.Fee,
		BlockedCollateral: m.BlockedCollateral,
		PoolReserved:      m.PoolReserved,
		Status:            domain.OrderStatus(m.Status),
		FirstMatchedAt:    m.FirstMatchedAt,
		LastMatchedAt:     m.LastMatchedAt,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func toLiquidationRequestModel(r *domain.LiquidationRequest) *LiquidationRequestModel {
	return &LiquidationRequestModel{
		ID:               r.ID,
		PositionID:       r.PositionID,
		PoolManagerID:    r.PoolManagerID,
		Symbol:           r.Symbol,
		SrcCurrency:      r.SrcCurrency,
		DstCurrency:      r.DstCurrency,
		Side:             string(r.Side),
		Amount:           r.Amount,
		FilledAmount:     r.FilledAmount,
		FilledTotalPrice: r.FilledTotalPrice,
		Status:           string(r.Status),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func toLiquidationRequest(m *LiquidationRequestModel) *domain.LiquidationRequest {
	return &domain.LiquidationRequest{
		ID:               m.ID,
		PositionID:       m.PositionID,
		PoolManagerID:    m.PoolManagerID,
		Symbol:           m.Symbol,
		SrcCurrency:      m.SrcCurrency,
		DstCurrency:      m.DstCurrency,
		Side:             domain.Side(m.Side),
		Amount:           m.Amount,
		FilledAmount:     m.FilledAmount,
		FilledTotalPrice: m.FilledTotalPrice,
		Status:           domain.LiquidationRequestStatus(m.Status),
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func toMarginCall(m *MarginCallModel) *domain.MarginCall {
	return &domain.MarginCall{
		ID:               m.ID,
		PositionID:       m.PositionID,
		MarketPrice:      m.MarketPrice,
		LiquidationPrice: m.LiquidationPrice,
		IsSent:           m.IsSent,
		IsSolved:         m.IsSolved,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func toTransaction(m *TransactionModel) *domain.Transaction {
	return &domain.Transaction{
		ID:          m.ID,
		UserID:      m.UserID,
		Currency:    m.Currency,
		Kind:        domain.TransactionKind(m.Kind),
		Amount:      m.Amount,
		RefModule:   m.RefModule,
		RefID:       m.RefID,
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
	}
}
