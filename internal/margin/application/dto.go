package application

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
)

// OrderLeg OCO 配对订单的第二腿
type OrderLeg struct {
	ExecutionType domain.ExecutionType
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
}

// CreateMarginOrderCommand 开仓下单
type CreateMarginOrderCommand struct {
	UserID        string
	Symbol        string
	Side          domain.Side
	Leverage      decimal.Decimal
	Amount        decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	ExecutionType domain.ExecutionType
	Pair          *OrderLeg
}

// CreateCloseOrderCommand 平仓下单
type CreateCloseOrderCommand struct {
	UserID        string
	PositionID    string
	Amount        decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	ExecutionType domain.ExecutionType
	Pair          *OrderLeg
}

// ChangeCollateralCommand 调整保证金
type ChangeCollateralCommand struct {
	UserID     string
	PositionID string
	Collateral decimal.Decimal
}

// OrderResult 下单结果
type OrderResult struct {
	PositionID string
	OrderIDs   []string
	Collateral decimal.Decimal
	Intents    domain.Intents
}

// CollateralRange 可调整的保证金区间
type CollateralRange struct {
	PositionID string          `json:"position_id"`
	Min        decimal.Decimal `json:"min"`
	Max        decimal.Decimal `json:"max"`
}

// OrderView 订单展示
type OrderView struct {
	ID            string               `json:"id"`
	Side          domain.Side          `json:"side"`
	ExecutionType domain.ExecutionType `json:"execution_type"`
	Channel       domain.OrderChannel  `json:"channel"`
	Amount        decimal.Decimal      `json:"amount"`
	Price         decimal.Decimal      `json:"price"`
	MatchedAmount decimal.Decimal      `json:"matched_amount"`
	AveragePrice  decimal.Decimal      `json:"average_price"`
	Fee           decimal.Decimal      `json:"fee"`
	PairID        string               `json:"pair_id,omitempty"`
	Status        domain.OrderStatus   `json:"status"`
}

// LiquidationRequestView 强平请求展示
type LiquidationRequestView struct {
	ID               string                          `json:"id"`
	Side             domain.Side                     `json:"side"`
	Amount           decimal.Decimal                 `json:"amount"`
	FilledAmount     decimal.Decimal                 `json:"filled_amount"`
	FilledTotalPrice decimal.Decimal                 `json:"filled_total_price"`
	Status           domain.LiquidationRequestStatus `json:"status"`
	CreatedAt        time.Time                       `json:"created_at"`
}

// PositionView 持仓展示，含按当前价格估算的字段
type PositionView struct {
	ID                  string                   `json:"id"`
	UserID              string                   `json:"user_id"`
	Symbol              string                   `json:"symbol"`
	Side                domain.Side              `json:"side"`
	Leverage            decimal.Decimal          `json:"leverage"`
	Status              domain.PositionStatus    `json:"status"`
	Collateral          decimal.Decimal          `json:"collateral"`
	DelegatedAmount     decimal.Decimal          `json:"delegated_amount"`
	Liability           decimal.Decimal          `json:"liability"`
	LiabilityInOrder    decimal.Decimal          `json:"liability_in_order"`
	EarnedAmount        decimal.Decimal          `json:"earned_amount"`
	EntryPrice          decimal.Decimal          `json:"entry_price"`
	ExitPrice           decimal.Decimal          `json:"exit_price"`
	LiquidationPrice    decimal.Decimal          `json:"liquidation_price"`
	MarketPrice         decimal.Decimal          `json:"market_price"`
	MarginRatio         *decimal.Decimal         `json:"margin_ratio,omitempty"`
	InitialMarginRatio  decimal.Decimal          `json:"initial_margin_ratio"`
	UnrealizedPNL       decimal.Decimal          `json:"unrealized_pnl"`
	PNL                 *decimal.Decimal         `json:"pnl,omitempty"`
	ExpirationDate      time.Time                `json:"expiration_date"`
	OpenedAt            *time.Time               `json:"opened_at,omitempty"`
	ClosedAt            *time.Time               `json:"closed_at,omitempty"`
	FreezedAt           *time.Time               `json:"freezed_at,omitempty"`
	CreatedAt           time.Time                `json:"created_at"`
	Orders              []OrderView              `json:"orders"`
	LiquidationRequests []LiquidationRequestView `json:"liquidation_requests"`
}
