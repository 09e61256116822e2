package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// 输入事件
const (
	OrderMatchedEventType       = "margin.order.matched"
	OrderCanceledEventType      = "margin.order.canceled"
	LiquidationUpdatedEventType = "margin.liquidation.updated"
)

// 输出意图，主题与类型同名
const (
	OrderPlaceRequestedEventType  = "margin.order.place_requested"
	OrderCancelRequestedEventType = "margin.order.cancel_requested"
	OrderAmendRequestedEventType  = "margin.order.amend_requested"
	LiquidationRequestedEventType = "margin.liquidation.requested"
	PositionUpdatedEventType      = "margin.position.updated"
	PositionSettledEventType      = "margin.position.settled"
	NotificationEventType         = "margin.notification"
)

// OrderMatchedEvent 撮合成交事件
type OrderMatchedEvent struct {
	TradeID    string          `json:"trade_id"`
	OrderID    string          `json:"order_id"`
	PositionID string          `json:"position_id"`
	Amount     decimal.Decimal `json:"amount"`
	Price      decimal.Decimal `json:"price"`
	IsMaker    bool            `json:"is_maker"`
	MatchedAt  time.Time       `json:"matched_at"`
}

// OrderCanceledEvent 撤单事件
type OrderCanceledEvent struct {
	OrderID         string          `json:"order_id"`
	PositionID      string          `json:"position_id"`
	UnmatchedAmount decimal.Decimal `json:"unmatched_amount"`
	CanceledAt      time.Time       `json:"canceled_at"`
}

// LiquidationUpdatedEvent 强平服务回报，成交字段为累计值
type LiquidationUpdatedEvent struct {
	LiquidationRequestID string          `json:"liquidation_request_id"`
	PositionID           string          `json:"position_id"`
	FilledAmount         decimal.Decimal `json:"filled_amount"`
	FilledTotalPrice     decimal.Decimal `json:"filled_total_price"`
	Done                 bool            `json:"done"`
	// Canceled 强平服务放弃本轮，未成交部分不再执行
	Canceled  bool      `json:"canceled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OrderPlaceRequestedEvent 请求撮合引擎挂单
type OrderPlaceRequestedEvent struct {
	OrderID       string          `json:"order_id"`
	PositionID    string          `json:"position_id"`
	UserID        string          `json:"user_id"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	ExecutionType ExecutionType   `json:"execution_type"`
	Channel       OrderChannel    `json:"channel"`
	Amount        decimal.Decimal `json:"amount"`
	Price         decimal.Decimal `json:"price"`
	StopPrice     decimal.Decimal `json:"stop_price"`
	PairID        string          `json:"pair_id,omitempty"`
	OccurredOn    time.Time       `json:"occurred_on"`
}

// OrderCancelRequestedEvent 请求撤单
type OrderCancelRequestedEvent struct {
	OrderID    string    `json:"order_id"`
	PositionID string    `json:"position_id"`
	Reason     string    `json:"reason"`
	OccurredOn time.Time `json:"occurred_on"`
}

// OrderAmendRequestedEvent OCO 一腿成交后收缩另一腿的可成交数量
type OrderAmendRequestedEvent struct {
	OrderID    string          `json:"order_id"`
	PositionID string          `json:"position_id"`
	Amount     decimal.Decimal `json:"amount"`
	OccurredOn time.Time       `json:"occurred_on"`
}

// LiquidationRequestedEvent 请求强平服务成交
type LiquidationRequestedEvent struct {
	LiquidationRequestID string          `json:"liquidation_request_id"`
	PositionID           string          `json:"position_id"`
	PoolManagerID        string          `json:"pool_manager_id"`
	Symbol               string          `json:"symbol"`
	Side                 Side            `json:"side"`
	Amount               decimal.Decimal `json:"amount"`
	OccurredOn           time.Time       `json:"occurred_on"`
}

// PositionUpdatedEvent 持仓派生字段变化
type PositionUpdatedEvent struct {
	PositionID       string          `json:"position_id"`
	UserID           string          `json:"user_id"`
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	OldStatus        PositionStatus  `json:"old_status"`
	Status           PositionStatus  `json:"status"`
	Collateral       decimal.Decimal `json:"collateral"`
	Liability        decimal.Decimal `json:"liability"`
	EarnedAmount     decimal.Decimal `json:"earned_amount"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	OccurredOn       time.Time       `json:"occurred_on"`
}

// PositionSettledEvent 盈亏结算完成
type PositionSettledEvent struct {
	PositionID string          `json:"position_id"`
	UserID     string          `json:"user_id"`
	Status     PositionStatus  `json:"status"`
	PNL        decimal.Decimal `json:"pnl"`
	Residual   decimal.Decimal `json:"residual"`
	OccurredOn time.Time       `json:"occurred_on"`
}

// 通知模板
const (
	TemplateLiquidationCall = "liquidation_call"
	TemplatePositionExpired = "position_expired"
	TemplateMarginCall      = "margin_call"
	TemplateAdminAlert      = "admin_alert"
)

// NotificationEvent 用户或运维通知
type NotificationEvent struct {
	UserID     string            `json:"user_id,omitempty"`
	PositionID string            `json:"position_id"`
	Template   string            `json:"template"`
	Data       map[string]string `json:"data,omitempty"`
	OccurredOn time.Time         `json:"occurred_on"`
}

// Intent 事务提交后需要对外发布的副作用
type Intent struct {
	Type    string
	Key     string
	Payload any
}

// Intents 一次处理收集到的意图
type Intents []Intent

func (is *Intents) Add(eventType, key string, payload any) {
	*is = append(*is, Intent{Type: eventType, Key: key, Payload: payload})
}

// OfType 过滤指定类型
func (is Intents) OfType(eventType string) Intents {
	var out Intents
	for _, i := range is {
		if i.Type == eventType {
			out = append(out, i)
		}
	}
	return out
}

// EventPublisher 事件发布者接口，PublishInTx 将事件写入与业务数据同一事务的发件箱
type EventPublisher interface {
	Publish(ctx context.Context, topic string, key string, event any) error
	PublishInTx(ctx context.Context, tx any, topic string, key string, event any) error
}

// CompletionNotice 终态持仓的用户通知，closed/canceled 无需通知
func CompletionNotice(p *Position, now time.Time) (NotificationEvent, bool) {
	var template string
	switch p.Status {
	case PositionStatusLiquidated:
		template = TemplateLiquidationCall
	case PositionStatusExpired:
		template = TemplatePositionExpired
	default:
		return NotificationEvent{}, false
	}
	return NotificationEvent{
		UserID:     p.UserID,
		PositionID: p.ID,
		Template:   template,
		Data: map[string]string{
			"symbol":     p.Symbol,
			"side":       string(p.Side),
			"exit_price": p.ExitPrice.String(),
			"collateral": p.Collateral.String(),
		},
		OccurredOn: now,
	}, true
}
