package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/wyfcoding/marginengine/internal/margin/application"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
	"github.com/wyfcoding/marginengine/pkg/metrics"
	"github.com/wyfcoding/marginengine/pkg/mq"
)

var errMissingID = errors.New("event is missing required ids")

// Topics 消费的输入主题
var Topics = []string{
	domain.OrderMatchedEventType,
	domain.OrderCanceledEventType,
	domain.LiquidationUpdatedEventType,
}

// MarginEventHandler 消费撮合与强平服务回报并驱动持仓状态机。
// 业务拒绝视为已处理；不变量破坏、解析失败与未找到持仓直接进入死信；其余错误重试。
type MarginEventHandler struct {
	matcher *application.PositionMatcher
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewMarginEventHandler(matcher *application.PositionMatcher, m *metrics.Metrics, logger *slog.Logger) *MarginEventHandler {
	return &MarginEventHandler{matcher: matcher, metrics: m, logger: logger}
}

func (h *MarginEventHandler) Handle(ctx context.Context, msg *mq.Message) error {
	var (
		res *application.Result
		err error
	)
	switch msg.Topic {
	case domain.OrderMatchedEventType:
		var ev domain.OrderMatchedEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return h.malformed(ctx, msg, err)
		}
		if ev.TradeID == "" || ev.PositionID == "" {
			return h.malformed(ctx, msg, nil)
		}
		res, err = h.matcher.OnOrderMatched(ctx, ev)
	case domain.OrderCanceledEventType:
		var ev domain.OrderCanceledEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return h.malformed(ctx, msg, err)
		}
		if ev.OrderID == "" || ev.PositionID == "" {
			return h.malformed(ctx, msg, nil)
		}
		res, err = h.matcher.OnOrderCanceled(ctx, ev)
	case domain.LiquidationUpdatedEventType:
		var ev domain.LiquidationUpdatedEvent
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			return h.malformed(ctx, msg, err)
		}
		if ev.LiquidationRequestID == "" || ev.PositionID == "" {
			return h.malformed(ctx, msg, nil)
		}
		res, err = h.matcher.OnLiquidationUpdated(ctx, ev)
	default:
		h.logger.WarnContext(ctx, "unknown margin event topic", "topic", msg.Topic)
		return nil
	}
	return h.outcome(msg.Topic, res, err)
}

func (h *MarginEventHandler) outcome(topic string, res *application.Result, err error) error {
	switch {
	case err == nil && res.Applied:
		h.metrics.RecordEvent(topic, "applied")
		return nil
	case err == nil:
		h.metrics.RecordEvent(topic, "replayed")
		return nil
	case domain.IsBusinessError(err):
		h.metrics.RecordEvent(topic, "rejected")
		return nil
	case domain.IsRetryable(err):
		h.metrics.RecordEvent(topic, "failed")
		return err
	default:
		h.metrics.RecordEvent(topic, "dead_letter")
		return mq.Permanent(err)
	}
}

func (h *MarginEventHandler) malformed(ctx context.Context, msg *mq.Message, err error) error {
	h.logger.ErrorContext(ctx, "malformed margin event", "topic", msg.Topic, "key", msg.Key, "error", err)
	h.metrics.RecordEvent(msg.Topic, "dead_letter")
	if err == nil {
		err = errMissingID
	}
	return mq.Permanent(err)
}
