// Package pricefeed 通过 WebSocket 订阅成交价与标记价并写入价格缓存
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	tradeTopicPrefix = "trade."
	markTopicPrefix  = "mark."
)

// Sink 价格写入目标
type Sink interface {
	SetLast(ctx context.Context, symbol string, price decimal.Decimal) error
	SetMark(ctx context.Context, symbol string, price decimal.Decimal) error
}

type subscribeMessage struct {
	Op   string   `json:"op"`
	Args []string `json:"args"`
}

type priceMessage struct {
	Topic string `json:"topic"`
	Data  struct {
		Price decimal.Decimal `json:"price"`
	} `json:"data"`
}

// Feed 行情订阅，断线后按指数退避重连
type Feed struct {
	url     string
	symbols []string
	sink    Sink
	logger  *slog.Logger
	dialer  *websocket.Dialer
}

func NewFeed(url string, symbols []string, sink Sink, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{url: url, symbols: symbols, sink: sink, logger: logger, dialer: websocket.DefaultDialer}
}

// Start 持续订阅直到 ctx 取消
func (f *Feed) Start(ctx context.Context) error {
	backoff := time.Second
	f.logger.Info("price feed started", "url", f.url, "symbols", f.symbols)
	for {
		err := f.run(ctx)
		if ctx.Err() != nil {
			f.logger.Info("price feed stopping...")
			return nil
		}
		f.logger.WarnContext(ctx, "price feed disconnected", "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (f *Feed) run(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial price feed: %w", err)
	}
	defer conn.Close()

	// ctx 取消时关闭连接以结束阻塞的读
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	args := make([]string, 0, len(f.symbols)*2)
	for _, s := range f.symbols {
		args = append(args, tradeTopicPrefix+s, markTopicPrefix+s)
	}
	if err := conn.WriteJSON(subscribeMessage{Op: "subscribe", Args: args}); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := f.Handle(ctx, data); err != nil {
			f.logger.DebugContext(ctx, "price message ignored", "error", err)
		}
	}
}

// Handle 解析一条行情消息并写入缓存，非价格消息忽略
func (f *Feed) Handle(ctx context.Context, data []byte) error {
	var msg priceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal price message: %w", err)
	}
	switch {
	case strings.HasPrefix(msg.Topic, tradeTopicPrefix):
		if !msg.Data.Price.IsPositive() {
			return fmt.Errorf("non-positive trade price on %s", msg.Topic)
		}
		return f.sink.SetLast(ctx, strings.TrimPrefix(msg.Topic, tradeTopicPrefix), msg.Data.Price)
	case strings.HasPrefix(msg.Topic, markTopicPrefix):
		return f.sink.SetMark(ctx, strings.TrimPrefix(msg.Topic, markTopicPrefix), msg.Data.Price)
	default:
		return nil
	}
}
