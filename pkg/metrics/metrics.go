// Package metrics 提供 Prometheus 指标，覆盖保证金事件处理、强平、结算与发件箱
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 指标集合，每个实例使用独立的 Registry
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求计数
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTP 请求耗时
	HTTPRequestDuration *prometheus.HistogramVec

	// 事件处理计数，result: applied, replayed, failed, dead_letter
	EventsTotal *prometheus.CounterVec

	// 强平
	LiquidatedPositions *prometheus.CounterVec
	LiquidatedLiability *prometheus.CounterVec
	LiquidationRequests *prometheus.CounterVec

	// 结算
	SettledPositions   *prometheus.CounterVec
	SettlementInterval *prometheus.HistogramVec
	ExpiredPositions   prometheus.Counter
	PositionFees       prometheus.Counter
	MarginCalls        prometheus.Counter

	// 一致性
	InvariantViolations prometheus.Counter
	DoubleSpendWarnings prometheus.Counter
	CancelMismatches    prometheus.Counter

	// 发件箱
	OutboxPublished prometheus.Counter
	OutboxFailed    prometheus.Counter

	// 管理循环
	ManageRunDuration prometheus.Histogram
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "margin",
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "margin",
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "margin",
			Subsystem: serviceName,
			Name:      "events_total",
			Help:      "Consumed margin events by topic and result",
		}, []string{"topic", "result"}),
		LiquidatedPositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "margin",
			Subsystem: serviceName,
			Name:      "liquidated_positions_count",
			Help:      "Positions marked liquidated by the scanner",
		}, []string{"src", "dst", "side"}),
		LiquidatedLiability: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "margin",
			Subsystem: serviceName,
			Name:      "liquidated_positions_sum",
			Help:      "Liability of positions marked liquidated by the scanner",
		}, []string{"src", "dst", "side"}),
		LiquidationRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "margin",
			Subsystem: serviceName,
			Name:      "liquidation_requests_total",
			Help:      "Liquidation requests opened",
		}, []string{"symbol", "side"}),
		SettledPositions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "margin",
			Subsystem: serviceName,
			Name:      "settled_positions_total",
			Help:      "Positions whose pnl was realized",
		}, []string{"status"}),
		SettlementInterval: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "margin",
			Subsystem: serviceName,
			Name:      "system_settlement_interval_milliseconds",
			Help:      "Time between freezing a position and closing its liability",
			Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
		}, []string{"status"}),
		ExpiredPositions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "margin",
			Subsystem: serviceName,
			Name:      "expired_positions_total",
			Help:      "Positions expired by the cron",
		}),
		PositionFees: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "margin",
			Subsystem: serviceName,
			Name:      "position_fees_total",
			Help:      "Daily extension fees charged",
		}),
		MarginCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "margin",
			Subsystem: serviceName,
			Name:      "margin_calls_total",
			Help:      "Margin calls sent",
		}),
		InvariantViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "margin",
			Subsystem: serviceName,
			Name:      "invariant_violations_total",
			Help:      "Ledger invariant violations that halted settlement",
		}),
		DoubleSpendWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "margin",
			Subsystem: serviceName,
			Name:      "double_spend_warnings_total",
			Help:      "Positions whose buy and sell sides disagree after closing",
		}),
		CancelMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "margin",
			Subsystem: serviceName,
			Name:      "cancel_mismatches_total",
			Help:      "Cancel reports whose unmatched amount differs from the local order",
		}),
		OutboxPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "margin",
			Subsystem: serviceName,
			Name:      "outbox_published_total",
			Help:      "Outbox messages relayed to Kafka",
		}),
		OutboxFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "margin",
			Subsystem: serviceName,
			Name:      "outbox_failed_total",
			Help:      "Outbox messages that failed to relay",
		}),
		ManageRunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "margin",
			Subsystem: serviceName,
			Name:      "manage_run_duration_seconds",
			Help:      "Duration of a manage positions run",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EventsTotal,
		m.LiquidatedPositions,
		m.LiquidatedLiability,
		m.LiquidationRequests,
		m.SettledPositions,
		m.SettlementInterval,
		m.ExpiredPositions,
		m.PositionFees,
		m.MarginCalls,
		m.InvariantViolations,
		m.DoubleSpendWarnings,
		m.CancelMismatches,
		m.OutboxPublished,
		m.OutboxFailed,
		m.ManageRunDuration,
	)
	return m
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler Prometheus 抓取端点
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEvent 记录一次事件处理结果
func (m *Metrics) RecordEvent(topic, result string) {
	m.EventsTotal.WithLabelValues(topic, result).Inc()
}

// RecordLiquidated 记录强平扫描结果
func (m *Metrics) RecordLiquidated(src, dst, side string, count int, liability float64) {
	m.LiquidatedPositions.WithLabelValues(src, dst, side).Add(float64(count))
	m.LiquidatedLiability.WithLabelValues(src, dst, side).Add(liability)
}

// RecordSettlement 记录结算及冻结到平仓的间隔
func (m *Metrics) RecordSettlement(status string, interval time.Duration) {
	m.SettledPositions.WithLabelValues(status).Inc()
	if interval > 0 {
		m.SettlementInterval.WithLabelValues(status).Observe(float64(interval.Milliseconds()))
	}
}
