// Package mq Kafka 生产者与手动提交的消费者，消费失败按退避重试后写入死信主题
package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// Config Kafka 配置
type Config struct {
	Brokers        []string `mapstructure:"brokers"`
	GroupID        string   `mapstructure:"group_id"`
	SessionTimeout int      `mapstructure:"session_timeout"`
	MaxRetries     int      `mapstructure:"max_retries"`
	// RetryBackoff 毫秒
	RetryBackoff int    `mapstructure:"retry_backoff"`
	DLQTopic     string `mapstructure:"dlq_topic"`
}

// Message Kafka 消息
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Headers   map[string]string
	Time      time.Time
}

// UnmarshalPayload 将消息值解析为 JSON
func (m *Message) UnmarshalPayload(dest any) error {
	return json.Unmarshal(m.Value, dest)
}

// Producer Kafka 生产者
type Producer struct {
	writer *kafka.Writer
	log    *slog.Logger
}

// NewProducer 创建生产者，主题由每条消息指定
func NewProducer(cfg Config, log *slog.Logger) *Producer {
	if log == nil {
		log = slog.Default()
	}
	backoff := time.Duration(cfg.RetryBackoff) * time.Millisecond
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            maxInt(cfg.MaxRetries, 3),
		WriteBackoffMin:        backoff,
		WriteBackoffMax:        backoff * 10,
	}
	log.Info("kafka producer created", "brokers", cfg.Brokers)
	return &Producer{writer: writer, log: log}
}

// Send 发送原始字节，同 key 落同一分区以保持顺序
func (p *Producer) Send(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	msg := kafka.Message{Topic: topic, Key: []byte(key), Value: value}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.log.ErrorContext(ctx, "failed to send kafka message", "topic", topic, "key", key, "error", err)
		return err
	}
	p.log.DebugContext(ctx, "kafka message sent", "topic", topic, "key", key)
	return nil
}

// SendJSON 序列化后发送
func (p *Producer) SendJSON(ctx context.Context, topic, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.Send(ctx, topic, key, data, nil)
}

// Close 关闭生产者
func (p *Producer) Close() error {
	return p.writer.Close()
}

// Handler 处理一条消息。返回 Permanent 包装的错误时不再重试
type Handler func(ctx context.Context, msg *Message) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记不可重试的错误，消息直接进入死信
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 是否为不可重试错误
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Consumer 手动提交偏移量的消费者
type Consumer struct {
	reader     *kafka.Reader
	dlq        *Producer
	dlqTopic   string
	maxRetries int
	backoff    time.Duration
	log        *slog.Logger
}

// NewConsumer 创建消费者。dlq 为 nil 时失败消息在重试耗尽后仍提交并记录错误
func NewConsumer(cfg Config, topic string, dlq *Producer, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	session := time.Duration(cfg.SessionTimeout) * time.Second
	if session <= 0 {
		session = 10 * time.Second
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        cfg.GroupID,
		SessionTimeout: session,
		StartOffset:    kafka.FirstOffset,
		MaxBytes:       10e6,
	})
	dlqTopic := cfg.DLQTopic
	if dlqTopic == "" {
		dlqTopic = topic + ".dlq"
	}
	backoff := time.Duration(cfg.RetryBackoff) * time.Millisecond
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	log.Info("kafka consumer created", "brokers", cfg.Brokers, "topic", topic, "group_id", cfg.GroupID)
	return &Consumer{
		reader:     reader,
		dlq:        dlq,
		dlqTopic:   dlqTopic,
		maxRetries: maxInt(cfg.MaxRetries, 3),
		backoff:    backoff,
		log:        log,
	}
}

// Run 循环消费直到 ctx 取消。消息处理成功或进入死信后才提交偏移量
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to fetch kafka message: %w", err)
		}
		msg := fromKafka(km)
		if err := c.process(ctx, msg, handle); err != nil {
			// ctx 已取消，偏移量不提交，重启后重放
			return nil
		}
		if err := c.reader.CommitMessages(ctx, km); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to commit kafka message: %w", err)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg *Message, handle Handler) error {
	var err error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		if err = handle(ctx, msg); err == nil {
			return nil
		}
		if IsPermanent(err) {
			break
		}
		c.log.WarnContext(ctx, "kafka message handling failed, retrying",
			"topic", msg.Topic, "offset", msg.Offset, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff * time.Duration(1<<(attempt-1))):
		}
	}
	c.deadLetter(ctx, msg, err)
	return nil
}

func (c *Consumer) deadLetter(ctx context.Context, msg *Message, cause error) {
	c.log.ErrorContext(ctx, "kafka message moved to dead letter", "topic", msg.Topic, "key", msg.Key,
		"offset", msg.Offset, "error", cause)
	if c.dlq == nil {
		return
	}
	headers := map[string]string{
		"original_topic":  msg.Topic,
		"original_offset": fmt.Sprint(msg.Offset),
		"failure_error":   cause.Error(),
	}
	if err := c.dlq.Send(ctx, c.dlqTopic, msg.Key, msg.Value, headers); err != nil {
		c.log.ErrorContext(ctx, "failed to write dead letter", "topic", c.dlqTopic, "error", err)
	}
}

// Close 关闭消费者
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func fromKafka(km kafka.Message) *Message {
	msg := &Message{
		Topic:     km.Topic,
		Partition: km.Partition,
		Offset:    km.Offset,
		Key:       string(km.Key),
		Value:     km.Value,
		Time:      km.Time,
	}
	if len(km.Headers) > 0 {
		msg.Headers = make(map[string]string, len(km.Headers))
		for _, h := range km.Headers {
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	return msg
}

func maxInt(v, floor int) int {
	if v < floor {
		return floor
	}
	return v
}
