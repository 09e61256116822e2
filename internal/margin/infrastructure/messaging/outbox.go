// Package messaging 发件箱：意图与业务数据同事务落库，由中继按写入顺序投递到 Kafka
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/wyfcoding/marginengine/internal/margin/domain"
	"github.com/wyfcoding/marginengine/pkg/metrics"
	"github.com/wyfcoding/pkg/contextx"
	"gorm.io/gorm"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// OutboxMessage 发件箱消息
type OutboxMessage struct {
	ID        string    `gorm:"column:id;type:varchar(36);primaryKey"`
	Seq       int64     `gorm:"column:seq;autoIncrement:false;index"`
	Topic     string    `gorm:"column:topic;type:varchar(100);index"`
	Key       string    `gorm:"column:msg_key;type:varchar(64)"`
	Payload   string    `gorm:"column:payload;type:text"`
	Status    string    `gorm:"column:status;type:varchar(20);index;default:'pending'"`
	Attempts  int       `gorm:"column:attempts"`
	LastError string    `gorm:"column:last_error;type:varchar(512)"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (OutboxMessage) TableName() string {
	return "margin_outbox_messages"
}

// AutoMigrate 创建发件箱表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&OutboxMessage{})
}

// OutboxPublisher 实现 domain.EventPublisher
type OutboxPublisher struct {
	db *gorm.DB
}

func NewOutboxPublisher(db *gorm.DB) *OutboxPublisher {
	return &OutboxPublisher{db: db}
}

// Publish 在 context 携带的事务 (若有) 中写入发件箱
func (p *OutboxPublisher) Publish(ctx context.Context, topic, key string, event any) error {
	return p.PublishInTx(ctx, contextx.GetTx(ctx), topic, key, event)
}

// PublishInTx tx 不是 *gorm.DB 时写入独立事务
func (p *OutboxPublisher) PublishInTx(ctx context.Context, tx any, topic, key string, event any) error {
	db, ok := tx.(*gorm.DB)
	if !ok || db == nil {
		db = p.db
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", topic, err)
	}
	now := time.Now()
	return db.WithContext(ctx).Create(&OutboxMessage{
		ID:        uuid.NewString(),
		Seq:       now.UnixNano(),
		Topic:     topic,
		Key:       key,
		Payload:   string(payload),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}).Error
}

// Sender 消息投递
type Sender interface {
	Send(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// Relay 轮询发件箱并投递。投递失败时中止本批，保证同一持仓的意图按顺序到达
type Relay struct {
	db          *gorm.DB
	sender      Sender
	batchSize   int
	maxAttempts int
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewRelay 创建中继
func NewRelay(db *gorm.DB, sender Sender, batchSize int, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{db: db, sender: sender, batchSize: batchSize, maxAttempts: 10, metrics: m, logger: logger}
}

// ProcessOnce 投递一批待发送消息，返回成功条数
func (r *Relay) ProcessOnce(ctx context.Context) (int, error) {
	var messages []OutboxMessage
	if err := r.db.WithContext(ctx).
		Where("status = ?", StatusPending).
		Order("seq, created_at").
		Limit(r.batchSize).
		Find(&messages).Error; err != nil {
		return 0, err
	}

	sent := 0
	for i := range messages {
		msg := &messages[i]
		headers := map[string]string{"event_id": msg.ID, "event_type": msg.Topic}
		if err := r.sender.Send(ctx, msg.Topic, msg.Key, []byte(msg.Payload), headers); err != nil {
			r.markFailed(ctx, msg, err)
			return sent, fmt.Errorf("failed to send outbox message %s: %w", msg.ID, err)
		}
		if err := r.db.WithContext(ctx).Model(msg).
			Updates(map[string]any{"status": StatusSent, "updated_at": time.Now()}).Error; err != nil {
			return sent, err
		}
		if r.metrics != nil {
			r.metrics.OutboxPublished.Inc()
		}
		sent++
	}
	return sent, nil
}

func (r *Relay) markFailed(ctx context.Context, msg *OutboxMessage, cause error) {
	if r.metrics != nil {
		r.metrics.OutboxFailed.Inc()
	}
	status := StatusPending
	if msg.Attempts+1 >= r.maxAttempts {
		status = StatusFailed
	}
	errText := cause.Error()
	if len(errText) > 512 {
		errText = errText[:512]
	}
	if err := r.db.WithContext(ctx).Model(msg).Updates(map[string]any{
		"attempts":   msg.Attempts + 1,
		"last_error": errText,
		"status":     status,
		"updated_at": time.Now(),
	}).Error; err != nil {
		r.logger.ErrorContext(ctx, "failed to record outbox failure", "id", msg.ID, "error", err)
	}
	r.logger.WarnContext(ctx, "outbox delivery failed", "id", msg.ID, "topic", msg.Topic, "attempts", msg.Attempts+1, "error", cause)
}

// Cleanup 删除 before 之前已投递的消息
func (r *Relay) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("status = ? AND updated_at < ?", StatusSent, before).Delete(&OutboxMessage{})
	return res.RowsAffected, res.Error
}

// Start 按间隔投递直到 ctx 取消，每小时清理一天前已投递的消息
func (r *Relay) Start(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	r.logger.Info("outbox relay started", "interval", interval, "batch_size", r.batchSize)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("outbox relay stopping...")
			return nil
		case <-ticker.C:
			for {
				n, err := r.ProcessOnce(ctx)
				if err != nil {
					r.logger.ErrorContext(ctx, "outbox relay cycle failed", "error", err)
					break
				}
				if n < r.batchSize {
					break
				}
			}
		case <-cleanup.C:
			if n, err := r.Cleanup(ctx, time.Now().Add(-24*time.Hour)); err != nil {
				r.logger.ErrorContext(ctx, "outbox cleanup failed", "error", err)
			} else if n > 0 {
				r.logger.Info("outbox cleaned up", "deleted", n)
			}
		}
	}
}

var _ domain.EventPublisher = (*OutboxPublisher)(nil)
