// Package messaging 把 outbox 中的领域事件投递到 Kafka
package messaging

import (
	"context"
	"time"

	"github.com/wyfcoding/invoicefinance/internal/financing/infrastructure/persistence/mysql"
	"github.com/wyfcoding/invoicefinance/pkg/logger"
	"github.com/wyfcoding/invoicefinance/pkg/metrics"
)

// Producer 消息发送方
type Producer interface {
	SendMessage(ctx context.Context, topic, key string, value any) error
}

// Outbox 待投递消息来源
type Outbox interface {
	FetchPending(ctx context.Context, limit int) ([]mysql.OutboxMessage, error)
	MarkSent(ctx context.Context, ids []int64) error
}

// OutboxRelay 轮询 outbox 并按写入顺序投递，保证至少一次
type OutboxRelay struct {
	outbox    Outbox
	producer  Producer
	metrics   *metrics.Metrics
	interval  time.Duration
	batchSize int
}

// NewOutboxRelay 创建投递器
func NewOutboxRelay(outbox Outbox, producer Producer, m *metrics.Metrics, interval time.Duration, batchSize int) *OutboxRelay {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{outbox: outbox, producer: producer, metrics: m, interval: interval, batchSize: batchSize}
}

// Start 阻塞运行直到 ctx 取消
func (r *OutboxRelay) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	logger.Info(ctx, "outbox relay started", "interval", r.interval.String(), "batch_size", r.batchSize)
	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Warn(ctx, "outbox relay round failed", "error", err)
			}
		}
	}
}

// RelayOnce 投递一批消息，遇到发送失败即停止，保留剩余消息的顺序
func (r *OutboxRelay) RelayOnce(ctx context.Context) (int, error) {
	msgs, err := r.outbox.FetchPending(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	sent := make([]int64, 0, len(msgs))
	var sendErr error
	for _, m := range msgs {
		if sendErr = r.producer.SendMessage(ctx, m.Topic, m.Key, m.Payload); sendErr != nil {
			break
		}
		sent = append(sent, m.ID)
	}
	if err := r.outbox.MarkSent(ctx, sent); err != nil {
		return 0, err
	}
	r.metrics.RecordOutboxRelayed(len(sent))
	return len(sent), sendErr
}
