// Package mq 提供 Kafka producer/consumer 封装，消费端显式提交偏移量以保证至少一次投递
package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/wyfcoding/invoicefinance/pkg/logger"
)

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Brokers        []string
	GroupID        string
	SessionTimeout int
	MaxRetries     int
	RetryBackoff   int // 毫秒
}

// KafkaProducer Kafka 生产者
type KafkaProducer struct {
	writer *kafka.Writer
}

// NewProducer 创建 Kafka 生产者
func NewProducer(cfg KafkaConfig) *KafkaProducer {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 100
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		Compression:            kafka.Gzip,
		RequiredAcks:           kafka.RequireAll,
		MaxAttempts:            maxRetries,
		WriteBackoffMin:        time.Duration(backoff) * time.Millisecond,
		WriteBackoffMax:        time.Duration(backoff*10) * time.Millisecond,
	}
	logger.Info(context.Background(), "Kafka producer created", "brokers", cfg.Brokers)
	return &KafkaProducer{writer: writer}
}

// SendMessage 发送单条 JSON 消息；value 为 []byte 时原样发送
func (kp *KafkaProducer) SendMessage(ctx context.Context, topic, key string, value any) error {
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		var err error
		if data, err = json.Marshal(value); err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
	}

	if err := kp.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: []byte(key), Value: data}); err != nil {
		logger.Error(ctx, "Failed to send Kafka message", "topic", topic, "key", key, "error", err)
		return err
	}
	logger.Debug(ctx, "Kafka message sent", "topic", topic, "key", key)
	return nil
}

// Close 关闭生产者
func (kp *KafkaProducer) Close() error {
	return kp.writer.Close()
}

// KafkaConsumer Kafka 消费者
type KafkaConsumer struct {
	reader *kafka.Reader
}

// NewConsumer 创建 Kafka 消费者
func NewConsumer(cfg KafkaConfig, topic string) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        cfg.GroupID,
		SessionTimeout: time.Duration(cfg.SessionTimeout) * time.Second,
		StartOffset:    kafka.FirstOffset,
		MaxBytes:       10e6,
	})
	logger.Info(context.Background(), "Kafka consumer created", "brokers", cfg.Brokers, "topic", topic, "group_id", cfg.GroupID)
	return &KafkaConsumer{reader: reader}
}

// FetchMessage 读取单条消息，不提交偏移量
func (kc *KafkaConsumer) FetchMessage(ctx context.Context) (*Message, error) {
	msg, err := kc.reader.FetchMessage(ctx)
	if err != nil {
		return nil, err
	}
	return &Message{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Time:      msg.Time,
		raw:       msg,
	}, nil
}

// CommitMessages 提交消息偏移量
func (kc *KafkaConsumer) CommitMessages(ctx context.Context, messages ...*Message) error {
	raws := make([]kafka.Message, 0, len(messages))
	for _, m := range messages {
		raws = append(raws, m.raw)
	}
	if len(raws) == 0 {
		return nil
	}
	return kc.reader.CommitMessages(ctx, raws...)
}

// Close 关闭消费者
func (kc *KafkaConsumer) Close() error {
	return kc.reader.Close()
}

// Message Kafka 消息结构
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Time      time.Time

	raw kafka.Message
}

// UnmarshalPayload 将消息值解析为 JSON
func (m *Message) UnmarshalPayload(dest any) error {
	return json.Unmarshal(m.Value, dest)
}

// DeadLetterQueue 死信队列
type DeadLetterQueue struct {
	producer *KafkaProducer
	topic    string
}

// NewDeadLetterQueue 创建死信队列
func NewDeadLetterQueue(producer *KafkaProducer, topic string) *DeadLetterQueue {
	return &DeadLetterQueue{producer: producer, topic: topic}
}

// Send 发送消息到死信队列
func (dlq *DeadLetterQueue) Send(ctx context.Context, original *Message, reason error) error {
	return dlq.producer.SendMessage(ctx, dlq.topic, original.Key, map[string]any{
		"original_topic":    original.Topic,
		"original_key":      original.Key,
		"original_value":    string(original.Value),
		"original_offset":   original.Offset,
		"original_time":     original.Time,
		"failure_error":     reason.Error(),
		"failure_timestamp": time.Now().UTC(),
	})
}
