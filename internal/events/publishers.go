package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"

	"AgentVault/pkg/logger"
)

// LogPublisher 将事件写入审计日志。
type LogPublisher struct {
	log *slog.Logger
}

// NewLogPublisher 创建写入 l 的发布器，l 为 nil 时写入审计日志。
func NewLogPublisher(l *slog.Logger) *LogPublisher {
	if l == nil {
		l = logger.Audit()
	}
	return &LogPublisher{log: l}
}

// Name 实现 Publisher 接口。
func (p *LogPublisher) Name() string { return "log" }

// Publish 实现 Publisher 接口。
func (p *LogPublisher) Publish(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("type", string(event.Type)),
		slog.String("user_id", event.UserID),
		slog.String("intent_id", event.IntentID),
		slog.String("strategy_id", event.StrategyID),
		slog.String("outcome", event.Outcome),
	}
	if event.TaskID != "" {
		attrs = append(attrs, slog.String("task_id", event.TaskID))
	}
	if event.Code != "" {
		attrs = append(attrs, slog.String("code", string(event.Code)))
	}
	if event.Message != "" {
		attrs = append(attrs, slog.String("message", event.Message))
	}
	p.log.Info("流水线事件", attrs...)
	return nil
}

// Close 实现 Publisher 接口。
func (p *LogPublisher) Close() error { return nil }

// amqpChannel 是发布事件所需的 *amqp.Channel 方法子集。
type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitMQConfig 描述事件发布的 topic 交换机。
type RabbitMQConfig struct {
	URL      string
	Exchange string
}

// RabbitMQPublisher 将事件发布到持久化的 topic 交换机，以事件类型作为路由键。
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
}

// NewRabbitMQPublisher 连接 RabbitMQ 并声明交换机。
func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "agentvault.events"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接 RabbitMQ 失败: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("创建 RabbitMQ channel 失败: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ exchange 失败: %w", err)
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Name 实现 Publisher 接口。
func (p *RabbitMQPublisher) Name() string { return "rabbitmq" }

// Publish 实现 Publisher 接口。
func (p *RabbitMQPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.ch == nil {
		return errors.New("RabbitMQ 发布端未初始化")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	return p.ch.PublishWithContext(ctx, p.exchange, string(event.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    event.OccurredAt,
		Type:         string(event.Type),
		Body:         body,
	})
}

// Close 实现 Publisher 接口。
func (p *RabbitMQPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// messageWriter 是发布事件所需的 *kafka.Writer 方法子集。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig 描述事件写入的 Kafka 主题。
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher 以用户为消息键将事件写入 Kafka 主题。
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher 创建同步写入的 Kafka 发布器。
func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("Kafka brokers 不能为空")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "agentvault.pipeline"
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: writer, topic: topic}, nil
}

// Name 实现 Publisher 接口。
func (p *KafkaPublisher) Name() string { return "kafka" }

// Publish 实现 Publisher 接口。
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("编码事件失败: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.Key()),
		Value: body,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(event.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("写入 Kafka 失败: %w", err)
	}
	return nil
}

// Close 实现 Publisher 接口。
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

var (
	_ Publisher = (*LogPublisher)(nil)
	_ Publisher = (*RabbitMQPublisher)(nil)
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = (*FanoutPublisher)(nil)
	_ Publisher = (*MemoryPublisher)(nil)
)
