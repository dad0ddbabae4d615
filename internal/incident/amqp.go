package incident

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPConfig 描述事件镜像到 RabbitMQ 的连接参数。
type AMQPConfig struct {
	URL        string
	Queue      string
	Durable    bool
	AutoDelete bool
}

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier 将事件发布到 RabbitMQ 队列，供运维侧消费。
type AMQPNotifier struct {
	conn  *amqp.Connection
	ch    publisher
	queue string
}

// NewAMQPNotifier 建立连接并声明队列。
func NewAMQPNotifier(cfg AMQPConfig) (*AMQPNotifier, error) {
	if cfg.URL == "" {
		return nil, errors.New("RabbitMQ URL 不能为空")
	}
	name := cfg.Queue
	if name == "" {
		name = "chimera.incidents"
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
	if _, err := ch.QueueDeclare(name, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("声明 RabbitMQ 队列失败: %w", err)
	}
	return &AMQPNotifier{conn: conn, ch: ch, queue: name}, nil
}

// Sink 返回 AMQP 目的地。
func (n *AMQPNotifier) Sink() Sink { return SinkAMQP }

// Notify 以持久化消息发布事件。
func (n *AMQPNotifier) Notify(ctx context.Context, inc Incident) error {
	if n == nil || n.ch == nil {
		return errors.New("RabbitMQ 通道未初始化")
	}
	payload, err := Encode(inc)
	if err != nil {
		return err
	}
	return n.ch.PublishWithContext(ctx, "", n.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    inc.ID,
		Timestamp:    inc.RaisedAt,
		Type:         string(inc.Code),
		Body:         []byte(payload),
	})
}

// Close 关闭 RabbitMQ 连接。
func (n *AMQPNotifier) Close() error {
	if n == nil {
		return nil
	}
	if closer, ok := n.ch.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	if n.conn != nil {
		return n.conn.Close()
	}
	return nil
}
