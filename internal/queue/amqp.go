package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/paiban/nursesched/pkg/logger"
)

type message struct {
	JobID uuid.UUID `json:"job_id"`
}

// AMQPQueue RabbitMQ 持久化队列。发布共用一个通道，每个消费者单独开通道
type AMQPQueue struct {
	conn    *amqp.Connection
	mu      sync.Mutex
	pub     *amqp.Channel
	name    string
	timeout time.Duration
}

// NewAMQPQueue 连接 RabbitMQ 并声明持久化队列
func NewAMQPQueue(url, name string) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("无法连接到 RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("无法创建通道: %w", err)
	}
	if _, err := declare(ch, name); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &AMQPQueue{conn: conn, pub: ch, name: name, timeout: 5 * time.Second}, nil
}

func declare(ch *amqp.Channel, name string) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		name,
		true,  // 持久化
		false, // 无消费者时不删除
		false, // 允许多个消费者
		false,
		nil,
	)
	if err != nil {
		return q, fmt.Errorf("无法声明队列: %w", err)
	}
	return q, nil
}

// Enqueue 实现 job.Enqueuer
func (q *AMQPQueue) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	body, err := json.Marshal(message{JobID: jobID})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pub.PublishWithContext(ctx, "", q.name, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    jobID.String(),
		Body:         body,
	})
}

// Consume 每次只取一条，处理完确认。解析失败的消息丢弃
func (q *AMQPQueue) Consume(ctx context.Context, handle HandleFunc) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("无法创建通道: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("设置预取失败: %w", err)
	}
	if _, err := declare(ch, q.name); err != nil {
		return err
	}
	msgs, err := ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("无法消费消息: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var m message
			if err := json.Unmarshal(msg.Body, &m); err != nil || m.JobID == uuid.Nil {
				logger.Warn().Str("message_id", msg.MessageId).Msg("无法解析任务消息，已丢弃")
				_ = msg.Nack(false, false)
				continue
			}
			// 任务失败已落库，不重新入队
			if err := handle(ctx, m.JobID); err != nil {
				_ = msg.Nack(false, false)
				continue
			}
			_ = msg.Ack(false)
		}
	}
}

// Depth 队列中待领取的消息数
func (q *AMQPQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, err := q.pub.QueueDeclarePassive(q.name, true, false, false, false, nil)
	if err != nil {
		return 0
	}
	return st.Messages
}

// Close 关闭连接
func (q *AMQPQueue) Close() error {
	if q.conn == nil || q.conn.IsClosed() {
		return nil
	}
	return q.conn.Close()
}
