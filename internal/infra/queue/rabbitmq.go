package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"agora-bot/internal/domain"
	"agora-bot/internal/infra/metrics"
)

// RabbitRecalcQueue реализует очередь запросов на пересчёт через AMQP.
type RabbitRecalcQueue struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewRabbitRecalcQueue подключается к RabbitMQ и объявляет durable-очередь.
func NewRabbitRecalcQueue(amqpURL, queue string) (*RabbitRecalcQueue, error) {
	if amqpURL == "" {
		return nil, errors.New("amqp url is empty")
	}
	if queue == "" {
		return nil, errors.New("queue name is empty")
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &RabbitRecalcQueue{conn: conn, ch: ch, queue: queue}, nil
}

// Enqueue публикует запрос в очередь.
func (q *RabbitRecalcQueue) Enqueue(ctx context.Context, job domain.RecalcJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	start := time.Now()
	err = q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         payload,
	})
	metrics.ObserveNetworkRequest("rabbitmq", "publish", q.queue, start, err)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Pop блокирующе читает запрос из очереди, подтверждая доставку после декодирования.
func (q *RabbitRecalcQueue) Pop(ctx context.Context) (domain.RecalcJob, error) {
	deliveries, err := q.ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return domain.RecalcJob{}, fmt.Errorf("consume: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return domain.RecalcJob{}, ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return domain.RecalcJob{}, errors.New("rabbitmq: канал доставки закрыт")
			}
			var job domain.RecalcJob
			if err := json.Unmarshal(delivery.Body, &job); err != nil {
				// битый payload подтверждаем, иначе он будет крутиться вечно
				_ = delivery.Ack(false)
				return domain.RecalcJob{}, fmt.Errorf("decode job: %w", err)
			}
			if err := delivery.Ack(false); err != nil {
				return domain.RecalcJob{}, fmt.Errorf("ack job: %w", err)
			}
			return job, nil
		}
	}
}

// Close освобождает соединение.
func (q *RabbitRecalcQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		_ = q.conn.Close()
		return err
	}
	return q.conn.Close()
}
