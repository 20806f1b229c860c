package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/LifelineOCR/medscribe-backend/internal/util"
)

// errDeliveriesClosed means the broker closed the consumer channel.
var errDeliveriesClosed = errors.New("amqp delivery channel closed")

type AMQPQueueConfig struct {
	URL      string
	Queue    string
	Prefetch int
}

// AMQPJobQueue carries jobs over a durable RabbitMQ queue.
type AMQPJobQueue struct {
	conn     *amqp.Connection
	queue    string
	prefetch int

	mu  sync.Mutex
	pub *amqp.Channel
}

func NewAMQPJobQueue(cfg AMQPQueueConfig) (*AMQPJobQueue, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	name := strings.TrimSpace(cfg.Queue)
	if name == "" {
		return nil, errors.New("amqp queue name required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := pub.QueueDeclare(name, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare amqp queue: %w", err)
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	return &AMQPJobQueue{conn: conn, queue: name, prefetch: prefetch, pub: pub}, nil
}

func (q *AMQPJobQueue) Enqueue(ctx context.Context, job Job) error {
	body, err := encodeJob(job)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pub.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    job.EnqueuedAt,
		Body:         body,
	})
}

func (q *AMQPJobQueue) Consume(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency <= 0 {
		concurrency = 1
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open amqp consumer channel: %w", err)
	}
	defer ch.Close()
	prefetch := q.prefetch
	if prefetch < concurrency {
		prefetch = concurrency
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("set amqp qos: %w", err)
	}
	deliveries, err := ch.Consume(q.queue, "medscribe-"+util.NewID(), false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume amqp queue: %w", err)
	}
	return q.handleDeliveries(ctx, deliveries, concurrency, handler)
}

// handleDeliveries runs concurrency loops over deliveries. Each delivery is
// acked once its handler returns; undecodable ones are dropped with a nack.
func (q *AMQPJobQueue) handleDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery, concurrency int, handler Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						return errDeliveriesClosed
					}
					q.handleDelivery(gctx, d, handler)
				}
			}
		})
	}
	return g.Wait()
}

func (q *AMQPJobQueue) handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) {
	log := util.LoggerFromContext(ctx).With("queue", q.queue, "messageId", d.MessageId)
	job, err := decodeJob(d.Body)
	if err != nil {
		log.Warn("queue_message_malformed", "err", err)
		if err := d.Nack(false, false); err != nil {
			log.Warn("queue_nack_failed", "err", err)
		}
		return
	}
	handler(ctx, job)
	if err := d.Ack(false); err != nil {
		log.Warn("queue_ack_failed", "err", err)
	}
}

func (q *AMQPJobQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pub != nil {
		_ = q.pub.Close()
	}
	return q.conn.Close()
}
