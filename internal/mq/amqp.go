package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/agentrun/agentrun/internal/common/logger"
)

// AMQPQueue is the AMQP 0-9-1 MessageQueue backend. Queues are declared
// with x-max-priority so the broker orders messages, and with
// x-overflow=reject-publish so a bounded queue refuses new messages
// instead of dropping old ones; publisher confirms surface that refusal
// as ErrQueueFull.
//
// Retry accounting lives in the message envelope rather than broker
// redelivery flags: a nack-with-requeue republishes the message with
// retry_count+1 and acks the original delivery.
type AMQPQueue struct {
	conn    *amqp.Connection
	pubCh   *amqp.Channel
	logger  *logger.Logger
	mu      sync.Mutex
	queues  map[string]*amqpConsumer
	pending map[string]*amqpPending // message id -> in-flight delivery
	stats   map[string]*amqpCounters
	closed  bool
}

// amqpConsumer holds the dedicated channel and delivery stream for one queue.
type amqpConsumer struct {
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
}

// amqpPending tracks an unacked delivery by our envelope id.
type amqpPending struct {
	queue      string
	delivery   amqp.Delivery
	msg        *QueueMessage
	consumedAt time.Time
}

type amqpCounters struct {
	completed   int64
	failed      int64
	totalProcMS float64
}

// NewAMQPQueue dials the broker and opens a publish channel with confirms.
func NewAMQPQueue(url string, log *logger.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}
	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP publish channel: %w", err)
	}
	if err := pubCh.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable AMQP publisher confirms: %w", err)
	}
	return &AMQPQueue{
		conn:    conn,
		pubCh:   pubCh,
		logger:  log.WithFields(zap.String("component", "amqp_queue")),
		queues:  make(map[string]*amqpConsumer),
		pending: make(map[string]*amqpPending),
		stats:   make(map[string]*amqpCounters),
	}, nil
}

func amqpQueueArgs(maxSize int) amqp.Table {
	args := amqp.Table{
		"x-max-priority": int32(PriorityCritical),
	}
	if maxSize > 0 {
		args["x-max-length"] = int32(maxSize)
		args["x-overflow"] = "reject-publish"
	}
	return args
}

// CreateQueue declares the queue. Idempotent for matching arguments.
func (a *AMQPQueue) CreateQueue(ctx context.Context, name string, maxSize int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrQueueClosed
	}
	if _, exists := a.queues[name]; exists {
		return nil
	}

	ch, err := a.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp create queue %s: %w", name, err)
	}
	if _, err := ch.QueueDeclare(name, false, false, false, false, amqpQueueArgs(maxSize)); err != nil {
		ch.Close()
		return fmt.Errorf("amqp create queue %s: %w", name, err)
	}
	deliveries, err := ch.Consume(name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("amqp consume setup for %s: %w", name, err)
	}

	a.queues[name] = &amqpConsumer{ch: ch, deliveries: deliveries}
	if _, ok := a.stats[name]; !ok {
		a.stats[name] = &amqpCounters{}
	}
	return nil
}

// DeleteQueue removes the queue and its pending messages. Idempotent.
func (a *AMQPQueue) DeleteQueue(ctx context.Context, name string) error {
	a.mu.Lock()
	consumer, exists := a.queues[name]
	delete(a.queues, name)
	for id, p := range a.pending {
		if p.queue == name {
			delete(a.pending, id)
		}
	}
	a.mu.Unlock()

	if !exists {
		return nil
	}
	if _, err := consumer.ch.QueueDelete(name, false, false, false); err != nil {
		consumer.ch.Close()
		return fmt.Errorf("amqp delete queue %s: %w", name, err)
	}
	return consumer.ch.Close()
}

// Publish sends the message with its priority and waits for the broker
// confirm. A reject-publish overflow shows up as a nacked confirm.
func (a *AMQPQueue) Publish(ctx context.Context, queue string, msg *QueueMessage) error {
	a.mu.Lock()
	if _, exists := a.queues[queue]; !exists {
		a.mu.Unlock()
		return ErrQueueClosed
	}
	a.mu.Unlock()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("amqp publish: marshal message: %w", err)
	}

	confirm, err := a.pubCh.PublishWithDeferredConfirmWithContext(ctx, "", queue, true, false, amqp.Publishing{
		ContentType:   "application/json",
		Body:          body,
		Priority:      uint8(msg.Priority),
		MessageId:     msg.ID,
		CorrelationId: msg.CorrelationID,
		Timestamp:     msg.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("amqp publish confirm: %w", err)
	}
	if !acked {
		return ErrQueueFull
	}
	return nil
}

// Consume waits up to timeout for the next delivery on the queue.
func (a *AMQPQueue) Consume(ctx context.Context, queue string, timeout time.Duration) (*QueueMessage, error) {
	a.mu.Lock()
	consumer, exists := a.queues[queue]
	a.mu.Unlock()
	if !exists {
		return nil, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case delivery, ok := <-consumer.deliveries:
		if !ok {
			return nil, nil
		}
		var msg QueueMessage
		if err := json.Unmarshal(delivery.Body, &msg); err != nil {
			_ = delivery.Nack(false, false)
			return nil, fmt.Errorf("amqp consume: unmarshal message: %w", err)
		}
		a.mu.Lock()
		a.pending[msg.ID] = &amqpPending{
			queue:      queue,
			delivery:   delivery,
			msg:        &msg,
			consumedAt: time.Now(),
		}
		a.mu.Unlock()
		return &msg, nil
	}
}

func (a *AMQPQueue) takePending(queue, messageID string) *amqpPending {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pending[messageID]
	if !ok || p.queue != queue {
		return nil
	}
	delete(a.pending, messageID)
	return p
}

// Ack acknowledges a delivery. Unknown ids are a no-op.
func (a *AMQPQueue) Ack(ctx context.Context, queue, messageID string) error {
	p := a.takePending(queue, messageID)
	if p == nil {
		return nil
	}
	if err := p.delivery.Ack(false); err != nil {
		return fmt.Errorf("amqp ack: %w", err)
	}
	a.mu.Lock()
	if c := a.stats[queue]; c != nil {
		c.completed++
		c.totalProcMS += float64(time.Since(p.consumedAt).Milliseconds())
	}
	a.mu.Unlock()
	return nil
}

// Nack requeues (by republishing with an incremented retry count) or
// dead-letters the message.
func (a *AMQPQueue) Nack(ctx context.Context, queue, messageID string, requeue bool) error {
	p := a.takePending(queue, messageID)
	if p == nil {
		return nil
	}

	msg := p.msg
	if requeue && msg.RetryCount < msg.MaxRetries {
		msg.RetryCount++
		if err := a.Publish(ctx, queue, msg); err != nil {
			// Put the broker back in charge of redelivery.
			_ = p.delivery.Nack(false, true)
			return fmt.Errorf("amqp nack requeue: %w", err)
		}
		return p.delivery.Ack(false)
	}

	a.mu.Lock()
	if c := a.stats[queue]; c != nil {
		c.failed++
	}
	a.mu.Unlock()

	dlq := DLQName(queue)
	if err := a.CreateQueue(ctx, dlq, 0); err != nil {
		return err
	}
	a.logger.Warn("Message dead-lettered",
		zap.String("queue", queue),
		zap.String("message_id", msg.ID),
		zap.Int("retry_count", msg.RetryCount))
	if err := a.Publish(ctx, dlq, msg); err != nil {
		return fmt.Errorf("amqp dead-letter: %w", err)
	}
	return p.delivery.Ack(false)
}

// Stats reports broker-side pending depth plus locally tracked counters.
func (a *AMQPQueue) Stats(ctx context.Context, queue string) (*QueueStats, error) {
	a.mu.Lock()
	consumer, exists := a.queues[queue]
	counters := a.stats[queue]
	var processing int
	for _, p := range a.pending {
		if p.queue == queue {
			processing++
		}
	}
	a.mu.Unlock()

	if !exists {
		return nil, ErrQueueNotFound
	}

	state, err := consumer.ch.QueueDeclarePassive(queue, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("amqp stats: %w", err)
	}

	stats := &QueueStats{
		Pending:    state.Messages,
		Processing: processing,
	}
	if counters != nil {
		stats.Completed = counters.completed
		stats.Failed = counters.failed
		if counters.completed > 0 {
			stats.AverageProcessingMS = counters.totalProcMS / float64(counters.completed)
		}
	}
	return stats, nil
}

// Close shuts down every channel and the connection.
func (a *AMQPQueue) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	queues := a.queues
	a.queues = make(map[string]*amqpConsumer)
	a.pending = make(map[string]*amqpPending)
	a.mu.Unlock()

	for _, consumer := range queues {
		consumer.ch.Close()
	}
	a.pubCh.Close()
	return a.conn.Close()
}
