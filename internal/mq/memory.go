package mq

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentrun/agentrun/internal/common/logger"
)

// queuedMessage wraps a QueueMessage for the priority heap.
type queuedMessage struct {
	msg   *QueueMessage
	seq   uint64 // FIFO tie-break within a priority
	index int    // index in the heap (maintained by container/heap)
}

// messageHeap implements heap.Interface ordered by priority, then arrival.
type messageHeap []*queuedMessage

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *messageHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*queuedMessage)
	item.index = n
	*h = append(*h, item)
}

func (h *messageHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// memoryQueue is one named queue inside the MemoryQueue backend.
type memoryQueue struct {
	mu         sync.Mutex
	heap       messageHeap
	processing map[string]*pendingAck
	maxSize    int
	seq        uint64
	closed     bool
	notify     chan struct{}

	completed   int64
	failed      int64
	totalProcMS float64
}

// pendingAck tracks a consumed-but-unacknowledged message.
type pendingAck struct {
	msg        *QueueMessage
	consumedAt time.Time
}

func newMemoryQueue(maxSize int) *memoryQueue {
	q := &memoryQueue{
		heap:       make(messageHeap, 0),
		processing: make(map[string]*pendingAck),
		maxSize:    maxSize,
		notify:     make(chan struct{}, 1),
	}
	heap.Init(&q.heap)
	return q
}

// wake signals one blocked consumer without ever blocking the publisher.
// Callers must hold q.mu so wake never races with the close of notify in
// DeleteQueue.
func (q *memoryQueue) wake() {
	if q.closed {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// MemoryQueue is the in-process MessageQueue backend. It is safe for
// multiple concurrent producers and consumers.
type MemoryQueue struct {
	mu     sync.RWMutex
	queues map[string]*memoryQueue
	logger *logger.Logger
	closed bool
}

// NewMemoryQueue creates the in-memory backend.
func NewMemoryQueue(log *logger.Logger) *MemoryQueue {
	return &MemoryQueue{
		queues: make(map[string]*memoryQueue),
		logger: log.WithFields(zap.String("component", "memory_queue")),
	}
}

// CreateQueue registers a queue. Creating an existing queue is a no-op and
// keeps its current capacity.
func (m *MemoryQueue) CreateQueue(ctx context.Context, name string, maxSize int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrQueueClosed
	}
	if _, exists := m.queues[name]; exists {
		return nil
	}
	m.queues[name] = newMemoryQueue(maxSize)
	m.logger.Debug("Queue created", zap.String("queue", name), zap.Int("max_size", maxSize))
	return nil
}

// DeleteQueue discards pending messages and closes the queue. Idempotent.
func (m *MemoryQueue) DeleteQueue(ctx context.Context, name string) error {
	m.mu.Lock()
	q, exists := m.queues[name]
	delete(m.queues, name)
	m.mu.Unlock()

	if !exists {
		return nil
	}

	q.mu.Lock()
	q.closed = true
	q.heap = q.heap[:0]
	q.processing = make(map[string]*pendingAck)
	q.mu.Unlock()
	close(q.notify)

	m.logger.Debug("Queue deleted", zap.String("queue", name))
	return nil
}

func (m *MemoryQueue) lookup(name string) *memoryQueue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queues[name]
}

// Publish enqueues a message. Non-blocking: a full queue returns
// ErrQueueFull, a deleted queue returns ErrQueueClosed.
func (m *MemoryQueue) Publish(ctx context.Context, queue string, msg *QueueMessage) error {
	q := m.lookup(queue)
	if q == nil {
		return ErrQueueClosed
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.seq++
	heap.Push(&q.heap, &queuedMessage{msg: msg, seq: q.seq})
	q.wake()
	q.mu.Unlock()
	return nil
}

// Consume returns the next message by priority, FIFO within a priority.
// It blocks up to timeout and returns (nil, nil) when nothing arrived or
// the queue is gone. The message stays in the processing set until acked
// or nacked.
func (m *MemoryQueue) Consume(ctx context.Context, queue string, timeout time.Duration) (*QueueMessage, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q := m.lookup(queue)
		if q == nil {
			return nil, nil
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, nil
		}
		if len(q.heap) > 0 {
			item := heap.Pop(&q.heap).(*queuedMessage)
			q.processing[item.msg.ID] = &pendingAck{msg: item.msg, consumedAt: time.Now()}
			// Another message may remain for other blocked consumers.
			if len(q.heap) > 0 {
				q.wake()
			}
			q.mu.Unlock()
			return item.msg, nil
		}
		notify := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-notify:
		}
	}
}

// Ack removes a message from the processing set. Unknown ids are a no-op.
func (m *MemoryQueue) Ack(ctx context.Context, queue, messageID string) error {
	q := m.lookup(queue)
	if q == nil {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	pending, ok := q.processing[messageID]
	if !ok {
		return nil
	}
	delete(q.processing, messageID)
	q.completed++
	q.totalProcMS += float64(time.Since(pending.consumedAt).Milliseconds())
	return nil
}

// Nack returns a message to the queue when requeue is set and retries
// remain; otherwise the message moves to the dead-letter queue.
func (m *MemoryQueue) Nack(ctx context.Context, queue, messageID string, requeue bool) error {
	q := m.lookup(queue)
	if q == nil {
		return nil
	}

	q.mu.Lock()
	pending, ok := q.processing[messageID]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	delete(q.processing, messageID)

	msg := pending.msg
	if requeue && msg.RetryCount < msg.MaxRetries {
		msg.RetryCount++
		q.seq++
		heap.Push(&q.heap, &queuedMessage{msg: msg, seq: q.seq})
		q.wake()
		q.mu.Unlock()
		return nil
	}

	q.failed++
	q.mu.Unlock()

	return m.deadLetter(ctx, queue, msg)
}

// deadLetter moves an exhausted message to "<queue>:dlq", creating the
// dead-letter queue on first use. DLQs are unbounded.
func (m *MemoryQueue) deadLetter(ctx context.Context, queue string, msg *QueueMessage) error {
	dlq := DLQName(queue)
	if err := m.CreateQueue(ctx, dlq, 0); err != nil {
		return err
	}
	m.logger.Warn("Message dead-lettered",
		zap.String("queue", queue),
		zap.String("message_id", msg.ID),
		zap.Int("retry_count", msg.RetryCount))
	return m.Publish(ctx, dlq, msg)
}

// Stats returns counters for one queue.
func (m *MemoryQueue) Stats(ctx context.Context, queue string) (*QueueStats, error) {
	q := m.lookup(queue)
	if q == nil {
		return nil, ErrQueueNotFound
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	stats := &QueueStats{
		Pending:    len(q.heap),
		Processing: len(q.processing),
		Completed:  q.completed,
		Failed:     q.failed,
	}
	if q.completed > 0 {
		stats.AverageProcessingMS = q.totalProcMS / float64(q.completed)
	}
	return stats, nil
}

// Close deletes every queue and rejects further operations.
func (m *MemoryQueue) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	queues := m.queues
	m.queues = make(map[string]*memoryQueue)
	m.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		q.closed = true
		q.heap = q.heap[:0]
		q.mu.Unlock()
		close(q.notify)
	}
	return nil
}
