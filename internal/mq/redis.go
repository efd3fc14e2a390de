package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/agentrun/agentrun/internal/common/logger"
)

// RedisQueue is the Redis-backed MessageQueue. Each queue keeps one list
// per priority; BLPOP scans the lists in critical-to-low order so the
// priority contract matches the in-memory backend. Consumed messages sit
// in a processing hash until acked or nacked, so an operator can inspect
// in-flight work.
//
// Key layout:
//
//	agentrun:mq:queues                 set of queue names
//	agentrun:mq:<q>:p{3,2,1,0}         pending lists, one per priority
//	agentrun:mq:<q>:processing         hash id -> processingEntry JSON
//	agentrun:mq:<q>:counters           hash completed/failed/proc_ms
type RedisQueue struct {
	client *redis.Client
	logger *logger.Logger
}

const redisKeyPrefix = "agentrun:mq"

// processingEntry is the JSON stored in the processing hash.
type processingEntry struct {
	Message    *QueueMessage `json:"message"`
	ConsumedAt time.Time     `json:"consumed_at"`
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(ctx context.Context, addr, password string, db int, log *logger.Logger) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisQueue{
		client: client,
		logger: log.WithFields(zap.String("component", "redis_queue")),
	}, nil
}

func redisQueueSetKey() string { return redisKeyPrefix + ":queues" }

func redisListKey(queue string, p MessagePriority) string {
	return fmt.Sprintf("%s:%s:p%d", redisKeyPrefix, queue, int(p))
}

func redisProcessingKey(queue string) string {
	return fmt.Sprintf("%s:%s:processing", redisKeyPrefix, queue)
}

func redisCountersKey(queue string) string {
	return fmt.Sprintf("%s:%s:counters", redisKeyPrefix, queue)
}

func redisMaxSizeKey() string { return redisKeyPrefix + ":maxsize" }

// priorityKeys returns the pending list keys in consume order.
func priorityKeys(queue string) []string {
	return []string{
		redisListKey(queue, PriorityCritical),
		redisListKey(queue, PriorityHigh),
		redisListKey(queue, PriorityNormal),
		redisListKey(queue, PriorityLow),
	}
}

// CreateQueue registers the queue name and its capacity. Idempotent.
func (r *RedisQueue) CreateQueue(ctx context.Context, name string, maxSize int) error {
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, redisQueueSetKey(), name)
	pipe.HSetNX(ctx, redisMaxSizeKey(), name, maxSize)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis create queue %s: %w", name, err)
	}
	return nil
}

// DeleteQueue removes the queue and all pending and in-flight messages.
func (r *RedisQueue) DeleteQueue(ctx context.Context, name string) error {
	keys := append(priorityKeys(name), redisProcessingKey(name), redisCountersKey(name))
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, redisQueueSetKey(), name)
	pipe.HDel(ctx, redisMaxSizeKey(), name)
	pipe.Del(ctx, keys...)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis delete queue %s: %w", name, err)
	}
	return nil
}

func (r *RedisQueue) queueExists(ctx context.Context, name string) (bool, error) {
	return r.client.SIsMember(ctx, redisQueueSetKey(), name).Result()
}

// pendingLen sums the four priority lists.
func (r *RedisQueue) pendingLen(ctx context.Context, queue string) (int64, error) {
	pipe := r.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, 4)
	for _, key := range priorityKeys(queue) {
		cmds = append(cmds, pipe.LLen(ctx, key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, cmd := range cmds {
		total += cmd.Val()
	}
	return total, nil
}

// Publish appends the message to its priority list. The capacity check is
// a read-then-push, so the bound is approximate under concurrent
// publishers; that is acceptable back-pressure for this backend.
func (r *RedisQueue) Publish(ctx context.Context, queue string, msg *QueueMessage) error {
	exists, err := r.queueExists(ctx, queue)
	if err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	if !exists {
		return ErrQueueClosed
	}

	maxSize, err := r.client.HGet(ctx, redisMaxSizeKey(), queue).Int64()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	if maxSize > 0 {
		pending, err := r.pendingLen(ctx, queue)
		if err != nil {
			return fmt.Errorf("redis publish: %w", err)
		}
		if pending >= maxSize {
			return ErrQueueFull
		}
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis publish: marshal message: %w", err)
	}
	if err := r.client.RPush(ctx, redisListKey(queue, msg.Priority), data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Consume pops the next message by priority. BLPOP checks its keys in the
// order given, which yields critical-before-low across the lists.
func (r *RedisQueue) Consume(ctx context.Context, queue string, timeout time.Duration) (*QueueMessage, error) {
	exists, err := r.queueExists(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("redis consume: %w", err)
	}
	if !exists {
		return nil, nil
	}

	res, err := r.client.BLPop(ctx, timeout, priorityKeys(queue)...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("redis consume: %w", err)
	}

	// res is [key, value]
	var msg QueueMessage
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return nil, fmt.Errorf("redis consume: unmarshal message: %w", err)
	}

	entry, err := json.Marshal(processingEntry{Message: &msg, ConsumedAt: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("redis consume: marshal processing entry: %w", err)
	}
	if err := r.client.HSet(ctx, redisProcessingKey(queue), msg.ID, entry).Err(); err != nil {
		return nil, fmt.Errorf("redis consume: %w", err)
	}
	return &msg, nil
}

func (r *RedisQueue) takeProcessing(ctx context.Context, queue, messageID string) (*processingEntry, error) {
	raw, err := r.client.HGet(ctx, redisProcessingKey(queue), messageID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := r.client.HDel(ctx, redisProcessingKey(queue), messageID).Err(); err != nil {
		return nil, err
	}
	var entry processingEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Ack completes a message. Unknown ids are a no-op.
func (r *RedisQueue) Ack(ctx context.Context, queue, messageID string) error {
	entry, err := r.takeProcessing(ctx, queue, messageID)
	if err != nil {
		return fmt.Errorf("redis ack: %w", err)
	}
	if entry == nil {
		return nil
	}

	procMS := time.Since(entry.ConsumedAt).Milliseconds()
	pipe := r.client.Pipeline()
	pipe.HIncrBy(ctx, redisCountersKey(queue), "completed", 1)
	pipe.HIncrBy(ctx, redisCountersKey(queue), "proc_ms", procMS)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis ack: %w", err)
	}
	return nil
}

// Nack requeues or dead-letters a message.
func (r *RedisQueue) Nack(ctx context.Context, queue, messageID string, requeue bool) error {
	entry, err := r.takeProcessing(ctx, queue, messageID)
	if err != nil {
		return fmt.Errorf("redis nack: %w", err)
	}
	if entry == nil {
		return nil
	}

	msg := entry.Message
	if requeue && msg.RetryCount < msg.MaxRetries {
		msg.RetryCount++
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("redis nack: marshal message: %w", err)
		}
		if err := r.client.RPush(ctx, redisListKey(queue, msg.Priority), data).Err(); err != nil {
			return fmt.Errorf("redis nack: %w", err)
		}
		return nil
	}

	if err := r.client.HIncrBy(ctx, redisCountersKey(queue), "failed", 1).Err(); err != nil {
		return fmt.Errorf("redis nack: %w", err)
	}

	dlq := DLQName(queue)
	if err := r.CreateQueue(ctx, dlq, 0); err != nil {
		return err
	}
	r.logger.Warn("Message dead-lettered",
		zap.String("queue", queue),
		zap.String("message_id", msg.ID),
		zap.Int("retry_count", msg.RetryCount))
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis nack: marshal message: %w", err)
	}
	if err := r.client.RPush(ctx, redisListKey(dlq, msg.Priority), data).Err(); err != nil {
		return fmt.Errorf("redis nack: %w", err)
	}
	return nil
}

// Stats reports queue counters from Redis.
func (r *RedisQueue) Stats(ctx context.Context, queue string) (*QueueStats, error) {
	exists, err := r.queueExists(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("redis stats: %w", err)
	}
	if !exists {
		return nil, ErrQueueNotFound
	}

	pending, err := r.pendingLen(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("redis stats: %w", err)
	}
	processing, err := r.client.HLen(ctx, redisProcessingKey(queue)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis stats: %w", err)
	}
	counters, err := r.client.HGetAll(ctx, redisCountersKey(queue)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis stats: %w", err)
	}

	stats := &QueueStats{
		Pending:    int(pending),
		Processing: int(processing),
	}
	var procMS int64
	fmt.Sscanf(counters["completed"], "%d", &stats.Completed)
	fmt.Sscanf(counters["failed"], "%d", &stats.Failed)
	fmt.Sscanf(counters["proc_ms"], "%d", &procMS)
	if stats.Completed > 0 {
		stats.AverageProcessingMS = float64(procMS) / float64(stats.Completed)
	}
	return stats, nil
}

// Close releases the Redis connection.
func (r *RedisQueue) Close() error {
	return r.client.Close()
}
