package mq

import (
	"context"
	"fmt"
	"strings"

	"github.com/agentrun/agentrun/internal/common/config"
	"github.com/agentrun/agentrun/internal/common/logger"
)

// Provide builds the configured MessageQueue backend. The returned cleanup
// function closes the backend. An unknown backend name is a fatal
// configuration error, as is a backend that cannot be reached at startup.
func Provide(ctx context.Context, cfg *config.Config, log *logger.Logger) (MessageQueue, func() error, error) {
	switch strings.ToLower(cfg.MQ.Backend) {
	case "", "memory":
		queue := NewMemoryQueue(log)
		return queue, queue.Close, nil

	case "redis":
		queue, err := NewRedisQueue(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize redis queue backend: %w", err)
		}
		return queue, queue.Close, nil

	case "amqp":
		queue, err := NewAMQPQueue(cfg.AMQP.URL, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize amqp queue backend: %w", err)
		}
		return queue, queue.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown mq backend %q (expected memory, redis, or amqp)", cfg.MQ.Backend)
	}
}
