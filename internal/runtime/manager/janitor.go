package manager

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentrun/agentrun/internal/events"
)

// janitor periodically reclaims idle agent instances and stale stream
// queues. Every sweep is best-effort: failures are logged and retried on
// the next cycle, never escalated.
type janitor struct {
	m               *Manager
	interval        time.Duration
	instanceTimeout time.Duration
	logger          *zap.Logger
}

func newJanitor(m *Manager) *janitor {
	return &janitor{
		m:               m,
		interval:        m.config.CleanupInterval,
		instanceTimeout: m.config.InstanceTimeout,
		logger:          m.logger.Zap().With(zap.String("component", "janitor")),
	}
}

func (j *janitor) run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweepInstances(ctx)
			j.sweepStreams(ctx)
		}
	}
}

// sweepInstances destroys instances idle longer than the instance timeout.
// TryAcquireIdle is the guard against reclaiming a session mid-execution:
// it takes the same lock workers hold while executing, without blocking.
func (j *janitor) sweepInstances(ctx context.Context) {
	cutoff := time.Now().Add(-j.instanceTimeout)
	reclaimed := 0

	for _, info := range j.m.registry.List() {
		if info.LastUsed.After(cutoff) {
			continue
		}
		instance, ok := j.m.registry.Get(info.SessionKey)
		if !ok {
			continue
		}
		if !instance.TryAcquireIdle() {
			// A task is executing right now; the sweep moves on.
			continue
		}

		// Re-check idleness under the lock: an execution may have
		// finished between the snapshot and the acquire.
		if instance.LastUsed().After(cutoff) {
			instance.Release()
			continue
		}

		j.m.registry.Destroy(info.SessionKey)
		j.m.contexts.Destroy(info.SessionKey)
		instance.Release()
		reclaimed++

		j.m.publishEvent(ctx, events.InstanceReclaimed, map[string]interface{}{
			"session_key": info.SessionKey,
			"agent_id":    info.AgentID,
			"idle_since":  info.LastUsed,
		})
	}

	if reclaimed > 0 {
		j.logger.Info("Idle instances reclaimed", zap.Int("count", reclaimed))
	}
}

// sweepStreams deletes stream queues whose producer has finished and that
// stayed empty for a full cycle. Streams that terminate normally are
// deleted by their subscriber; this catches streams nobody subscribed to.
func (j *janitor) sweepStreams(ctx context.Context) {
	j.m.streamsMu.Lock()
	candidates := make([]string, 0, len(j.m.streams))
	for taskID, st := range j.m.streams {
		if st.producerDone {
			candidates = append(candidates, taskID)
		}
	}
	j.m.streamsMu.Unlock()

	// Stats may hit the network on remote backends, so it runs outside
	// streamsMu; the submit path takes that lock on every streaming task.
	var stale []string
	now := time.Now()
	for _, taskID := range candidates {
		stats, err := j.m.queue.Stats(ctx, streamQueueName(taskID))

		j.m.streamsMu.Lock()
		st, ok := j.m.streams[taskID]
		if !ok {
			// Subscriber tore the stream down during the Stats call.
			j.m.streamsMu.Unlock()
			continue
		}
		switch {
		case err != nil:
			// Queue already gone; only the state entry is left.
			stale = append(stale, taskID)
		case stats.Pending > 0:
			st.emptySince = time.Time{}
		case st.emptySince.IsZero():
			st.emptySince = now
		case now.Sub(st.emptySince) > j.interval:
			stale = append(stale, taskID)
		}
		j.m.streamsMu.Unlock()
	}

	for _, taskID := range stale {
		j.m.dropStream(ctx, taskID)
		j.logger.Debug("Stale stream queue deleted", zap.String("task_id", taskID))
	}

	if len(stale) > 0 {
		j.logger.Info("Stale stream queues cleaned", zap.Int("count", len(stale)))
	}
}
