// Package events provides event types and utilities for the runtime
// notification system. Notifications are observability-only: nothing in
// the task pipeline depends on a subscriber seeing them.
package events

// Event types for tasks.
const (
	TaskSubmitted = "task.submitted"
	TaskCompleted = "task.completed"
	TaskFailed    = "task.failed"
)

// Event types for streams.
const (
	StreamOpened = "stream.opened"
	StreamClosed = "stream.closed"
)

// Event types for agent instances.
const (
	InstanceCreated   = "instance.created"
	InstanceReclaimed = "instance.reclaimed"
)

// Event types for agent configurations.
const (
	AgentCreated = "agent.created"
	AgentDeleted = "agent.deleted"
)

// Subject returns the bus subject an event type is published on.
// Subscribers can match groups with wildcards, e.g. "runtime.task.*".
func Subject(eventType string) string {
	return "runtime." + eventType
}
