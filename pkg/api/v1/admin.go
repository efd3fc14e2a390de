package v1

import "time"

// AgentDefinition is the wire shape of an agent configuration.
type AgentDefinition struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	TemplateID      string                 `json:"template_id"`
	TemplateVersion string                 `json:"template_version,omitempty"`
	Configuration   map[string]interface{} `json:"configuration,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// CreateAgentRequest registers a new agent configuration.
type CreateAgentRequest struct {
	ID              string                 `json:"id" binding:"required,max=128"`
	Name            string                 `json:"name" binding:"required,max=256"`
	TemplateID      string                 `json:"template_id" binding:"required"`
	TemplateVersion string                 `json:"template_version,omitempty"`
	Configuration   map[string]interface{} `json:"configuration,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// CreateAgentResponse echoes the stored agent plus validation warnings.
type CreateAgentResponse struct {
	Agent    AgentDefinition `json:"agent"`
	Warnings []string        `json:"warnings,omitempty"`
}

// TemplateInfo describes one registered template.
type TemplateInfo struct {
	TemplateID      string      `json:"template_id"`
	TemplateVersion string      `json:"template_version"`
	Description     string      `json:"description,omitempty"`
	ConfigSchema    interface{} `json:"config_schema,omitempty"`
}

// InstanceInfo is the wire shape of one cached agent instance.
type InstanceInfo struct {
	SessionKey string    `json:"session_key"`
	AgentID    string    `json:"agent_id"`
	SessionID  string    `json:"session_id,omitempty"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsed   time.Time `json:"last_used"`
}

// QueueStats reports one queue's counters.
type QueueStats struct {
	Pending             int     `json:"pending"`
	Processing          int     `json:"processing"`
	Completed           int64   `json:"completed"`
	Failed              int64   `json:"failed"`
	AverageProcessingMS float64 `json:"average_processing_time_ms"`
}

// RuntimeStats is the manager-level observability snapshot.
type RuntimeStats struct {
	WorkerCount      int         `json:"worker_count"`
	ActiveInstances  int         `json:"active_instances"`
	RunningTasks     int64       `json:"running_tasks"`
	QueueType        string      `json:"queue_type"`
	TaskQueueStats   *QueueStats `json:"task_queue_stats,omitempty"`
	ResultQueueStats *QueueStats `json:"result_queue_stats,omitempty"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
