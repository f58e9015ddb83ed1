package domain

import "time"

type AgentHealth string

const (
	AgentHealthActive   AgentHealth = "ACTIVE"
	AgentHealthDegraded AgentHealth = "DEGRADED"
	AgentHealthDisabled AgentHealth = "DISABLED"
)

// AgentDescriptor represents one specialized agent independent of how it executes work
type AgentDescriptor struct {
	Name             string      `json:"name"`
	CapabilityTags   []TaskType  `json:"capability_tags"`
	PriorityWeight   float64     `json:"priority_weight"` // tie-break and load distribution
	Health           AgentHealth `json:"health"`
	RunningTaskCount int         `json:"running_task_count"`
	SuccessCount     int64       `json:"success_count"`
	FailureCount     int64       `json:"failure_count"`
	RollingAccuracy  float64     `json:"rolling_accuracy"` // 0..1, owned by the evolution pass
	LastSeen         time.Time   `json:"last_seen"`
}

// CanServe reports whether the descriptor's capability tags include the task type.
func (d *AgentDescriptor) CanServe(t TaskType) bool {
	for _, tag := range d.CapabilityTags {
		if tag == t {
			return true
		}
	}
	return false
}
