// Package domain provides the core entities & domain errors shared by services and adapters.
package domain

import (
	"time"
)

type TaskType string

const (
	TaskTypeCollect  TaskType = "collect"
	TaskTypeAnalyze  TaskType = "analyze"
	TaskTypePredict  TaskType = "predict"
	TaskTypeEvolve   TaskType = "evolve"
	TaskTypeOptimize TaskType = "optimize"
	TaskTypeCustom   TaskType = "custom"
)

// KnownTaskTypes lists every type the orchestrator accepts.
func KnownTaskTypes() []TaskType {
	return []TaskType{
		TaskTypeCollect,
		TaskTypeAnalyze,
		TaskTypePredict,
		TaskTypeEvolve,
		TaskTypeOptimize,
		TaskTypeCustom,
	}
}

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
)

// Terminal reports whether the status admits no further transition.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task represents a unit of work submitted to the orchestrator
type Task struct {
	ID            string         `json:"id"`
	Type          TaskType       `json:"type"`
	Payload       map[string]any `json:"payload"`
	Priority      int            `json:"priority"` // higher = more urgent
	CycleID       string         `json:"cycle_id,omitempty"`
	Status        TaskStatus     `json:"status"`
	AssignedAgent string         `json:"assigned_agent,omitempty"`
	AttemptCount  int            `json:"attempt_count"`
	Result        map[string]any `json:"result,omitempty"`
	Error         string         `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}
