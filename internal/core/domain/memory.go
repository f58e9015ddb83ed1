package domain

import "time"

// RecordKind discriminates the persisted memory record tables.
type RecordKind string

const (
	RecordKindConversation RecordKind = "conversation"
	RecordKindCommandLog   RecordKind = "command_log"
	RecordKindFact         RecordKind = "learned_fact"
	RecordKindSnapshot     RecordKind = "evolution_snapshot"
)

// MemoryRecord is implemented by every persistable record kind. Records are
// immutable once appended; the store assigns Seq and a timestamp if absent.
type MemoryRecord interface {
	Kind() RecordKind
}

// ConversationEntry is one actor utterance, optionally tied to a task.
type ConversationEntry struct {
	Seq           int64     `json:"seq"`
	Actor         string    `json:"actor"`
	Message       string    `json:"message"`
	RelatedTaskID string    `json:"related_task_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

func (e *ConversationEntry) Kind() RecordKind { return RecordKindConversation }

// CommandLogEntry records one dispatcher invocation, dispatched or rejected.
type CommandLogEntry struct {
	Seq           int64     `json:"seq"`
	Actor         string    `json:"actor"`
	RawCommand    string    `json:"raw_command"`
	ParsedAction  string    `json:"parsed_action"`
	ResultSummary string    `json:"result_summary"`
	Timestamp     time.Time `json:"timestamp"`
}

func (e *CommandLogEntry) Kind() RecordKind { return RecordKindCommandLog }

// LearnedFact is an append-only key/value belief. Forgetting appends a
// confidence-0 fact whose Supersedes points at the prior entry.
type LearnedFact struct {
	Seq          int64     `json:"seq"`
	Key          string    `json:"key"`
	Value        string    `json:"value"`
	Confidence   float64   `json:"confidence"`
	SourceTaskID string    `json:"source_task_id,omitempty"`
	Supersedes   int64     `json:"supersedes,omitempty"` // seq of the replaced fact, 0 if none
	Timestamp    time.Time `json:"timestamp"`
}

func (e *LearnedFact) Kind() RecordKind { return RecordKindFact }

// EvolutionSnapshot captures one evolution pass over the agent registry.
type EvolutionSnapshot struct {
	Seq         int64              `json:"seq"`
	CycleNumber int64              `json:"cycle_number"`
	Deltas      map[string]float64 `json:"deltas"` // agent name -> accuracy delta
	Timestamp   time.Time          `json:"timestamp"`
}

func (e *EvolutionSnapshot) Kind() RecordKind { return RecordKindSnapshot }

// MemoryFilter narrows queries. Zero values mean "no constraint".
type MemoryFilter struct {
	Actor         string
	RelatedTaskID string
	FactKey       string
	Since         time.Time
	Until         time.Time
	Limit         int // 0 = store default
}

// MemoryStats reports record counts per kind plus the store file size.
type MemoryStats struct {
	Counts    map[RecordKind]int64 `json:"counts"`
	Tasks     int64                `json:"archived_tasks"`
	SizeBytes int64                `json:"size_bytes"`
}
