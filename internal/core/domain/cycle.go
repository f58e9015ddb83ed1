package domain

import "time"

// CyclePlan describes one timed loop owned by the worker service.
// Mutated only through reconfigure; read by the loop on every tick.
type CyclePlan struct {
	Name     string        `json:"name"`
	Interval time.Duration `json:"interval"`
	EmitType TaskType      `json:"emit_type"` // empty for passes that submit no tasks
	Enabled  bool          `json:"enabled"`
}

// CycleStatus is the per-plan view returned by the worker's status call.
type CycleStatus struct {
	Plan        CyclePlan `json:"plan"`
	LastTick    time.Time `json:"last_tick"`
	NextDue     time.Time `json:"next_due"`
	LastOutcome string    `json:"last_outcome"`
	Failures    int       `json:"consecutive_failures"`
}

// CompletionResult is what the provider gateway returns for a prompt.
type CompletionResult struct {
	Backend string `json:"backend"`
	Text    string `json:"text"`
	Cached  bool   `json:"cached"`
}
