// Package port provides behavior interfaces that connect services to adapters.
package port

import (
	"context"
	"time"

	"github.com/marketmind/marketmind/internal/core/domain"
)

// MemoryRepository defines the append-only durable record of everything the
// system has done. Appends are serialized by the adapter; reads never block.
type MemoryRepository interface {
	// Append writes one record of any kind, assigning a monotonically
	// increasing seq and a timestamp when absent. Existing records are
	// never overwritten.
	Append(ctx context.Context, record domain.MemoryRecord) error

	QueryConversations(ctx context.Context, f domain.MemoryFilter) ([]*domain.ConversationEntry, error)
	QueryCommandLog(ctx context.Context, f domain.MemoryFilter) ([]*domain.CommandLogEntry, error)
	QueryFacts(ctx context.Context, f domain.MemoryFilter) ([]*domain.LearnedFact, error)
	QuerySnapshots(ctx context.Context, f domain.MemoryFilter) ([]*domain.EvolutionSnapshot, error)

	// Recall searches fact keys for an exact match first, then falls back to
	// substring search over conversation messages and fact values. Facts
	// tombstoned at confidence 0 are treated as absent.
	Recall(ctx context.Context, keyOrText string) (*domain.LearnedFact, error)

	// Forget appends a confidence-0 fact superseding the latest live entry
	// for key. It does not delete.
	Forget(ctx context.Context, key string) error

	// Prune removes records older than horizon. The only destructive
	// operation; used by retention housekeeping.
	Prune(ctx context.Context, horizon time.Time) (int64, error)

	Stats(ctx context.Context) (*domain.MemoryStats, error)
}

// TaskArchive defines how terminal tasks are persisted for evolution passes
// and retention.
type TaskArchive interface {
	Archive(ctx context.Context, task *domain.Task) error
	RecentTerminal(ctx context.Context, limit int) ([]*domain.Task, error)
	Prune(ctx context.Context, horizon time.Time) (int64, error)
}

// TaskQueue defines how pending tasks move from submitters to executors.
// Delivery is ordered by priority, then submission order.
type TaskQueue interface {
	Publish(ctx context.Context, task *domain.Task) error
	Consume(ctx context.Context, handler func(task *domain.Task)) error
	Close()
}

// AgentExecutor is the uniform task-execution contract implemented per agent.
// The orchestrator treats all agents identically through it.
type AgentExecutor interface {
	Execute(ctx context.Context, task *domain.Task) (map[string]any, error)
}

// CompletionProvider is the gateway contract agents use to request text
// completions, tried against an ordered list of backends with fallback.
type CompletionProvider interface {
	Complete(ctx context.Context, prompt string, meta map[string]any) (*domain.CompletionResult, error)
}
