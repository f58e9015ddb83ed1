package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketmind/marketmind/internal/core/domain"
	"github.com/marketmind/marketmind/internal/core/port"
)

// OrchestratorOptions bound the execution machinery.
type OrchestratorOptions struct {
	MaxAttempts     int           // total attempts before a task fails terminally
	PerAgentLimit   int           // concurrent tasks per agent
	ExecTimeout     time.Duration // per-execution deadline, treated as a failure
	ExecutorWorkers int           // global concurrent executions
}

func (o OrchestratorOptions) withDefaults() OrchestratorOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.PerAgentLimit <= 0 {
		o.PerAgentLimit = 3
	}
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = 2 * time.Minute
	}
	if o.ExecutorWorkers <= 0 {
		o.ExecutorWorkers = 8
	}
	return o
}

// Orchestrator turns submitted tasks into completed or failed tasks by
// assigning them to agents and executing them with bounded retries.
type Orchestrator struct {
	registry *Registry
	queue    port.TaskQueue
	memory   port.MemoryRepository
	archive  port.TaskArchive
	opts     OrchestratorOptions
	log      *zap.Logger

	baseCtx context.Context
	sem     chan struct{}

	mu    sync.Mutex
	tasks map[string]*domain.Task // live tasks by id
}

// NewOrchestrator wires the orchestrator; call Start before submitting.
func NewOrchestrator(
	registry *Registry,
	queue port.TaskQueue,
	memory port.MemoryRepository,
	archive port.TaskArchive,
	opts OrchestratorOptions,
	log *zap.Logger,
) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		registry: registry,
		queue:    queue,
		memory:   memory,
		archive:  archive,
		opts:     opts,
		log:      log,
		sem:      make(chan struct{}, opts.ExecutorWorkers),
		tasks:    make(map[string]*domain.Task),
	}
}

// Start begins consuming the task queue until ctx is cancelled.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.baseCtx = ctx
	return o.queue.Consume(ctx, o.assignAndRun)
}

// Submit validates and enqueues a task, returning its id immediately.
// Execution is asynchronous.
func (o *Orchestrator) Submit(ctx context.Context, task *domain.Task) (string, error) {
	if task == nil {
		return "", domain.Terminal("nil task", nil)
	}
	if task.Type == "" {
		return "", domain.Terminal("task type must not be empty", nil)
	}
	known := false
	for _, t := range domain.KnownTaskTypes() {
		if t == task.Type {
			known = true
			break
		}
	}
	if !known {
		return "", domain.Terminal(fmt.Sprintf("unknown task type %q", task.Type), nil)
	}
	if task.Payload == nil {
		return "", domain.Terminal("task payload must be present", nil)
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	task.Status = domain.TaskStatusPending

	o.mu.Lock()
	o.tasks[task.ID] = task
	o.mu.Unlock()

	if err := o.queue.Publish(ctx, task); err != nil {
		o.mu.Lock()
		delete(o.tasks, task.ID)
		o.mu.Unlock()
		return "", fmt.Errorf("submit task: %w", err)
	}

	o.log.Debug("Task submitted",
		zap.String("task_id", task.ID),
		zap.String("type", string(task.Type)),
		zap.Int("priority", task.Priority))
	return task.ID, nil
}

// Cancel aborts a task that is still pending. Running and terminal tasks
// cannot be cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	o.mu.Lock()
	task, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return domain.ErrTaskNotFound
	}
	if task.Status != domain.TaskStatusPending {
		o.mu.Unlock()
		return fmt.Errorf("task %s is %s: %w", taskID, task.Status, domain.ErrTaskNotCancelable)
	}
	task.Status = domain.TaskStatusFailed
	task.Error = "cancelled"
	task.UpdatedAt = time.Now()
	delete(o.tasks, taskID)
	o.mu.Unlock()

	if err := o.archive.Archive(ctx, task); err != nil {
		o.log.Error("Failed to archive cancelled task", zap.String("task_id", taskID), zap.Error(err))
	}
	return nil
}

// Lookup returns a copy of a live (not yet archived) task.
func (o *Orchestrator) Lookup(taskID string) (domain.Task, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	task, ok := o.tasks[taskID]
	if !ok {
		return domain.Task{}, false
	}
	return *task, true
}

// InFlight reports how many tasks are pending or running.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tasks)
}

// assignAndRun is the queue handler: it claims an agent slot and hands the
// task to an executor goroutine. It must not block the dispatch loop.
func (o *Orchestrator) assignAndRun(task *domain.Task) {
	o.mu.Lock()
	live, ok := o.tasks[task.ID]
	if !ok || live.Status != domain.TaskStatusPending {
		// Cancelled or superseded while queued.
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	agentName, executor, err := o.registry.Acquire(task.Type, o.opts.PerAgentLimit)
	if err != nil {
		switch {
		case errors.Is(err, ErrAgentsSaturated):
			// Back off briefly, then requeue at unchanged priority.
			time.AfterFunc(250*time.Millisecond, func() {
				if pubErr := o.queue.Publish(o.baseCtx, task); pubErr != nil {
					o.failTerminal(task, pubErr.Error())
				}
			})
		case errors.Is(err, domain.ErrNoCapableAgent):
			o.failTerminal(task, domain.ErrNoCapableAgent.Error())
		default:
			o.failTerminal(task, err.Error())
		}
		return
	}

	o.mu.Lock()
	live, ok = o.tasks[task.ID]
	if !ok || live.Status != domain.TaskStatusPending {
		// Cancelled while the agent slot was being acquired. Give the
		// slot back instead of resurrecting a finished task.
		o.mu.Unlock()
		o.registry.Release(agentName)
		return
	}
	task.AssignedAgent = agentName
	task.Status = domain.TaskStatusRunning
	task.UpdatedAt = time.Now()
	o.mu.Unlock()

	go o.execute(task, agentName, executor)
}

func (o *Orchestrator) execute(task *domain.Task, agentName string, executor port.AgentExecutor) {
	o.sem <- struct{}{}
	defer func() { <-o.sem }()
	defer o.registry.Release(agentName)

	ctx, cancel := context.WithTimeout(o.baseCtx, o.opts.ExecTimeout)
	defer cancel()

	result, err := executor.Execute(ctx, task)
	if err == nil {
		o.complete(task, agentName, result)
		return
	}

	// Timeouts retry like any transient failure.
	if errors.Is(err, context.DeadlineExceeded) {
		err = domain.Transient("execution timeout", err)
	}
	o.handleFailure(task, agentName, err)
}

func (o *Orchestrator) complete(task *domain.Task, agentName string, result map[string]any) {
	o.mu.Lock()
	task.Status = domain.TaskStatusCompleted
	task.Result = result
	task.UpdatedAt = time.Now()
	delete(o.tasks, task.ID)
	o.mu.Unlock()

	o.registry.RecordSuccess(agentName)
	o.recordOutcome(task, agentName, result)

	o.log.Info("Task finished successfully",
		zap.String("task_id", task.ID),
		zap.String("agent", agentName),
		zap.String("status", string(task.Status)))
}

func (o *Orchestrator) handleFailure(task *domain.Task, agentName string, err error) {
	if !domain.IsTransient(err) {
		o.registry.RecordFailure(agentName)
		o.failTerminal(task, err.Error())
		return
	}

	o.mu.Lock()
	task.AttemptCount++
	attempts := task.AttemptCount
	o.mu.Unlock()

	if attempts >= o.opts.MaxAttempts {
		o.registry.RecordFailure(agentName)
		o.failTerminal(task, err.Error())
		return
	}

	// Retry with the same payload at a bumped priority so the retry
	// overtakes same-priority new work.
	o.mu.Lock()
	task.Status = domain.TaskStatusPending
	task.AssignedAgent = ""
	task.Priority++
	task.UpdatedAt = time.Now()
	o.mu.Unlock()

	o.log.Warn("Task attempt failed, retrying",
		zap.String("task_id", task.ID),
		zap.Int("attempt", attempts),
		zap.Int("max_attempts", o.opts.MaxAttempts),
		zap.Error(err))

	if pubErr := o.queue.Publish(o.baseCtx, task); pubErr != nil {
		o.failTerminal(task, pubErr.Error())
	}
}

func (o *Orchestrator) failTerminal(task *domain.Task, reason string) {
	o.mu.Lock()
	task.Status = domain.TaskStatusFailed
	task.Error = reason
	task.UpdatedAt = time.Now()
	delete(o.tasks, task.ID)
	o.mu.Unlock()

	o.archiveTask(task)

	o.log.Error("Task failed terminally",
		zap.String("task_id", task.ID),
		zap.String("status", string(task.Status)),
		zap.String("reason", reason))
}

// recordOutcome persists the execution trace: the conversation entry, any
// learned fact the agent produced, and the archive row.
func (o *Orchestrator) recordOutcome(task *domain.Task, agentName string, result map[string]any) {
	summary, _ := result["summary"].(string)
	if summary == "" {
		summary = fmt.Sprintf("%s task finished", task.Type)
	}

	entry := &domain.ConversationEntry{
		Actor:         agentName,
		Message:       summary,
		RelatedTaskID: task.ID,
	}
	if err := o.memory.Append(o.baseCtx, entry); err != nil {
		o.log.Error("Failed to record conversation entry", zap.String("task_id", task.ID), zap.Error(err))
	}

	if key, ok := result["fact_key"].(string); ok && key != "" {
		value, _ := result["fact_value"].(string)
		confidence, ok := result["confidence"].(float64)
		if !ok || confidence <= 0 {
			confidence = 0.5
		}
		fact := &domain.LearnedFact{
			Key:          key,
			Value:        value,
			Confidence:   confidence,
			SourceTaskID: task.ID,
		}
		if err := o.memory.Append(o.baseCtx, fact); err != nil {
			o.log.Error("Failed to record learned fact", zap.String("task_id", task.ID), zap.Error(err))
		}
	}

	o.archiveTask(task)
}

func (o *Orchestrator) archiveTask(task *domain.Task) {
	ctx := o.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := o.archive.Archive(ctx, task); err != nil {
		o.log.Error("Failed to archive task", zap.String("task_id", task.ID), zap.Error(err))
	}
}
