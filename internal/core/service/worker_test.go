package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marketmind/marketmind/internal/adapter/queue/inproc"
	"github.com/marketmind/marketmind/internal/core/domain"
)

type workerEnv struct {
	registry *Registry
	memory   *memStub
	archive  *archStub
	orch     *Orchestrator
	worker   *Worker
	ctx      context.Context
}

func newWorkerEnv(t *testing.T, plans []domain.CyclePlan, cfg WorkerConfig) *workerEnv {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	env := &workerEnv{
		registry: NewRegistry(zap.NewNop()),
		memory:   newMemStub(),
		archive:  newArchStub(),
		ctx:      ctx,
	}
	env.orch = NewOrchestrator(
		env.registry,
		inproc.NewQueueService(64, zap.NewNop()),
		env.memory,
		env.archive,
		OrchestratorOptions{},
		zap.NewNop(),
	)
	require.NoError(t, env.orch.Start(ctx))

	var err error
	env.worker, err = NewWorker(env.registry, env.orch, env.memory, env.archive, plans, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.worker.Stop(context.Background()) })
	return env
}

func TestNewWorkerValidatesPlans(t *testing.T) {
	registry := NewRegistry(zap.NewNop())

	_, err := NewWorker(registry, nil, newMemStub(), newArchStub(),
		[]domain.CyclePlan{{Name: "", Interval: time.Minute}}, WorkerConfig{}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewWorker(registry, nil, newMemStub(), newArchStub(),
		[]domain.CyclePlan{{Name: "collect", Interval: 0}}, WorkerConfig{}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewWorker(registry, nil, newMemStub(), newArchStub(),
		[]domain.CyclePlan{
			{Name: "collect", Interval: time.Minute},
			{Name: "collect", Interval: time.Minute},
		}, WorkerConfig{}, zap.NewNop())
	assert.Error(t, err)
}

func TestWorkerEmitBatchSubmitsPerCapableAgent(t *testing.T) {
	plans := []domain.CyclePlan{{Name: "collect", Interval: time.Hour, EmitType: domain.TaskTypeCollect, Enabled: true}}
	env := newWorkerEnv(t, plans, WorkerConfig{})

	require.NoError(t, env.registry.Register(testAgent("scout", 1.0, domain.AgentHealthActive, domain.TaskTypeCollect), noopExec))
	require.NoError(t, env.registry.Register(testAgent("chartist", 1.0, domain.AgentHealthActive, domain.TaskTypeCollect, domain.TaskTypeAnalyze), noopExec))
	require.NoError(t, env.registry.Register(testAgent("oracle", 1.0, domain.AgentHealthActive, domain.TaskTypePredict), noopExec))
	require.NoError(t, env.registry.Register(testAgent("benched", 1.0, domain.AgentHealthDisabled, domain.TaskTypeCollect), noopExec))

	outcome, err := env.worker.TriggerCycle(env.ctx, "collect")
	require.NoError(t, err)
	assert.Contains(t, outcome, "submitted 2 tasks")

	// All batch tasks complete and carry the shared cycle id.
	require.Eventually(t, func() bool {
		tasks, err := env.archive.RecentTerminal(context.Background(), 10)
		return err == nil && len(tasks) == 2
	}, 3*time.Second, 10*time.Millisecond)
	tasks, err := env.archive.RecentTerminal(context.Background(), 10)
	require.NoError(t, err)
	assert.NotEmpty(t, tasks[0].CycleID)
	assert.Equal(t, tasks[0].CycleID, tasks[1].CycleID)
}

func TestWorkerEvolutionPass(t *testing.T) {
	plans := []domain.CyclePlan{{Name: "evolve", Interval: time.Hour, EmitType: domain.TaskTypeEvolve, Enabled: true}}
	env := newWorkerEnv(t, plans, WorkerConfig{EvolutionAlpha: 0.1, EvolutionWindow: 50})

	require.NoError(t, env.registry.Register(testAgent("oracle", 1.0, domain.AgentHealthActive, domain.TaskTypePredict), noopExec))

	now := time.Now()
	env.archive.seed(
		domain.Task{ID: "t1", Status: domain.TaskStatusCompleted, AssignedAgent: "oracle", UpdatedAt: now},
		domain.Task{ID: "t2", Status: domain.TaskStatusCompleted, AssignedAgent: "oracle", UpdatedAt: now},
		domain.Task{ID: "t3", Status: domain.TaskStatusCompleted, AssignedAgent: "oracle", UpdatedAt: now},
		domain.Task{ID: "t4", Status: domain.TaskStatusFailed, AssignedAgent: "oracle", UpdatedAt: now},
		domain.Task{ID: "t5", Status: domain.TaskStatusFailed, AssignedAgent: "gone-agent", UpdatedAt: now},
	)

	outcome, err := env.worker.TriggerCycle(env.ctx, "evolve")
	require.NoError(t, err)
	assert.Contains(t, outcome, "evolved 1 agents")

	// 0.5*(1-0.1) + 0.75*0.1 = 0.525
	desc, _ := env.registry.Get("oracle")
	assert.InDelta(t, 0.525, desc.RollingAccuracy, 1e-9)

	snaps := env.memory.snapshots()
	require.Len(t, snaps, 1)
	assert.EqualValues(t, 1, snaps[0].CycleNumber)
	assert.InDelta(t, 0.025, snaps[0].Deltas["oracle"], 1e-9)
	assert.NotContains(t, snaps[0].Deltas, "gone-agent")
}

func TestWorkerHousekeeping(t *testing.T) {
	plans := []domain.CyclePlan{{Name: "housekeeping", Interval: time.Hour, Enabled: true}}
	env := newWorkerEnv(t, plans, WorkerConfig{Retention: 24 * time.Hour})

	old := time.Now().Add(-48 * time.Hour)
	env.archive.seed(domain.Task{ID: "ancient", Status: domain.TaskStatusCompleted, UpdatedAt: old})
	require.NoError(t, env.memory.Append(env.ctx, &domain.ConversationEntry{Actor: "a", Message: "old news", Timestamp: old}))
	require.NoError(t, env.memory.Append(env.ctx, &domain.ConversationEntry{Actor: "a", Message: "fresh news"}))

	outcome, err := env.worker.TriggerCycle(env.ctx, "housekeeping")
	require.NoError(t, err)
	assert.Contains(t, outcome, "pruned 1 archived tasks, 1 records")

	_, ok := env.archive.get("ancient")
	assert.False(t, ok)
	assert.Len(t, env.memory.conversations(), 1)
}

func TestWorkerTriggerUnknownPlan(t *testing.T) {
	env := newWorkerEnv(t, DefaultPlans(), WorkerConfig{})

	_, err := env.worker.TriggerCycle(env.ctx, "defragment")
	var ce *domain.ConfigurationError
	assert.ErrorAs(t, err, &ce)
}

func TestWorkerStartIsIdempotent(t *testing.T) {
	env := newWorkerEnv(t, DefaultPlans(), WorkerConfig{})

	require.NoError(t, env.worker.Start(env.ctx))
	require.NoError(t, env.worker.Start(env.ctx))
	assert.True(t, env.worker.Running())

	require.NoError(t, env.worker.Stop(env.ctx))
	assert.False(t, env.worker.Running())
	require.NoError(t, env.worker.Stop(env.ctx))
}

func TestWorkerStatus(t *testing.T) {
	env := newWorkerEnv(t, DefaultPlans(), WorkerConfig{})

	statuses := env.worker.Status()
	require.Len(t, statuses, 5)
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, s.Plan.Name)
	}
	assert.Equal(t, []string{"collect", "evolve", "housekeeping", "learn", "optimize"}, names)
}

func TestWorkerReconfigure(t *testing.T) {
	env := newWorkerEnv(t, DefaultPlans(), WorkerConfig{})

	interval := 45 * time.Second
	enabled := false
	require.NoError(t, env.worker.Reconfigure("collect", &interval, &enabled))

	var got domain.CycleStatus
	for _, s := range env.worker.Status() {
		if s.Plan.Name == "collect" {
			got = s
		}
	}
	assert.Equal(t, interval, got.Plan.Interval)
	assert.False(t, got.Plan.Enabled)

	bad := -time.Second
	assert.Error(t, env.worker.Reconfigure("collect", &bad, nil))
	assert.Error(t, env.worker.Reconfigure("defragment", &interval, nil))
}

func TestWorkerAutoDisablesFailingPlan(t *testing.T) {
	plans := []domain.CyclePlan{{Name: "evolve", Interval: 10 * time.Millisecond, EmitType: domain.TaskTypeEvolve, Enabled: true}}
	env := newWorkerEnv(t, plans, WorkerConfig{})
	env.archive.recentErr = errors.New("storage offline")

	require.NoError(t, env.worker.Start(env.ctx))

	require.Eventually(t, func() bool {
		for _, s := range env.worker.Status() {
			if s.Plan.Name == "evolve" {
				return !s.Plan.Enabled
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "failing plan was never disabled")

	// The auto-disable leaves an audit trail.
	require.Eventually(t, func() bool {
		return len(env.memory.commandLog()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	entry := env.memory.commandLog()[0]
	assert.Equal(t, "worker", entry.Actor)
	assert.Equal(t, "auto_disable", entry.ParsedAction)

	// Re-enabling resets the failure count and restarts the loop.
	env.archive.recentErr = nil
	enabled := true
	require.NoError(t, env.worker.Reconfigure("evolve", nil, &enabled))
	require.Eventually(t, func() bool {
		return len(env.memory.snapshots()) > 0
	}, 3*time.Second, 10*time.Millisecond, "re-enabled plan never ticked")
}
