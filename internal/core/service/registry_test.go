package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marketmind/marketmind/internal/core/domain"
)

// execFunc adapts a function to the agent execution contract.
type execFunc func(ctx context.Context, task *domain.Task) (map[string]any, error)

func (f execFunc) Execute(ctx context.Context, task *domain.Task) (map[string]any, error) {
	return f(ctx, task)
}

var noopExec = execFunc(func(ctx context.Context, task *domain.Task) (map[string]any, error) {
	return map[string]any{}, nil
})

func testAgent(name string, weight float64, health domain.AgentHealth, tags ...domain.TaskType) *domain.AgentDescriptor {
	return &domain.AgentDescriptor{
		Name:            name,
		CapabilityTags:  tags,
		PriorityWeight:  weight,
		Health:          health,
		RollingAccuracy: 0.5,
	}
}

func TestRegistryRegisterValidation(t *testing.T) {
	r := NewRegistry(zap.NewNop())

	assert.Error(t, r.Register(nil, noopExec))
	assert.Error(t, r.Register(&domain.AgentDescriptor{}, noopExec))
	assert.Error(t, r.Register(testAgent("a", 1, domain.AgentHealthActive, domain.TaskTypeCollect), nil))

	require.NoError(t, r.Register(testAgent("a", 1, domain.AgentHealthActive, domain.TaskTypeCollect), noopExec))
	assert.Error(t, r.Register(testAgent("a", 1, domain.AgentHealthActive, domain.TaskTypeCollect), noopExec))
}

func TestRegistryAcquirePrefersIdleThenWeight(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(testAgent("light", 0.8, domain.AgentHealthActive, domain.TaskTypeAnalyze), noopExec))
	require.NoError(t, r.Register(testAgent("heavy", 1.5, domain.AgentHealthActive, domain.TaskTypeAnalyze), noopExec))

	// Both idle: the higher weight wins.
	name, _, err := r.Acquire(domain.TaskTypeAnalyze, 3)
	require.NoError(t, err)
	assert.Equal(t, "heavy", name)

	// heavy now runs one task, so the idle agent wins regardless of weight.
	name, _, err = r.Acquire(domain.TaskTypeAnalyze, 3)
	require.NoError(t, err)
	assert.Equal(t, "light", name)

	// Tied running counts again: back to weight.
	name, _, err = r.Acquire(domain.TaskTypeAnalyze, 3)
	require.NoError(t, err)
	assert.Equal(t, "heavy", name)
}

func TestRegistryAcquireNameBreaksTies(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(testAgent("beta", 1.0, domain.AgentHealthActive, domain.TaskTypeCollect), noopExec))
	require.NoError(t, r.Register(testAgent("alpha", 1.0, domain.AgentHealthActive, domain.TaskTypeCollect), noopExec))

	name, _, err := r.Acquire(domain.TaskTypeCollect, 3)
	require.NoError(t, err)
	assert.Equal(t, "alpha", name)
}

func TestRegistryAcquireSaturation(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(testAgent("solo", 1.0, domain.AgentHealthActive, domain.TaskTypeCollect), noopExec))

	_, _, err := r.Acquire(domain.TaskTypeCollect, 1)
	require.NoError(t, err)

	_, _, err = r.Acquire(domain.TaskTypeCollect, 1)
	assert.ErrorIs(t, err, ErrAgentsSaturated)

	r.Release("solo")
	_, _, err = r.Acquire(domain.TaskTypeCollect, 1)
	assert.NoError(t, err)
}

func TestRegistryAcquireNoCapableAgent(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(testAgent("solo", 1.0, domain.AgentHealthActive, domain.TaskTypeCollect), noopExec))

	_, _, err := r.Acquire(domain.TaskTypePredict, 3)
	assert.ErrorIs(t, err, domain.ErrNoCapableAgent)
}

func TestRegistryAcquireFallsBackToDegraded(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(testAgent("tired", 1.0, domain.AgentHealthDegraded, domain.TaskTypeCollect), noopExec))
	require.NoError(t, r.Register(testAgent("off", 1.0, domain.AgentHealthDisabled, domain.TaskTypeCollect), noopExec))

	name, _, err := r.Acquire(domain.TaskTypeCollect, 3)
	require.NoError(t, err)
	assert.Equal(t, "tired", name)
}

func TestRegistryAcquireSkipsDegradedWhenActiveExists(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(testAgent("tired", 5.0, domain.AgentHealthDegraded, domain.TaskTypeCollect), noopExec))
	require.NoError(t, r.Register(testAgent("fresh", 0.1, domain.AgentHealthActive, domain.TaskTypeCollect), noopExec))

	name, _, err := r.Acquire(domain.TaskTypeCollect, 3)
	require.NoError(t, err)
	assert.Equal(t, "fresh", name)
}

func TestRegistrySetHealthDisablesAgent(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(testAgent("solo", 1.0, domain.AgentHealthActive, domain.TaskTypeCollect), noopExec))

	require.NoError(t, r.SetHealth("solo", domain.AgentHealthDisabled))
	_, _, err := r.Acquire(domain.TaskTypeCollect, 3)
	assert.ErrorIs(t, err, domain.ErrNoCapableAgent)

	assert.Error(t, r.SetHealth("ghost", domain.AgentHealthActive))
}

func TestRegistrySnapshotSortedByName(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(testAgent("zeta", 1.0, domain.AgentHealthActive, domain.TaskTypeCollect), noopExec))
	require.NoError(t, r.Register(testAgent("alpha", 1.0, domain.AgentHealthActive, domain.TaskTypeCollect), noopExec))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "alpha", snap[0].Name)
	assert.Equal(t, "zeta", snap[1].Name)
}

func TestRegistryRecordCounters(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(testAgent("solo", 1.0, domain.AgentHealthActive, domain.TaskTypeCollect), noopExec))

	r.RecordSuccess("solo")
	r.RecordSuccess("solo")
	r.RecordFailure("solo")

	desc, ok := r.Get("solo")
	require.True(t, ok)
	assert.Equal(t, int64(2), desc.SuccessCount)
	assert.Equal(t, int64(1), desc.FailureCount)
	assert.False(t, desc.LastSeen.IsZero())
}

func TestRegistryApplyAccuracy(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	require.NoError(t, r.Register(testAgent("solo", 1.0, domain.AgentHealthActive, domain.TaskTypeCollect), noopExec))

	// 0.5*(1-0.1) + 1.0*0.1 = 0.55
	delta, err := r.ApplyAccuracy("solo", 0.1, 1.0)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, delta, 1e-9)

	desc, _ := r.Get("solo")
	assert.InDelta(t, 0.55, desc.RollingAccuracy, 1e-9)

	// A zero rate pulls the average back down and the result stays in range.
	for i := 0; i < 200; i++ {
		_, err = r.ApplyAccuracy("solo", 0.5, 0)
		require.NoError(t, err)
	}
	desc, _ = r.Get("solo")
	assert.GreaterOrEqual(t, desc.RollingAccuracy, 0.0)
	assert.LessOrEqual(t, desc.RollingAccuracy, 1.0)

	_, err = r.ApplyAccuracy("ghost", 0.1, 1.0)
	assert.Error(t, err)
}
