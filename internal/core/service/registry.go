// Package service provides the orchestration core: agent registry, task
// orchestrator, cycle worker and command dispatcher.
package service

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/marketmind/marketmind/internal/core/domain"
	"github.com/marketmind/marketmind/internal/core/port"
)

// ErrAgentsSaturated means every capable agent is at its concurrency limit;
// the task should be requeued, not failed.
var ErrAgentsSaturated = errors.New("all capable agents saturated")

// livenessTTL is how long an agent stays fresh after its last execution
// before snapshots start reporting it degraded.
const livenessTTL = 15 * time.Minute

type agentEntry struct {
	mu       sync.Mutex
	desc     domain.AgentDescriptor
	executor port.AgentExecutor
}

// Registry is the process-wide agent table. One descriptor exists per agent
// name for the process lifetime; counters mutate under a per-agent lock so
// cross-agent concurrency stays high.
type Registry struct {
	mu       sync.RWMutex
	agents   map[string]*agentEntry
	names    []string // sorted, for deterministic iteration
	liveness *gocache.Cache
	log      *zap.Logger
}

// NewRegistry creates an empty agent registry
func NewRegistry(log *zap.Logger) *Registry {
	return &Registry{
		agents:   make(map[string]*agentEntry),
		liveness: gocache.New(livenessTTL, 2*livenessTTL),
		log:      log,
	}
}

// Register adds one agent. Names are unique for the process lifetime.
func (r *Registry) Register(desc *domain.AgentDescriptor, executor port.AgentExecutor) error {
	if desc == nil || desc.Name == "" {
		return &domain.ConfigurationError{Field: "agent.name", Reason: "must not be empty"}
	}
	if executor == nil {
		return &domain.ConfigurationError{Field: "agent.executor", Reason: "must not be nil"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[desc.Name]; exists {
		return fmt.Errorf("agent %q already registered", desc.Name)
	}
	if desc.Health == "" {
		desc.Health = domain.AgentHealthActive
	}
	r.agents[desc.Name] = &agentEntry{desc: *desc, executor: executor}
	r.names = append(r.names, desc.Name)
	sort.Strings(r.names)

	r.log.Info("Registered agent",
		zap.String("agent", desc.Name),
		zap.Float64("weight", desc.PriorityWeight))
	return nil
}

func (r *Registry) entry(name string) (*agentEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[name]
	return e, ok
}

// effectiveHealth folds heartbeat staleness into the stored health: an active
// agent that has executed before but not inside the liveness window reports
// as degraded.
func (r *Registry) effectiveHealth(e *agentEntry) domain.AgentHealth {
	if e.desc.Health != domain.AgentHealthActive {
		return e.desc.Health
	}
	if e.desc.LastSeen.IsZero() {
		return domain.AgentHealthActive
	}
	if _, fresh := r.liveness.Get(e.desc.Name); !fresh {
		return domain.AgentHealthDegraded
	}
	return domain.AgentHealthActive
}

// Snapshot returns descriptors sorted by name, with effective health.
func (r *Registry) Snapshot() []domain.AgentDescriptor {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	r.mu.RUnlock()

	out := make([]domain.AgentDescriptor, 0, len(names))
	for _, name := range names {
		e, ok := r.entry(name)
		if !ok {
			continue
		}
		e.mu.Lock()
		desc := e.desc
		desc.Health = r.effectiveHealth(e)
		e.mu.Unlock()
		out = append(out, desc)
	}
	return out
}

// Get returns a copy of one descriptor.
func (r *Registry) Get(name string) (domain.AgentDescriptor, bool) {
	e, ok := r.entry(name)
	if !ok {
		return domain.AgentDescriptor{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	desc := e.desc
	desc.Health = r.effectiveHealth(e)
	return desc, true
}

// SetHealth updates one agent's stored health state.
func (r *Registry) SetHealth(name string, health domain.AgentHealth) error {
	e, ok := r.entry(name)
	if !ok {
		return fmt.Errorf("agent %q not registered", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.desc.Health = health
	return nil
}

// Acquire picks the agent for a task and claims one execution slot on it.
// Candidates are active agents whose capability tags include the task type;
// if none are active, degraded agents are considered. Among candidates below
// perAgentLimit the winner has the lowest running count, then the highest
// priority weight, then the smallest name. The choice is deterministic given
// identical registry state.
func (r *Registry) Acquire(taskType domain.TaskType, perAgentLimit int) (string, port.AgentExecutor, error) {
	r.mu.RLock()
	names := append([]string(nil), r.names...)
	r.mu.RUnlock()

	type candidate struct {
		entry   *agentEntry
		name    string
		running int
		weight  float64
	}

	pick := func(wantHealth domain.AgentHealth) (*candidate, bool) {
		var best *candidate
		capable := false
		for _, name := range names {
			e, ok := r.entry(name)
			if !ok {
				continue
			}
			e.mu.Lock()
			serves := e.desc.CanServe(taskType)
			health := r.effectiveHealth(e)
			running := e.desc.RunningTaskCount
			weight := e.desc.PriorityWeight
			e.mu.Unlock()

			if !serves || health != wantHealth {
				continue
			}
			capable = true
			if perAgentLimit > 0 && running >= perAgentLimit {
				continue
			}
			c := &candidate{entry: e, name: name, running: running, weight: weight}
			if best == nil ||
				c.running < best.running ||
				(c.running == best.running && c.weight > best.weight) {
				// names iterate in sorted order, so equal
				// running+weight keeps the earlier name
				best = c
			}
		}
		return best, capable
	}

	best, activeCapable := pick(domain.AgentHealthActive)
	degradedCapable := false
	if best == nil && !activeCapable {
		best, degradedCapable = pick(domain.AgentHealthDegraded)
	}
	if best == nil {
		if activeCapable || degradedCapable {
			return "", nil, ErrAgentsSaturated
		}
		return "", nil, domain.ErrNoCapableAgent
	}

	best.entry.mu.Lock()
	best.entry.desc.RunningTaskCount++
	best.entry.mu.Unlock()
	return best.name, best.entry.executor, nil
}

// Release frees the execution slot claimed by Acquire.
func (r *Registry) Release(name string) {
	e, ok := r.entry(name)
	if !ok {
		return
	}
	e.mu.Lock()
	if e.desc.RunningTaskCount > 0 {
		e.desc.RunningTaskCount--
	}
	e.mu.Unlock()
}

// RecordSuccess bumps the agent's success counter and refreshes liveness.
func (r *Registry) RecordSuccess(name string) {
	e, ok := r.entry(name)
	if !ok {
		return
	}
	e.mu.Lock()
	e.desc.SuccessCount++
	e.desc.LastSeen = time.Now()
	e.mu.Unlock()
	r.liveness.SetDefault(name, time.Now())
}

// RecordFailure bumps the agent's failure counter and refreshes liveness.
func (r *Registry) RecordFailure(name string) {
	e, ok := r.entry(name)
	if !ok {
		return
	}
	e.mu.Lock()
	e.desc.FailureCount++
	e.desc.LastSeen = time.Now()
	e.mu.Unlock()
	r.liveness.SetDefault(name, time.Now())
}

// ApplyAccuracy folds a recent success rate into the agent's rolling accuracy
// as a weighted moving average clamped to [0,1]. Only the evolution pass
// calls this. Returns the applied delta.
func (r *Registry) ApplyAccuracy(name string, alpha, recentRate float64) (float64, error) {
	e, ok := r.entry(name)
	if !ok {
		return 0, fmt.Errorf("agent %q not registered", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.desc.RollingAccuracy
	next := old*(1-alpha) + recentRate*alpha
	if next < 0 {
		next = 0
	}
	if next > 1 {
		next = 1
	}
	e.desc.RollingAccuracy = next
	return next - old, nil
}
