package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marketmind/marketmind/internal/core/domain"
	"github.com/marketmind/marketmind/internal/core/port"
)

// maxConsecutiveTickFailures auto-disables a cycle plan; an explicit
// reconfigure(enabled) is required to resume it.
const maxConsecutiveTickFailures = 3

// WorkerConfig tunes the cycle worker.
type WorkerConfig struct {
	StopGrace       time.Duration // how long Stop waits before forcing
	EvolutionAlpha  float64       // weighted moving average factor
	EvolutionWindow int           // recent terminal tasks per evolution pass
	Retention       time.Duration // archive + memory retention horizon
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.StopGrace <= 0 {
		c.StopGrace = 10 * time.Second
	}
	if c.EvolutionAlpha <= 0 || c.EvolutionAlpha >= 1 {
		c.EvolutionAlpha = 0.1
	}
	if c.EvolutionWindow <= 0 {
		c.EvolutionWindow = 50
	}
	if c.Retention <= 0 {
		c.Retention = 30 * 24 * time.Hour
	}
	return c
}

type planState struct {
	plan        domain.CyclePlan
	lastTick    time.Time
	nextDue     time.Time
	lastOutcome string
	failures    int
	loopRunning bool
}

// Worker owns the timed loops: each enabled cycle plan gets an independent
// goroutine that emits a task batch (or runs a pass) on its interval and
// keeps going until Stop.
type Worker struct {
	registry     *Registry
	orchestrator *Orchestrator
	memory       port.MemoryRepository
	archive      port.TaskArchive
	cfg          WorkerConfig
	log          *zap.Logger

	mu       sync.Mutex
	plans    map[string]*planState
	order    []string
	running  bool
	loopCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	cycleSeq int64
}

// NewWorker creates the cycle worker over the given plans.
func NewWorker(
	registry *Registry,
	orchestrator *Orchestrator,
	memory port.MemoryRepository,
	archive port.TaskArchive,
	plans []domain.CyclePlan,
	cfg WorkerConfig,
	log *zap.Logger,
) (*Worker, error) {
	w := &Worker{
		registry:     registry,
		orchestrator: orchestrator,
		memory:       memory,
		archive:      archive,
		cfg:          cfg.withDefaults(),
		log:          log,
		plans:        make(map[string]*planState),
	}
	for _, p := range plans {
		if p.Name == "" {
			return nil, &domain.ConfigurationError{Field: "cycle.name", Reason: "must not be empty"}
		}
		if p.Interval <= 0 {
			return nil, &domain.ConfigurationError{Field: "cycle.interval", Reason: "must be positive"}
		}
		if _, dup := w.plans[p.Name]; dup {
			return nil, &domain.ConfigurationError{Field: "cycle.name", Reason: fmt.Sprintf("duplicate plan %q", p.Name)}
		}
		w.plans[p.Name] = &planState{plan: p}
		w.order = append(w.order, p.Name)
	}
	sort.Strings(w.order)
	return w, nil
}

// DefaultPlans is the stock cycle table.
func DefaultPlans() []domain.CyclePlan {
	return []domain.CyclePlan{
		{Name: "collect", Interval: 5 * time.Minute, EmitType: domain.TaskTypeCollect, Enabled: true},
		{Name: "learn", Interval: 15 * time.Minute, EmitType: domain.TaskTypeAnalyze, Enabled: true},
		{Name: "evolve", Interval: time.Hour, EmitType: domain.TaskTypeEvolve, Enabled: true},
		{Name: "optimize", Interval: 6 * time.Hour, EmitType: domain.TaskTypeOptimize, Enabled: true},
		{Name: "housekeeping", Interval: 12 * time.Hour, Enabled: true},
	}
}

// Start spawns one loop per enabled plan. Idempotent: a second start while
// running is a no-op success.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		w.log.Debug("Worker already running, start is a no-op")
		return nil
	}

	w.loopCtx, w.cancel = context.WithCancel(ctx)
	w.running = true
	for _, name := range w.order {
		st := w.plans[name]
		if st.plan.Enabled {
			w.spawnLoopLocked(name)
		}
	}
	w.log.Info("Worker started", zap.Int("plans", len(w.plans)))
	return nil
}

// spawnLoopLocked launches a plan loop. Caller holds w.mu.
func (w *Worker) spawnLoopLocked(name string) {
	st := w.plans[name]
	if st.loopRunning {
		return
	}
	st.loopRunning = true
	st.nextDue = time.Now().Add(st.plan.Interval)
	w.wg.Add(1)
	go w.runLoop(w.loopCtx, name)
}

func (w *Worker) runLoop(ctx context.Context, name string) {
	defer w.wg.Done()
	defer func() {
		w.mu.Lock()
		w.plans[name].loopRunning = false
		w.mu.Unlock()
	}()

	log := w.log.With(zap.String("plan", name))
	log.Info("Cycle loop started")

	for {
		w.mu.Lock()
		st := w.plans[name]
		if !st.plan.Enabled {
			w.mu.Unlock()
			log.Info("Cycle loop exiting, plan disabled")
			return
		}
		interval := st.plan.Interval
		st.nextDue = time.Now().Add(interval)
		w.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("Cycle loop stopping")
			return
		case <-timer.C:
		}

		w.tickPlan(ctx, name, log)
	}
}

// tickPlan runs one tick and records its outcome; a tick error never crashes
// the loop, but three in a row disable the plan.
func (w *Worker) tickPlan(ctx context.Context, name string, log *zap.Logger) {
	outcome, err := w.safeTick(ctx, name)

	w.mu.Lock()
	st := w.plans[name]
	st.lastTick = time.Now()
	if err != nil {
		st.failures++
		st.lastOutcome = "error: " + err.Error()
		disabled := st.failures >= maxConsecutiveTickFailures
		if disabled {
			st.plan.Enabled = false
		}
		failures := st.failures
		w.mu.Unlock()

		log.Error("Tick failed", zap.Int("consecutive_failures", failures), zap.Error(err))
		if disabled {
			log.Warn("Plan auto-disabled after repeated tick failures")
			w.appendCommandLog(ctx, "worker", "auto_disable "+name, "auto_disable", "disabled after 3 consecutive tick failures")
		}
		return
	}
	st.failures = 0
	st.lastOutcome = outcome
	w.mu.Unlock()
	log.Debug("Tick complete", zap.String("outcome", outcome))
}

func (w *Worker) safeTick(ctx context.Context, name string) (outcome string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panic: %v", r)
		}
	}()
	return w.tick(ctx, name)
}

// tick dispatches on the plan's role: task emission, the evolution pass, or
// retention housekeeping.
func (w *Worker) tick(ctx context.Context, name string) (string, error) {
	w.mu.Lock()
	st, ok := w.plans[name]
	if !ok {
		w.mu.Unlock()
		return "", fmt.Errorf("unknown plan %q", name)
	}
	plan := st.plan
	w.mu.Unlock()

	switch {
	case plan.EmitType == domain.TaskTypeEvolve:
		return w.evolutionPass(ctx)
	case plan.EmitType == "":
		return w.housekeeping(ctx)
	default:
		return w.emitBatch(ctx, plan)
	}
}

// emitBatch submits one task per healthy capable agent, all sharing a cycle
// id. Submission is fire-and-forget; the loop never waits on completion.
func (w *Worker) emitBatch(ctx context.Context, plan domain.CyclePlan) (string, error) {
	cycleID := uuid.NewString()
	submitted := 0
	for _, desc := range w.registry.Snapshot() {
		if desc.Health != domain.AgentHealthActive || !desc.CanServe(plan.EmitType) {
			continue
		}
		task := &domain.Task{
			Type:     plan.EmitType,
			Priority: 5,
			CycleID:  cycleID,
			Payload: map[string]any{
				"cycle": plan.Name,
				"agent": desc.Name,
			},
		}
		if _, err := w.orchestrator.Submit(ctx, task); err != nil {
			return "", fmt.Errorf("submit %s batch: %w", plan.Name, err)
		}
		submitted++
	}
	return fmt.Sprintf("submitted %d tasks (cycle %s)", submitted, cycleID[:8]), nil
}

// evolutionPass folds recent task outcomes into each agent's rolling
// accuracy and writes one snapshot. It submits no tasks.
func (w *Worker) evolutionPass(ctx context.Context) (string, error) {
	recent, err := w.archive.RecentTerminal(ctx, w.cfg.EvolutionWindow)
	if err != nil {
		return "", fmt.Errorf("load recent tasks: %w", err)
	}

	type tally struct{ completed, failed int }
	perAgent := make(map[string]*tally)
	for _, t := range recent {
		if t.AssignedAgent == "" {
			continue
		}
		c := perAgent[t.AssignedAgent]
		if c == nil {
			c = &tally{}
			perAgent[t.AssignedAgent] = c
		}
		switch t.Status {
		case domain.TaskStatusCompleted:
			c.completed++
		case domain.TaskStatusFailed:
			c.failed++
		}
	}

	deltas := make(map[string]float64, len(perAgent))
	for agent, c := range perAgent {
		total := c.completed + c.failed
		if total == 0 {
			continue
		}
		rate := float64(c.completed) / float64(total)
		delta, err := w.registry.ApplyAccuracy(agent, w.cfg.EvolutionAlpha, rate)
		if err != nil {
			// Archived tasks can outlive their agent across restarts.
			continue
		}
		deltas[agent] = delta
	}

	w.mu.Lock()
	w.cycleSeq++
	cycle := w.cycleSeq
	w.mu.Unlock()

	snapshot := &domain.EvolutionSnapshot{CycleNumber: cycle, Deltas: deltas}
	if err := w.memory.Append(ctx, snapshot); err != nil {
		return "", fmt.Errorf("write evolution snapshot: %w", err)
	}
	return fmt.Sprintf("evolved %d agents over %d tasks", len(deltas), len(recent)), nil
}

// housekeeping prunes archive rows and memory records past the retention
// horizon.
func (w *Worker) housekeeping(ctx context.Context) (string, error) {
	horizon := time.Now().Add(-w.cfg.Retention)
	archived, err := w.archive.Prune(ctx, horizon)
	if err != nil {
		return "", fmt.Errorf("prune archive: %w", err)
	}
	records, err := w.memory.Prune(ctx, horizon)
	if err != nil {
		return "", fmt.Errorf("prune memory: %w", err)
	}
	return fmt.Sprintf("pruned %d archived tasks, %d records", archived, records), nil
}

// TriggerCycle runs one plan's tick immediately, outside its schedule.
func (w *Worker) TriggerCycle(ctx context.Context, name string) (string, error) {
	w.mu.Lock()
	_, ok := w.plans[name]
	w.mu.Unlock()
	if !ok {
		return "", &domain.ConfigurationError{Field: "plan", Reason: fmt.Sprintf("unknown plan %q", name)}
	}
	return w.safeTick(ctx, name)
}

// Status returns the per-plan schedule view, sorted by plan name.
func (w *Worker) Status() []domain.CycleStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]domain.CycleStatus, 0, len(w.order))
	for _, name := range w.order {
		st := w.plans[name]
		out = append(out, domain.CycleStatus{
			Plan:        st.plan,
			LastTick:    st.lastTick,
			NextDue:     st.nextDue,
			LastOutcome: st.lastOutcome,
			Failures:    st.failures,
		})
	}
	return out
}

// Running reports whether Start has been called without a matching Stop.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Reconfigure updates a plan's interval and/or enabled flag atomically. The
// change takes effect on the next tick. Re-enabling a plan restarts its loop
// when the worker is running.
func (w *Worker) Reconfigure(name string, interval *time.Duration, enabled *bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	st, ok := w.plans[name]
	if !ok {
		return &domain.ConfigurationError{Field: "plan", Reason: fmt.Sprintf("unknown plan %q", name)}
	}
	if interval != nil && *interval <= 0 {
		return &domain.ConfigurationError{Field: "interval", Reason: "must be positive"}
	}

	if interval != nil {
		st.plan.Interval = *interval
	}
	if enabled != nil {
		st.plan.Enabled = *enabled
		if *enabled {
			st.failures = 0
			if w.running {
				w.spawnLoopLocked(name)
			}
		}
	}

	w.log.Info("Plan reconfigured",
		zap.String("plan", name),
		zap.Duration("interval", st.plan.Interval),
		zap.Bool("enabled", st.plan.Enabled))
	return nil
}

// Stop signals every loop to exit after its current tick and waits up to the
// grace period. Loops still alive afterwards are abandoned and the event is
// recorded as a forced stop.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.log.Info("Worker stopped")
		return nil
	case <-time.After(w.cfg.StopGrace):
		w.log.Warn("Worker stop grace elapsed, forcing", zap.Duration("grace", w.cfg.StopGrace))
		w.appendCommandLog(ctx, "worker", "stop", "stop", "forced_stop")
		return nil
	}
}

func (w *Worker) appendCommandLog(ctx context.Context, actor, raw, action, summary string) {
	entry := &domain.CommandLogEntry{
		Actor:         actor,
		RawCommand:    raw,
		ParsedAction:  action,
		ResultSummary: summary,
	}
	if err := w.memory.Append(ctx, entry); err != nil {
		w.log.Error("Failed to append command log entry", zap.Error(err))
	}
}
