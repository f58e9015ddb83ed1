package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/marketmind/marketmind/internal/core/domain"
	"github.com/marketmind/marketmind/internal/core/port"
)

// Dispatch result statuses.
const (
	DispatchOK       = "ok"
	DispatchRejected = "rejected"
	DispatchError    = "error"
)

// DispatchResult is the uniform command reply. Status is "ok" for handled
// commands, "rejected" for parse failures, "error" for execution failures.
type DispatchResult struct {
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// ParsedCommand is the normalized form of one command line.
type ParsedCommand struct {
	Verb string
	Args []string
}

// verbs maps each command to the number of arguments it requires. -1 means
// one or more.
var verbs = map[string]int{
	"scan":     1,
	"analyze":  1,
	"predict":  1,
	"collect":  0,
	"learn":    0,
	"evolve":   0,
	"optimize": 0,
	"cleanup":  0,
	"start":    0,
	"stop":     0,
	"status":   0,
	"agents":   0,
	"remember": -1,
	"recall":   -1,
	"forget":   1,
	"help":     0,
}

// Dispatcher turns command lines into calls on the worker, the orchestrator,
// the registry and the memory store. Handling never panics; every invocation
// leaves a command log entry.
type Dispatcher struct {
	worker       *Worker
	orchestrator *Orchestrator
	registry     *Registry
	memory       port.MemoryRepository
	log          *zap.Logger
}

// NewDispatcher wires the command surface over the running services.
func NewDispatcher(
	worker *Worker,
	orchestrator *Orchestrator,
	registry *Registry,
	memory port.MemoryRepository,
	log *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		worker:       worker,
		orchestrator: orchestrator,
		registry:     registry,
		memory:       memory,
		log:          log,
	}
}

// Parse tokenizes raw on whitespace and validates verb and arity. It is
// total: any input yields either a command or a ParseError, never a panic.
func Parse(raw string) (*ParsedCommand, error) {
	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil, &domain.ParseError{Raw: raw, Reason: "empty command"}
	}

	verb := strings.ToLower(fields[0])
	args := fields[1:]

	want, known := verbs[verb]
	if !known {
		names := make([]string, 0, len(verbs))
		for v := range verbs {
			names = append(names, v)
		}
		return nil, &domain.ParseError{
			Raw:         raw,
			Reason:      fmt.Sprintf("unknown verb %q", verb),
			Suggestions: suggestVerbs(verb, names),
		}
	}

	switch {
	case want == -1 && len(args) == 0:
		return nil, &domain.ParseError{Raw: raw, Reason: fmt.Sprintf("%s requires at least one argument", verb)}
	case want >= 0 && len(args) != want:
		return nil, &domain.ParseError{Raw: raw, Reason: fmt.Sprintf("%s takes %d argument(s), got %d", verb, want, len(args))}
	}
	return &ParsedCommand{Verb: verb, Args: args}, nil
}

// Handle parses and executes one command on behalf of actor. The result is
// always well-formed; failures are folded into its status.
func (d *Dispatcher) Handle(ctx context.Context, actor, raw string) DispatchResult {
	cmd, err := Parse(raw)
	if err != nil {
		res := DispatchResult{Status: DispatchRejected, Message: err.Error()}
		var pe *domain.ParseError
		if errors.As(err, &pe) && len(pe.Suggestions) > 0 {
			res.Message = fmt.Sprintf("%s (did you mean: %s?)", err.Error(), strings.Join(pe.Suggestions, ", "))
			res.Data = map[string]any{"suggestions": pe.Suggestions}
		}
		d.logCommand(ctx, actor, raw, "reject", res.Message)
		return res
	}

	res := d.execute(ctx, cmd)
	d.logCommand(ctx, actor, raw, cmd.Verb, res.Message)
	return res
}

func (d *Dispatcher) execute(ctx context.Context, cmd *ParsedCommand) (res DispatchResult) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Command handler panicked", zap.String("verb", cmd.Verb), zap.Any("panic", r))
			res = DispatchResult{Status: DispatchError, Message: fmt.Sprintf("internal error handling %s", cmd.Verb)}
		}
	}()

	switch cmd.Verb {
	case "scan":
		return d.submit(ctx, domain.TaskTypeCollect, map[string]any{"domain": cmd.Args[0]})
	case "analyze":
		return d.submit(ctx, domain.TaskTypeAnalyze, map[string]any{"target": cmd.Args[0]})
	case "predict":
		return d.submit(ctx, domain.TaskTypePredict, map[string]any{"target": cmd.Args[0]})
	case "collect", "learn", "evolve", "optimize":
		return d.trigger(ctx, cmd.Verb)
	case "cleanup":
		return d.trigger(ctx, "housekeeping")
	case "start":
		if err := d.worker.Start(ctx); err != nil {
			return DispatchResult{Status: DispatchError, Message: "start failed: " + err.Error()}
		}
		return DispatchResult{Status: DispatchOK, Message: "worker running"}
	case "stop":
		if err := d.worker.Stop(ctx); err != nil {
			return DispatchResult{Status: DispatchError, Message: "stop failed: " + err.Error()}
		}
		return DispatchResult{Status: DispatchOK, Message: "worker stopped"}
	case "status":
		return d.status(ctx)
	case "agents":
		return d.agents()
	case "remember":
		return d.remember(ctx, cmd.Args)
	case "recall":
		return d.recall(ctx, strings.Join(cmd.Args, " "))
	case "forget":
		return d.forget(ctx, cmd.Args[0])
	case "help":
		return d.help()
	default:
		// Parse guarantees a known verb; this only trips on a verb added to
		// the table without a handler.
		return DispatchResult{Status: DispatchError, Message: fmt.Sprintf("verb %q not implemented", cmd.Verb)}
	}
}

func (d *Dispatcher) submit(ctx context.Context, taskType domain.TaskType, payload map[string]any) DispatchResult {
	payload["source"] = "command"
	id, err := d.orchestrator.Submit(ctx, &domain.Task{Type: taskType, Priority: 7, Payload: payload})
	if err != nil {
		return DispatchResult{Status: DispatchError, Message: "submit failed: " + err.Error()}
	}
	return DispatchResult{
		Status:  DispatchOK,
		Message: fmt.Sprintf("queued %s task %s", taskType, id),
		Data:    map[string]any{"task_id": id, "type": string(taskType)},
	}
}

func (d *Dispatcher) trigger(ctx context.Context, plan string) DispatchResult {
	outcome, err := d.worker.TriggerCycle(ctx, plan)
	if err != nil {
		return DispatchResult{Status: DispatchError, Message: fmt.Sprintf("%s cycle failed: %v", plan, err)}
	}
	return DispatchResult{Status: DispatchOK, Message: fmt.Sprintf("%s cycle: %s", plan, outcome)}
}

func (d *Dispatcher) status(ctx context.Context) DispatchResult {
	cycles := d.worker.Status()
	stats, err := d.memory.Stats(ctx)
	if err != nil {
		return DispatchResult{Status: DispatchError, Message: "status failed: " + err.Error()}
	}
	running := "stopped"
	if d.worker.Running() {
		running = "running"
	}
	return DispatchResult{
		Status:  DispatchOK,
		Message: fmt.Sprintf("worker %s, %d cycles, %d tasks in flight", running, len(cycles), d.orchestrator.InFlight()),
		Data: map[string]any{
			"worker":    running,
			"cycles":    cycles,
			"in_flight": d.orchestrator.InFlight(),
			"memory":    stats,
		},
	}
}

func (d *Dispatcher) agents() DispatchResult {
	snapshot := d.registry.Snapshot()
	lines := make([]string, 0, len(snapshot))
	for _, a := range snapshot {
		lines = append(lines, fmt.Sprintf("%s [%s] weight=%.2f accuracy=%.2f running=%d",
			a.Name, a.Health, a.PriorityWeight, a.RollingAccuracy, a.RunningTaskCount))
	}
	return DispatchResult{
		Status:  DispatchOK,
		Message: strings.Join(lines, "\n"),
		Data:    map[string]any{"agents": snapshot},
	}
}

func (d *Dispatcher) remember(ctx context.Context, args []string) DispatchResult {
	if len(args) < 2 {
		return DispatchResult{Status: DispatchRejected, Message: "remember requires a key and a value"}
	}
	fact := &domain.LearnedFact{
		Key:        args[0],
		Value:      strings.Join(args[1:], " "),
		Confidence: 1.0,
	}
	if err := d.memory.Append(ctx, fact); err != nil {
		return DispatchResult{Status: DispatchError, Message: "remember failed: " + err.Error()}
	}
	return DispatchResult{Status: DispatchOK, Message: fmt.Sprintf("remembered %q", fact.Key)}
}

func (d *Dispatcher) recall(ctx context.Context, query string) DispatchResult {
	fact, err := d.memory.Recall(ctx, query)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return DispatchResult{Status: DispatchOK, Message: fmt.Sprintf("nothing known about %q", query)}
		}
		return DispatchResult{Status: DispatchError, Message: "recall failed: " + err.Error()}
	}
	return DispatchResult{
		Status:  DispatchOK,
		Message: fmt.Sprintf("%s = %s (confidence %.2f)", fact.Key, fact.Value, fact.Confidence),
		Data:    map[string]any{"fact": fact},
	}
}

func (d *Dispatcher) forget(ctx context.Context, key string) DispatchResult {
	if err := d.memory.Forget(ctx, key); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return DispatchResult{Status: DispatchOK, Message: fmt.Sprintf("nothing known about %q", key)}
		}
		return DispatchResult{Status: DispatchError, Message: "forget failed: " + err.Error()}
	}
	return DispatchResult{Status: DispatchOK, Message: fmt.Sprintf("forgot %q", key)}
}

func (d *Dispatcher) help() DispatchResult {
	text := strings.TrimSpace(`
scan <domain>         queue a collection task for a market domain
analyze <target>      queue an analysis task for a symbol or topic
predict <target>      queue a prediction task for a symbol or topic
collect               run the collect cycle now
learn                 run the learn cycle now
evolve                run the evolution pass now
optimize              run the optimize cycle now
cleanup               run retention housekeeping now
start                 start the cycle worker
stop                  stop the cycle worker
status                show worker, cycle and memory state
agents                list registered agents
remember <key> <v..>  store a fact
recall <key|text>     look a fact up, fuzzy
forget <key>          retire a fact
help                  this text`)
	return DispatchResult{Status: DispatchOK, Message: text}
}

func (d *Dispatcher) logCommand(ctx context.Context, actor, raw, action, summary string) {
	if len(summary) > 200 {
		summary = summary[:200]
	}
	entry := &domain.CommandLogEntry{
		Actor:         actor,
		RawCommand:    raw,
		ParsedAction:  action,
		ResultSummary: summary,
	}
	if err := d.memory.Append(ctx, entry); err != nil {
		d.log.Error("Failed to append command log entry", zap.Error(err))
	}
}
