// Package agents provides the built-in agent executors. Each agent is a thin
// shell around the completion gateway: it turns a task payload into a prompt,
// asks the gateway, and shapes the answer into a task result. The analytical
// depth lives behind the provider boundary, not here.
package agents

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/marketmind/marketmind/internal/core/domain"
	"github.com/marketmind/marketmind/internal/core/port"
)

// Spec couples one agent's descriptor to its executor.
type Spec struct {
	Descriptor *domain.AgentDescriptor
	Executor   port.AgentExecutor
}

type promptAgent struct {
	name     string
	role     string
	provider port.CompletionProvider
	log      *zap.Logger
}

func (a *promptAgent) Execute(ctx context.Context, task *domain.Task) (map[string]any, error) {
	target, _ := task.Payload["symbol"].(string)
	if target == "" {
		target, _ = task.Payload["target"].(string)
	}
	if target == "" {
		target, _ = task.Payload["domain"].(string)
	}
	if target == "" {
		target = "the market at large"
	}

	prompt := fmt.Sprintf("As %s, perform a %s pass over %s. Reply with one concise finding.",
		a.role, task.Type, target)

	completion, err := a.provider.Complete(ctx, prompt, map[string]any{
		"system": "You are one specialist inside a market intelligence swarm. Be brief and concrete.",
	})
	if err != nil {
		return nil, err
	}

	a.log.Debug("Agent completed task",
		zap.String("agent", a.name),
		zap.String("task_id", task.ID),
		zap.String("backend", completion.Backend))

	result := map[string]any{
		"summary": completion.Text,
		"backend": completion.Backend,
	}

	// Prediction passes yield a durable belief the evolution cycle can
	// score later.
	if task.Type == domain.TaskTypePredict && target != "the market at large" {
		result["fact_key"] = fmt.Sprintf("%s_outlook", strings.ToUpper(target))
		result["fact_value"] = completion.Text
		result["confidence"] = 0.6
	}

	return result, nil
}

// Builtin returns the fixed agent set: descriptors plus executors, all backed
// by the given completion provider.
func Builtin(provider port.CompletionProvider, log *zap.Logger) []Spec {
	mk := func(name, role string, weight float64, tags ...domain.TaskType) Spec {
		return Spec{
			Descriptor: &domain.AgentDescriptor{
				Name:            name,
				CapabilityTags:  tags,
				PriorityWeight:  weight,
				Health:          domain.AgentHealthActive,
				RollingAccuracy: 0.5,
			},
			Executor: &promptAgent{
				name:     name,
				role:     role,
				provider: provider,
				log:      log.Named(name),
			},
		}
	}

	return []Spec{
		mk("scout", "a market scanner hunting for movement", 1.0,
			domain.TaskTypeCollect, domain.TaskTypeCustom),
		mk("chartist", "a technical analyst reading structure", 1.2,
			domain.TaskTypeAnalyze, domain.TaskTypeCollect),
		mk("oracle", "a forecaster committing to a direction", 1.5,
			domain.TaskTypePredict, domain.TaskTypeAnalyze),
		mk("strategist", "a portfolio strategist weighing allocations", 1.1,
			domain.TaskTypeOptimize, domain.TaskTypePredict),
		mk("archivist", "a researcher consolidating findings", 0.8,
			domain.TaskTypeCustom, domain.TaskTypeCollect, domain.TaskTypeAnalyze),
	}
}
