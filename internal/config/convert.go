package config

import (
	"fmt"

	"github.com/aristath/swarm/internal/backend"
	"github.com/aristath/swarm/internal/budget"
	"github.com/aristath/swarm/internal/orchestrator"
	"github.com/aristath/swarm/internal/quality"
	"github.com/aristath/swarm/internal/scheduler"
	"github.com/aristath/swarm/internal/swarm"
)

// RunnerConfig returns the coordinator settings.
func (c *Config) RunnerConfig() orchestrator.Config {
	s := c.Scheduler
	return orchestrator.Config{
		MaxWorkers:    s.MaxWorkers,
		InvokeTimeout: s.InvokeTimeout.Std(),
		ReviewTimeout: s.ReviewTimeout.Std(),
		DispatchRate:  s.DispatchRate,
		DispatchBurst: s.DispatchBurst,
		Retry: orchestrator.RetryConfig{
			InitialInterval:     s.Retry.InitialInterval.Std(),
			MaxInterval:         s.Retry.MaxInterval.Std(),
			Multiplier:          s.Retry.Multiplier,
			RandomizationFactor: s.Retry.RandomizationFactor,
		},
		Breaker: orchestrator.BreakerConfig{
			MaxRequests:         s.Breaker.MaxRequests,
			Timeout:             s.Breaker.Timeout.Std(),
			ConsecutiveFailures: s.Breaker.ConsecutiveFailures,
		},
		Quality: quality.Config{
			MaxIterations: c.Quality.MaxIterations,
			Threshold:     c.Quality.Threshold,
			Criteria:      c.Quality.Criteria,
		},
	}
}

// ManagerConfig returns the swarm manager settings.
func (c *Config) ManagerConfig() swarm.Config {
	return swarm.Config{
		MaxRetries: c.Scheduler.MaxRetries,
		MaxPivots:  c.Scheduler.MaxPivots,
		MinTier:    c.Classifier.MinTier,
	}
}

// NewClassifier builds the keyword classifier.
func (c *Config) NewClassifier() *swarm.KeywordClassifier {
	return swarm.NewKeywordClassifier(c.Classifier.Keywords, c.Classifier.LongDescription)
}

// Limits returns the budget ceilings.
func (c *Config) Limits() budget.Limits {
	return budget.Limits{
		CeilingPerTask: c.Budget.CeilingPerTask,
		CeilingPerRun:  c.Budget.CeilingPerRun,
	}
}

// CostTable returns the configured tier prices, or the defaults when none are set.
func (c *Config) CostTable() budget.TierCostTable {
	if len(c.Budget.TierCosts) == 0 {
		return budget.DefaultTierCosts()
	}
	return c.Budget.TierCosts
}

// BackendConfig returns the backend settings for an agent role.
func (c *Config) BackendConfig(role string) (backend.Config, error) {
	a, ok := c.Agents[role]
	if !ok {
		return backend.Config{}, fmt.Errorf("unknown agent %q", role)
	}
	p, ok := c.Providers[a.Provider]
	if !ok {
		return backend.Config{}, fmt.Errorf("agent %q: unknown provider %q", role, a.Provider)
	}
	return backend.Config{
		Type:         p.Type,
		Command:      p.Command,
		Args:         append([]string(nil), p.Args...),
		WorkDir:      p.WorkDir,
		Model:        a.Model,
		SystemPrompt: a.SystemPrompt,
	}, nil
}

// TierModels returns the model an agent uses per tier. Tiers without an
// explicit entry use the agent's default model.
func (a AgentConfig) TierModels() map[scheduler.Tier]string {
	models := make(map[scheduler.Tier]string, 3)
	for _, tier := range []scheduler.Tier{scheduler.TierScout, scheduler.TierBuilder, scheduler.TierArchitect} {
		if m := a.Models[tier]; m != "" {
			models[tier] = m
		} else if a.Model != "" {
			models[tier] = a.Model
		}
	}
	return models
}
