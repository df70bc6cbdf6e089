package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/aristath/swarm/internal/logging"
)

// Validate reports every problem in cfg joined into one error, or nil.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	s := c.Scheduler
	if s.MaxWorkers <= 0 {
		add("scheduler.max_workers must be positive, got %d", s.MaxWorkers)
	}
	if s.MaxRetries < 0 {
		add("scheduler.max_retries must not be negative, got %d", s.MaxRetries)
	}
	if s.MaxPivots < 0 {
		add("scheduler.max_pivots must not be negative, got %d", s.MaxPivots)
	}
	if s.InvokeTimeout < 0 || s.ReviewTimeout < 0 {
		add("scheduler timeouts must not be negative")
	}
	if s.DispatchRate < 0 {
		add("scheduler.dispatch_rate must not be negative, got %g", s.DispatchRate)
	}
	if s.Retry.Multiplier != 0 && s.Retry.Multiplier < 1 {
		add("scheduler.retry.multiplier must be at least 1, got %g", s.Retry.Multiplier)
	}
	if s.Retry.RandomizationFactor < 0 || s.Retry.RandomizationFactor > 1 {
		add("scheduler.retry.randomization_factor must be within [0,1], got %g", s.Retry.RandomizationFactor)
	}

	if c.Budget.CeilingPerTask < 0 {
		add("budget.ceiling_per_task must not be negative, got %g", c.Budget.CeilingPerTask)
	}
	if c.Budget.CeilingPerRun < 0 {
		add("budget.ceiling_per_run must not be negative, got %g", c.Budget.CeilingPerRun)
	}
	for tier, cost := range c.Budget.TierCosts {
		if !tier.Valid() {
			add("budget.tier_costs: unknown tier %q", tier)
		}
		if cost.PerCall < 0 || cost.Per1KChars < 0 {
			add("budget.tier_costs.%s must not be negative", tier)
		}
	}

	if c.Quality.Threshold < 0 || c.Quality.Threshold > 1 {
		add("quality.threshold must be within [0,1], got %g", c.Quality.Threshold)
	}
	if c.Quality.MaxIterations < 0 {
		add("quality.max_iterations must not be negative, got %d", c.Quality.MaxIterations)
	}

	if c.Classifier.MinTier != "" && !c.Classifier.MinTier.Valid() {
		add("classifier.min_tier: unknown tier %q", c.Classifier.MinTier)
	}
	if c.Classifier.LongDescription < 0 {
		add("classifier.long_description must not be negative, got %d", c.Classifier.LongDescription)
	}

	for _, name := range sortedKeys(c.Providers) {
		switch p := c.Providers[name]; p.Type {
		case "", "claude":
		case "command":
			if p.Command == "" {
				add("providers.%s: command backend needs a command", name)
			}
		default:
			add("providers.%s: unknown type %q", name, p.Type)
		}
	}
	for _, name := range sortedKeys(c.Agents) {
		a := c.Agents[name]
		if _, ok := c.Providers[a.Provider]; !ok {
			add("agents.%s: unknown provider %q", name, a.Provider)
		}
		for tier := range a.Models {
			if !tier.Valid() {
				add("agents.%s.models: unknown tier %q", name, tier)
			}
		}
	}
	if _, ok := c.Agents[c.Planner]; !ok {
		add("planner: unknown agent %q", c.Planner)
	}
	if _, ok := c.Agents[c.Reviewer]; !ok {
		add("reviewer: unknown agent %q", c.Reviewer)
	}
	if len(c.WorkerRoles()) == 0 {
		add("agents: no worker roles besides planner and reviewer")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if f := c.Log.Format; f != "" && f != "json" && f != "console" {
		add("log.format must be json or console, got %q", f)
	}

	return errors.Join(errs...)
}

// WorkerRoles returns the agent roles that execute tasks, sorted.
func (c *Config) WorkerRoles() []string {
	var roles []string
	for _, name := range sortedKeys(c.Agents) {
		if name != c.Planner && name != c.Reviewer {
			roles = append(roles, name)
		}
	}
	return roles
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
