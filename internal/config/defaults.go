package config

import (
	"time"

	"github.com/aristath/swarm/internal/budget"
	"github.com/aristath/swarm/internal/logging"
	"github.com/aristath/swarm/internal/quality"
	"github.com/aristath/swarm/internal/scheduler"
	"github.com/aristath/swarm/internal/swarm"
)

// DefaultConfig returns the built-in configuration: one claude provider, a
// planner, a reviewer and three worker roles.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxWorkers:    4,
			MaxRetries:    scheduler.DefaultMaxRetries,
			MaxPivots:     swarm.DefaultMaxPivots,
			InvokeTimeout: Duration(10 * time.Minute),
			ReviewTimeout: Duration(2 * time.Minute),
			DispatchBurst: 1,
			Retry: RetryConfig{
				InitialInterval:     Duration(time.Second),
				MaxInterval:         Duration(30 * time.Second),
				Multiplier:          2.0,
				RandomizationFactor: 0.5,
			},
			Breaker: BreakerConfig{
				MaxRequests:         3,
				Timeout:             Duration(30 * time.Second),
				ConsecutiveFailures: 5,
			},
		},
		Budget: BudgetConfig{
			CeilingPerTask: 2.0,
			CeilingPerRun:  20.0,
			TierCosts:      budget.DefaultTierCosts(),
		},
		Quality: QualityConfig{
			Threshold:     quality.DefaultThreshold,
			MaxIterations: quality.DefaultMaxIterations,
			Criteria: map[string]string{
				"coder":  "The change compiles, follows the surrounding style and does what the task describes.",
				"tester": "Tests cover the described behaviour and its edge cases.",
			},
		},
		Classifier: ClassifierConfig{
			MinTier:         scheduler.TierScout,
			Keywords:        swarm.DefaultKeywords(),
			LongDescription: swarm.DefaultLongDescription,
		},
		Providers: map[string]ProviderConfig{
			"claude": {
				Type:    "claude",
				Command: "claude",
			},
		},
		Agents: map[string]AgentConfig{
			"planner": {
				Provider:     "claude",
				Model:        "opus",
				SystemPrompt: "You break software requests into small, dependency-ordered tasks.",
			},
			"reviewer": {
				Provider:     "claude",
				Model:        "sonnet",
				SystemPrompt: "You review work for correctness against its acceptance criteria and score it from 0 to 1.",
			},
			"coder": {
				Provider: "claude",
				Models: map[scheduler.Tier]string{
					scheduler.TierScout:     "haiku",
					scheduler.TierBuilder:   "sonnet",
					scheduler.TierArchitect: "opus",
				},
				SystemPrompt: "You implement features and write production code.",
			},
			"tester": {
				Provider: "claude",
				Models: map[scheduler.Tier]string{
					scheduler.TierScout:   "haiku",
					scheduler.TierBuilder: "sonnet",
				},
				SystemPrompt: "You write comprehensive tests and validate functionality.",
			},
			"researcher": {
				Provider:     "claude",
				Model:        "haiku",
				SystemPrompt: "You find information in the codebase and summarise it precisely.",
			},
		},
		Planner:  "planner",
		Reviewer: "reviewer",
		Log: logging.Config{
			Level:  "info",
			Format: "console",
		},
		Store: StoreConfig{
			Path: ".swarm/swarm.db",
		},
	}
}
