// Package config loads the layered swarm configuration from JSON or YAML files.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/swarm/internal/budget"
	"github.com/aristath/swarm/internal/logging"
	"github.com/aristath/swarm/internal/scheduler"
	"github.com/aristath/swarm/internal/swarm"
)

// Duration is a time.Duration written as a Go duration string ("30s") in config files.
// JSON also accepts a number of nanoseconds.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
		return nil
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

// RetryConfig is the backoff between task retries.
type RetryConfig struct {
	InitialInterval     Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval         Duration `json:"max_interval" yaml:"max_interval"`
	Multiplier          float64  `json:"multiplier" yaml:"multiplier"`
	RandomizationFactor float64  `json:"randomization_factor" yaml:"randomization_factor"`
}

// BreakerConfig configures the per-role circuit breakers.
type BreakerConfig struct {
	MaxRequests         uint32   `json:"max_requests" yaml:"max_requests"`
	Timeout             Duration `json:"timeout" yaml:"timeout"`
	ConsecutiveFailures uint32   `json:"consecutive_failures" yaml:"consecutive_failures"`
}

// SchedulerConfig controls dispatch, retries and pivots.
type SchedulerConfig struct {
	MaxWorkers    int           `json:"max_workers" yaml:"max_workers"`
	MaxRetries    int           `json:"max_retries" yaml:"max_retries"` // Default for tasks that set none
	MaxPivots     int           `json:"max_pivots" yaml:"max_pivots"`
	InvokeTimeout Duration      `json:"invoke_timeout" yaml:"invoke_timeout"` // 0 for none
	ReviewTimeout Duration      `json:"review_timeout" yaml:"review_timeout"` // 0 for none
	DispatchRate  float64       `json:"dispatch_rate" yaml:"dispatch_rate"`   // Per second, 0 for unlimited
	DispatchBurst int           `json:"dispatch_burst" yaml:"dispatch_burst"`
	Retry         RetryConfig   `json:"retry" yaml:"retry"`
	Breaker       BreakerConfig `json:"breaker" yaml:"breaker"`
}

// BudgetConfig holds the ceilings and the tier price list. Zero ceilings are unlimited.
type BudgetConfig struct {
	CeilingPerTask float64              `json:"ceiling_per_task" yaml:"ceiling_per_task"`
	CeilingPerRun  float64              `json:"ceiling_per_run" yaml:"ceiling_per_run"`
	TierCosts      budget.TierCostTable `json:"tier_costs" yaml:"tier_costs"`
}

// QualityConfig controls the review loop.
type QualityConfig struct {
	Threshold     float64           `json:"threshold" yaml:"threshold"`
	MaxIterations int               `json:"max_iterations" yaml:"max_iterations"`
	Criteria      map[string]string `json:"criteria,omitempty" yaml:"criteria,omitempty"` // Role -> default criteria
}

// ClassifierConfig tunes tier selection.
type ClassifierConfig struct {
	MinTier         scheduler.Tier `json:"min_tier,omitempty" yaml:"min_tier,omitempty"`
	Keywords        swarm.Keywords `json:"keywords" yaml:"keywords"`
	LongDescription int            `json:"long_description" yaml:"long_description"`
}

// ProviderConfig defines a transport layer (CLI command, args, base settings).
// Providers are separate from agents: multiple agents can share one provider.
type ProviderConfig struct {
	Type    string   `json:"type" yaml:"type"`       // Backend type: "claude" or "command"
	Command string   `json:"command" yaml:"command"` // CLI binary name
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	WorkDir string   `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`
}

// AgentConfig defines a role that uses a specific provider.
type AgentConfig struct {
	Provider     string                    `json:"provider" yaml:"provider"`               // Key into Providers map
	Model        string                    `json:"model,omitempty" yaml:"model,omitempty"` // Default model for every tier
	Models       map[scheduler.Tier]string `json:"models,omitempty" yaml:"models,omitempty"`
	SystemPrompt string                    `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
}

// StoreConfig locates the audit database. An empty path disables it.
type StoreConfig struct {
	Path string `json:"path" yaml:"path"`
}

// Config is the top-level configuration.
type Config struct {
	Scheduler  SchedulerConfig           `json:"scheduler" yaml:"scheduler"`
	Budget     BudgetConfig              `json:"budget" yaml:"budget"`
	Quality    QualityConfig             `json:"quality" yaml:"quality"`
	Classifier ClassifierConfig          `json:"classifier" yaml:"classifier"`
	Providers  map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Agents     map[string]AgentConfig    `json:"agents" yaml:"agents"`
	Planner    string                    `json:"planner" yaml:"planner"`   // Agent that decomposes requests
	Reviewer   string                    `json:"reviewer" yaml:"reviewer"` // Agent that reviews artifacts
	Log        logging.Config            `json:"log" yaml:"log"`
	Store      StoreConfig               `json:"store" yaml:"store"`
}
