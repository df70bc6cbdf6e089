package scheduler

import (
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"   // Waiting for dependencies or a worker
	TaskRunning   TaskStatus = "running"   // Dispatched to a worker
	TaskCompleted TaskStatus = "completed" // Approved result recorded
	TaskFailed    TaskStatus = "failed"    // Last attempt failed, awaiting retry or pivot
	TaskCancelled TaskStatus = "cancelled" // Run aborted before the task could finish
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// Tier is the model strength selected for a task.
type Tier string

const (
	TierScout     Tier = "scout"     // Cheapest model, lookups and trivial edits
	TierBuilder   Tier = "builder"   // Default implementation tier
	TierArchitect Tier = "architect" // Strongest model, design and risky changes
)

var tierRank = map[Tier]int{
	TierScout:     0,
	TierBuilder:   1,
	TierArchitect: 2,
}

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Rank orders tiers from cheapest (0) to strongest. Unknown tiers rank -1.
func (t Tier) Rank() int {
	if r, ok := tierRank[t]; ok {
		return r
	}
	return -1
}

// AtLeast returns t, or min when t ranks below min.
func (t Tier) AtLeast(min Tier) Tier {
	if t.Rank() < min.Rank() {
		return min
	}
	return t
}

// DefaultMaxRetries applies to specs that leave MaxRetries at zero.
const DefaultMaxRetries = 3

// TaskSpec is the planner-facing description of a task before it enters a graph.
type TaskSpec struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name,omitempty" yaml:"name,omitempty"`
	Description string   `json:"description" yaml:"description"`
	Role        string   `json:"role" yaml:"role"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Resources   []string `json:"resources,omitempty" yaml:"resources,omitempty"`
	Criteria    string   `json:"criteria,omitempty" yaml:"criteria,omitempty"`
	MaxRetries  int      `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// ReviewRecord captures one producer/reviewer iteration.
type ReviewRecord struct {
	Iteration int      `json:"iteration"`
	Score     float64  `json:"score"`
	Approved  bool     `json:"approved"`
	Issues    []string `json:"issues,omitempty"`
}

// Task represents a unit of work in the graph.
type Task struct {
	ID           string
	Name         string
	Description  string
	Role         string   // Key into the agent registry (e.g., "coder", "tester")
	DependsOn    []string // Task IDs this task depends on
	Resources    []string // Resource keys this task writes (for resource locking)
	Criteria     string   // Acceptance criteria handed to the reviewer
	Status       TaskStatus
	RetryCount   int
	MaxRetries   int
	AssignedTier Tier
	Result       string // Approved artifact content
	CostAccrued  float64
	Reviews      []ReviewRecord
	Error        error     // Last failure
	NotBefore    time.Time // Earliest redispatch after a retry
}

// Spec returns the planner-facing view of the task.
func (t *Task) Spec() TaskSpec {
	return TaskSpec{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		Role:        t.Role,
		DependsOn:   append([]string(nil), t.DependsOn...),
		Resources:   append([]string(nil), t.Resources...),
		Criteria:    t.Criteria,
		MaxRetries:  t.MaxRetries,
	}
}

// NewTask builds a pending task from a spec.
func NewTask(spec TaskSpec) *Task {
	maxRetries := spec.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	name := spec.Name
	if name == "" {
		name = spec.ID
	}
	return &Task{
		ID:          spec.ID,
		Name:        name,
		Description: spec.Description,
		Role:        spec.Role,
		DependsOn:   append([]string(nil), spec.DependsOn...),
		Resources:   append([]string(nil), spec.Resources...),
		Criteria:    spec.Criteria,
		Status:      TaskPending,
		MaxRetries:  maxRetries,
	}
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.Resources != nil {
		cp.Resources = append([]string(nil), task.Resources...)
	}
	if task.Reviews != nil {
		cp.Reviews = make([]ReviewRecord, len(task.Reviews))
		for i, r := range task.Reviews {
			r.Issues = append([]string(nil), r.Issues...)
			cp.Reviews[i] = r
		}
	}
	return &cp
}
