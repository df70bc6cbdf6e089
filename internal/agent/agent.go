// Package agent defines the contracts between the orchestrator and the LLM-backed
// collaborators it drives: the invoker that produces artifacts, the reviewer that
// scores them, and the planner that builds and rebuilds task graphs.
package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/swarm/internal/scheduler"
)

// Request asks an agent to produce an artifact for one task.
type Request struct {
	Spec     scheduler.TaskSpec
	Tier     scheduler.Tier
	Inputs   map[string]string // Results of completed dependencies, keyed by task ID
	Previous string            // Artifact being refined, empty on the first attempt
	Feedback []string          // Reviewer issues to address
	Attempt  int               // 1-based producer iteration within the current dispatch
}

// Artifact is an agent's output.
type Artifact struct {
	Content  string
	Cost     float64 // Actual cost reported by the agent, 0 when unknown
	Metadata map[string]string
}

// Invoker produces an artifact for a task.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Artifact, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req Request) (Artifact, error)

func (f InvokerFunc) Invoke(ctx context.Context, req Request) (Artifact, error) { return f(ctx, req) }

// Verdict is a reviewer's judgement of one artifact.
type Verdict struct {
	Score    float64  `json:"score"`
	Approved bool     `json:"approved"`
	Issues   []string `json:"issues"`
	Cost     float64  `json:"-"`
}

// Reviewer scores an artifact against a role and acceptance criteria.
type Reviewer interface {
	Review(ctx context.Context, artifact Artifact, role, criteria string) (Verdict, error)
}

// ReviewerFunc adapts a function to Reviewer.
type ReviewerFunc func(ctx context.Context, artifact Artifact, role, criteria string) (Verdict, error)

func (f ReviewerFunc) Review(ctx context.Context, artifact Artifact, role, criteria string) (Verdict, error) {
	return f(ctx, artifact, role, criteria)
}

// PivotContext is what a planner sees when asked to replace a failed subgraph.
type PivotContext struct {
	Request   string
	Failed    scheduler.TaskSpec
	Cause     error
	Completed []CompletedTask      // Tasks whose results must be kept
	Remaining []scheduler.TaskSpec // Pending and failed tasks about to be discarded, Failed included
	Running   []scheduler.TaskSpec // Tasks still executing; they survive and may be depended on
	Origins   map[string]string    // Board id -> id first planned, for tasks renamed by earlier pivots
	Pivot     int                  // 1-based pivot number within the run
}

// Origin returns the id the task was first planned under.
func (pc PivotContext) Origin(id string) string {
	if origin, ok := pc.Origins[id]; ok {
		return origin
	}
	return id
}

// CompletedTask is a finished task and its approved result.
type CompletedTask struct {
	Spec   scheduler.TaskSpec
	Result string
}

// Planner turns a request into task specs and replans after unrecoverable failures.
type Planner interface {
	Decompose(ctx context.Context, request string) ([]scheduler.TaskSpec, error)
	Replan(ctx context.Context, pc PivotContext) ([]scheduler.TaskSpec, error)
}

// Registry maps roles to invokers. It is itself an Invoker that dispatches on
// Request.Spec.Role, falling back to the default invoker for unknown roles.
type Registry struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
	fallback Invoker
}

// NewRegistry creates an empty registry. fallback may be nil.
func NewRegistry(fallback Invoker) *Registry {
	return &Registry{
		invokers: make(map[string]Invoker),
		fallback: fallback,
	}
}

// Register binds role to inv, replacing any previous binding.
func (r *Registry) Register(role string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[role] = inv
}

// Lookup returns the invoker for role.
func (r *Registry) Lookup(role string) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if inv, ok := r.invokers[role]; ok {
		return inv, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("no agent registered for role %q", role)
}

// Roles returns the registered role names, sorted.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roles := make([]string, 0, len(r.invokers))
	for role := range r.invokers {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Invoke routes the request to the invoker registered for its role.
func (r *Registry) Invoke(ctx context.Context, req Request) (Artifact, error) {
	inv, err := r.Lookup(req.Spec.Role)
	if err != nil {
		return Artifact{}, &InvocationError{TaskID: req.Spec.ID, Role: req.Spec.Role, Err: err}
	}
	return inv.Invoke(ctx, req)
}
