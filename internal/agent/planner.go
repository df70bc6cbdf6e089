package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/swarm/internal/backend"
	"github.com/aristath/swarm/internal/scheduler"
)

const decompositionPrompt = `Break this user request into subtasks that can run in parallel where possible. Each task should be sized for a single agent to complete.

User request:
%s

Available roles: %s

` + taskArrayFormat

const replanPrompt = `A multi-agent run could not finish the task below and the remaining plan must be rebuilt.

Original request:
%s

Failed task %q (%s):
%s

Failure:
%v

Completed tasks (ids may be used in depends_on; do not redo them):
%s
Tasks still running (ids may be used in depends_on; do not redo them):
%s
Tasks that will be discarded:
%s
Available roles: %s

Produce a new plan for the remaining work that avoids the failure.
` + taskArrayFormat

const taskArrayFormat = `Return ONLY a JSON array of tasks with this exact structure (no other text):
[
  {
    "id": "short-kebab-case-id",
    "title": "Short task title",
    "description": "Detailed task description",
    "role": "one of the available roles",
    "depends_on": ["id of dependency"],
    "acceptance_criteria": "Criteria to verify this task is complete",
    "resources": ["files or modules this task writes"]
  }
]
Use an empty array [] for depends_on if there are no dependencies.`

type plannedTask struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	Role               string   `json:"role"`
	DependsOn          []string `json:"depends_on"`
	AcceptanceCriteria string   `json:"acceptance_criteria"`
	Resources          []string `json:"resources"`
}

// BackendPlanner asks a backend to decompose requests and rebuild failed plans.
type BackendPlanner struct {
	sender       Sender
	systemPrompt string
	model        string
	roles        []string
	defaultRole  string
	logger       *zap.Logger
}

// NewBackendPlanner creates a planner. roles lists the roles the plan may use;
// the first one is assigned to tasks that name no known role.
func NewBackendPlanner(sender Sender, systemPrompt, model string, roles []string, logger *zap.Logger) *BackendPlanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(roles) == 0 {
		roles = []string{"coder"}
	}
	return &BackendPlanner{
		sender:       sender,
		systemPrompt: systemPrompt,
		model:        model,
		roles:        roles,
		defaultRole:  roles[0],
		logger:       logger.With(zap.String("component", "planner")),
	}
}

// Decompose plans a request from scratch.
func (p *BackendPlanner) Decompose(ctx context.Context, request string) ([]scheduler.TaskSpec, error) {
	prompt := fmt.Sprintf(decompositionPrompt, request, strings.Join(p.roles, ", "))
	return p.plan(ctx, prompt, nil)
}

// Replan rebuilds the discarded part of a plan. New tasks may depend on completed
// and running tasks.
func (p *BackendPlanner) Replan(ctx context.Context, pc PivotContext) ([]scheduler.TaskSpec, error) {
	var completed, running, remaining strings.Builder
	known := make(map[string]bool, len(pc.Completed)+len(pc.Running))
	for _, c := range pc.Completed {
		known[c.Spec.ID] = true
		fmt.Fprintf(&completed, "- %s: %s\n", c.Spec.ID, c.Spec.Name)
	}
	if len(pc.Completed) == 0 {
		completed.WriteString("(none)\n")
	}
	for _, s := range pc.Running {
		known[s.ID] = true
		fmt.Fprintf(&running, "- %s: %s\n", s.ID, s.Description)
	}
	if len(pc.Running) == 0 {
		running.WriteString("(none)\n")
	}
	for _, s := range pc.Remaining {
		writeSpecLine(&remaining, s)
	}

	prompt := fmt.Sprintf(replanPrompt, pc.Request, pc.Failed.ID, pc.Failed.Role, pc.Failed.Description,
		pc.Cause, completed.String(), running.String(), remaining.String(), strings.Join(p.roles, ", "))
	return p.plan(ctx, prompt, known)
}

func writeSpecLine(b *strings.Builder, s scheduler.TaskSpec) {
	fmt.Fprintf(b, "- %s: %s", s.ID, s.Description)
	if len(s.DependsOn) > 0 {
		fmt.Fprintf(b, " (depends on %s)", strings.Join(s.DependsOn, ", "))
	}
	b.WriteString("\n")
}

func (p *BackendPlanner) plan(ctx context.Context, prompt string, known map[string]bool) ([]scheduler.TaskSpec, error) {
	resp, err := p.sender.Send(ctx, backend.Message{Content: prompt, SystemPrompt: p.systemPrompt, Model: p.model})
	if err != nil {
		return nil, &InvocationError{Role: "planner", Err: err}
	}

	specs, err := parsePlan(resp.Content, known)
	if err != nil {
		p.logger.Warn("unparseable plan", zap.Error(err))
		return nil, fmt.Errorf("parse plan: %w", err)
	}

	valid := make(map[string]bool, len(p.roles))
	for _, r := range p.roles {
		valid[r] = true
	}
	for i := range specs {
		if !valid[specs[i].Role] {
			specs[i].Role = p.defaultRole
		}
	}

	p.logger.Info("plan received", zap.Int("tasks", len(specs)))
	return specs, nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "-"), "-")
}

// parsePlan extracts the JSON task array from a planner reply. Dependencies may be
// given as ids or titles of tasks in the same array, or as ids in known.
func parsePlan(response string, known map[string]bool) ([]scheduler.TaskSpec, error) {
	start := strings.Index(response, "[")
	end := strings.LastIndex(response, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("no valid JSON array found in response")
	}

	var planned []plannedTask
	if err := json.Unmarshal([]byte(response[start:end+1]), &planned); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}
	if len(planned) == 0 {
		return nil, fmt.Errorf("empty task list returned")
	}

	byRef := make(map[string]string, 2*len(planned))
	specs := make([]scheduler.TaskSpec, len(planned))
	for i, pt := range planned {
		id := slugify(pt.ID)
		if id == "" || byRef[id] != "" || known[id] {
			id = uuid.NewString()
		}
		byRef[id] = id
		if pt.ID != "" {
			byRef[pt.ID] = id
		}
		if pt.Title != "" {
			if _, taken := byRef[pt.Title]; !taken {
				byRef[pt.Title] = id
			}
		}

		desc := pt.Description
		if desc == "" {
			desc = pt.Title
		}
		specs[i] = scheduler.TaskSpec{
			ID:          id,
			Name:        pt.Title,
			Description: desc,
			Role:        pt.Role,
			Criteria:    pt.AcceptanceCriteria,
			Resources:   pt.Resources,
		}
	}

	for i, pt := range planned {
		for _, dep := range pt.DependsOn {
			if id, ok := byRef[dep]; ok {
				specs[i].DependsOn = append(specs[i].DependsOn, id)
				continue
			}
			if known[dep] {
				specs[i].DependsOn = append(specs[i].DependsOn, dep)
				continue
			}
			return nil, fmt.Errorf("unknown dependency %q for task %q", dep, specs[i].ID)
		}
	}

	return specs, nil
}
