package agent

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/aristath/swarm/internal/scheduler"
)

// Plan is the on-disk form of a hand-written task graph.
//
//	request: add invoice export
//	tasks:
//	  - id: schema
//	    description: add the export table
//	    role: coder
//	  - id: api
//	    description: expose the export endpoint
//	    role: coder
//	    depends_on: [schema]
//	fallbacks:
//	  api:
//	    - id: api-simple
//	      description: expose a CSV-only endpoint
//	      role: coder
//	      depends_on: [schema]
type Plan struct {
	Request   string                          `yaml:"request"`
	Tasks     []scheduler.TaskSpec            `yaml:"tasks"`
	Fallbacks map[string][]scheduler.TaskSpec `yaml:"fallbacks,omitempty"`
}

// LoadPlan reads and decodes a YAML plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan %s: %w", path, err)
	}
	if len(plan.Tasks) == 0 {
		return nil, fmt.Errorf("plan %s has no tasks", path)
	}
	return &plan, nil
}

// FilePlanner serves a fixed plan. Decompose ignores the request text.
type FilePlanner struct {
	plan *Plan
}

// NewFilePlanner wraps a loaded plan.
func NewFilePlanner(plan *Plan) *FilePlanner {
	return &FilePlanner{plan: plan}
}

// Decompose returns a copy of the plan's tasks.
func (f *FilePlanner) Decompose(_ context.Context, _ string) ([]scheduler.TaskSpec, error) {
	return cloneSpecs(f.plan.Tasks), nil
}

// Replan keeps the remaining tasks except the failed one. If the plan names
// fallbacks for the failed task they take its place and its dependents are
// rewired onto the fallback's sink tasks; otherwise the failed task's
// dependents are dropped with it. Fallbacks are looked up by the id the task
// had in the plan file, so they still apply after earlier pivots renamed it.
func (f *FilePlanner) Replan(_ context.Context, pc PivotContext) ([]scheduler.TaskSpec, error) {
	failedID := pc.Failed.ID
	fallback := cloneSpecs(f.plan.Fallbacks[pc.Origin(failedID)])

	var sinks []string
	if len(fallback) > 0 {
		rebindDependencies(fallback, pc)
		sinks = sinkIDs(fallback)
	}

	drop := map[string]bool{failedID: true}
	if len(fallback) == 0 {
		for _, id := range downstreamOf(failedID, pc.Remaining) {
			drop[id] = true
		}
	}

	var out []scheduler.TaskSpec
	for _, spec := range cloneSpecs(pc.Remaining) {
		if drop[spec.ID] {
			continue
		}
		var deps []string
		for _, dep := range spec.DependsOn {
			if dep == failedID {
				deps = append(deps, sinks...)
				continue
			}
			deps = append(deps, dep)
		}
		spec.DependsOn = deps
		out = append(out, spec)
	}
	return append(out, fallback...), nil
}

// rebindDependencies points fallback dependencies written against plan ids at
// the ids those tasks carry on the board now.
func rebindDependencies(fallback []scheduler.TaskSpec, pc PivotContext) {
	inBatch := make(map[string]bool, len(fallback))
	for _, s := range fallback {
		inBatch[s.ID] = true
	}
	current := make(map[string]string)
	note := func(id string) {
		if origin := pc.Origin(id); origin != id {
			current[origin] = id
		}
	}
	for _, c := range pc.Completed {
		note(c.Spec.ID)
	}
	for _, s := range pc.Running {
		note(s.ID)
	}
	for _, s := range pc.Remaining {
		note(s.ID)
	}

	for i := range fallback {
		for j, dep := range fallback[i].DependsOn {
			if inBatch[dep] {
				continue
			}
			if id, ok := current[dep]; ok {
				fallback[i].DependsOn[j] = id
			}
		}
	}
}

// downstreamOf returns every spec id that transitively depends on id.
func downstreamOf(id string, specs []scheduler.TaskSpec) []string {
	children := make(map[string][]string)
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			children[dep] = append(children[dep], s.ID)
		}
	}

	seen := map[string]bool{}
	queue := append([]string(nil), children[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, children[next]...)
	}

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// sinkIDs returns the specs no other spec in the batch depends on.
func sinkIDs(specs []scheduler.TaskSpec) []string {
	used := make(map[string]bool)
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			used[dep] = true
		}
	}
	var sinks []string
	for _, s := range specs {
		if !used[s.ID] {
			sinks = append(sinks, s.ID)
		}
	}
	return sinks
}

func cloneSpecs(specs []scheduler.TaskSpec) []scheduler.TaskSpec {
	out := make([]scheduler.TaskSpec, len(specs))
	for i, s := range specs {
		s.DependsOn = append([]string(nil), s.DependsOn...)
		s.Resources = append([]string(nil), s.Resources...)
		out[i] = s
	}
	return out
}
