package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/swarm/internal/scheduler"
)

const samplePlan = `request: add invoice export
tasks:
  - id: schema
    description: add the export table
    role: coder
    resources: [db/schema.sql]
  - id: api
    description: expose the export endpoint
    role: coder
    depends_on: [schema]
  - id: docs
    description: document the endpoint
    role: writer
    depends_on: [api]
  - id: ui
    description: add the export button
    role: coder
    depends_on: [schema]
fallbacks:
  api:
    - id: api-csv
      description: expose a CSV-only endpoint
      role: coder
      depends_on: [schema]
`

func writePlan(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func specIDs(specs []scheduler.TaskSpec) []string {
	ids := make([]string, len(specs))
	for i, s := range specs {
		ids[i] = s.ID
	}
	return ids
}

func TestLoadPlan(t *testing.T) {
	plan, err := LoadPlan(writePlan(t, samplePlan))
	require.NoError(t, err)
	assert.Equal(t, "add invoice export", plan.Request)
	assert.Equal(t, []string{"schema", "api", "docs", "ui"}, specIDs(plan.Tasks))
	assert.Equal(t, []string{"db/schema.sql"}, plan.Tasks[0].Resources)
	assert.Len(t, plan.Fallbacks["api"], 1)

	_, err = LoadPlan(writePlan(t, "request: nothing\n"))
	assert.Error(t, err)

	_, err = LoadPlan(writePlan(t, "tasks: [unclosed"))
	assert.Error(t, err)

	_, err = LoadPlan(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestFilePlanner_DecomposeReturnsCopy(t *testing.T) {
	plan, err := LoadPlan(writePlan(t, samplePlan))
	require.NoError(t, err)
	fp := NewFilePlanner(plan)

	specs, err := fp.Decompose(context.Background(), "ignored")
	require.NoError(t, err)
	specs[1].DependsOn[0] = "mutated"

	again, err := fp.Decompose(context.Background(), "ignored")
	require.NoError(t, err)
	assert.Equal(t, []string{"schema"}, again[1].DependsOn)
}

func TestFilePlanner_Replan(t *testing.T) {
	plan, err := LoadPlan(writePlan(t, samplePlan))
	require.NoError(t, err)
	fp := NewFilePlanner(plan)

	remaining := []scheduler.TaskSpec{plan.Tasks[1], plan.Tasks[2], plan.Tasks[3]} // api, docs, ui
	completed := []CompletedTask{{Spec: plan.Tasks[0], Result: "ok"}}

	t.Run("fallback replaces failed task and rewires dependents", func(t *testing.T) {
		specs, err := fp.Replan(context.Background(), PivotContext{
			Failed: plan.Tasks[1], Cause: errors.New("rejected"), Completed: completed, Remaining: remaining,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"docs", "ui", "api-csv"}, specIDs(specs))
		assert.Equal(t, []string{"api-csv"}, specs[0].DependsOn)
	})

	t.Run("no fallback drops failed task and its dependents", func(t *testing.T) {
		specs, err := fp.Replan(context.Background(), PivotContext{
			Failed: plan.Tasks[3], Cause: errors.New("rejected"), Completed: completed,
			Remaining: remaining,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"api", "docs"}, specIDs(specs))
	})

	t.Run("transitive dependents are dropped", func(t *testing.T) {
		noFallback := NewFilePlanner(&Plan{Tasks: plan.Tasks})
		specs, err := noFallback.Replan(context.Background(), PivotContext{
			Failed: plan.Tasks[1], Remaining: remaining,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"ui"}, specIDs(specs))
	})
}

func TestFilePlanner_ReplanFollowsRenamedIDs(t *testing.T) {
	plan, err := LoadPlan(writePlan(t, samplePlan))
	require.NoError(t, err)
	fp := NewFilePlanner(plan)

	// An earlier pivot carried api, docs and schema over under new ids
	failed := scheduler.TaskSpec{ID: "api-p1", Description: "expose the export endpoint", Role: "coder", DependsOn: []string{"schema-p1"}}
	docs := scheduler.TaskSpec{ID: "docs-p1", Description: "document the endpoint", Role: "writer", DependsOn: []string{"api-p1"}}
	specs, err := fp.Replan(context.Background(), PivotContext{
		Failed:    failed,
		Completed: []CompletedTask{{Spec: scheduler.TaskSpec{ID: "schema-p1"}, Result: "ok"}},
		Remaining: []scheduler.TaskSpec{failed, docs},
		Origins:   map[string]string{"api-p1": "api", "docs-p1": "docs", "schema-p1": "schema"},
		Pivot:     2,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"docs-p1", "api-csv"}, specIDs(specs))
	assert.Equal(t, []string{"api-csv"}, specs[0].DependsOn)
	assert.Equal(t, []string{"schema-p1"}, specs[1].DependsOn)
}

func TestPivotContextOrigin(t *testing.T) {
	pc := PivotContext{Origins: map[string]string{"b-p2": "b"}}
	assert.Equal(t, "b", pc.Origin("b-p2"))
	assert.Equal(t, "c", pc.Origin("c"))
	assert.Equal(t, "c", PivotContext{}.Origin("c"))
}
