package swarm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/scheduler"
)

// stubPlanner returns fixed plans and records pivot contexts.
type stubPlanner struct {
	mu        sync.Mutex
	plan      []scheduler.TaskSpec
	replan    func(pc agent.PivotContext) ([]scheduler.TaskSpec, error)
	contexts  []agent.PivotContext
	decompErr error
}

func (p *stubPlanner) Decompose(context.Context, string) ([]scheduler.TaskSpec, error) {
	return p.plan, p.decompErr
}

func (p *stubPlanner) Replan(_ context.Context, pc agent.PivotContext) ([]scheduler.TaskSpec, error) {
	p.mu.Lock()
	p.contexts = append(p.contexts, pc)
	p.mu.Unlock()
	return p.replan(pc)
}

func ts(id string, deps ...string) scheduler.TaskSpec {
	return scheduler.TaskSpec{ID: id, Description: "work " + id, Role: "coder", DependsOn: deps}
}

func TestClassifyComplexity_RefactorAboveTypo(t *testing.T) {
	m := NewManager(&stubPlanner{}, nil, Config{}, nil)

	refactor := scheduler.NewTask(scheduler.TaskSpec{ID: "a", Description: "refactor the payment module"})
	typo := scheduler.NewTask(scheduler.TaskSpec{ID: "b", Description: "fix a typo in the footer"})

	high := m.ClassifyComplexity(refactor)
	low := m.ClassifyComplexity(typo)
	assert.Equal(t, scheduler.TierArchitect, high)
	assert.Equal(t, scheduler.TierScout, low)
	assert.Greater(t, high.Rank(), low.Rank())
}

func TestClassifyComplexity_MinTier(t *testing.T) {
	m := NewManager(&stubPlanner{}, nil, Config{MinTier: scheduler.TierBuilder}, nil)
	typo := scheduler.NewTask(scheduler.TaskSpec{ID: "b", Description: "fix a typo in the footer"})
	assert.Equal(t, scheduler.TierBuilder, m.ClassifyComplexity(typo))

	bogus := NewManager(&stubPlanner{}, ClassifierFunc(func(*scheduler.Task) scheduler.Tier { return "galaxy-brain" }), Config{}, nil)
	assert.Equal(t, scheduler.TierBuilder, bogus.ClassifyComplexity(typo))
}

func TestKeywordClassifier(t *testing.T) {
	c := NewKeywordClassifier(Keywords{}, 40)
	tests := []struct {
		desc string
		want scheduler.Tier
	}{
		{"refactor the payment module", scheduler.TierArchitect},
		{"Migrate users to the new SCHEMA", scheduler.TierArchitect},
		{"update docs for the CLI", scheduler.TierScout},
		{"fix a typo", scheduler.TierScout},
		{"fix a typo in every one of the forty translated onboarding screens", scheduler.TierBuilder},
		{"add a retry to the HTTP client", scheduler.TierBuilder},
		{"fix a typo in the auth handler", scheduler.TierArchitect},
		{"update the author field", scheduler.TierBuilder},
		{"refactoring the billing flow", scheduler.TierArchitect},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			got := c.Classify(scheduler.NewTask(scheduler.TaskSpec{ID: "x", Description: tt.desc}))
			assert.Equal(t, tt.want, got)
		})
	}

	custom := NewKeywordClassifier(Keywords{Architect: []string{"billing"}, Scout: []string{"fix a typo"}}, 0)
	assert.Equal(t, scheduler.TierArchitect, custom.Classify(scheduler.NewTask(scheduler.TaskSpec{Description: "touch billing"})))
	assert.Equal(t, scheduler.TierScout, custom.Classify(scheduler.NewTask(scheduler.TaskSpec{Description: "please fix a typo"})))
	assert.Equal(t, scheduler.TierBuilder, custom.Classify(scheduler.NewTask(scheduler.TaskSpec{Description: "refactor it"})))
}

func TestDecompose(t *testing.T) {
	t.Run("assigns defaults", func(t *testing.T) {
		planner := &stubPlanner{plan: []scheduler.TaskSpec{ts("a"), {Description: "no id", Role: "coder"}}}
		m := NewManager(planner, nil, Config{MaxRetries: 5}, nil)

		board, err := m.Decompose(context.Background(), "build")
		require.NoError(t, err)
		require.Equal(t, 2, board.Len())
		for _, task := range board.Tasks() {
			assert.NotEmpty(t, task.ID)
			assert.Equal(t, 5, task.MaxRetries)
			assert.Equal(t, scheduler.TaskPending, task.Status)
		}
		assert.Same(t, board, m.Blackboard())
	})

	t.Run("rejects cycles", func(t *testing.T) {
		planner := &stubPlanner{plan: []scheduler.TaskSpec{ts("a", "b"), ts("b", "a")}}
		_, err := NewManager(planner, nil, Config{}, nil).Decompose(context.Background(), "build")
		var cycleErr *scheduler.CycleDetectedError
		assert.ErrorAs(t, err, &cycleErr)
	})

	t.Run("rejects empty plan", func(t *testing.T) {
		_, err := NewManager(&stubPlanner{}, nil, Config{}, nil).Decompose(context.Background(), "build")
		assert.Error(t, err)
	})

	t.Run("propagates planner error", func(t *testing.T) {
		planner := &stubPlanner{decompErr: errors.New("offline")}
		_, err := NewManager(planner, nil, Config{}, nil).Decompose(context.Background(), "build")
		assert.ErrorContains(t, err, "offline")
	})
}

// failThrice drives a task through three failed attempts.
func failThrice(t *testing.T, board *scheduler.Blackboard, id string) {
	t.Helper()
	for attempt := 1; attempt <= 3; attempt++ {
		require.NoError(t, board.MarkRunning(id, scheduler.TierBuilder))
		require.NoError(t, board.Fail(id, errors.New("boom"), 0, nil))
		if attempt < 3 {
			require.NoError(t, board.Retry(id, time.Time{}))
		}
	}
}

func TestPivot_ReplacesRemainingSubgraph(t *testing.T) {
	planner := &stubPlanner{
		plan: []scheduler.TaskSpec{ts("base"), ts("t1", "base"), ts("t2", "t1")},
		replan: func(pc agent.PivotContext) ([]scheduler.TaskSpec, error) {
			// Reuse a discarded id to exercise renaming
			return []scheduler.TaskSpec{ts("t2", "alt"), ts("alt", "base")}, nil
		},
	}
	m := NewManager(planner, nil, Config{MaxRetries: 3}, nil)
	board, err := m.Decompose(context.Background(), "ship it")
	require.NoError(t, err)

	require.NoError(t, board.MarkRunning("base", scheduler.TierBuilder))
	require.NoError(t, board.Complete("base", "done", 0.1, nil))
	failThrice(t, board, "t1")

	report, err := m.Pivot(context.Background(), "t1", nil)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Number)
	assert.Equal(t, []string{"t1", "t2"}, report.Discarded)
	assert.Equal(t, map[string]string{"t2": "t2-p1"}, report.Renamed)
	assert.Equal(t, []string{"alt", "t2-p1"}, report.Added)
	assert.EqualError(t, report.Cause, "boom")

	require.Len(t, planner.contexts, 1)
	pc := planner.contexts[0]
	assert.Equal(t, "ship it", pc.Request)
	assert.Equal(t, "t1", pc.Failed.ID)
	require.Len(t, pc.Completed, 1)
	assert.Equal(t, "done", pc.Completed[0].Result)
	assert.Len(t, pc.Remaining, 2)

	for _, task := range board.Tasks() {
		assert.NotEqual(t, "t1", task.ID)
		assert.NotContains(t, task.DependsOn, "t1")
	}
	renamed, ok := board.Get("t2-p1")
	require.True(t, ok)
	assert.Equal(t, []string{"alt"}, renamed.DependsOn)

	base, _ := board.Get("base")
	assert.Equal(t, scheduler.TaskCompleted, base.Status)
	assert.Equal(t, "done", base.Result)
}

func TestPivot_Limit(t *testing.T) {
	var n int
	planner := &stubPlanner{
		plan: []scheduler.TaskSpec{ts("x")},
		replan: func(agent.PivotContext) ([]scheduler.TaskSpec, error) {
			n++
			return []scheduler.TaskSpec{ts("x")}, nil
		},
	}
	m := NewManager(planner, nil, Config{MaxPivots: 2}, nil)
	_, err := m.Decompose(context.Background(), "r")
	require.NoError(t, err)

	current := "x"
	for i := 1; i <= 2; i++ {
		report, err := m.Pivot(context.Background(), current, errors.New("nope"))
		require.NoError(t, err)
		require.Len(t, report.Added, 1)
		current = report.Added[0]
		assert.True(t, strings.HasPrefix(current, "x"))
	}

	_, err = m.Pivot(context.Background(), current, errors.New("nope"))
	assert.ErrorIs(t, err, ErrPivotLimit)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, m.Pivots())
}

func TestPivot_InvalidReplanLeavesBoardUnchanged(t *testing.T) {
	planner := &stubPlanner{
		plan: []scheduler.TaskSpec{ts("a"), ts("b", "a")},
		replan: func(agent.PivotContext) ([]scheduler.TaskSpec, error) {
			return []scheduler.TaskSpec{ts("c", "ghost")}, nil
		},
	}
	m := NewManager(planner, nil, Config{}, nil)
	board, err := m.Decompose(context.Background(), "r")
	require.NoError(t, err)

	_, err = m.Pivot(context.Background(), "a", errors.New("x"))
	var unk *scheduler.UnknownDependencyError
	require.ErrorAs(t, err, &unk)
	assert.Equal(t, 2, board.Len())
	_, ok := board.Get("a")
	assert.True(t, ok)
}

func TestPivot_Errors(t *testing.T) {
	m := NewManager(&stubPlanner{}, nil, Config{}, nil)
	_, err := m.Pivot(context.Background(), "a", nil)
	assert.Error(t, err)

	planner := &stubPlanner{
		plan:   []scheduler.TaskSpec{ts("a")},
		replan: func(agent.PivotContext) ([]scheduler.TaskSpec, error) { return nil, errors.New("planner down") },
	}
	m = NewManager(planner, nil, Config{}, nil)
	_, err = m.Decompose(context.Background(), "r")
	require.NoError(t, err)

	_, err = m.Pivot(context.Background(), "missing", nil)
	var notFound *scheduler.TaskNotFoundError
	assert.ErrorAs(t, err, &notFound)

	_, err = m.Pivot(context.Background(), "a", nil)
	assert.ErrorContains(t, err, "planner down")
}

func TestPivot_FallbackAppliesAfterEarlierRename(t *testing.T) {
	planner := agent.NewFilePlanner(&agent.Plan{
		Tasks: []scheduler.TaskSpec{ts("base"), ts("a"), ts("b", "base")},
		Fallbacks: map[string][]scheduler.TaskSpec{
			"b": {ts("b-alt", "base")},
		},
	})
	m := NewManager(planner, nil, Config{MaxRetries: 3}, nil)
	board, err := m.Decompose(context.Background(), "ship it")
	require.NoError(t, err)

	failThrice(t, board, "a")
	first, err := m.Pivot(context.Background(), "a", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b-p1", "base-p1"}, first.Added)

	require.NoError(t, board.MarkRunning("base-p1", scheduler.TierBuilder))
	require.NoError(t, board.Complete("base-p1", "done", 0.1, nil))
	failThrice(t, board, "b-p1")

	second, err := m.Pivot(context.Background(), "b-p1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b-alt"}, second.Added)

	alt, ok := board.Get("b-alt")
	require.True(t, ok)
	assert.Equal(t, []string{"base-p1"}, alt.DependsOn)
	_, ok = board.Get("b-p1")
	assert.False(t, ok)
}

func TestPivot_RenamesFromOriginalID(t *testing.T) {
	planner := &stubPlanner{
		plan: []scheduler.TaskSpec{ts("a"), ts("b"), ts("c")},
		replan: func(pc agent.PivotContext) ([]scheduler.TaskSpec, error) {
			var keep []scheduler.TaskSpec
			for _, s := range pc.Remaining {
				if s.ID != pc.Failed.ID {
					keep = append(keep, s)
				}
			}
			return keep, nil
		},
	}
	m := NewManager(planner, nil, Config{MaxRetries: 3}, nil)
	board, err := m.Decompose(context.Background(), "r")
	require.NoError(t, err)

	failThrice(t, board, "a")
	_, err = m.Pivot(context.Background(), "a", nil)
	require.NoError(t, err)
	failThrice(t, board, "c-p1")
	report, err := m.Pivot(context.Background(), "c-p1", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"b-p2"}, report.Added)
	require.Len(t, planner.contexts, 2)
	assert.Equal(t, "c", planner.contexts[1].Origin("c-p1"))
	assert.Equal(t, "b", planner.contexts[1].Origin("b-p1"))
}

func TestPivot_RunningTasksSurvive(t *testing.T) {
	planner := &stubPlanner{
		plan: []scheduler.TaskSpec{ts("a"), ts("b"), ts("c", "b")},
		replan: func(pc agent.PivotContext) ([]scheduler.TaskSpec, error) {
			return []scheduler.TaskSpec{ts("c2", "b")}, nil
		},
	}
	m := NewManager(planner, nil, Config{MaxRetries: 3}, nil)
	board, err := m.Decompose(context.Background(), "r")
	require.NoError(t, err)

	require.NoError(t, board.MarkRunning("b", scheduler.TierBuilder))
	failThrice(t, board, "a")

	report, err := m.Pivot(context.Background(), "a", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, report.Discarded)

	require.Len(t, planner.contexts, 1)
	pc := planner.contexts[0]
	require.Len(t, pc.Running, 1)
	assert.Equal(t, "b", pc.Running[0].ID)

	b, ok := board.Get("b")
	require.True(t, ok)
	assert.Equal(t, scheduler.TaskRunning, b.Status)
	c2, ok := board.Get("c2")
	require.True(t, ok)
	assert.Equal(t, []string{"b"}, c2.DependsOn)
	assert.Empty(t, board.ReadyTasks(), "c2 must wait for b")

	require.NoError(t, board.Complete("b", "done", 0, nil))
	ready := board.ReadyTasks()
	require.Len(t, ready, 1)
	assert.Equal(t, "c2", ready[0].ID)
}
