package scheduler

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// genChain draws a random DAG where task i may only depend on tasks with a lower index.
func genChain(t *rapid.T, prefix string, n int, external []string) []TaskSpec {
	specs := make([]TaskSpec, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s%02d", prefix, i)
		candidates := append([]string(nil), external...)
		for j := 0; j < i; j++ {
			candidates = append(candidates, fmt.Sprintf("%s%02d", prefix, j))
		}
		var deps []string
		for _, c := range candidates {
			if len(deps) < 3 && rapid.Bool().Draw(t, id+"->"+c) {
				deps = append(deps, c)
			}
		}
		specs[i] = TaskSpec{ID: id, Role: "coder", DependsOn: deps}
	}
	return specs
}

// TestProperty_RegisterAcyclicNeverRejected verifies any forward-only DAG is accepted
// and every ordering places dependencies first.
func TestProperty_RegisterAcyclicNeverRejected(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(t, "n")
		specs := genChain(t, "t", n, nil)

		b := NewBlackboard()
		require.NoError(t, b.RegisterAll(specs))

		order, err := b.Order()
		require.NoError(t, err)
		require.Len(t, order, n)

		pos := make(map[string]int, n)
		for i, id := range order {
			pos[id] = i
		}
		for _, s := range specs {
			for _, dep := range s.DependsOn {
				assert.Less(t, pos[dep], pos[s.ID], "%s must precede %s", dep, s.ID)
			}
		}
	})
}

// TestProperty_ReplaceSubgraphLeavesNoDanglingDependencies discards a random
// dependency-closed set of pending tasks and swaps in a new batch.
func TestProperty_ReplaceSubgraphLeavesNoDanglingDependencies(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(2, 10).Draw(t, "n")
		specs := genChain(t, "t", n, nil)

		b := NewBlackboard()
		require.NoError(t, b.RegisterAll(specs))

		// Complete a random ready prefix
		steps := rapid.IntRange(0, n).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			ready := b.ReadyTasks()
			if len(ready) == 0 {
				break
			}
			id := ready[0].ID
			require.NoError(t, b.MarkRunning(id, TierBuilder))
			require.NoError(t, b.Complete(id, "ok", 0, nil))
		}

		var pending []string
		var completed []string
		for _, task := range b.Tasks() {
			switch task.Status {
			case TaskPending:
				pending = append(pending, task.ID)
			case TaskCompleted:
				completed = append(completed, task.ID)
			}
		}
		if len(pending) == 0 {
			return
		}

		// Closing a seed under Dependents keeps every survivor's dependencies intact
		seed := rapid.SampledFrom(pending).Draw(t, "seed")
		discard := append([]string{seed}, b.Dependents(seed)...)
		sort.Strings(discard)

		replacement := genChain(t, "r", rapid.IntRange(0, 5).Draw(t, "m"), completed)
		require.NoError(t, b.ReplaceSubgraph(discard, replacement))

		dropped := make(map[string]bool, len(discard))
		for _, id := range discard {
			dropped[id] = true
		}
		for _, task := range b.Tasks() {
			assert.False(t, dropped[task.ID], "discarded task %s is still present", task.ID)
			for _, dep := range task.DependsOn {
				assert.False(t, dropped[dep], "task %s depends on discarded %s", task.ID, dep)
				_, ok := b.Get(dep)
				assert.True(t, ok, "task %s depends on missing %s", task.ID, dep)
			}
		}
		for _, id := range completed {
			task, ok := b.Get(id)
			require.True(t, ok)
			assert.Equal(t, TaskCompleted, task.Status)
		}
		_, err := b.Order()
		assert.NoError(t, err)
	})
}
