package budget

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/aristath/swarm/internal/scheduler"
)

func task(id string, tier scheduler.Tier) *scheduler.Task {
	t := scheduler.NewTask(scheduler.TaskSpec{ID: id, Description: "work on " + id, Role: "coder"})
	t.AssignedTier = tier
	return t
}

func TestGuard_RunCeilingDeniesSecondTask(t *testing.T) {
	g := NewGuard(Limits{CeilingPerRun: 0.50}, FixedCost(0.30), nil)

	first, err := g.Authorize(task("t1", scheduler.TierBuilder))
	require.NoError(t, err)
	assert.InDelta(t, 0.30, first.Estimate, 1e-9)

	_, err = g.Authorize(task("t2", scheduler.TierBuilder))
	require.Error(t, err)

	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, ScopeRun, exceeded.Scope)
	assert.Equal(t, "t2", exceeded.TaskID)
	assert.ErrorIs(t, err, ErrExceeded)

	snap := g.Snapshot()
	assert.True(t, snap.Tripped)
	assert.Equal(t, 1, snap.Denials)
	assert.InDelta(t, 0.30, snap.Reserved, 1e-9)
}

func TestGuard_PerTaskCeiling(t *testing.T) {
	g := NewGuard(Limits{CeilingPerTask: 0.10, CeilingPerRun: 10}, DefaultTierCosts().Estimate, nil)

	_, err := g.Authorize(task("small", scheduler.TierScout))
	require.NoError(t, err)

	_, err = g.Authorize(task("big", scheduler.TierArchitect))
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, ScopeTask, exceeded.Scope)
	assert.InDelta(t, 0.30, exceeded.Estimate, 1e-9)
}

func TestGuard_TrippedDeniesEverything(t *testing.T) {
	g := NewGuard(Limits{CeilingPerRun: 0.25}, FixedCost(0.20), nil)

	_, err := g.Authorize(task("a", scheduler.TierScout))
	require.NoError(t, err)
	_, err = g.Authorize(task("b", scheduler.TierScout))
	require.Error(t, err)

	g.cost = FixedCost(0)
	_, err = g.Authorize(task("c", scheduler.TierScout))
	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, ScopeTripped, exceeded.Scope)
	assert.True(t, g.Tripped())
}

func TestGuard_ReconcileAndRelease(t *testing.T) {
	tests := []struct {
		name         string
		estimate     float64
		actual       float64
		release      bool
		wantConsumed float64
		wantCharge   float64
	}{
		{name: "actual replaces estimate", estimate: 0.10, actual: 0.04, wantConsumed: 0.04, wantCharge: 0.04},
		{name: "zero actual charges estimate", estimate: 0.10, actual: 0, wantConsumed: 0.10, wantCharge: 0.10},
		{name: "release charges nothing", estimate: 0.10, release: true, wantConsumed: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGuard(Limits{CeilingPerRun: 1}, FixedCost(tt.estimate), nil)
			res, err := g.Authorize(task("t", scheduler.TierBuilder))
			require.NoError(t, err)

			if tt.release {
				g.Release(res)
			} else {
				assert.InDelta(t, tt.wantCharge, g.Reconcile(res, tt.actual), 1e-9)
			}

			snap := g.Snapshot()
			assert.InDelta(t, tt.wantConsumed, snap.Consumed, 1e-9)
			assert.Zero(t, snap.Reserved)
			assert.False(t, snap.Tripped)

			// A second reconcile of the same reservation is ignored
			assert.Zero(t, g.Reconcile(res, 5))
			assert.InDelta(t, tt.wantConsumed, g.Snapshot().Consumed, 1e-9)
		})
	}
}

func TestGuard_OverrunClampsAndTrips(t *testing.T) {
	g := NewGuard(Limits{CeilingPerRun: 0.50}, FixedCost(0.20), nil)

	res, err := g.Authorize(task("t1", scheduler.TierBuilder))
	require.NoError(t, err)
	assert.InDelta(t, 0.50, g.Reconcile(res, 0.80), 1e-9, "only the amount under the ceiling is booked")

	snap := g.Snapshot()
	assert.InDelta(t, 0.50, snap.Consumed, 1e-9)
	assert.InDelta(t, 0.30, snap.Overrun, 1e-9)
	assert.True(t, snap.Tripped)
	assert.Zero(t, snap.Remaining())

	_, err = g.Authorize(task("t2", scheduler.TierScout))
	assert.ErrorIs(t, err, ErrExceeded)
}

func TestGuard_ExactFitIsAllowed(t *testing.T) {
	g := NewGuard(Limits{CeilingPerRun: 0.5}, nil, nil)
	costs := []float64{0.2, 0.3}
	for i, c := range costs {
		g.cost = FixedCost(c)
		require.True(t, g.Allow(task(fmt.Sprintf("t%d", i), scheduler.TierBuilder)))
	}
	assert.InDelta(t, 0.5, g.Snapshot().Consumed, 1e-9)
}

func TestTierCostTable_Estimate(t *testing.T) {
	table := TierCostTable{
		scheduler.TierScout:   {PerCall: 0.01, Per1KChars: 0.01},
		scheduler.TierBuilder: {PerCall: 0.05},
	}
	tk := scheduler.NewTask(scheduler.TaskSpec{ID: "a", Description: string(make([]byte, 2000))})

	assert.InDelta(t, 0.03, table.Estimate(scheduler.TierScout, tk), 1e-9)
	assert.InDelta(t, 0.05, table.Estimate(scheduler.TierBuilder, tk), 1e-9)
	// Unknown tier falls back to builder
	assert.InDelta(t, 0.05, table.Estimate(scheduler.TierArchitect, tk), 1e-9)
}

// Property: under any interleaving of concurrent authorisations and reconciliations,
// consumption never exceeds the run ceiling and every reservation is accounted for.
func TestProperty_ConsumedNeverExceedsCeiling(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ceiling := rapid.Float64Range(0.1, 5).Draw(t, "ceiling")
		workers := rapid.IntRange(1, 16).Draw(t, "workers")
		estimates := rapid.SliceOfN(rapid.Float64Range(0.01, 1), workers, workers).Draw(t, "estimates")
		actuals := rapid.SliceOfN(rapid.Float64Range(0, 1.5), workers, workers).Draw(t, "actuals")

		var mu sync.Mutex
		byTask := make(map[string]float64, workers)
		for i, e := range estimates {
			byTask[fmt.Sprintf("t%d", i)] = e
		}
		cost := func(_ scheduler.Tier, tk *scheduler.Task) float64 {
			mu.Lock()
			defer mu.Unlock()
			return byTask[tk.ID]
		}
		g := NewGuard(Limits{CeilingPerRun: ceiling}, cost, nil)

		var wg sync.WaitGroup
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := g.Authorize(task(fmt.Sprintf("t%d", i), scheduler.TierBuilder))
				if err != nil {
					if !errors.Is(err, ErrExceeded) {
						errs <- err
					}
					return
				}
				g.Reconcile(res, actuals[i])
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("unexpected error type: %v", err)
		}

		snap := g.Snapshot()
		if snap.Consumed > ceiling+1e-6 {
			t.Fatalf("consumed %.4f exceeds ceiling %.4f", snap.Consumed, ceiling)
		}
		if snap.Reserved != 0 {
			t.Fatalf("reserved %.4f left after all reservations were reconciled", snap.Reserved)
		}
	})
}

func TestGuard_BookedChargesSumToConsumed(t *testing.T) {
	g := NewGuard(Limits{CeilingPerRun: 1.0}, FixedCost(0.30), nil)

	var booked []float64
	for i, actual := range []float64{0.40, 0.80} {
		res, err := g.Authorize(task(fmt.Sprintf("t%d", i), scheduler.TierBuilder))
		require.NoError(t, err)
		booked = append(booked, g.Reconcile(res, actual))
	}

	assert.InDelta(t, 0.40, booked[0], 1e-9)
	assert.InDelta(t, 0.60, booked[1], 1e-9)
	snap := g.Snapshot()
	assert.InDelta(t, 1.0, snap.Consumed, 1e-9)
	assert.InDelta(t, booked[0]+booked[1], snap.Consumed, 1e-9)
	assert.InDelta(t, 0.20, snap.Overrun, 1e-9)
	assert.True(t, snap.Tripped)
}
