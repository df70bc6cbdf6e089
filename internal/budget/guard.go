// Package budget implements admission control on projected task cost.
package budget

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/aristath/swarm/internal/scheduler"
)

// CostFunc estimates the cost of one invocation of a task at a tier.
type CostFunc func(tier scheduler.Tier, task *scheduler.Task) float64

// Limits holds the two ceilings. A zero ceiling means no limit at that scope.
type Limits struct {
	CeilingPerTask float64 `json:"ceiling_per_task" yaml:"ceiling_per_task"`
	CeilingPerRun  float64 `json:"ceiling_per_run" yaml:"ceiling_per_run"`
}

// Scope identifies which check denied an authorisation.
type Scope string

const (
	ScopeTask    Scope = "task"    // Estimate exceeds the per-task ceiling
	ScopeRun     Scope = "run"     // Consumed + reserved + estimate exceeds the run ceiling
	ScopeTripped Scope = "tripped" // A previous denial or overrun tripped the guard
)

// ErrExceeded matches every ExceededError via errors.Is.
var ErrExceeded = errors.New("budget exceeded")

// ExceededError is returned when the guard denies an authorisation.
type ExceededError struct {
	TaskID   string
	Scope    Scope
	Estimate float64
	Consumed float64
	Reserved float64
	Ceiling  float64
}

func (e *ExceededError) Error() string {
	switch e.Scope {
	case ScopeTask:
		return fmt.Sprintf("budget exceeded for task %q: estimate %.4f over per-task ceiling %.4f", e.TaskID, e.Estimate, e.Ceiling)
	case ScopeRun:
		return fmt.Sprintf("budget exceeded for task %q: %.4f consumed + %.4f reserved + %.4f estimate over run ceiling %.4f",
			e.TaskID, e.Consumed, e.Reserved, e.Estimate, e.Ceiling)
	default:
		return fmt.Sprintf("budget exceeded for task %q: guard tripped", e.TaskID)
	}
}

func (e *ExceededError) Is(target error) bool { return target == ErrExceeded }

// Reservation is an authorised, not yet reconciled, cost estimate.
type Reservation struct {
	ID       uint64
	TaskID   string
	Tier     scheduler.Tier
	Estimate float64
}

// Snapshot is a point-in-time view of the guard.
type Snapshot struct {
	CeilingPerTask float64 `json:"ceiling_per_task"`
	CeilingPerRun  float64 `json:"ceiling_per_run"`
	Consumed       float64 `json:"consumed"`
	Reserved       float64 `json:"reserved"`
	Overrun        float64 `json:"overrun"`
	Denials        int     `json:"denials"`
	Tripped        bool    `json:"tripped"`
}

// Remaining returns the unreserved headroom under the run ceiling, or -1 when unlimited.
func (s Snapshot) Remaining() float64 {
	if s.CeilingPerRun <= 0 {
		return -1
	}
	left := s.CeilingPerRun - s.Consumed - s.Reserved
	if left < 0 {
		return 0
	}
	return left
}

// Guard is the run-wide budget gate. Every check and reservation happens under one
// mutex, so concurrent Authorize calls can never jointly pass the run ceiling.
type Guard struct {
	mu       sync.Mutex
	limits   Limits
	cost     CostFunc
	consumed float64
	reserved float64
	overrun  float64
	open     map[uint64]Reservation
	nextID   uint64
	denials  int
	tripped  bool
	logger   *zap.Logger
}

// NewGuard creates a guard. A nil cost function falls back to DefaultTierCosts.
func NewGuard(limits Limits, cost CostFunc, logger *zap.Logger) *Guard {
	if cost == nil {
		cost = DefaultTierCosts().Estimate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		limits: limits,
		cost:   cost,
		open:   make(map[uint64]Reservation),
		logger: logger.With(zap.String("component", "budget_guard")),
	}
}

// Estimate returns the projected cost of the task at the tier without reserving it.
func (g *Guard) Estimate(tier scheduler.Tier, task *scheduler.Task) float64 {
	est := g.cost(tier, task)
	if est < 0 {
		return 0
	}
	return est
}

// Authorize projects the cost of one invocation of task and reserves it if both
// ceilings allow. Any denial trips the guard; later calls are denied unconditionally.
func (g *Guard) Authorize(task *scheduler.Task) (Reservation, error) {
	tier := task.AssignedTier
	estimate := g.Estimate(tier, task)

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.check(task.ID, estimate); err != nil {
		g.denials++
		g.tripped = true
		g.logger.Warn("budget authorisation denied",
			zap.String("task_id", task.ID),
			zap.String("tier", string(tier)),
			zap.Float64("estimate", estimate),
			zap.Float64("consumed", g.consumed),
			zap.Float64("reserved", g.reserved),
			zap.Error(err),
		)
		return Reservation{}, err
	}

	g.nextID++
	res := Reservation{ID: g.nextID, TaskID: task.ID, Tier: tier, Estimate: estimate}
	g.open[res.ID] = res
	g.reserved += estimate

	g.logger.Debug("budget reserved",
		zap.String("task_id", task.ID),
		zap.Float64("estimate", estimate),
		zap.Float64("reserved", g.reserved),
	)
	return res, nil
}

// check must be called with the lock held.
func (g *Guard) check(taskID string, estimate float64) error {
	deny := func(scope Scope, ceiling float64) error {
		return &ExceededError{
			TaskID:   taskID,
			Scope:    scope,
			Estimate: estimate,
			Consumed: g.consumed,
			Reserved: g.reserved,
			Ceiling:  ceiling,
		}
	}

	if g.tripped {
		return deny(ScopeTripped, g.limits.CeilingPerRun)
	}
	if g.limits.CeilingPerTask > 0 && estimate > g.limits.CeilingPerTask {
		return deny(ScopeTask, g.limits.CeilingPerTask)
	}
	if g.limits.CeilingPerRun > 0 && g.consumed+g.reserved+estimate > g.limits.CeilingPerRun+epsilon {
		return deny(ScopeRun, g.limits.CeilingPerRun)
	}
	return nil
}

// Absorbs float rounding so that e.g. 0.2 + 0.3 fits a 0.5 ceiling.
const epsilon = 1e-9

// Allow authorises task and charges the estimate immediately.
func (g *Guard) Allow(task *scheduler.Task) bool {
	res, err := g.Authorize(task)
	if err != nil {
		return false
	}
	g.Reconcile(res, res.Estimate)
	return true
}

// Reconcile replaces a reservation with the actual cost. A non-positive actual
// charges the estimate. Consumption is clamped at the run ceiling; any excess is
// recorded as overrun and trips the guard. Returns the amount booked against
// consumption, which excludes the overrun, so per-task costs sum to Consumed.
func (g *Guard) Reconcile(res Reservation, actual float64) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.open[res.ID]; !ok {
		g.logger.Warn("reconcile of unknown reservation", zap.Uint64("reservation", res.ID), zap.String("task_id", res.TaskID))
		return 0
	}
	delete(g.open, res.ID)
	g.reserved -= res.Estimate
	if len(g.open) == 0 {
		g.reserved = 0
	}

	charge := actual
	if charge <= 0 {
		charge = res.Estimate
	}
	g.consumed += charge
	booked := charge

	if g.limits.CeilingPerRun > 0 && g.consumed > g.limits.CeilingPerRun+epsilon {
		excess := g.consumed - g.limits.CeilingPerRun
		g.overrun += excess
		g.consumed = g.limits.CeilingPerRun
		g.tripped = true
		booked -= excess
		g.logger.Warn("actual cost overran the run ceiling",
			zap.String("task_id", res.TaskID),
			zap.Float64("estimate", res.Estimate),
			zap.Float64("actual", actual),
			zap.Float64("overrun", excess),
		)
	}
	return booked
}

// Release drops an unused reservation.
func (g *Guard) Release(res Reservation) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.open[res.ID]; !ok {
		return
	}
	delete(g.open, res.ID)
	g.reserved -= res.Estimate
	if len(g.open) == 0 {
		g.reserved = 0
	}
}

// Tripped reports whether the guard denies all further authorisations.
func (g *Guard) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped
}

// Snapshot returns the current totals.
func (g *Guard) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		CeilingPerTask: g.limits.CeilingPerTask,
		CeilingPerRun:  g.limits.CeilingPerRun,
		Consumed:       g.consumed,
		Reserved:       g.reserved,
		Overrun:        g.overrun,
		Denials:        g.denials,
		Tripped:        g.tripped,
	}
}
