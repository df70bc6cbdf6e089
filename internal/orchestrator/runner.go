// Package orchestrator drives a run: it drains ready tasks from the blackboard
// through the budget guard, the agents and the quality gate, and recovers from
// failed tasks by retrying or pivoting.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/budget"
	"github.com/aristath/swarm/internal/events"
	"github.com/aristath/swarm/internal/metrics"
	"github.com/aristath/swarm/internal/quality"
	"github.com/aristath/swarm/internal/scheduler"
	"github.com/aristath/swarm/internal/swarm"
)

// DefaultMaxWorkers bounds concurrent tasks when Config.MaxWorkers is unset.
const DefaultMaxWorkers = 4

// ErrStalled is returned when unfinished tasks remain but none can ever run.
var ErrStalled = errors.New("run stalled: no task can make progress")

// ErrAborted is the cancellation cause of a run halted by the budget guard.
var ErrAborted = errors.New("run aborted")

// RunStatus is the final state of a run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed" // Every task completed
	RunAborted   RunStatus = "aborted"   // Budget exhausted, remainder cancelled
	RunCancelled RunStatus = "cancelled" // Caller cancelled the context
	RunFailed    RunStatus = "failed"    // Planning, pivoting or a contract violation failed the run
)

// Config configures the coordinator.
type Config struct {
	MaxWorkers    int           // Max concurrent tasks (default 4)
	InvokeTimeout time.Duration // Per agent call, 0 for none
	ReviewTimeout time.Duration // Per review call, 0 for none
	DispatchRate  float64       // Dispatches per second, 0 for unlimited
	DispatchBurst int           // Limiter burst (default 1)
	Retry         RetryConfig
	Breaker       BreakerConfig
	Quality       quality.Config // Timeouts above override the ones set here
}

// RunResult is returned by Run, including partial results on failure.
type RunResult struct {
	RunID    string
	Request  string
	Status   RunStatus
	Tasks    []*scheduler.Task
	Budget   budget.Snapshot
	Pivots   int
	Duration time.Duration
	Err      error
}

// Option configures a Runner.
type Option func(*Runner)

// WithEventBus publishes run, task, budget, review and pivot events to bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(r *Runner) { r.bus = bus }
}

// WithMetrics records run metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Runner) { r.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithResourceLocks shares a lock manager between runners.
func WithResourceLocks(m *scheduler.ResourceLockManager) Option {
	return func(r *Runner) { r.locks = m }
}

// Runner coordinates one run at a time. A single goroutine owns dispatch and all
// retry and pivot decisions; workers only execute tasks and send their outcome back.
type Runner struct {
	cfg      Config
	manager  *swarm.Manager
	invoker  agent.Invoker
	gate     *quality.Gate
	guard    *budget.Guard
	breakers *CircuitBreakerRegistry
	locks    *scheduler.ResourceLockManager
	limiter  *rate.Limiter
	bus      *events.EventBus
	metrics  *metrics.Collector
	logger   *zap.Logger
	now      func() time.Time
}

// NewRunner wires a coordinator. guard must be dedicated to the run.
func NewRunner(cfg Config, manager *swarm.Manager, invoker agent.Invoker, reviewer agent.Reviewer, guard *budget.Guard, opts ...Option) *Runner {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultMaxWorkers
	}
	if cfg.DispatchBurst <= 0 {
		cfg.DispatchBurst = 1
	}
	cfg.Retry = cfg.Retry.withDefaults()

	r := &Runner{
		cfg:     cfg,
		manager: manager,
		guard:   guard,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "coordinator"))
	if r.locks == nil {
		r.locks = scheduler.NewResourceLockManager()
	}
	if cfg.DispatchRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), cfg.DispatchBurst)
	}

	r.breakers = NewCircuitBreakerRegistry(cfg.Breaker, func(role string, state gobreaker.State) {
		r.metrics.SetBreakerState(role, breakerStateValue(state))
	}, r.logger)
	r.invoker = &guardedInvoker{inner: invoker, breakers: r.breakers, timeout: cfg.InvokeTimeout}

	qcfg := cfg.Quality
	qcfg.InvokeTimeout = 0 // Enforced by the guarded invoker
	qcfg.ReviewTimeout = cfg.ReviewTimeout
	r.gate = quality.NewGate(reviewer, r.invoker, qcfg,
		quality.WithBudget(guard),
		quality.WithReviewHook(r.onReview),
		quality.WithLogger(r.logger),
	)
	return r
}

// taskOutcome is what a worker reports back to the coordinator.
type taskOutcome struct {
	taskID   string
	role     string
	tier     scheduler.Tier
	result   string
	cost     float64
	reviews  []scheduler.ReviewRecord
	err      error
	duration time.Duration
}

// Run decomposes request and executes the resulting graph until every task is
// completed or the run is aborted. The returned result always carries the task
// snapshot; its Err equals the returned error.
func (r *Runner) Run(ctx context.Context, request string) (RunResult, error) {
	start := r.now()
	result := RunResult{RunID: uuid.NewString(), Request: request}
	logger := r.logger.With(zap.String("run_id", result.RunID))

	r.emit(events.RunEvent{RunID: result.RunID, Request: request, Timestamp: start})
	logger.Info("run started", zap.String("request", request))

	board, err := r.manager.Decompose(ctx, request)
	if err != nil {
		result.Status = RunFailed
		if ctx.Err() != nil {
			result.Status = RunCancelled
		}
		return r.finish(result, nil, start, err)
	}
	board.Observe(r.observer(board))
	r.emitProgress(board)

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	loopErr := r.loop(runCtx, abort, board, logger)

	switch {
	case loopErr == nil:
		result.Status = RunCompleted
	case errors.Is(loopErr, budget.ErrExceeded):
		result.Status = RunAborted
	case ctx.Err() != nil && errors.Is(loopErr, ctx.Err()):
		result.Status = RunCancelled
	default:
		result.Status = RunFailed
	}
	return r.finish(result, board, start, loopErr)
}

func (r *Runner) finish(result RunResult, board *scheduler.Blackboard, start time.Time, err error) (RunResult, error) {
	if board != nil {
		result.Tasks = board.Tasks()
	}
	result.Budget = r.guard.Snapshot()
	result.Pivots = r.manager.Pivots()
	result.Duration = r.now().Sub(start)
	result.Err = err

	r.metrics.RecordRun(string(result.Status))
	r.emit(events.RunEvent{
		RunID:     result.RunID,
		Request:   result.Request,
		Finished:  true,
		Status:    string(result.Status),
		Consumed:  result.Budget.Consumed,
		Pivots:    result.Pivots,
		Err:       err,
		Timestamp: r.now(),
	})

	fields := []zap.Field{
		zap.String("run_id", result.RunID),
		zap.String("status", string(result.Status)),
		zap.Int("tasks", len(result.Tasks)),
		zap.Int("pivots", result.Pivots),
		zap.Float64("consumed", result.Budget.Consumed),
		zap.Duration("duration", result.Duration),
	}
	if err != nil {
		r.logger.Warn("run finished", append(fields, zap.Error(err))...)
	} else {
		r.logger.Info("run finished", fields...)
	}
	return result, err
}

// loop is the coordinator. It returns nil once the board is terminal, or the
// cause that stopped the run after in-flight work has drained and the
// remainder has been cancelled.
func (r *Runner) loop(ctx context.Context, abort context.CancelCauseFunc, board *scheduler.Blackboard, logger *zap.Logger) error {
	var g errgroup.Group
	g.SetLimit(r.cfg.MaxWorkers)

	results := make(chan taskOutcome, r.cfg.MaxWorkers)
	inFlight := 0

	defer func() {
		_ = g.Wait()
	}()

	for {
		if ctx.Err() != nil {
			break
		}
		if inFlight == 0 && board.IsTerminal() {
			return nil
		}

		nextWake, err := r.dispatch(ctx, &g, board, results, &inFlight)
		if err != nil {
			abort(err)
			break
		}

		if inFlight == 0 && nextWake.IsZero() {
			if board.IsTerminal() {
				return nil
			}
			abort(ErrStalled)
			break
		}

		var timer *time.Timer
		var wake <-chan time.Time
		if !nextWake.IsZero() {
			timer = time.NewTimer(nextWake.Sub(r.now()))
			wake = timer.C
		}

		select {
		case out := <-results:
			inFlight--
			if err := r.handle(ctx, board, out, logger); err != nil {
				abort(err)
			}
		case <-wake:
		case <-ctx.Done():
		}
		if timer != nil {
			timer.Stop()
		}
	}

	// Drain: every in-flight result is late and gets discarded.
	for inFlight > 0 {
		out := <-results
		inFlight--
		r.discard(board, out, logger)
	}
	cancelled := board.CancelRemaining()
	cause := context.Cause(ctx)
	logger.Warn("run stopped",
		zap.Strings("cancelled", cancelled),
		zap.Error(cause),
	)
	return cause
}

// dispatch starts every ready task it has a worker slot for. It returns the
// earliest instant a backed-off task becomes eligible, or the zero time when no
// pending task is waiting on a backoff.
func (r *Runner) dispatch(ctx context.Context, g *errgroup.Group, board *scheduler.Blackboard, results chan<- taskOutcome, inFlight *int) (time.Time, error) {
	var nextWake time.Time
	now := r.now()

	for _, task := range board.ReadyTasks() {
		if task.NotBefore.After(now) {
			if nextWake.IsZero() || task.NotBefore.Before(nextWake) {
				nextWake = task.NotBefore
			}
			continue
		}
		if *inFlight >= r.cfg.MaxWorkers {
			break
		}
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return time.Time{}, context.Cause(ctx)
			}
		}
		if ctx.Err() != nil {
			return time.Time{}, context.Cause(ctx)
		}

		tier := r.manager.ClassifyComplexity(task)
		if err := board.MarkRunning(task.ID, tier); err != nil {
			return time.Time{}, fmt.Errorf("dispatch task %q: %w", task.ID, err)
		}
		task.AssignedTier = tier
		task.Status = scheduler.TaskRunning
		inputs := dependencyResults(board, task)

		*inFlight++
		r.metrics.TaskStarted()
		g.Go(func() error {
			results <- r.execute(ctx, task, inputs)
			return nil
		})
	}
	return nextWake, nil
}

func dependencyResults(board *scheduler.Blackboard, task *scheduler.Task) map[string]string {
	if len(task.DependsOn) == 0 {
		return nil
	}
	inputs := make(map[string]string, len(task.DependsOn))
	for _, dep := range task.DependsOn {
		if t, ok := board.Get(dep); ok {
			inputs[dep] = t.Result
		}
	}
	return inputs
}

// execute runs one attempt of task: reserve budget, produce an artifact, then
// pass it through the quality gate.
func (r *Runner) execute(ctx context.Context, task *scheduler.Task, inputs map[string]string) taskOutcome {
	start := r.now()
	out := taskOutcome{taskID: task.ID, role: task.Role, tier: task.AssignedTier}

	res, err := r.guard.Authorize(task)
	if err != nil {
		r.metrics.RecordDenial()
		r.emitBudget(task.ID, events.BudgetDenied, r.guard.Estimate(task.AssignedTier, task))
		out.err = err
		out.duration = r.now().Sub(start)
		return out
	}
	r.emitBudget(task.ID, events.BudgetReserved, res.Estimate)

	unlock := r.locks.LockAll(task.Resources)
	defer unlock()

	req := agent.Request{
		Spec:    task.Spec(),
		Tier:    task.AssignedTier,
		Inputs:  inputs,
		Attempt: 1,
	}

	invokeStart := r.now()
	artifact, err := r.invoker.Invoke(ctx, req)
	r.metrics.RecordInvocation(task.Role, string(task.AssignedTier), err, r.now().Sub(invokeStart))
	if err != nil {
		if ctx.Err() != nil {
			r.guard.Release(res)
		} else {
			out.cost = r.charge(task.ID, res, artifact.Cost)
		}
		out.err = err
		out.duration = r.now().Sub(start)
		return out
	}
	r.emit(events.TaskOutputEvent{ID: task.ID, Iteration: 1, Content: artifact.Content, Timestamp: r.now()})

	outcome, err := r.gate.Run(ctx, req, artifact, res)
	r.metrics.RecordGate(outcome.Iterations, outcome.Approved)
	r.metrics.RecordCost(string(task.AssignedTier), outcome.Cost)
	r.emitBudget(task.ID, events.BudgetCharged, outcome.Cost)

	out.cost = outcome.Cost
	out.reviews = outcome.Reviews
	out.result = outcome.Artifact.Content
	out.err = err
	out.duration = r.now().Sub(start)
	return out
}

func (r *Runner) charge(taskID string, res budget.Reservation, actual float64) float64 {
	charged := r.guard.Reconcile(res, actual)
	r.metrics.RecordCost(string(res.Tier), charged)
	r.emitBudget(taskID, events.BudgetCharged, charged)
	return charged
}

// handle applies a worker outcome to the board and decides what happens next.
// A non-nil return stops the run.
func (r *Runner) handle(ctx context.Context, board *scheduler.Blackboard, out taskOutcome, logger *zap.Logger) error {
	logger = logger.With(zap.String("task_id", out.taskID), zap.String("tier", string(out.tier)))

	if out.err == nil {
		r.metrics.TaskFinished(out.role, string(out.tier), string(scheduler.TaskCompleted), out.duration)
		if err := board.Complete(out.taskID, out.result, out.cost, out.reviews); err != nil {
			return fmt.Errorf("complete task %q: %w", out.taskID, err)
		}
		logger.Info("task completed", zap.Float64("cost", out.cost), zap.Int("reviews", len(out.reviews)))
		return nil
	}

	r.metrics.TaskFinished(out.role, string(out.tier), string(scheduler.TaskFailed), out.duration)
	if err := board.Fail(out.taskID, out.err, out.cost, out.reviews); err != nil {
		return fmt.Errorf("fail task %q: %w", out.taskID, err)
	}

	if errors.Is(out.err, budget.ErrExceeded) {
		logger.Warn("budget exhausted, aborting run", zap.Error(out.err))
		return fmt.Errorf("%w: %w", ErrAborted, out.err)
	}
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	task, ok := board.Get(out.taskID)
	if !ok {
		return &scheduler.TaskNotFoundError{TaskID: out.taskID}
	}

	if task.RetryCount < task.MaxRetries {
		delay := retryDelay(r.cfg.Retry, task.RetryCount)
		if err := board.Retry(task.ID, r.now().Add(delay)); err != nil {
			return fmt.Errorf("retry task %q: %w", task.ID, err)
		}
		r.metrics.RecordRetry()
		logger.Warn("task failed, retrying",
			zap.Int("attempt", task.RetryCount),
			zap.Int("max_retries", task.MaxRetries),
			zap.Duration("backoff", delay),
			zap.Error(out.err),
		)
		return nil
	}

	logger.Warn("task retries exhausted, pivoting", zap.Int("attempts", task.RetryCount), zap.Error(out.err))
	report, err := r.manager.Pivot(ctx, task.ID, out.err)
	r.metrics.RecordPivot(err == nil)
	if err != nil {
		return fmt.Errorf("pivot after task %q: %w", task.ID, err)
	}
	r.emit(events.PivotEvent{
		Number:    report.Number,
		FailedID:  report.FailedID,
		Cause:     report.Cause,
		Discarded: report.Discarded,
		Added:     report.Added,
		Timestamp: r.now(),
	})
	r.emitProgress(board)
	logger.Info("pivot applied",
		zap.Int("pivot", report.Number),
		zap.Strings("discarded", report.Discarded),
		zap.Strings("added", report.Added),
	)
	return nil
}

// discard records a result that arrived after the run was stopped. The task is
// failed and then cancelled so its attempt stays visible in the history.
func (r *Runner) discard(board *scheduler.Blackboard, out taskOutcome, logger *zap.Logger) {
	r.metrics.TaskFinished(out.role, string(out.tier), string(scheduler.TaskCancelled), out.duration)

	cause := out.err
	if cause == nil {
		cause = errors.New("result discarded: run stopped")
	}
	if err := board.Fail(out.taskID, cause, out.cost, out.reviews); err != nil {
		logger.Error("failed to record late result", zap.String("task_id", out.taskID), zap.Error(err))
		return
	}
	if err := board.UpdateStatus(out.taskID, scheduler.TaskCancelled); err != nil {
		logger.Error("failed to cancel late result", zap.String("task_id", out.taskID), zap.Error(err))
	}
}

func (r *Runner) observer(board *scheduler.Blackboard) scheduler.Observer {
	return func(tr scheduler.Transition) {
		r.metrics.RecordTransition(string(tr.From), string(tr.To))
		if r.bus == nil {
			return
		}
		ev := events.TaskEvent{
			ID:        tr.TaskID,
			From:      string(tr.From),
			Status:    string(tr.To),
			Cost:      tr.Cost,
			Err:       tr.Err,
			Timestamp: tr.At,
		}
		if task, ok := board.Get(tr.TaskID); ok {
			ev.Name = task.Name
			ev.Role = task.Role
			ev.Tier = string(task.AssignedTier)
			ev.Attempt = task.RetryCount
		}
		r.bus.Emit(ev)
		r.emitProgress(board)
	}
}

func (r *Runner) onReview(taskID string, record scheduler.ReviewRecord) {
	r.metrics.RecordReview(record.Score)
	r.emit(events.ReviewEvent{
		ID:        taskID,
		Iteration: record.Iteration,
		Score:     record.Score,
		Approved:  record.Approved,
		Issues:    record.Issues,
		Timestamp: r.now(),
	})
}

func (r *Runner) emit(ev events.Event) {
	if r.bus != nil {
		r.bus.Emit(ev)
	}
}

func (r *Runner) emitBudget(taskID, kind string, amount float64) {
	snap := r.guard.Snapshot()
	r.metrics.SetBudget(snap.Consumed, snap.Reserved)
	r.emit(events.BudgetEvent{
		ID:        taskID,
		Kind:      kind,
		Amount:    amount,
		Consumed:  snap.Consumed,
		Reserved:  snap.Reserved,
		Ceiling:   snap.CeilingPerRun,
		Timestamp: r.now(),
	})
}

func (r *Runner) emitProgress(board *scheduler.Blackboard) {
	if r.bus == nil {
		return
	}
	counts := board.Counts()
	r.bus.Emit(events.ProgressEvent{
		Total:     board.Len(),
		Pending:   counts[scheduler.TaskPending],
		Running:   counts[scheduler.TaskRunning],
		Completed: counts[scheduler.TaskCompleted],
		Failed:    counts[scheduler.TaskFailed],
		Cancelled: counts[scheduler.TaskCancelled],
		Timestamp: r.now(),
	})
}
