// Package quality runs the producer/reviewer refinement loop for a single task.
package quality

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/budget"
	"github.com/aristath/swarm/internal/scheduler"
)

const (
	DefaultMaxIterations = 3
	DefaultThreshold     = 0.8
)

// Config controls the refinement loop.
type Config struct {
	MaxIterations int
	Threshold     float64
	InvokeTimeout time.Duration     // Per refinement call, 0 for none
	ReviewTimeout time.Duration     // Per review call, 0 for none
	Criteria      map[string]string // Role -> criteria for tasks that carry none
}

// Authorizer is the part of budget.Guard the gate uses to pay for refinements.
type Authorizer interface {
	Authorize(task *scheduler.Task) (budget.Reservation, error)
	Reconcile(res budget.Reservation, actual float64) float64
}

// Outcome is the result of one gate run, returned on rejection as well.
type Outcome struct {
	Approved   bool
	Artifact   agent.Artifact // Last artifact produced
	Iterations int            // Reviews performed
	Reviews    []scheduler.ReviewRecord
	Cost       float64 // Charged for every producer and reviewer call in this run
}

// RejectionError is returned when no artifact passed review within the iteration limit.
type RejectionError struct {
	TaskID     string
	Iterations int
	LastScore  float64
	Issues     []string
}

func (e *RejectionError) Error() string {
	msg := fmt.Sprintf("task %q rejected after %d review(s), last score %.2f", e.TaskID, e.Iterations, e.LastScore)
	if len(e.Issues) > 0 {
		msg += ": " + strings.Join(e.Issues, "; ")
	}
	return msg
}

// ReviewHook is called after every review.
type ReviewHook func(taskID string, record scheduler.ReviewRecord)

// Gate drives the loop. Iterations for one task are strictly sequential; one Gate
// may serve many tasks concurrently.
type Gate struct {
	reviewer agent.Reviewer
	invoker  agent.Invoker
	budget   Authorizer
	cfg      Config
	onReview ReviewHook
	logger   *zap.Logger
}

// Option configures a Gate.
type Option func(*Gate)

// WithBudget makes every refinement invocation go through the authorizer.
func WithBudget(a Authorizer) Option {
	return func(g *Gate) { g.budget = a }
}

// WithReviewHook installs a callback run after each review.
func WithReviewHook(h ReviewHook) Option {
	return func(g *Gate) { g.onReview = h }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGate creates a gate. Zero config values take the defaults.
func NewGate(reviewer agent.Reviewer, invoker agent.Invoker, cfg Config, opts ...Option) *Gate {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	g := &Gate{
		reviewer: reviewer,
		invoker:  invoker,
		cfg:      cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("component", "quality_gate"))
	return g
}

// Run reviews artifact and refines it until it is approved or the iteration limit
// is reached. res is the reservation that paid for artifact; the gate reconciles it
// together with the review that follows, and does the same for each refinement.
// Budget denial for a refinement is returned as is and is fatal to the run.
func (g *Gate) Run(ctx context.Context, req agent.Request, artifact agent.Artifact, res budget.Reservation) (Outcome, error) {
	out := Outcome{Artifact: artifact}
	taskID := req.Spec.ID
	criteria := req.Spec.Criteria
	if criteria == "" {
		criteria = g.cfg.Criteria[req.Spec.Role]
	}

	for iter := 1; ; iter++ {
		if err := ctx.Err(); err != nil {
			g.settle(&out, res, artifact.Cost)
			return out, err
		}

		verdict, err := agent.CallWithTimeout(ctx, g.cfg.ReviewTimeout, taskID, "review",
			func(ctx context.Context) (agent.Verdict, error) {
				return g.reviewer.Review(ctx, artifact, req.Spec.Role, criteria)
			})
		g.settle(&out, res, artifact.Cost+verdict.Cost)
		if err != nil {
			return out, wrapReviewErr(taskID, err)
		}

		record := scheduler.ReviewRecord{
			Iteration: iter,
			Score:     verdict.Score,
			Approved:  verdict.Approved || verdict.Score >= g.cfg.Threshold,
			Issues:    verdict.Issues,
		}
		out.Iterations = iter
		out.Reviews = append(out.Reviews, record)
		if g.onReview != nil {
			g.onReview(taskID, record)
		}

		g.logger.Debug("review complete",
			zap.String("task_id", taskID),
			zap.Int("iteration", iter),
			zap.Float64("score", verdict.Score),
			zap.Bool("approved", record.Approved),
		)

		if record.Approved {
			out.Approved = true
			return out, nil
		}
		if iter >= g.cfg.MaxIterations {
			return out, &RejectionError{TaskID: taskID, Iterations: iter, LastScore: verdict.Score, Issues: verdict.Issues}
		}

		res, err = g.authorize(req)
		if err != nil {
			return out, err
		}

		next := req
		next.Previous = artifact.Content
		next.Feedback = verdict.Issues
		next.Attempt = iter + 1

		artifact, err = agent.CallWithTimeout(ctx, g.cfg.InvokeTimeout, taskID, "invoke",
			func(ctx context.Context) (agent.Artifact, error) {
				return g.invoker.Invoke(ctx, next)
			})
		if err != nil {
			g.settle(&out, res, artifact.Cost)
			return out, err
		}
		out.Artifact = artifact
	}
}

func (g *Gate) authorize(req agent.Request) (budget.Reservation, error) {
	if g.budget == nil {
		return budget.Reservation{}, nil
	}
	task := scheduler.NewTask(req.Spec)
	task.AssignedTier = req.Tier
	return g.budget.Authorize(task)
}

// settle reconciles res at most once and adds the charge to the outcome.
func (g *Gate) settle(out *Outcome, res budget.Reservation, actual float64) {
	if g.budget == nil || res.ID == 0 {
		out.Cost += actual
		return
	}
	out.Cost += g.budget.Reconcile(res, actual)
}

func wrapReviewErr(taskID string, err error) error {
	var invErr *agent.InvocationError
	if errors.As(err, &invErr) && invErr.TaskID == "" {
		return &agent.InvocationError{TaskID: taskID, Role: invErr.Role, Err: invErr.Err}
	}
	return err
}
