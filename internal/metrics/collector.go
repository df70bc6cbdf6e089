// Package metrics exposes Prometheus instruments for swarm runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "swarm"

// Collector holds the run instruments. A nil *Collector is valid and records nothing.
type Collector struct {
	taskTransitions *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	tasksInFlight   prometheus.Gauge
	retries         prometheus.Counter
	pivots          *prometheus.CounterVec

	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	breakerState       *prometheus.GaugeVec

	cost           *prometheus.CounterVec
	budgetConsumed prometheus.Gauge
	budgetReserved prometheus.Gauge
	budgetDenials  prometheus.Counter

	reviewScore      prometheus.Histogram
	reviewIterations *prometheus.HistogramVec

	runs *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers the instruments with reg. A nil reg uses the default registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// Task metrics
	c.taskTransitions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Total number of task status transitions",
		},
		[]string{"from", "to"},
	)

	c.taskDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time of one task attempt including reviews",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"role", "tier", "status"},
	)

	c.tasksInFlight = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Number of tasks currently running",
		},
	)

	c.retries = f.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Total number of task retries",
		},
	)

	c.pivots = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pivots_total",
			Help:      "Total number of pivot attempts",
		},
		[]string{"status"}, // status: applied, failed
	)

	// Agent metrics
	c.invocations = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_invocations_total",
			Help:      "Total number of agent invocations",
		},
		[]string{"role", "tier", "status"},
	)

	c.invocationDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_invocation_duration_seconds",
			Help:      "Agent invocation duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"role", "tier"},
	)

	c.breakerState = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_breaker_state",
			Help:      "Circuit breaker state per role (0=closed, 1=half-open, 2=open)",
		},
		[]string{"role"},
	)

	// Budget metrics
	c.cost = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cost_total",
			Help:      "Total cost charged to the budget",
		},
		[]string{"tier"},
	)

	c.budgetConsumed = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_consumed",
			Help:      "Cost consumed in the current run",
		},
	)

	c.budgetReserved = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_reserved",
			Help:      "Cost currently reserved by running tasks",
		},
	)

	c.budgetDenials = f.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_denials_total",
			Help:      "Total number of denied budget reservations",
		},
	)

	// Quality metrics
	c.reviewScore = f.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "review_score",
			Help:      "Distribution of reviewer scores",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		},
	)

	c.reviewIterations = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "review_iterations",
			Help:      "Review iterations per task attempt",
			Buckets:   []float64{1, 2, 3, 4, 5, 8},
		},
		[]string{"approved"},
	)

	c.runs = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of finished runs",
		},
		[]string{"status"},
	)

	c.logger.Debug("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordTransition counts a task status change.
func (c *Collector) RecordTransition(from, to string) {
	if c == nil {
		return
	}
	c.taskTransitions.WithLabelValues(from, to).Inc()
}

// TaskStarted marks a task as in flight.
func (c *Collector) TaskStarted() {
	if c == nil {
		return
	}
	c.tasksInFlight.Inc()
}

// TaskFinished records the end of one attempt.
func (c *Collector) TaskFinished(role, tier, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.tasksInFlight.Dec()
	c.taskDuration.WithLabelValues(role, tier, status).Observe(duration.Seconds())
}

// RecordRetry counts a scheduled retry.
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.retries.Inc()
}

// RecordPivot counts a pivot attempt.
func (c *Collector) RecordPivot(applied bool) {
	if c == nil {
		return
	}
	status := "applied"
	if !applied {
		status = "failed"
	}
	c.pivots.WithLabelValues(status).Inc()
}

// RecordInvocation records one agent call.
func (c *Collector) RecordInvocation(role, tier string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.invocations.WithLabelValues(role, tier, status).Inc()
	c.invocationDuration.WithLabelValues(role, tier).Observe(duration.Seconds())
}

// SetBreakerState publishes a circuit breaker state for role.
func (c *Collector) SetBreakerState(role string, state int) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(role).Set(float64(state))
}

// RecordCost adds a charge for tier.
func (c *Collector) RecordCost(tier string, amount float64) {
	if c == nil || amount <= 0 {
		return
	}
	c.cost.WithLabelValues(tier).Add(amount)
}

// SetBudget publishes the budget totals.
func (c *Collector) SetBudget(consumed, reserved float64) {
	if c == nil {
		return
	}
	c.budgetConsumed.Set(consumed)
	c.budgetReserved.Set(reserved)
}

// RecordDenial counts a denied reservation.
func (c *Collector) RecordDenial() {
	if c == nil {
		return
	}
	c.budgetDenials.Inc()
}

// RecordReview observes one reviewer score.
func (c *Collector) RecordReview(score float64) {
	if c == nil {
		return
	}
	c.reviewScore.Observe(score)
}

// RecordGate observes how many iterations a gate run took.
func (c *Collector) RecordGate(iterations int, approved bool) {
	if c == nil {
		return
	}
	label := "false"
	if approved {
		label = "true"
	}
	c.reviewIterations.WithLabelValues(label).Observe(float64(iterations))
}

// RecordRun counts a finished run by final status.
func (c *Collector) RecordRun(status string) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(status).Inc()
}
