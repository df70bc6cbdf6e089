package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
	Topic() string
}

// Topic constants
const (
	TopicTask     = "task"
	TopicRun      = "run"
	TopicPivot    = "pivot"
	TopicBudget   = "budget"
	TopicReview   = "review"
	TopicProgress = "progress"
)

// Event type constants. Task events are "task." followed by the new status.
const (
	EventTypeTaskPrefix  = "task."
	EventTypeTaskOutput  = "task.output"
	EventTypeRunStarted  = "run.started"
	EventTypeRunFinished = "run.finished"
	EventTypePivot       = "pivot.applied"
	EventTypeBudget      = "budget.changed"
	EventTypeReview      = "review.completed"
	EventTypeProgress    = "progress.changed"
)

// TaskEvent is published on every task status transition.
type TaskEvent struct {
	ID        string
	Name      string
	Role      string
	From      string // Previous status, empty for the first dispatch record
	Status    string
	Tier      string
	Attempt   int // RetryCount at the time of the transition
	Cost      float64
	Err       error
	Timestamp time.Time
}

func (e TaskEvent) EventType() string { return EventTypeTaskPrefix + e.Status }
func (e TaskEvent) TaskID() string    { return e.ID }
func (e TaskEvent) Topic() string     { return TopicTask }

// TaskOutputEvent carries an artifact produced for a task.
type TaskOutputEvent struct {
	ID        string
	Iteration int
	Content   string
	Timestamp time.Time
}

func (e TaskOutputEvent) EventType() string { return EventTypeTaskOutput }
func (e TaskOutputEvent) TaskID() string    { return e.ID }
func (e TaskOutputEvent) Topic() string     { return TopicTask }

// RunEvent marks the start and end of a run.
type RunEvent struct {
	RunID     string
	Request   string
	Finished  bool
	Status    string  // Final status, set when Finished
	Consumed  float64 // Budget consumed, set when Finished
	Pivots    int     // Pivots attempted, set when Finished
	Err       error
	Timestamp time.Time
}

func (e RunEvent) EventType() string {
	if e.Finished {
		return EventTypeRunFinished
	}
	return EventTypeRunStarted
}
func (e RunEvent) TaskID() string { return "" }
func (e RunEvent) Topic() string  { return TopicRun }

// PivotEvent is published after the remaining graph has been replanned.
type PivotEvent struct {
	Number    int
	FailedID  string
	Cause     error
	Discarded []string
	Added     []string
	Timestamp time.Time
}

func (e PivotEvent) EventType() string { return EventTypePivot }
func (e PivotEvent) TaskID() string    { return e.FailedID }
func (e PivotEvent) Topic() string     { return TopicPivot }

// Budget event kinds
const (
	BudgetReserved = "reserved"
	BudgetCharged  = "charged"
	BudgetDenied   = "denied"
)

// BudgetEvent reports a change in budget consumption.
type BudgetEvent struct {
	ID        string
	Kind      string
	Amount    float64
	Consumed  float64
	Reserved  float64
	Ceiling   float64
	Timestamp time.Time
}

func (e BudgetEvent) EventType() string { return EventTypeBudget }
func (e BudgetEvent) TaskID() string    { return e.ID }
func (e BudgetEvent) Topic() string     { return TopicBudget }

// ReviewEvent is published after each quality review.
type ReviewEvent struct {
	ID        string
	Iteration int
	Score     float64
	Approved  bool
	Issues    []string
	Timestamp time.Time
}

func (e ReviewEvent) EventType() string { return EventTypeReview }
func (e ReviewEvent) TaskID() string    { return e.ID }
func (e ReviewEvent) Topic() string     { return TopicReview }

// ProgressEvent summarises the graph after a change.
type ProgressEvent struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Failed    int
	Cancelled int
	Timestamp time.Time
}

func (e ProgressEvent) EventType() string { return EventTypeProgress }
func (e ProgressEvent) TaskID() string    { return "" }
func (e ProgressEvent) Topic() string     { return TopicProgress }
