package scheduler

import (
	"fmt"
	"strings"
)

// CycleDetectedError is returned when an edge set would make the graph cyclic.
type CycleDetectedError struct {
	TaskIDs []string // Tasks that could not be ordered
	Err     error    // Underlying toposort error, if any
}

func (e *CycleDetectedError) Error() string {
	msg := "dependency cycle detected"
	if len(e.TaskIDs) > 0 {
		msg += " among " + strings.Join(e.TaskIDs, ", ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CycleDetectedError) Unwrap() error { return e.Err }

// UnknownDependencyError is returned when a task references an id that is not in the graph.
type UnknownDependencyError struct {
	TaskID       string
	DependencyID string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("task %q depends on non-existent task %q", e.TaskID, e.DependencyID)
}

// DuplicateTaskError is returned when a task id is registered twice.
type DuplicateTaskError struct {
	TaskID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task with ID %q already exists", e.TaskID)
}

// TaskNotFoundError is returned for operations on an id the graph does not hold.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %q not found", e.TaskID)
}

// InvalidTransitionError signals a status change the state machine forbids.
// It indicates a scheduling bug rather than a runtime condition.
type InvalidTransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
	Reason string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("task %q: invalid transition %s -> %s", e.TaskID, e.From, e.To)
	if e.Reason != "" {
		msg += " (" + e.Reason + ")"
	}
	return msg
}

// DiscardNotAllowedError is returned when ReplaceSubgraph targets a running or completed task.
type DiscardNotAllowedError struct {
	TaskID string
	Status TaskStatus
}

func (e *DiscardNotAllowedError) Error() string {
	return fmt.Sprintf("task %q cannot be discarded while %s", e.TaskID, e.Status)
}
