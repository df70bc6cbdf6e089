package persistence

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/swarm/internal/events"
)

// RecorderBufferSize is the bus subscription buffer of a Recorder.
const RecorderBufferSize = 4096

// Recorder persists every event published on a bus. Run events create and
// finalise the run row; all events are appended to the run's event log.
type Recorder struct {
	store  Store
	events <-chan events.Event
	logger *zap.Logger
	done   chan struct{}

	mu       sync.Mutex
	runID    string
	failures int
}

// NewRecorder subscribes to bus. Call Start to begin persisting.
func NewRecorder(store Store, bus *events.EventBus, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:  store,
		events: bus.SubscribeAll(RecorderBufferSize),
		logger: logger.With(zap.String("component", "recorder")),
		done:   make(chan struct{}),
	}
}

// Start consumes events until the bus is closed.
func (r *Recorder) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		for ev := range r.events {
			r.record(ctx, ev)
		}
	}()
}

// Wait blocks until the bus has been closed and every buffered event is stored.
func (r *Recorder) Wait() {
	<-r.done
}

// Failures returns how many events could not be stored.
func (r *Recorder) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

func (r *Recorder) record(ctx context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if run, ok := ev.(events.RunEvent); ok {
		if !run.Finished {
			r.runID = run.RunID
		}
		if err := r.store.SaveRun(ctx, runFromEvent(run)); err != nil {
			r.fail(ev, err)
			return
		}
	}

	if r.runID == "" {
		r.logger.Debug("event outside a run dropped", zap.String("type", ev.EventType()))
		return
	}

	payload, err := json.Marshal(payloadOf(ev))
	if err != nil {
		r.fail(ev, err)
		return
	}
	rec := EventRecord{
		RunID:     r.runID,
		TaskID:    ev.TaskID(),
		Type:      ev.EventType(),
		Payload:   string(payload),
		CreatedAt: timestampOf(ev),
	}
	if err := r.store.AppendEvent(ctx, rec); err != nil {
		r.fail(ev, err)
	}
}

// fail must be called with the lock held.
func (r *Recorder) fail(ev events.Event, err error) {
	r.failures++
	r.logger.Warn("failed to persist event",
		zap.String("type", ev.EventType()),
		zap.String("task_id", ev.TaskID()),
		zap.Error(err),
	)
}

func runFromEvent(ev events.RunEvent) Run {
	run := Run{ID: ev.RunID, Request: ev.Request, Status: "running", StartedAt: ev.Timestamp}
	if ev.Finished {
		run.Status = ev.Status
		run.Consumed = ev.Consumed
		run.Pivots = ev.Pivots
		run.Error = errString(ev.Err)
		run.StartedAt = time.Time{}
		run.FinishedAt = ev.Timestamp
		if run.FinishedAt.IsZero() {
			run.FinishedAt = time.Now()
		}
	}
	return run
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func timestampOf(ev events.Event) time.Time {
	switch e := ev.(type) {
	case events.TaskEvent:
		return e.Timestamp
	case events.TaskOutputEvent:
		return e.Timestamp
	case events.RunEvent:
		return e.Timestamp
	case events.PivotEvent:
		return e.Timestamp
	case events.BudgetEvent:
		return e.Timestamp
	case events.ReviewEvent:
		return e.Timestamp
	case events.ProgressEvent:
		return e.Timestamp
	}
	return time.Time{}
}

// payloadOf returns a JSON-friendly view of ev. Errors become strings.
func payloadOf(ev events.Event) any {
	switch e := ev.(type) {
	case events.TaskEvent:
		return map[string]any{
			"name": e.Name, "role": e.Role, "from": e.From, "status": e.Status,
			"tier": e.Tier, "attempt": e.Attempt, "cost": e.Cost, "error": errString(e.Err),
		}
	case events.TaskOutputEvent:
		return map[string]any{"iteration": e.Iteration, "content": e.Content}
	case events.RunEvent:
		return map[string]any{
			"request": e.Request, "finished": e.Finished, "status": e.Status,
			"consumed": e.Consumed, "pivots": e.Pivots, "error": errString(e.Err),
		}
	case events.PivotEvent:
		return map[string]any{
			"number": e.Number, "failed": e.FailedID, "cause": errString(e.Cause),
			"discarded": e.Discarded, "added": e.Added,
		}
	case events.BudgetEvent:
		return map[string]any{
			"kind": e.Kind, "amount": e.Amount, "consumed": e.Consumed,
			"reserved": e.Reserved, "ceiling": e.Ceiling,
		}
	case events.ReviewEvent:
		return map[string]any{"iteration": e.Iteration, "score": e.Score, "approved": e.Approved, "issues": e.Issues}
	case events.ProgressEvent:
		return map[string]any{
			"total": e.Total, "pending": e.Pending, "running": e.Running,
			"completed": e.Completed, "failed": e.Failed, "cancelled": e.Cancelled,
		}
	}
	return map[string]any{}
}
