package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/toposort"
)

// Transition describes one status change applied to the blackboard.
type Transition struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
	Cost   float64 // Cost accrued by the task so far
	Err    error
	At     time.Time
}

// Observer is notified after each transition, outside the blackboard lock.
type Observer func(Transition)

// Blackboard is the shared store of one run's task graph.
// Structure changes (Register*, ReplaceSubgraph) and status changes share one lock,
// so readers never observe a half-applied update.
type Blackboard struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	dependents map[string][]string // Maps taskID -> list of tasks that depend on it
	observers  []Observer
	now        func() time.Time
}

// NewBlackboard creates an empty blackboard.
func NewBlackboard() *Blackboard {
	return &Blackboard{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		now:        time.Now,
	}
}

// Observe registers an observer for status transitions.
func (b *Blackboard) Observe(obs Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, obs)
}

func (b *Blackboard) notify(transitions ...Transition) {
	b.mu.RLock()
	observers := append([]Observer(nil), b.observers...)
	b.mu.RUnlock()

	for _, tr := range transitions {
		for _, obs := range observers {
			obs(tr)
		}
	}
}

// Register adds a single task.
func (b *Blackboard) Register(spec TaskSpec) error {
	return b.RegisterAll([]TaskSpec{spec})
}

// RegisterAll adds a batch of tasks atomically. Dependencies may point at tasks
// already on the board or at other tasks in the batch.
func (b *Blackboard) RegisterAll(specs []TaskSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	candidate := make(map[string]*Task, len(b.tasks)+len(specs))
	for id, task := range b.tasks {
		candidate[id] = task
	}
	for _, spec := range specs {
		if spec.ID == "" {
			return fmt.Errorf("task spec has empty ID")
		}
		if _, exists := candidate[spec.ID]; exists {
			return &DuplicateTaskError{TaskID: spec.ID}
		}
		candidate[spec.ID] = NewTask(spec)
	}

	if _, err := validateGraph(candidate); err != nil {
		return err
	}

	b.commit(candidate)
	return nil
}

// ReplaceSubgraph removes the discarded tasks and inserts newSpecs in one step.
// Only pending, failed or cancelled tasks may be discarded. The swap is rejected,
// leaving the board unchanged, if any surviving or new task would depend on a
// discarded id or if the result would be cyclic.
func (b *Blackboard) ReplaceSubgraph(discarded []string, newSpecs []TaskSpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	drop := make(map[string]bool, len(discarded))
	for _, id := range discarded {
		task, exists := b.tasks[id]
		if !exists {
			return &TaskNotFoundError{TaskID: id}
		}
		if task.Status == TaskRunning || task.Status == TaskCompleted {
			return &DiscardNotAllowedError{TaskID: id, Status: task.Status}
		}
		drop[id] = true
	}

	candidate := make(map[string]*Task, len(b.tasks)-len(drop)+len(newSpecs))
	for id, task := range b.tasks {
		if !drop[id] {
			candidate[id] = task
		}
	}
	for _, spec := range newSpecs {
		if spec.ID == "" {
			return fmt.Errorf("task spec has empty ID")
		}
		if _, exists := candidate[spec.ID]; exists {
			return &DuplicateTaskError{TaskID: spec.ID}
		}
		candidate[spec.ID] = NewTask(spec)
	}

	if _, err := validateGraph(candidate); err != nil {
		return err
	}

	b.commit(candidate)
	return nil
}

// commit installs a validated task map and rebuilds the dependents index.
// Must be called with the write lock held.
func (b *Blackboard) commit(tasks map[string]*Task) {
	b.tasks = tasks
	b.dependents = make(map[string][]string, len(tasks))
	for id, task := range tasks {
		for _, depID := range task.DependsOn {
			b.dependents[depID] = append(b.dependents[depID], id)
		}
	}
	for id := range b.dependents {
		sort.Strings(b.dependents[id])
	}
}

// validateGraph checks that every dependency exists and that a topological order exists.
// Returns the order on success.
func validateGraph(tasks map[string]*Task) ([]string, error) {
	ids := make([]string, 0, len(tasks))
	for id := range tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		for _, depID := range tasks[id].DependsOn {
			if depID == id {
				return nil, &CycleDetectedError{TaskIDs: []string{id}}
			}
			if _, exists := tasks[depID]; !exists {
				return nil, &UnknownDependencyError{TaskID: id, DependencyID: depID}
			}
		}
	}

	// Edge (depID, taskID) means depID must come before taskID
	var edges []toposort.Edge
	for _, id := range ids {
		task := tasks[id]
		if len(task.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, depID := range task.DependsOn {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, &CycleDetectedError{Err: err}
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	if len(order) != len(tasks) {
		return nil, &CycleDetectedError{TaskIDs: unordered(ids, order)}
	}
	return order, nil
}

func unordered(ids, order []string) []string {
	found := make(map[string]bool, len(order))
	for _, id := range order {
		found[id] = true
	}
	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

// ReadyTasks returns all pending tasks whose dependencies are all completed,
// sorted by ID. Read under the same lock as status updates.
func (b *Blackboard) ReadyTasks() []*Task {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ready := []*Task{}
	for _, task := range b.tasks {
		if task.Status != TaskPending {
			continue
		}
		if b.dependenciesCompleted(task) {
			ready = append(ready, cloneTask(task))
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

// dependenciesCompleted must be called with the lock held.
func (b *Blackboard) dependenciesCompleted(task *Task) bool {
	for _, depID := range task.DependsOn {
		dep, exists := b.tasks[depID]
		if !exists || dep.Status != TaskCompleted {
			return false
		}
	}
	return true
}

// checkTransition enforces the task state machine. Must be called with the lock held.
func (b *Blackboard) checkTransition(task *Task, to TaskStatus) error {
	from := task.Status
	invalid := func(reason string) error {
		return &InvalidTransitionError{TaskID: task.ID, From: from, To: to, Reason: reason}
	}

	switch {
	case from == TaskPending && to == TaskRunning:
		if !b.dependenciesCompleted(task) {
			return invalid("dependencies not completed")
		}
		return nil
	case from == TaskRunning && (to == TaskCompleted || to == TaskFailed):
		return nil
	case from == TaskFailed && to == TaskPending:
		if task.RetryCount >= task.MaxRetries {
			return invalid(fmt.Sprintf("retries exhausted (%d/%d)", task.RetryCount, task.MaxRetries))
		}
		return nil
	case (from == TaskPending || from == TaskFailed) && to == TaskCancelled:
		return nil
	}
	return invalid("")
}

// transition applies a checked status change and lets mutate adjust the task
// under the same lock. Observers run after the lock is released.
func (b *Blackboard) transition(taskID string, to TaskStatus, mutate func(*Task)) error {
	b.mu.Lock()
	task, exists := b.tasks[taskID]
	if !exists {
		b.mu.Unlock()
		return &TaskNotFoundError{TaskID: taskID}
	}
	if err := b.checkTransition(task, to); err != nil {
		b.mu.Unlock()
		return err
	}

	from := task.Status
	task.Status = to
	if mutate != nil {
		mutate(task)
	}
	tr := Transition{TaskID: taskID, From: from, To: to, Cost: task.CostAccrued, Err: task.Error, At: b.now()}
	b.mu.Unlock()

	b.notify(tr)
	return nil
}

// UpdateStatus moves a task to a new status, enforcing the state machine.
func (b *Blackboard) UpdateStatus(taskID string, status TaskStatus) error {
	if !status.Valid() {
		return fmt.Errorf("task %q: unknown status %q", taskID, status)
	}
	return b.transition(taskID, status, nil)
}

// MarkRunning dispatches a task at the given tier.
func (b *Blackboard) MarkRunning(taskID string, tier Tier) error {
	return b.transition(taskID, TaskRunning, func(t *Task) {
		t.AssignedTier = tier
		t.Error = nil
	})
}

// Complete records an approved result.
func (b *Blackboard) Complete(taskID string, result string, cost float64, reviews []ReviewRecord) error {
	return b.transition(taskID, TaskCompleted, func(t *Task) {
		t.Result = result
		t.CostAccrued += cost
		t.Reviews = append(t.Reviews, reviews...)
		t.Error = nil
	})
}

// Fail records a failed attempt and increments the retry counter.
func (b *Blackboard) Fail(taskID string, cause error, cost float64, reviews []ReviewRecord) error {
	return b.transition(taskID, TaskFailed, func(t *Task) {
		t.RetryCount++
		t.CostAccrued += cost
		t.Reviews = append(t.Reviews, reviews...)
		t.Error = cause
	})
}

// Retry returns a failed task to pending. The task is not redispatched before notBefore.
func (b *Blackboard) Retry(taskID string, notBefore time.Time) error {
	return b.transition(taskID, TaskPending, func(t *Task) {
		t.NotBefore = notBefore
	})
}

// CancelRemaining cancels every pending or failed task and returns their IDs.
func (b *Blackboard) CancelRemaining() []string {
	b.mu.Lock()
	var transitions []Transition
	now := b.now()
	for id, task := range b.tasks {
		if task.Status != TaskPending && task.Status != TaskFailed {
			continue
		}
		transitions = append(transitions, Transition{TaskID: id, From: task.Status, To: TaskCancelled, Cost: task.CostAccrued, Err: task.Error, At: now})
		task.Status = TaskCancelled
	}
	b.mu.Unlock()

	sort.Slice(transitions, func(i, j int) bool { return transitions[i].TaskID < transitions[j].TaskID })
	ids := make([]string, len(transitions))
	for i, tr := range transitions {
		ids[i] = tr.TaskID
	}
	b.notify(transitions...)
	return ids
}

// Get returns a copy of the task by ID.
func (b *Blackboard) Get(taskID string) (*Task, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	task, exists := b.tasks[taskID]
	if !exists {
		return nil, false
	}
	return cloneTask(task), true
}

// Tasks returns copies of all tasks sorted by ID.
func (b *Blackboard) Tasks() []*Task {
	b.mu.RLock()
	defer b.mu.RUnlock()

	tasks := make([]*Task, 0, len(b.tasks))
	for _, task := range b.tasks {
		tasks = append(tasks, cloneTask(task))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// Len returns the number of tasks on the board.
func (b *Blackboard) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tasks)
}

// Dependents returns every task that transitively depends on taskID, sorted.
func (b *Blackboard) Dependents(taskID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := map[string]bool{}
	queue := append([]string(nil), b.dependents[taskID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, b.dependents[id]...)
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Order returns topologically sorted task IDs.
func (b *Blackboard) Order() ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return validateGraph(b.tasks)
}

// Counts returns the number of tasks per status.
func (b *Blackboard) Counts() map[TaskStatus]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[TaskStatus]int, 5)
	for _, task := range b.tasks {
		counts[task.Status]++
	}
	return counts
}

// IsTerminal reports whether every task is completed or cancelled.
func (b *Blackboard) IsTerminal() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, task := range b.tasks {
		if !task.Status.Terminal() {
			return false
		}
	}
	return true
}
