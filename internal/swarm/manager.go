// Package swarm builds task graphs from requests and rebuilds them after failures.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aristath/swarm/internal/agent"
	"github.com/aristath/swarm/internal/scheduler"
)

// DefaultMaxPivots bounds how often one run may replan.
const DefaultMaxPivots = 3

// ErrPivotLimit is returned once a run has used all its pivots.
var ErrPivotLimit = errors.New("pivot limit reached")

// Config holds the manager's tunables.
type Config struct {
	MaxRetries int            // Applied to specs that leave max_retries unset
	MaxPivots  int            // Per run
	MinTier    scheduler.Tier // Floor for ClassifyComplexity
}

// PivotReport describes one applied pivot.
type PivotReport struct {
	Number    int
	FailedID  string
	Cause     error
	Discarded []string
	Added     []string
	Renamed   map[string]string // Planner id -> id used on the board
}

// Manager owns one run's blackboard: it creates it from a request and replaces
// its unexecuted part when a task cannot be completed.
type Manager struct {
	planner    agent.Planner
	classifier Classifier
	cfg        Config
	logger     *zap.Logger

	mu      sync.Mutex
	board   *scheduler.Blackboard
	request string
	pivots  int
	origins map[string]string // Renamed board id -> id first planned
}

// NewManager creates a manager. A nil classifier uses the default KeywordClassifier.
func NewManager(planner agent.Planner, classifier Classifier, cfg Config, logger *zap.Logger) *Manager {
	if classifier == nil {
		classifier = NewKeywordClassifier(Keywords{}, 0)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = scheduler.DefaultMaxRetries
	}
	if cfg.MaxPivots <= 0 {
		cfg.MaxPivots = DefaultMaxPivots
	}
	if !cfg.MinTier.Valid() {
		cfg.MinTier = scheduler.TierScout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		planner:    planner,
		classifier: classifier,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "swarm_manager")),
	}
}

// Decompose plans request and registers the result in a fresh blackboard, which
// becomes the board later pivots operate on.
func (m *Manager) Decompose(ctx context.Context, request string) (*scheduler.Blackboard, error) {
	specs, err := m.planner.Decompose(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("decompose request: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("decompose request: planner returned no tasks")
	}

	board := scheduler.NewBlackboard()
	if err := board.RegisterAll(m.withDefaults(specs)); err != nil {
		return nil, fmt.Errorf("register plan: %w", err)
	}

	m.mu.Lock()
	m.board = board
	m.request = request
	m.pivots = 0
	m.origins = make(map[string]string)
	m.mu.Unlock()

	m.logger.Info("request decomposed", zap.Int("tasks", len(specs)))
	return board, nil
}

// Blackboard returns the board created by the last Decompose.
func (m *Manager) Blackboard() *scheduler.Blackboard {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.board
}

// Pivots returns the number of pivots attempted in the current run.
func (m *Manager) Pivots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pivots
}

// ClassifyComplexity returns the task's tier, never below the configured minimum.
func (m *Manager) ClassifyComplexity(task *scheduler.Task) scheduler.Tier {
	tier := m.classifier.Classify(task)
	if !tier.Valid() {
		tier = scheduler.TierBuilder
	}
	return tier.AtLeast(m.cfg.MinTier)
}

// Pivot asks the planner to replace every pending and failed task with a new plan
// built around the failure of failedID. Completed and running tasks are kept.
// New ids that collide with existing or discarded ones are renamed and
// references between new tasks follow the rename.
func (m *Manager) Pivot(ctx context.Context, failedID string, cause error) (PivotReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.board == nil {
		return PivotReport{}, fmt.Errorf("pivot before decompose")
	}
	if m.pivots >= m.cfg.MaxPivots {
		return PivotReport{}, fmt.Errorf("pivot for task %q: %w (%d)", failedID, ErrPivotLimit, m.cfg.MaxPivots)
	}

	failed, ok := m.board.Get(failedID)
	if !ok {
		return PivotReport{}, &scheduler.TaskNotFoundError{TaskID: failedID}
	}
	if cause == nil {
		cause = failed.Error
	}

	m.pivots++
	number := m.pivots

	pc := agent.PivotContext{
		Request: m.request,
		Failed:  failed.Spec(),
		Cause:   cause,
		Origins: make(map[string]string, len(m.origins)),
		Pivot:   number,
	}
	for id, origin := range m.origins {
		pc.Origins[id] = origin
	}
	existing := make(map[string]bool)
	var discarded []string
	for _, task := range m.board.Tasks() {
		existing[task.ID] = true
		switch task.Status {
		case scheduler.TaskCompleted:
			pc.Completed = append(pc.Completed, agent.CompletedTask{Spec: task.Spec(), Result: task.Result})
		case scheduler.TaskRunning:
			pc.Running = append(pc.Running, task.Spec())
		case scheduler.TaskPending, scheduler.TaskFailed:
			pc.Remaining = append(pc.Remaining, task.Spec())
			discarded = append(discarded, task.ID)
		}
	}

	m.logger.Info("pivoting",
		zap.Int("pivot", number),
		zap.String("failed_task", failedID),
		zap.Int("completed", len(pc.Completed)),
		zap.Int("running", len(pc.Running)),
		zap.Int("discarding", len(discarded)),
		zap.Error(cause),
	)

	specs, err := m.planner.Replan(ctx, pc)
	if err != nil {
		return PivotReport{}, fmt.Errorf("replan after %q: %w", failedID, err)
	}

	specs, renamed := renameCollisions(m.withDefaults(specs), existing, number, pc.Origin)
	if err := m.board.ReplaceSubgraph(discarded, specs); err != nil {
		return PivotReport{}, fmt.Errorf("apply pivot %d: %w", number, err)
	}

	for _, id := range discarded {
		delete(m.origins, id)
	}
	for from, to := range renamed {
		m.origins[to] = pc.Origin(from)
	}

	added := make([]string, len(specs))
	for i, s := range specs {
		added[i] = s.ID
	}
	sort.Strings(added)

	return PivotReport{
		Number:    number,
		FailedID:  failedID,
		Cause:     cause,
		Discarded: discarded,
		Added:     added,
		Renamed:   renamed,
	}, nil
}

func (m *Manager) withDefaults(specs []scheduler.TaskSpec) []scheduler.TaskSpec {
	out := make([]scheduler.TaskSpec, len(specs))
	for i, s := range specs {
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		if s.MaxRetries <= 0 {
			s.MaxRetries = m.cfg.MaxRetries
		}
		s.DependsOn = append([]string(nil), s.DependsOn...)
		out[i] = s
	}
	return out
}

// renameCollisions gives every spec whose id is already taken a fresh id and
// rewrites dependencies between specs of the batch to match. Fresh ids are
// derived from the id the task was first planned under, so a task carried
// through several pivots becomes b-p1, then b-p2.
func renameCollisions(specs []scheduler.TaskSpec, taken map[string]bool, pivot int, origin func(string) string) ([]scheduler.TaskSpec, map[string]string) {
	renamed := make(map[string]string)
	used := make(map[string]bool, len(taken)+len(specs))
	for id := range taken {
		used[id] = true
	}

	for i := range specs {
		id := specs[i].ID
		if !used[id] {
			used[id] = true
			continue
		}
		base := origin(id)
		fresh := fmt.Sprintf("%s-p%d", base, pivot)
		if used[fresh] {
			fresh = fmt.Sprintf("%s-%s", base, uuid.NewString()[:8])
		}
		used[fresh] = true
		renamed[id] = fresh
		specs[i].ID = fresh
	}

	if len(renamed) == 0 {
		return specs, renamed
	}
	for i := range specs {
		for j, dep := range specs[i].DependsOn {
			if fresh, ok := renamed[dep]; ok {
				specs[i].DependsOn[j] = fresh
			}
		}
	}
	return specs, renamed
}
