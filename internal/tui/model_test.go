package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/swarm/internal/config"
	"github.com/aristath/swarm/internal/events"
)

func newTestModel(t *testing.T) (Model, *events.EventBus) {
	t.Helper()
	bus := events.NewEventBus()
	dir := t.TempDir()
	m := New(bus, config.DefaultConfig(), dir+"/global.yaml", dir+"/project.yaml")
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 140, Height: 40})
	return updated.(Model), bus
}

func send(m Model, msgs ...tea.Msg) Model {
	for _, msg := range msgs {
		updated, _ := m.Update(msg)
		m = updated.(Model)
	}
	return m
}

func TestModelTracksTaskLifecycle(t *testing.T) {
	m, _ := newTestModel(t)
	start := time.Now()

	m = send(m,
		events.TaskEvent{ID: "t1", Name: "write parser", Role: "coder", From: "pending", Status: "running", Tier: "builder", Timestamp: start},
		events.TaskOutputEvent{ID: "t1", Iteration: 1, Content: "func parse() {}\n"},
		events.ReviewEvent{ID: "t1", Iteration: 1, Score: 0.92, Approved: true},
		events.TaskEvent{ID: "t1", From: "running", Status: "completed", Cost: 0.1, Timestamp: start.Add(2 * time.Second)},
	)

	task := m.taskPane.Task("t1")
	require.NotNil(t, task)
	assert.Equal(t, "completed", task.Status)
	assert.Equal(t, "write parser", task.Name)
	assert.Equal(t, "coder", task.Role)
	assert.Equal(t, 2*time.Second, task.Duration)
	assert.InDelta(t, 0.92, task.Score, 1e-9)

	log := strings.Join(task.Output, "\n")
	assert.Contains(t, log, "func parse() {}")
	assert.Contains(t, log, "[review 1: 0.92 approved]")
	assert.Contains(t, log, "[completed in 2s")
}

func TestModelRecordsFailureAndRetry(t *testing.T) {
	m, _ := newTestModel(t)

	m = send(m,
		events.TaskEvent{ID: "t1", Name: "flaky", Status: "running", Tier: "scout"},
		events.TaskEvent{ID: "t1", Status: "failed", Err: errors.New("agent crashed")},
		events.TaskEvent{ID: "t1", Status: "pending", Attempt: 1},
		events.TaskEvent{ID: "t1", Status: "running", Attempt: 1, Tier: "scout"},
	)

	task := m.taskPane.Task("t1")
	require.NotNil(t, task)
	assert.Equal(t, "running", task.Status)
	assert.Equal(t, 1, task.Attempt)
	log := strings.Join(task.Output, "\n")
	assert.Contains(t, log, "agent crashed")
	assert.Contains(t, log, "[attempt 2 on scout tier]")
}

func TestModelProgressAndBudget(t *testing.T) {
	m, _ := newTestModel(t)

	m = send(m,
		events.RunEvent{RunID: "r1", Request: "add export"},
		events.ProgressEvent{Total: 4, Completed: 1, Running: 2, Pending: 1},
		events.BudgetEvent{Kind: events.BudgetCharged, Consumed: 2, Reserved: 1, Ceiling: 10},
		events.BudgetEvent{Kind: events.BudgetDenied, Consumed: 2, Reserved: 1, Ceiling: 10},
		events.PivotEvent{Number: 1, FailedID: "t2", Discarded: []string{"t2", "t3"}, Added: []string{"t2-p1"}},
	)

	p := m.progressPane
	assert.Equal(t, 4, p.total)
	assert.Equal(t, 1, p.denials)
	assert.InDelta(t, 0.3, p.BudgetFraction(), 1e-9)
	assert.False(t, p.Finished())

	view := m.View()
	assert.Contains(t, view, "add export")
	assert.Contains(t, view, "#1 t2: -2 +1")
	assert.Contains(t, view, "$2.0000 / $10.00")

	m = send(m, events.RunEvent{RunID: "r1", Finished: true, Status: "completed", Consumed: 3})
	assert.True(t, m.progressPane.Finished())
	assert.False(t, m.Finished(), "bus still open")

	m = send(m, busClosedMsg{})
	assert.True(t, m.Finished())
}

func TestBudgetFractionIsCapped(t *testing.T) {
	p := NewProgressPaneModel()
	p, _ = p.Update(events.BudgetEvent{Consumed: 12, Ceiling: 10})
	assert.Equal(t, 1.0, p.BudgetFraction())

	unlimited := NewProgressPaneModel()
	unlimited, _ = unlimited.Update(events.BudgetEvent{Consumed: 12})
	assert.Zero(t, unlimited.BudgetFraction())
}

func TestModelFocusAndQuit(t *testing.T) {
	m, _ := newTestModel(t)
	assert.Equal(t, PaneTasks, m.focusedPane)

	m = send(m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, PaneProgress, m.focusedPane)
	m = send(m, tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, PaneTasks, m.focusedPane)
	m = send(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("2")})
	assert.Equal(t, PaneProgress, m.focusedPane)

	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, "Goodbye!\n", updated.(Model).View())
}

func TestModelSelectsTasks(t *testing.T) {
	m, _ := newTestModel(t)
	m = send(m,
		events.TaskEvent{ID: "a", Status: "running"},
		events.TaskEvent{ID: "b", Status: "running"},
	)
	assert.Equal(t, "a", m.taskPane.getSelectedTaskID())

	m = send(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	assert.Equal(t, "b", m.taskPane.getSelectedTaskID())
	m = send(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	assert.Equal(t, "b", m.taskPane.getSelectedTaskID())
	m = send(m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	assert.Equal(t, "a", m.taskPane.getSelectedTaskID())
}

func TestWaitForEventReportsClosedBus(t *testing.T) {
	bus := events.NewEventBus()
	sub := bus.SubscribeAll(1)
	bus.Emit(events.ProgressEvent{Total: 1})
	bus.Close()

	cmd := waitForEvent(sub)
	_, isEvent := cmd().(events.ProgressEvent)
	assert.True(t, isEvent)
	assert.Equal(t, busClosedMsg{}, cmd())
}

func TestSettingsApplyValidates(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	s := NewSettingsPaneModel(cfg, dir+"/global.yaml", dir+"/project.yaml")

	s.maxWorkers = "6"
	s.ceilingPerRun = "12.5"
	s.threshold = "0.9"
	require.NoError(t, s.apply())
	assert.Equal(t, 6, cfg.Scheduler.MaxWorkers)
	assert.Equal(t, 12.5, cfg.Budget.CeilingPerRun)

	loaded, err := config.Load("", dir+"/project.yaml")
	require.NoError(t, err)
	assert.Equal(t, 6, loaded.Scheduler.MaxWorkers)
	assert.Equal(t, 0.9, loaded.Quality.Threshold)

	s.threshold = "abc"
	assert.Error(t, s.apply())

	assert.Error(t, validateUnit("1.5"))
	assert.NoError(t, validateNonNegative("0"))
	assert.Error(t, validatePositiveInt("0"))
}
