package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/swarm/internal/events"
)

const taskListWidth = 28

// TaskState is what the monitor knows about one task.
type TaskState struct {
	TaskID    string
	Name      string
	Role      string
	Tier      string
	Status    string
	Attempt   int
	Score     float64 // Last review score
	Reviewed  bool
	Output    []string
	StartTime time.Time
	Duration  time.Duration
}

// TaskPaneModel shows the task list and the selected task's log in a viewport.
type TaskPaneModel struct {
	tasks       map[string]*TaskState // taskID -> state
	taskOrder   []string              // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // for debouncing
}

// NewTaskPaneModel creates a new task pane model.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*TaskState),
		viewport: viewport.New(0, 0),
	}
}

// tickMsg is used for debouncing viewport updates.
type tickMsg struct {
	tag int
}

// Update handles messages for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.taskOrder)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskEvent:
		task := m.ensure(msg.ID)
		if msg.Name != "" {
			task.Name = msg.Name
		}
		if msg.Role != "" {
			task.Role = msg.Role
		}
		if msg.Tier != "" {
			task.Tier = msg.Tier
		}
		task.Attempt = msg.Attempt
		task.Status = msg.Status
		task.Output = append(task.Output, transitionLine(msg, task))
		if msg.Status == "running" {
			task.StartTime = msg.Timestamp
		}
		m.refreshIfSelected(msg.ID)

	case events.TaskOutputEvent:
		task, ok := m.tasks[msg.ID]
		if !ok {
			break
		}
		task.Output = append(task.Output, fmt.Sprintf("--- artifact, iteration %d ---", msg.Iteration))
		task.Output = append(task.Output, strings.Split(strings.TrimRight(msg.Content, "\n"), "\n")...)
		if m.getSelectedTaskID() == msg.ID {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case events.ReviewEvent:
		task, ok := m.tasks[msg.ID]
		if !ok {
			break
		}
		task.Score = msg.Score
		task.Reviewed = true
		verdict := "rejected"
		if msg.Approved {
			verdict = "approved"
		}
		task.Output = append(task.Output, fmt.Sprintf("[review %d: %.2f %s]", msg.Iteration, msg.Score, verdict))
		for _, issue := range msg.Issues {
			task.Output = append(task.Output, "  - "+issue)
		}
		m.refreshIfSelected(msg.ID)

	case tickMsg:
		if msg.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func (m *TaskPaneModel) ensure(id string) *TaskState {
	if task, ok := m.tasks[id]; ok {
		return task
	}
	task := &TaskState{TaskID: id, Name: id}
	m.tasks[id] = task
	m.taskOrder = append(m.taskOrder, id)
	if len(m.taskOrder) == 1 {
		m.selectedIdx = 0
	}
	return task
}

func (m *TaskPaneModel) refreshIfSelected(id string) {
	if m.getSelectedTaskID() == id {
		m.updateViewportContent()
	}
}

func transitionLine(ev events.TaskEvent, task *TaskState) string {
	switch ev.Status {
	case "running":
		return fmt.Sprintf("[attempt %d on %s tier]", ev.Attempt+1, ev.Tier)
	case "completed":
		return fmt.Sprintf("[completed in %v, cost $%.4f]", elapsed(ev, task), ev.Cost)
	case "failed":
		return fmt.Sprintf("[failed after %v: %v]", elapsed(ev, task), ev.Err)
	case "cancelled":
		return "[cancelled]"
	default:
		return fmt.Sprintf("[%s]", ev.Status)
	}
}

func elapsed(ev events.TaskEvent, task *TaskState) time.Duration {
	if task.StartTime.IsZero() || ev.Timestamp.IsZero() {
		return 0
	}
	task.Duration = ev.Timestamp.Sub(task.StartTime).Round(time.Millisecond)
	return task.Duration
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	viewportWidth := m.width - taskListWidth - 4

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderTaskList(taskListWidth),
		lipgloss.NewStyle().
			Width(viewportWidth).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.taskOrder) == 0 {
		b.WriteString(StyleStatusPending.Render("Planning..."))
	}
	for i, taskID := range m.taskOrder {
		task := m.tasks[taskID]
		name := task.Name
		if len(name) > width-6 {
			name = name[:width-9] + "..."
		}

		line := fmt.Sprintf("%s %s", StatusIcon(task.Status), name)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator.
func StatusIcon(status string) string {
	switch status {
	case "running":
		return StyleStatusRunning.Render("●")
	case "completed":
		return StyleStatusComplete.Render("✓")
	case "failed":
		return StyleStatusFailed.Render("✗")
	case "cancelled":
		return StyleStatusCancelled.Render("⊘")
	default:
		return StyleStatusPending.Render("○")
	}
}

func (m TaskPaneModel) getSelectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.taskOrder) {
		return m.taskOrder[m.selectedIdx]
	}
	return ""
}

// Task returns the state of a task, or nil if no event mentioned it yet.
func (m TaskPaneModel) Task(id string) *TaskState {
	return m.tasks[id]
}

func (m *TaskPaneModel) updateViewportContent() {
	task, ok := m.tasks[m.getSelectedTaskID()]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}

	header := fmt.Sprintf("%s (%s, %s tier)", task.Name, task.Role, task.Tier)
	if task.Reviewed {
		header += fmt.Sprintf(" score %.2f", task.Score)
	}
	m.viewport.SetContent(StyleTitle.Render(header) + "\n" + strings.Join(task.Output, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-taskListWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
	m.updateViewportContent()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
