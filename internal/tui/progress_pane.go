package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/swarm/internal/events"
)

// maxPivotLines is how many recent pivots the pane lists.
const maxPivotLines = 3

// ProgressPaneModel shows graph progress, budget consumption and pivots.
type ProgressPaneModel struct {
	request   string
	runStatus string
	runErr    error

	total     int
	completed int
	running   int
	failed    int
	pending   int
	cancelled int

	consumed float64
	reserved float64
	ceiling  float64
	denials  int

	pivots []string

	budgetBar progress.Model
	width     int
	height    int
	focused   bool
}

// NewProgressPaneModel creates a new progress pane model.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{
		runStatus: "planning",
		budgetBar: progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
	}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.ProgressEvent:
		m.total = msg.Total
		m.completed = msg.Completed
		m.running = msg.Running
		m.failed = msg.Failed
		m.pending = msg.Pending
		m.cancelled = msg.Cancelled

	case events.BudgetEvent:
		m.consumed = msg.Consumed
		m.reserved = msg.Reserved
		m.ceiling = msg.Ceiling
		if msg.Kind == events.BudgetDenied {
			m.denials++
		}

	case events.PivotEvent:
		line := fmt.Sprintf("#%d %s: -%d +%d", msg.Number, msg.FailedID, len(msg.Discarded), len(msg.Added))
		m.pivots = append(m.pivots, line)
		if len(m.pivots) > maxPivotLines {
			m.pivots = m.pivots[len(m.pivots)-maxPivotLines:]
		}

	case events.RunEvent:
		if msg.Finished {
			m.runStatus = msg.Status
			m.runErr = msg.Err
			m.consumed = msg.Consumed
		} else {
			m.request = msg.Request
			m.runStatus = "running"
		}
	}

	return m, nil
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Run")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n")
	if m.request != "" {
		b.WriteString(truncate(m.request, m.width-4))
		b.WriteString("\n")
	}
	b.WriteString(fmt.Sprintf("Status: %s\n", runStatusStyle(m.runStatus).Render(m.runStatus)))
	if m.runErr != nil {
		b.WriteString(StyleStatusFailed.Render(truncate(m.runErr.Error(), m.width-4)))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(fmt.Sprintf("Tasks %d  ", m.total))
	b.WriteString(StyleStatusComplete.Render(fmt.Sprintf("✓%d", m.completed)) + " ")
	b.WriteString(StyleStatusRunning.Render(fmt.Sprintf("●%d", m.running)) + " ")
	b.WriteString(StyleStatusFailed.Render(fmt.Sprintf("✗%d", m.failed)) + " ")
	b.WriteString(StyleStatusCancelled.Render(fmt.Sprintf("⊘%d", m.cancelled)) + " ")
	b.WriteString(StyleStatusPending.Render(fmt.Sprintf("○%d", m.pending)))
	b.WriteString("\n")

	if m.total > 0 {
		barWidth := min(m.width-4, 40)
		completedWidth := (m.completed * barWidth) / m.total
		failedWidth := ((m.failed + m.cancelled) * barWidth) / m.total
		runningWidth := (m.running * barWidth) / m.total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))
		b.WriteString(fmt.Sprintf("[%s] %d/%d\n", bar, m.completed, m.total))
	}
	b.WriteString("\n")

	b.WriteString(m.renderBudget())

	if len(m.pivots) > 0 {
		b.WriteString("\nPivots\n")
		for _, p := range m.pivots {
			b.WriteString("  " + p + "\n")
		}
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

func (m ProgressPaneModel) renderBudget() string {
	if m.ceiling <= 0 {
		return fmt.Sprintf("Budget $%.4f spent (no ceiling)\n", m.consumed)
	}
	bar := m.budgetBar
	bar.Width = max(min(m.width-4, 40), 10)
	line := fmt.Sprintf("Budget $%.4f / $%.2f", m.consumed, m.ceiling)
	if m.reserved > 0 {
		line += fmt.Sprintf(" (+$%.4f reserved)", m.reserved)
	}
	if m.denials > 0 {
		line += StyleStatusFailed.Render(fmt.Sprintf(" %d denied", m.denials))
	}
	return line + "\n" + bar.ViewAs(m.BudgetFraction()) + "\n"
}

// BudgetFraction is consumed plus reserved spend over the run ceiling, capped at 1.
func (m ProgressPaneModel) BudgetFraction() float64 {
	if m.ceiling <= 0 {
		return 0
	}
	return min((m.consumed+m.reserved)/m.ceiling, 1)
}

// Finished reports whether the run has ended.
func (m ProgressPaneModel) Finished() bool {
	switch m.runStatus {
	case "planning", "running":
		return false
	}
	return true
}

func runStatusStyle(status string) lipgloss.Style {
	switch status {
	case "completed":
		return StyleStatusComplete
	case "failed", "aborted":
		return StyleStatusFailed
	case "cancelled":
		return StyleStatusCancelled
	default:
		return StyleStatusRunning
	}
}

func truncate(s string, width int) string {
	if width < 4 || len(s) <= width {
		return s
	}
	return s[:width-3] + "..."
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
