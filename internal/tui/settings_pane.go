package tui

import (
	"fmt"
	"strconv"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/swarm/internal/config"
)

// SettingsPaneModel manages the settings form overlay. Saved settings apply
// to the next run; the running one keeps its configuration.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.Config
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Form field bindings (strings for Huh)
	saveTarget     string
	maxWorkers     string
	ceilingPerRun  string
	ceilingPerTask string
	threshold      string
	coderModel     string
	reviewerModel  string
	claudeCommand  string
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg *config.Config, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.loadFields()
	m.buildForm()
	return m
}

func (m *SettingsPaneModel) loadFields() {
	cfg := m.config
	m.saveTarget = "project"
	m.maxWorkers = strconv.Itoa(cfg.Scheduler.MaxWorkers)
	m.ceilingPerRun = formatFloat(cfg.Budget.CeilingPerRun)
	m.ceilingPerTask = formatFloat(cfg.Budget.CeilingPerTask)
	m.threshold = formatFloat(cfg.Quality.Threshold)
	m.coderModel = cfg.Agents["coder"].Model
	m.reviewerModel = cfg.Agents[cfg.Reviewer].Model
	m.claudeCommand = cfg.Providers["claude"].Command
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func validatePositiveInt(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fmt.Errorf("must be a positive integer")
	}
	return nil
}

func validateNonNegative(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return fmt.Errorf("must be a non-negative number")
	}
	return nil
}

func validateUnit(s string) error {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || v > 1 {
		return fmt.Errorf("must be between 0 and 1")
	}
	return nil
}

func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Project ("+m.projectPath+")", "project"),
					huh.NewOption("Global ("+m.globalPath+")", "global"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("maxWorkers").
				Title("Max Workers").
				Value(&m.maxWorkers).
				Validate(validatePositiveInt),

			huh.NewInput().
				Key("ceilingPerRun").
				Title("Run Budget Ceiling (USD, 0 = none)").
				Value(&m.ceilingPerRun).
				Validate(validateNonNegative),

			huh.NewInput().
				Key("ceilingPerTask").
				Title("Task Budget Ceiling (USD, 0 = none)").
				Value(&m.ceilingPerTask).
				Validate(validateNonNegative),

			huh.NewInput().
				Key("threshold").
				Title("Review Approval Threshold").
				Value(&m.threshold).
				Validate(validateUnit),
		).Title("Run Settings"),

		huh.NewGroup(
			huh.NewInput().
				Key("coderModel").
				Title("Coder Model").
				Value(&m.coderModel).
				Placeholder("per-tier models"),

			huh.NewInput().
				Key("reviewerModel").
				Title("Reviewer Model").
				Value(&m.reviewerModel).
				Placeholder("sonnet"),

			huh.NewInput().
				Key("claudeCommand").
				Title("Claude Command").
				Value(&m.claudeCommand).
				Placeholder("claude"),
		).Title("Agent Settings"),
	)
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.err = m.apply()
		m.saved = m.err == nil
		if m.saved {
			m.visible = false
		}
	}

	return m, cmd
}

// apply copies form values into the config and saves it.
func (m *SettingsPaneModel) apply() error {
	if err := m.applyFormToConfig(); err != nil {
		return err
	}
	targetPath := m.projectPath
	if m.saveTarget == "global" {
		targetPath = m.globalPath
	}
	return config.Save(m.config, targetPath)
}

func (m *SettingsPaneModel) applyFormToConfig() error {
	workers, err := strconv.Atoi(m.maxWorkers)
	if err != nil {
		return fmt.Errorf("max workers: %w", err)
	}
	perRun, err := strconv.ParseFloat(m.ceilingPerRun, 64)
	if err != nil {
		return fmt.Errorf("run ceiling: %w", err)
	}
	perTask, err := strconv.ParseFloat(m.ceilingPerTask, 64)
	if err != nil {
		return fmt.Errorf("task ceiling: %w", err)
	}
	threshold, err := strconv.ParseFloat(m.threshold, 64)
	if err != nil {
		return fmt.Errorf("threshold: %w", err)
	}

	m.config.Scheduler.MaxWorkers = workers
	m.config.Budget.CeilingPerRun = perRun
	m.config.Budget.CeilingPerTask = perTask
	m.config.Quality.Threshold = threshold

	if coder, ok := m.config.Agents["coder"]; ok {
		coder.Model = m.coderModel
		m.config.Agents["coder"] = coder
	}
	if reviewer, ok := m.config.Agents[m.config.Reviewer]; ok {
		reviewer.Model = m.reviewerModel
		m.config.Agents[m.config.Reviewer] = reviewer
	}
	if claude, ok := m.config.Providers["claude"]; ok {
		claude.Command = m.claudeCommand
		m.config.Providers["claude"] = claude
	}

	return m.config.Validate()
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	if m.err != nil {
		content = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true).
			Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	} else {
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings (apply to the next run)")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.loadFields()
		m.buildForm()
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}

// Saved reports whether the last form submission was written to disk.
func (m SettingsPaneModel) Saved() bool {
	return m.saved
}
