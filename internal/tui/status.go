// Package tui provides a live-updating terminal view of queue state: a
// periodically refreshed task status board built on bubbletea.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/taskforge/queue/internal/queue"
	"github.com/taskforge/queue/pkg/task"
)

var (
	primaryColor = lipgloss.Color("#0EA5E9")
	successColor = lipgloss.Color("#22C55E")
	errorColor   = lipgloss.Color("#EF4444")
	warningColor = lipgloss.Color("#F59E0B")
	mutedColor   = lipgloss.Color("#64748B")

	headerStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Bold(true).
			MarginBottom(1)

	infoStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			MarginBottom(1)

	footerStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(mutedColor).
			Padding(1, 0).
			MarginTop(1)

	helpStyle = lipgloss.NewStyle().Foreground(mutedColor).Italic(true)
)

var statusColors = map[task.Status]lipgloss.Color{
	task.StatusPending:          mutedColor,
	task.StatusBlocked:          warningColor,
	task.StatusReady:            primaryColor,
	task.StatusRunning:          primaryColor,
	task.StatusAwaitingChildren: lipgloss.Color("135"),
	task.StatusCompleted:        successColor,
	task.StatusFailed:           errorColor,
	task.StatusCancelled:        mutedColor,
}

// refreshMsg carries the latest snapshot of tasks, delivered on a timer.
type refreshMsg struct {
	tasks []*task.Task
	err   error
}

// StatusModel is the bubbletea model backing `queue worker status --watch`.
type StatusModel struct {
	ctx      context.Context
	q        *queue.Queue
	interval time.Duration

	tasks    []*task.Task
	err      error
	width    int
	height   int
	lastPoll time.Time
}

// NewStatusModel constructs a status board model that polls q every
// interval for the current task list.
func NewStatusModel(ctx context.Context, q *queue.Queue, interval time.Duration) StatusModel {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return StatusModel{ctx: ctx, q: q, interval: interval}
}

func (m StatusModel) Init() tea.Cmd {
	return m.poll()
}

func (m StatusModel) poll() tea.Cmd {
	return func() tea.Msg {
		tasks, err := m.q.List(m.ctx, nil)
		return refreshMsg{tasks: tasks, err: err}
	}
}

func (m StatusModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return m.poll()()
	})
}

func (m StatusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "r":
			return m, m.poll()
		}
	case refreshMsg:
		m.tasks, m.err = msg.tasks, msg.err
		m.lastPoll = time.Now()
		return m, m.tick()
	}
	return m, nil
}

func (m StatusModel) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var sections []string
	sections = append(sections, headerStyle.Render("Task Queue"))

	if m.err != nil {
		sections = append(sections, lipgloss.NewStyle().Foreground(errorColor).Render(fmt.Sprintf("refresh failed: %v", m.err)))
	} else {
		counts := m.countByStatus()
		sections = append(sections, infoStyle.Render(m.summaryLine(counts)))
		sections = append(sections, m.renderRows())
	}

	footer := footerStyle.Width(m.width).Render(helpStyle.Render("r: refresh now • q/Esc: quit"))
	sections = append(sections, footer)

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m StatusModel) countByStatus() map[task.Status]int {
	counts := make(map[task.Status]int)
	for _, t := range m.tasks {
		counts[t.Status]++
	}
	return counts
}

func (m StatusModel) summaryLine(counts map[task.Status]int) string {
	order := []task.Status{
		task.StatusReady, task.StatusRunning, task.StatusBlocked,
		task.StatusAwaitingChildren, task.StatusCompleted, task.StatusFailed, task.StatusCancelled,
	}
	var parts []string
	for _, s := range order {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", s, n))
		}
	}
	return fmt.Sprintf("%d tasks • %s • last refreshed %s", len(m.tasks), strings.Join(parts, " "), m.lastPoll.Format("15:04:05"))
}

func (m StatusModel) renderRows() string {
	if len(m.tasks) == 0 {
		return "No tasks"
	}
	var rows []string
	for _, t := range m.tasks {
		color, ok := statusColors[t.Status]
		if !ok {
			color = mutedColor
		}
		status := lipgloss.NewStyle().Foreground(color).Bold(true).Render(string(t.Status))
		summary := t.Summary
		if len(summary) > 60 {
			summary = summary[:57] + "..."
		}
		rows = append(rows, fmt.Sprintf("%s  %-22s  %s", t.ID.String()[:8], status, summary))
	}
	return strings.Join(rows, "\n")
}

// Run starts the status TUI in the alt screen until the user quits.
func Run(ctx context.Context, q *queue.Queue, interval time.Duration) error {
	p := tea.NewProgram(NewStatusModel(ctx, q, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
