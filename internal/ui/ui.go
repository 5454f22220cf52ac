// Package ui provides user interface utilities for the queue application.
package ui

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/taskforge/queue/internal/table"
	"github.com/taskforge/queue/pkg/schedule"
	"github.com/taskforge/queue/pkg/task"
	"github.com/taskforge/queue/pkg/worktree"
)

// Printer handles output formatting.
type Printer struct {
	useColor bool
	useIcons bool
}

// New creates a new Printer instance.
func New(useColor, useIcons bool) *Printer {
	return &Printer{useColor: useColor, useIcons: useIcons}
}

var statusStyles = map[task.Status]lipgloss.Color{
	task.StatusPending:          lipgloss.Color("244"),
	task.StatusBlocked:          lipgloss.Color("214"),
	task.StatusReady:            lipgloss.Color("39"),
	task.StatusRunning:          lipgloss.Color("33"),
	task.StatusAwaitingChildren: lipgloss.Color("135"),
	task.StatusCompleted:        lipgloss.Color("34"),
	task.StatusFailed:           lipgloss.Color("160"),
	task.StatusCancelled:        lipgloss.Color("240"),
}

func (p *Printer) statusLabel(s task.Status) string {
	if !p.useColor {
		return string(s)
	}
	color, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return lipgloss.NewStyle().Foreground(color).Render(string(s))
}

// PrintTasks displays tasks in a styled table.
func (p *Printer) PrintTasks(tasks []task.Task, verbose bool) {
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return
	}

	b := table.NewWithStyle(p.tableStyle())
	if verbose {
		b.Headers("ID", "STATUS", "SUMMARY", "AGENT", "PRIORITY", "DEPS", "SUBMITTED")
		for _, t := range tasks {
			b.Row(
				p.shortID(t.ID.String()),
				p.statusLabel(t.Status),
				p.truncateMessage(t.Summary, 50),
				t.AgentType,
				fmt.Sprintf("%.2f", t.CalculatedPriority),
				fmt.Sprintf("%d", len(t.Dependencies)),
				p.formatTime(t.SubmittedAt),
			)
		}
	} else {
		b.Headers("ID", "STATUS", "SUMMARY")
		for _, t := range tasks {
			marker := ""
			if p.useIcons && t.Status == task.StatusRunning {
				marker = "● "
			}
			b.Row(p.shortID(t.ID.String()), p.statusLabel(t.Status), marker+p.truncateMessage(t.Summary, 60))
		}
	}
	_ = b.Println()
}

// tableStyle selects the table border/header style to match the printer's
// color setting: a bordered, colored header when color is on, a borderless
// style for plain-text terminals and piped output.
func (p *Printer) tableStyle() table.Style {
	if p.useColor {
		return table.DefaultStyle()
	}
	return table.NoBorderStyle()
}

// PrintTasksJSON displays tasks in JSON format.
func (p *Printer) PrintTasksJSON(tasks []task.Task) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(tasks)
}

// PrintTask displays a single task's full detail.
func (p *Printer) PrintTask(t *task.Task) {
	fmt.Printf("ID:          %s\n", t.ID)
	fmt.Printf("Summary:     %s\n", t.Summary)
	fmt.Printf("Status:      %s\n", p.statusLabel(t.Status))
	fmt.Printf("Agent:       %s\n", t.AgentType)
	fmt.Printf("Priority:    %.2f (base %d)\n", t.CalculatedPriority, t.BasePriority)
	if len(t.Dependencies) > 0 {
		fmt.Printf("Depends on:  %v (%s)\n", t.Dependencies, t.DependencyType)
	}
	if t.ParentTaskID != nil {
		fmt.Printf("Parent:      %s\n", *t.ParentTaskID)
	}
	fmt.Printf("Retries:     %d/%d\n", t.RetryCount, t.MaxRetries)
	fmt.Printf("Submitted:   %s\n", p.formatTime(t.SubmittedAt))
	if t.StartedAt != nil {
		fmt.Printf("Started:     %s\n", p.formatTime(*t.StartedAt))
	}
	if t.CompletedAt != nil {
		fmt.Printf("Completed:   %s\n", p.formatTime(*t.CompletedAt))
	}
	if t.ErrorMessage != "" {
		fmt.Printf("Error:       %s\n", t.ErrorMessage)
	}
	if t.WorktreePath != "" {
		fmt.Printf("Worktree:    %s\n", t.WorktreePath)
	}
}

// PrintSchedules displays schedules in a styled table.
func (p *Printer) PrintSchedules(schedules []schedule.Schedule) {
	if len(schedules) == 0 {
		fmt.Println("No schedules found")
		return
	}

	b := table.NewWithStyle(p.tableStyle())
	b.Headers("ID", "NAME", "KIND", "ENABLED", "FIRES", "LAST FIRED")
	for _, s := range schedules {
		enabled := "no"
		if s.Enabled {
			enabled = "yes"
		}
		lastFired := "never"
		if s.LastFiredAt != nil {
			lastFired = p.formatTime(*s.LastFiredAt)
		}
		b.Row(p.shortID(s.ID.String()), s.Name, string(s.Kind), enabled, fmt.Sprintf("%d", s.FireCount), lastFired)
	}
	_ = b.Println()
}

// PrintWorktrees displays worktrees in a styled table.
func (p *Printer) PrintWorktrees(worktrees []worktree.Worktree) {
	if len(worktrees) == 0 {
		fmt.Println("No worktrees found")
		return
	}

	b := table.NewWithStyle(p.tableStyle())
	b.Headers("BRANCH", "PATH", "STATUS", "TASK")
	for _, wt := range worktrees {
		b.Row(wt.Branch, wt.Path, string(wt.Status), p.shortID(wt.TaskID.String()))
	}
	_ = b.Println()
}

// PrintConfig displays configuration in a formatted manner.
func (p *Printer) PrintConfig(settings map[string]any) {
	p.printConfigRecursive("", settings)
}

// PrintError displays an error message.
func (p *Printer) PrintError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
}

// PrintSuccess displays a success message.
func (p *Printer) PrintSuccess(message string) {
	fmt.Println(message)
}

// PrintInfo displays an informational message.
func (p *Printer) PrintInfo(message string) {
	fmt.Println(message)
}

func (p *Printer) shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncateMessage truncates a message to the given visual width, handling
// wide runes so multi-byte summaries don't blow out the table columns.
func (p *Printer) truncateMessage(message string, maxWidth int) string {
	if runewidth.StringWidth(message) <= maxWidth {
		return message
	}

	width := 0
	var result []rune
	for _, r := range message {
		if r == '\n' || r == '\t' {
			r = ' '
		}
		rw := runewidth.RuneWidth(r)
		if width+rw > maxWidth-3 {
			break
		}
		result = append(result, r)
		width += rw
	}
	return string(result) + "..."
}

// formatTime formats a time value for display.
func (p *Printer) formatTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}

	now := time.Now()
	diff := now.Sub(t)

	switch {
	case diff < time.Hour:
		return fmt.Sprintf("%d minutes ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%d hours ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%d days ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// printConfigRecursive recursively prints configuration values.
func (p *Printer) printConfigRecursive(prefix string, data any) {
	switch v := data.(type) {
	case map[string]any:
		for key, value := range v {
			newPrefix := key
			if prefix != "" {
				newPrefix = prefix + "." + key
			}
			p.printConfigRecursive(newPrefix, value)
		}
	default:
		fmt.Printf("%s = %v\n", prefix, v)
	}
}
