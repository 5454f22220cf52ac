// Package finder provides fuzzy finder integration for interactively
// selecting tasks and schedules from the command line.
package finder

import (
	"fmt"
	"strings"
	"time"

	"github.com/ktr0731/go-fuzzyfinder"

	"github.com/taskforge/queue/pkg/task"
)

// Config controls finder presentation.
type Config struct {
	Preview bool
}

// Finder provides fuzzy finder functionality over tasks.
type Finder struct {
	config Config
}

// New creates a new Finder instance.
func New(config Config) *Finder {
	return &Finder{config: config}
}

// SelectTask displays a fuzzy finder for single task selection.
func (f *Finder) SelectTask(tasks []task.Task) (*task.Task, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no tasks available")
	}

	opts := []fuzzyfinder.Option{
		fuzzyfinder.WithPromptString("Select task> "),
	}
	if f.config.Preview {
		opts = append(opts, fuzzyfinder.WithPreviewWindow(func(i, w, h int) string {
			if i == -1 {
				return ""
			}
			return f.generateTaskPreview(tasks[i], h)
		}))
	}

	idx, err := fuzzyfinder.Find(tasks, func(i int) string {
		return f.taskLine(tasks[i])
	}, opts...)
	if err != nil {
		return nil, err
	}

	return &tasks[idx], nil
}

// SelectMultipleTasks displays a fuzzy finder for multiple task selection.
func (f *Finder) SelectMultipleTasks(tasks []task.Task) ([]task.Task, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("no tasks available")
	}

	opts := []fuzzyfinder.Option{
		fuzzyfinder.WithPromptString("Select tasks (Tab to select multiple)> "),
	}
	if f.config.Preview {
		opts = append(opts, fuzzyfinder.WithPreviewWindow(func(i, w, h int) string {
			if i == -1 {
				return ""
			}
			return f.generateTaskPreview(tasks[i], h)
		}))
	}

	indices, err := fuzzyfinder.FindMulti(tasks, func(i int) string {
		return f.taskLine(tasks[i])
	}, opts...)
	if err != nil {
		return nil, err
	}

	selected := make([]task.Task, len(indices))
	for i, idx := range indices {
		selected[i] = tasks[idx]
	}
	return selected, nil
}

func (f *Finder) taskLine(t task.Task) string {
	marker := ""
	switch t.Status {
	case task.StatusRunning:
		marker = "● "
	case task.StatusFailed:
		marker = "✗ "
	case task.StatusCompleted:
		marker = "✓ "
	}
	return fmt.Sprintf("%s%s [%s] %s", marker, t.ID.String()[:8], t.Status, t.Summary)
}

// generateTaskPreview generates preview content for a task.
func (f *Finder) generateTaskPreview(t task.Task, maxLines int) string {
	preview := []string{
		fmt.Sprintf("ID: %s", t.ID),
		fmt.Sprintf("Status: %s", t.Status),
		fmt.Sprintf("Agent: %s", t.AgentType),
		fmt.Sprintf("Priority: %.2f", t.CalculatedPriority),
		fmt.Sprintf("Submitted: %s ago", formatDuration(time.Since(t.SubmittedAt))),
	}

	if len(t.Dependencies) > 0 {
		preview = append(preview, fmt.Sprintf("Depends on: %d task(s) (%s)", len(t.Dependencies), t.DependencyType))
	}
	if t.RetryCount > 0 {
		preview = append(preview, fmt.Sprintf("Retries: %d/%d", t.RetryCount, t.MaxRetries))
	}
	if t.ErrorMessage != "" {
		preview = append(preview, "", "Error:", truncateMessage(t.ErrorMessage, 200))
	}
	if t.Description != "" {
		preview = append(preview, "", "Description:", truncateMessage(t.Description, 300))
	}

	if len(preview) > maxLines && maxLines > 0 {
		preview = preview[:maxLines]
	}

	return strings.Join(preview, "\n")
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		mins := int(d.Minutes())
		if mins == 1 {
			return "1 min"
		}
		return fmt.Sprintf("%d mins", mins)
	case d < 24*time.Hour:
		hours := int(d.Hours())
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	default:
		days := int(d.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

// truncateMessage truncates a message to the specified length.
func truncateMessage(message string, maxLen int) string {
	if len(message) > maxLen {
		return message[:maxLen-3] + "..."
	}
	return message
}
