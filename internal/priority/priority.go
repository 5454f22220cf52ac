// Package priority computes a task's effective scheduling priority from its
// base priority, dependency depth, age, deadline proximity, and retry
// history. The function is pure and monotonic in each input so the
// dispatcher's ordering never regresses a task relative to an identical
// twin submitted earlier.
package priority

import (
	"math"
	"time"

	"github.com/taskforge/queue/pkg/task"
)

const (
	depthWeight        = 0.1
	maxAgeBonus        = 1.0
	ageBonusPerMinute  = 0.01
	deadlineWindow     = 24 * time.Hour
	maxDeadlineBonus   = 2.0
	retryPenaltyPerTry = 0.5
)

// Calculate returns t's effective priority as of now: the base priority
// plus a depth bonus (deeper dependency chains get a slight boost so their
// long tails start early), an age bonus capped at maxAgeBonus, a deadline
// proximity bonus that ramps up inside deadlineWindow, and a penalty for
// prior retries.
func Calculate(t *task.Task, now time.Time) float64 {
	score := float64(t.BasePriority)
	score += depthWeight * float64(t.DependencyDepth)
	score += ageBonus(t, now)
	score += deadlineBonus(t, now)
	score -= retryPenaltyPerTry * float64(t.RetryCount)
	return score
}

func ageBonus(t *task.Task, now time.Time) float64 {
	age := now.Sub(t.SubmittedAt)
	if age <= 0 {
		return 0
	}
	bonus := age.Minutes() * ageBonusPerMinute
	return math.Min(bonus, maxAgeBonus)
}

func deadlineBonus(t *task.Task, now time.Time) float64 {
	if t.Deadline == nil {
		return 0
	}
	remaining := t.Deadline.Sub(now)
	if remaining <= 0 {
		return maxDeadlineBonus
	}
	if remaining >= deadlineWindow {
		return 0
	}
	fraction := 1 - float64(remaining)/float64(deadlineWindow)
	return fraction * maxDeadlineBonus
}
