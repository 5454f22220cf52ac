package priority

import (
	"math"
	"testing"
	"time"

	"github.com/taskforge/queue/pkg/task"
)

func baseTask(priority int) *task.Task {
	t := task.New("s", "", "coder")
	t.BasePriority = priority
	t.SubmittedAt = time.Now()
	return t
}

func TestCalculateExactScore(t *testing.T) {
	now := time.Now()
	tk := baseTask(5)
	tk.SubmittedAt = now.Add(-10 * time.Minute)
	tk.DependencyDepth = 2
	tk.RetryCount = 1

	// base 5 + 0.1 per depth level + 0.01 per minute of age - 0.5 per retry
	want := 5.0 + 0.1*2 + 0.01*10 - 0.5*1
	if got := Calculate(tk, now); math.Abs(got-want) > 1e-9 {
		t.Errorf("Calculate() = %f, want %f", got, want)
	}
}

func TestCalculateMonotonicInBasePriority(t *testing.T) {
	now := time.Now()
	low := baseTask(2)
	high := baseTask(8)

	if Calculate(low, now) >= Calculate(high, now) {
		t.Errorf("higher base_priority should yield strictly higher calculated_priority")
	}
}

func TestCalculateDepthBonus(t *testing.T) {
	now := time.Now()
	shallow := baseTask(5)
	deep := baseTask(5)
	deep.DependencyDepth = 3

	if Calculate(deep, now) <= Calculate(shallow, now) {
		t.Errorf("deeper dependency chains should score higher, all else equal")
	}
}

func TestCalculateAgeBonusCapped(t *testing.T) {
	now := time.Now()
	ancient := baseTask(5)
	ancient.SubmittedAt = now.Add(-365 * 24 * time.Hour)

	score := Calculate(ancient, now)
	fresh := baseTask(5)
	fresh.SubmittedAt = now
	freshScore := Calculate(fresh, now)

	if score-freshScore > maxAgeBonus+0.001 {
		t.Errorf("age bonus exceeded cap: got delta %f, want <= %f", score-freshScore, maxAgeBonus)
	}
}

func TestCalculateDeadlineProximityIncreasesScore(t *testing.T) {
	now := time.Now()
	noDeadline := baseTask(5)

	soon := baseTask(5)
	deadline := now.Add(time.Hour)
	soon.Deadline = &deadline

	far := baseTask(5)
	farDeadline := now.Add(48 * time.Hour)
	far.Deadline = &farDeadline

	if Calculate(soon, now) <= Calculate(noDeadline, now) {
		t.Errorf("an approaching deadline should raise priority above a task with none")
	}
	if Calculate(soon, now) <= Calculate(far, now) {
		t.Errorf("a nearer deadline should score higher than a distant one")
	}
}

func TestCalculateRetryPenalty(t *testing.T) {
	now := time.Now()
	fresh := baseTask(5)
	retried := baseTask(5)
	retried.RetryCount = 2

	if Calculate(retried, now) >= Calculate(fresh, now) {
		t.Errorf("retries should lower priority relative to an unretried twin")
	}
}
