// Package chain interprets the structured output of a chain-of-thought or
// decomposition substrate response: advancing a linear chain to its next
// step, or splitting a task into parallel children. Agent CLIs frequently
// wrap their structured output in a markdown code fence, so parsing here
// strips that before decoding JSON.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/taskforge/queue/internal/queue"
	"github.com/taskforge/queue/internal/queueerr"
	"github.com/taskforge/queue/pkg/task"
)

// Handler advances chains and decomposes tasks based on substrate output.
type Handler struct {
	queue *queue.Queue
}

// New constructs a Handler over q.
func New(q *queue.Queue) *Handler {
	return &Handler{queue: q}
}

// chainStep is the structured payload a substrate emits to continue a
// chain: the result of the current step plus the next step's definition.
type chainStep struct {
	StepResult  json.RawMessage `json:"step_result"`
	NextSummary string          `json:"next_summary"`
	NextAgent   string          `json:"next_agent_type"`
	NextInput   json.RawMessage `json:"next_input"`
	FeatureName string          `json:"feature_branch"`
	Final       bool            `json:"final"`
}

// decomposition is the structured payload describing the subtasks a parent
// splits into.
type decomposition struct {
	Children []struct {
		Summary     string          `json:"summary"`
		Description string          `json:"description"`
		AgentType   string          `json:"agent_type"`
		InputData   json.RawMessage `json:"input_data"`
	} `json:"children"`
	DependencyType string `json:"dependency_type"`
}

// Advance applies a chainStep payload: if Final, the current task is completed
// with the step's result; otherwise the current task's result is recorded
// and a follow-on task is submitted carrying forward the chain's identity
// via a deterministic idempotency key, so a replayed substrate response
// never creates a duplicate next step.
func (h *Handler) Advance(ctx context.Context, current *task.Task, raw json.RawMessage) error {
	payload, err := decode[chainStep](raw)
	if err != nil {
		return queueerr.Wrap(queueerr.KindValidation, err, "parse chain step for task %s", current.ID)
	}

	if payload.Final {
		_, err := h.queue.ReportOutcome(ctx, current.ID, queue.Outcome{Success: true, ResultData: payload.StepResult})
		return err
	}

	if _, err := h.queue.ReportOutcome(ctx, current.ID, queue.Outcome{Success: true, ResultData: payload.StepResult}); err != nil {
		return err
	}

	root := current.ID
	if current.ParentTaskID != nil {
		root = *current.ParentTaskID
	}
	siblings, err := h.queue.ListChildren(ctx, root)
	if err != nil {
		return err
	}
	stepIndex := len(siblings) + 1

	next := task.New(payload.NextSummary, "", payload.NextAgent)
	next.InputData = payload.NextInput
	next.ParentTaskID = &root
	next.FeatureBranch = payload.FeatureName
	next.IdempotencyKey = fmt.Sprintf("chain:%s:step:%d", root, stepIndex)
	next.BasePriority = current.BasePriority
	if current.WorktreePath != "" {
		next.WorktreePath = current.WorktreePath
	}

	_, err = h.queue.Submit(ctx, next)
	return err
}

// Decompose applies a decomposition payload: the parent transitions to
// AwaitingChildren and every child is submitted with an idempotency key
// derived from the parent id and child index, so re-delivery of the same
// substrate response folds into the existing children instead of
// duplicating them.
func (h *Handler) Decompose(ctx context.Context, parent *task.Task, raw json.RawMessage) error {
	payload, err := decode[decomposition](raw)
	if err != nil {
		return queueerr.Wrap(queueerr.KindValidation, err, "parse decomposition for task %s", parent.ID)
	}

	depType := task.DependencyParallel
	if payload.DependencyType == string(task.DependencySequential) {
		depType = task.DependencySequential
	}

	children := make([]*task.Task, 0, len(payload.Children))
	for i, c := range payload.Children {
		child := task.New(c.Summary, c.Description, c.AgentType)
		child.InputData = c.InputData
		child.ParentTaskID = &parent.ID
		child.DependencyType = depType
		child.BasePriority = parent.BasePriority
		child.IdempotencyKey = fmt.Sprintf("decomp:%s:step1:%d", parent.ID, i)
		if parent.WorktreePath != "" {
			child.WorktreePath = parent.WorktreePath
		}
		children = append(children, child)
	}

	_, err = h.queue.Decompose(ctx, parent.ID, children)
	return err
}

// decode strips a surrounding markdown code fence, if present, before
// unmarshalling raw into T. The opening fence line, language tag included,
// is dropped; a fence with no closing ``` is an error.
func decode[T any](raw json.RawMessage) (T, error) {
	var out T
	s := strings.TrimSpace(string(raw))
	if strings.HasPrefix(s, "```") {
		body, closed := strings.CutSuffix(s[3:], "```")
		nl := strings.IndexByte(body, '\n')
		if !closed || nl < 0 {
			return out, fmt.Errorf("unmatched markdown code fence")
		}
		s = strings.TrimSpace(body[nl+1:])
	}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return out, err
	}
	return out, nil
}
