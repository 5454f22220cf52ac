package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/taskforge/queue/internal/queue"
	"github.com/taskforge/queue/pkg/task"
)

var (
	submitDescription  string
	submitAgentType    string
	submitPriority     int
	submitDependencies []string
	submitParallel     bool
	submitMaxRetries   int
	submitInputData    string
	submitIdempotency  string
	submitFile         string
)

func init() {
	submitCmd.Flags().StringVar(&submitDescription, "description", "", "longer description of the task")
	submitCmd.Flags().StringVar(&submitAgentType, "agent", "coder", "agent type to execute this task")
	submitCmd.Flags().IntVar(&submitPriority, "priority", 5, "base priority, 0-10")
	submitCmd.Flags().StringSliceVar(&submitDependencies, "depends-on", nil, "task IDs this task depends on")
	submitCmd.Flags().BoolVar(&submitParallel, "parallel-deps", false, "dependencies are satisfied by any terminal state, not just completion")
	submitCmd.Flags().IntVar(&submitMaxRetries, "max-retries", 3, "maximum automatic retries on failure")
	submitCmd.Flags().StringVar(&submitInputData, "input", "", "JSON input data passed to the agent")
	submitCmd.Flags().StringVar(&submitIdempotency, "idempotency-key", "", "dedupe key; resubmission with the same key returns the existing task")
	submitCmd.Flags().StringVar(&submitFile, "file", "", "submit every task defined in a YAML batch file instead of a single summary")
	rootCmd.AddCommand(submitCmd)
}

var submitCmd = &cobra.Command{
	Use:   "submit [summary]",
	Short: "Submit a new task to the queue",
	Long: `submit creates a task and inserts it into the dependency graph.
A task with no dependencies becomes Ready immediately; otherwise it starts
Blocked until every dependency reaches a satisfying terminal state.

With --file, a YAML batch of tasks is submitted instead: entries are
submitted in file order, and an entry's "depends_on" may reference an
earlier entry's "key" as well as an existing task id, so a batch can
describe its own internal dependency graph.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAppContext()
		if err != nil {
			return err
		}
		defer func() { _ = app.Close() }()

		if submitFile != "" {
			return submitBatch(cmd.Context(), app.queue, submitFile)
		}
		if len(args) != 1 {
			return fmt.Errorf("submit: a summary argument is required unless --file is given")
		}

		t := task.New(args[0], submitDescription, submitAgentType)
		t.BasePriority = submitPriority
		t.MaxRetries = submitMaxRetries
		t.IdempotencyKey = submitIdempotency
		if submitParallel {
			t.DependencyType = task.DependencyParallel
		}
		if submitInputData != "" {
			if !json.Valid([]byte(submitInputData)) {
				return fmt.Errorf("submit: --input is not valid JSON")
			}
			t.InputData = json.RawMessage(submitInputData)
		}
		for _, dep := range submitDependencies {
			id, err := uuid.Parse(dep)
			if err != nil {
				return fmt.Errorf("submit: invalid dependency id %q: %w", dep, err)
			}
			t.Dependencies = append(t.Dependencies, id)
		}

		created, err := app.queue.Submit(cmd.Context(), t)
		if err != nil {
			return err
		}

		app.printer.PrintTask(created)
		return nil
	},
}

// batchFile is the YAML shape of a --file submission: a flat list of task
// entries that may reference each other by key before any of them have a
// real task id.
type batchFile struct {
	Tasks []batchEntry `yaml:"tasks"`
}

type batchEntry struct {
	Key            string          `yaml:"key"`
	Summary        string          `yaml:"summary"`
	Description    string          `yaml:"description"`
	AgentType      string          `yaml:"agent_type"`
	Priority       int             `yaml:"priority"`
	DependsOn      []string        `yaml:"depends_on"`
	ParallelDeps   bool            `yaml:"parallel_deps"`
	MaxRetries     int             `yaml:"max_retries"`
	InputData      json.RawMessage `yaml:"input_data"`
	IdempotencyKey string          `yaml:"idempotency_key"`
}

// submitBatch reads a YAML batch file and submits every entry in order,
// resolving depends_on references against earlier entries' keys before
// falling back to treating the reference as a literal task id.
func submitBatch(ctx context.Context, q *queue.Queue, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("submit: read batch file %s: %w", path, err)
	}

	var batch batchFile
	if err := yaml.Unmarshal(raw, &batch); err != nil {
		return fmt.Errorf("submit: parse batch file %s: %w", path, err)
	}

	keyToID := make(map[string]uuid.UUID, len(batch.Tasks))
	for i, entry := range batch.Tasks {
		if entry.Summary == "" {
			return fmt.Errorf("submit: batch entry %d missing summary", i)
		}
		agentType := entry.AgentType
		if agentType == "" {
			agentType = "coder"
		}
		t := task.New(entry.Summary, entry.Description, agentType)
		if entry.Priority > 0 {
			t.BasePriority = entry.Priority
		}
		if entry.MaxRetries > 0 {
			t.MaxRetries = entry.MaxRetries
		}
		t.InputData = entry.InputData
		t.IdempotencyKey = entry.IdempotencyKey
		if entry.ParallelDeps {
			t.DependencyType = task.DependencyParallel
		}

		for _, ref := range entry.DependsOn {
			if id, ok := keyToID[ref]; ok {
				t.Dependencies = append(t.Dependencies, id)
				continue
			}
			id, err := uuid.Parse(ref)
			if err != nil {
				return fmt.Errorf("submit: batch entry %d depends_on %q is neither an earlier key nor a task id", i, ref)
			}
			t.Dependencies = append(t.Dependencies, id)
		}

		created, err := q.Submit(ctx, t)
		if err != nil {
			return fmt.Errorf("submit: batch entry %d (%q): %w", i, entry.Summary, err)
		}
		if entry.Key != "" {
			keyToID[entry.Key] = created.ID
		}
		fmt.Printf("submitted %s: %s (%s)\n", created.ID, created.Summary, created.Status)
	}
	return nil
}
