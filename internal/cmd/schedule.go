package cmd

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/taskforge/queue/pkg/schedule"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage recurring and one-shot task schedules",
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleCreateCmd, scheduleListCmd, scheduleRemoveCmd)

	scheduleCreateCmd.Flags().StringVar(&scheduleCron, "cron", "", "5-field cron expression (mutually exclusive with --every/--at)")
	scheduleCreateCmd.Flags().DurationVar(&scheduleEvery, "every", 0, "fire on a fixed interval (mutually exclusive with --cron/--at)")
	scheduleCreateCmd.Flags().StringVar(&scheduleAt, "at", "", "fire once at this RFC3339 timestamp (mutually exclusive with --cron/--every)")
	scheduleCreateCmd.Flags().StringVar(&scheduleAgentType, "agent", "coder", "agent type of tasks this schedule fires")
	scheduleCreateCmd.Flags().StringVar(&scheduleDescription, "description", "", "description carried by tasks this schedule fires")
	scheduleCreateCmd.Flags().IntVar(&schedulePriority, "priority", 5, "base priority of tasks this schedule fires")
	scheduleCreateCmd.Flags().StringVar(&scheduleOverlap, "overlap", "skip", "overlap policy: skip, allow, cancel_previous")
	scheduleCreateCmd.Flags().BoolVar(&scheduleDisabled, "disabled", false, "create the schedule disabled")
}

var (
	scheduleCron        string
	scheduleEvery       time.Duration
	scheduleAt          string
	scheduleAgentType   string
	scheduleDescription string
	schedulePriority    int
	scheduleOverlap     string
	scheduleDisabled    bool
)

var scheduleCreateCmd = &cobra.Command{
	Use:   "create <name> <summary>",
	Short: "Create a schedule",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAppContext()
		if err != nil {
			return err
		}
		defer func() { _ = app.Close() }()

		sc := &schedule.Schedule{
			ID:              uuid.New(),
			Name:            args[0],
			TaskSummary:     args[1],
			TaskDescription: scheduleDescription,
			AgentType:       scheduleAgentType,
			TaskPriority:    schedulePriority,
			Overlap:         schedule.OverlapPolicy(scheduleOverlap),
			Enabled:         !scheduleDisabled,
			CreatedAt:       time.Now(),
			UpdatedAt:       time.Now(),
		}

		switch {
		case scheduleCron != "":
			sc.Kind = schedule.KindCron
			sc.CronExpr = scheduleCron
		case scheduleEvery > 0:
			sc.Kind = schedule.KindInterval
			sc.Interval = scheduleEvery
		case scheduleAt != "":
			sc.Kind = schedule.KindOnce
			at, err := time.Parse(time.RFC3339, scheduleAt)
			if err != nil {
				return fmt.Errorf("schedule create: invalid --at timestamp %q: %w", scheduleAt, err)
			}
			sc.RunAt = &at
		default:
			return fmt.Errorf("schedule create: exactly one of --cron, --every, --at is required")
		}

		if err := sc.Validate(); err != nil {
			return err
		}
		if err := app.store.Schedules().Create(cmd.Context(), sc); err != nil {
			return err
		}

		fmt.Printf("created schedule %s (%s)\n", sc.ID, sc.Name)
		return nil
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAppContext()
		if err != nil {
			return err
		}
		defer func() { _ = app.Close() }()

		schedules, err := app.store.Schedules().List(cmd.Context())
		if err != nil {
			return err
		}
		flat := make([]schedule.Schedule, len(schedules))
		for i, sc := range schedules {
			flat[i] = *sc
		}
		app.printer.PrintSchedules(flat)
		return nil
	},
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove <schedule-id>",
	Short: "Remove a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := newAppContext()
		if err != nil {
			return err
		}
		defer func() { _ = app.Close() }()

		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("schedule remove: invalid schedule id %q: %w", args[0], err)
		}
		return app.store.Schedules().Remove(cmd.Context(), id)
	},
}
