package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskforge/queue/internal/config"
	"github.com/taskforge/queue/internal/ui"
)

func init() {
	configCmd.AddCommand(configGetCmd, configSetCmd, configListCmd)
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and modify configuration",
}

var configGetCmd = &cobra.Command{
	Use:               "get <key>",
	Short:             "Show one configuration value",
	Args:              cobra.ExactArgs(1),
	ValidArgsFunction: getConfigKeyCompletions,
	RunE: func(cmd *cobra.Command, args []string) error {
		v := config.GetValue(args[0])
		if v == nil {
			return fmt.Errorf("config: unknown key %q", args[0])
		}
		fmt.Printf("%s = %v\n", args[0], v)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:               "set <key> <value>",
	Short:             "Set a configuration value",
	Args:              cobra.ExactArgs(2),
	ValidArgsFunction: getConfigKeyCompletions,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Set(args[0], args[1]); err != nil {
			return fmt.Errorf("config: set %q: %w", args[0], err)
		}
		fmt.Printf("%s = %s\n", args[0], args[1])
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show every configuration value",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ui.New(true, true).PrintConfig(config.AllSettings())
		return nil
	},
}
