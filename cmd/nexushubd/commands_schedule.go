package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// buildScheduleCmd creates the "schedule" command group for operator
// control of cron-fired agent runs.
func buildScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron-scheduled agent runs",
	}
	cmd.AddCommand(buildScheduleTriggerCmd())
	return cmd
}

func buildScheduleTriggerCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		force      bool
	)
	cmd := &cobra.Command{
		Use:   "trigger <agentId> <scheduleId>",
		Short: "Manually fire an agent's schedule outside its cron cadence",
		Long: `Fire agentId's scheduleId immediately and wait for the run to finish.

--force bypasses both the schedule's preCheck and its maxConcurrent cap,
matching the operator "run now" affordance.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduleTrigger(cmd, configPath, logLevel, args[0], args[1], force)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "nexushub.config.json", "Path to the agents JSON configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level: debug|info|warn|error")
	cmd.Flags().BoolVar(&force, "force", false, "Bypass preCheck and maxConcurrent")
	return cmd
}

// runScheduleTrigger wires the collaborators needed to fire a single
// schedule without starting the cron runner or an HTTP listener: TriggerRun
// runs fireInternal synchronously, so by the time it returns the
// ExecutionStore already has the record to print.
func runScheduleTrigger(cmd *cobra.Command, configPath, logLevel, agentID, scheduleID string, force bool) error {
	w, err := wireCollaborators(configPath, logLevel, "text")
	if err != nil {
		return err
	}
	defer w.close()

	if err := w.sched.TriggerRun(agentID, scheduleID, force); err != nil {
		return fmt.Errorf("triggering %s/%s: %w", agentID, scheduleID, err)
	}

	records, err := w.sched.History(agentID, scheduleID, 1)
	if err != nil || len(records) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "triggered %s/%s\n", agentID, scheduleID)
		return nil
	}
	rec := records[0]
	fmt.Fprintf(cmd.OutOrStdout(), "outcome=%s duration=%dms detail=%q\n", rec.Outcome, rec.DurationMs, rec.Detail)
	return nil
}
