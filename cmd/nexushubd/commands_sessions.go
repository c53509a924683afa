package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexushub/internal/config"
	"github.com/haasonsaas/nexushub/internal/sessionindex"
)

// buildSessionsCmd creates the "sessions" command group for operator
// inspection of the persisted Session Index.
func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect persisted sessions",
	}
	cmd.AddCommand(buildSessionsListCmd())
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List non-deleted sessions recorded in the session index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printSessionsList(cmd.OutOrStdout(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "nexushub.config.json", "Path to the agents JSON configuration file")
	return cmd
}

func printSessionsList(out io.Writer, configPath string) error {
	_, err := config.Load(configPath)
	if err != nil {
		return err
	}
	env := config.LoadProcessEnv()

	if _, err := os.Stat(env.DataDir); os.IsNotExist(err) {
		fmt.Fprintln(out, "No sessions recorded.")
		return nil
	}

	idx, err := sessionindex.Open(env.DataDir, nil)
	if err != nil {
		return fmt.Errorf("opening session index: %w", err)
	}
	defer idx.Close()

	sessions, err := idx.ListAll()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions recorded.")
		return nil
	}

	fmt.Fprintln(out, "ID                                    AGENT       STATUS     NAME")
	fmt.Fprintln(out, "------------------------------------  ----------  ---------  ----------------")
	for _, s := range sessions {
		fmt.Fprintf(out, "%-36s  %-10s  %-9s  %s\n", s.ID, s.AgentID, s.Status, s.Name)
	}
	return nil
}
