package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexushub/internal/config"
)

// buildAgentsCmd creates the "agents" command group for inspecting the
// configured agent roster.
func buildAgentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Inspect configured agents",
	}
	cmd.AddCommand(buildAgentsListCmd())
	return cmd
}

func buildAgentsListCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the agents defined in the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printAgentsList(cmd.OutOrStdout(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "nexushub.config.json", "Path to the agents JSON configuration file")
	return cmd
}

func printAgentsList(out io.Writer, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if len(cfg.Agents) == 0 {
		fmt.Fprintln(out, "No agents defined.")
		return nil
	}

	fmt.Fprintln(out, "ID          TYPE      PROVIDER        VISIBLE  APIEXPOSED")
	fmt.Fprintln(out, "----------  --------  --------------  -------  ----------")
	for _, agent := range cfg.Agents {
		provider := "-"
		if agent.Chat != nil {
			provider = string(agent.Chat.Provider)
		} else if agent.External != nil {
			provider = "external"
		}
		fmt.Fprintf(out, "%-10s  %-8s  %-14s  %-7t  %t\n", agent.AgentID, agent.Type, provider, agent.IsUIVisible(), agent.APIExposed)
	}
	return nil
}
