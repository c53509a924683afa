// Command nexushubd is the process entry point: it loads configuration,
// wires every Session Hub collaborator (registry, index, event store, tool
// host, history providers, scheduler, external-agent dispatcher), and
// serves the wire protocol over HTTP/WebSocket plus a Prometheus /metrics
// endpoint. Grounded on the teacher's cmd/nexus command-tree shape
// (commands.go builds one cobra.Command per subsystem action, main.go only
// assembles the root command and calls Execute).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nexushubd",
		Short: "nexushubd hosts the multi-agent conversation Session Hub",
	}
	cmd.AddCommand(buildServeCmd())
	cmd.AddCommand(buildValidateConfigCmd())
	cmd.AddCommand(buildAgentsCmd())
	cmd.AddCommand(buildSessionsCmd())
	cmd.AddCommand(buildScheduleCmd())
	return cmd
}
