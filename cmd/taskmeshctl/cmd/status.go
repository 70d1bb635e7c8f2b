package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orchestrator liveness and active/max agent counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		status := o.Status()

		if jsonOutput {
			return printJSON(status)
		}
		fmt.Printf("orchestrator: %s\n", status.Orchestrator)
		fmt.Printf("vendorAdapter: %s\n", status.VendorAdapter)
		fmt.Printf("activeAgents: %d\n", status.ActiveAgents)
		fmt.Printf("maxAgents: %d\n", status.MaxAgents)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
