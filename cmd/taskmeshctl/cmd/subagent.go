package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kandev/taskmesh/internal/supervisor"
	"github.com/kandev/taskmesh/internal/task/model"
)

var subagentCmd = &cobra.Command{
	Use:   "subagent",
	Short: "Spawn and manage a task's agent instances",
}

var (
	subagentSpawnInstance  string
	subagentSpawnAgent     string
	subagentSpawnCwd       string
	subagentSpawnVendorBin string
)

var subagentSpawnCmd = &cobra.Command{
	Use:   "spawn <task-id> <prompt>",
	Short: "Spawn a batch agent instance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, prompt := args[0], args[1]
		if err := validateTaskIDArg(taskID); err != nil {
			return err
		}

		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		if _, err := o.GetTask(taskID); err != nil {
			return err
		}

		req := supervisor.SpawnRequest{
			TaskID:     taskID,
			InstanceID: subagentSpawnInstance,
			Agent:      subagentSpawnAgent,
			Cwd:        subagentSpawnCwd,
			Prompt:     prompt,
			VendorBin:  subagentSpawnVendorBin,
		}
		if err := o.SubagentSpawn(context.Background(), req); err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(map[string]string{"agentInstance": subagentSpawnInstance})
		}
		fmt.Println(subagentSpawnInstance)
		return nil
	},
}

var subagentListCmd = &cobra.Command{
	Use:   "list <task-id>",
	Short: "List a task's agent instances and their derived status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID := args[0]
		if err := validateTaskIDArg(taskID); err != nil {
			return err
		}

		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		task, statuses, err := o.SubagentList(taskID)
		if err != nil {
			return err
		}

		if jsonOutput {
			type entry struct {
				AgentInstance string `json:"agentInstance"`
				Agent         string `json:"agent"`
				Status        string `json:"status"`
			}
			entries := make([]entry, 0, len(task.Roster))
			for _, a := range task.Roster {
				entries = append(entries, entry{AgentInstance: a.InstanceID, Agent: a.Agent, Status: string(statuses[a.InstanceID])})
			}
			return printJSON(entries)
		}
		for _, a := range task.Roster {
			fmt.Printf("%s\t%s\t%s\n", a.InstanceID, statuses[a.InstanceID], a.Agent)
		}
		return nil
	},
}

var subagentWaitAnyTimeoutSeconds int

var subagentWaitAnyCmd = &cobra.Command{
	Use:   "wait-any <task-id>",
	Short: "Block until one agent instance leaves the running state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID := args[0]
		if err := validateTaskIDArg(taskID); err != nil {
			return err
		}

		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		task, err := o.GetTask(taskID)
		if err != nil {
			return err
		}

		timeoutSeconds := subagentWaitAnyTimeoutSeconds
		if !cmd.Flags().Changed("timeout-seconds") {
			timeoutSeconds = task.Config.TimeoutSeconds
			if timeoutSeconds <= 0 {
				timeoutSeconds = model.DefaultTaskConfig().TimeoutSeconds
			}
		}

		instanceID, status, err := o.SubagentWaitAny(context.Background(), taskID, time.Duration(timeoutSeconds)*time.Second)
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(map[string]string{"agentInstance": instanceID, "status": string(status)})
		}
		fmt.Printf("%s\t%s\n", instanceID, status)
		return nil
	},
}

var subagentCancelCmd = &cobra.Command{
	Use:   "cancel <task-id> <agent-instance>",
	Short: "Escalate a graded shutdown signal to one agent instance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID, instanceID := args[0], args[1]
		if err := validateTaskIDArg(taskID); err != nil {
			return err
		}

		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		if err := o.SubagentCancel(context.Background(), taskID, instanceID); err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(map[string]interface{}{"agentInstance": instanceID, "cancelled": true})
		}
		fmt.Printf("cancelled\t%s\n", instanceID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(subagentCmd)
	subagentCmd.AddCommand(subagentSpawnCmd, subagentListCmd, subagentWaitAnyCmd, subagentCancelCmd)

	subagentSpawnCmd.Flags().StringVar(&subagentSpawnInstance, "instance", "", "agent instance id")
	subagentSpawnCmd.Flags().StringVar(&subagentSpawnAgent, "agent", "", "agent role name")
	subagentSpawnCmd.Flags().StringVar(&subagentSpawnCwd, "cwd", ".", "worker execution directory")
	subagentSpawnCmd.Flags().StringVar(&subagentSpawnVendorBin, "vendor-bin", "", "vendor tool binary override")
	_ = subagentSpawnCmd.MarkFlagRequired("instance")
	_ = subagentSpawnCmd.MarkFlagRequired("agent")

	subagentWaitAnyCmd.Flags().IntVar(&subagentWaitAnyTimeoutSeconds, "timeout-seconds", 0, "override the wait deadline (defaults to the task's configured timeoutSeconds)")
}
