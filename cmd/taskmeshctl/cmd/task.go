package cmd

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/spf13/cobra"

	apperrors "github.com/kandev/taskmesh/internal/common/errors"
	"github.com/kandev/taskmesh/internal/task/model"
)

var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func validateTaskIDArg(taskID string) error {
	if !taskIDPattern.MatchString(taskID) {
		return apperrors.InvalidID(taskID)
	}
	return nil
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and inspect tasks",
}

var (
	taskCreateTitle       string
	taskCreateTopology    string
	taskCreateDescription string
)

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new task",
	RunE: func(cmd *cobra.Command, args []string) error {
		var topology model.Topology
		switch taskCreateTopology {
		case "swarm":
			topology = model.TopologySwarm
		case "squad":
			topology = model.TopologySquad
		default:
			return fmt.Errorf("invalid --topology %q (expected one of: swarm, squad)", taskCreateTopology)
		}

		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		resp, err := o.CreateTask(model.CreateTaskRequest{
			Title:       taskCreateTitle,
			Description: taskCreateDescription,
			Topology:    topology,
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(resp)
		}
		fmt.Println(resp.ID)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every task",
	RunE: func(cmd *cobra.Command, args []string) error {
		o, err := newOrchestrator()
		if err != nil {
			return err
		}
		tasks, err := o.ListTasks()
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(tasks)
		}
		for _, t := range tasks {
			fmt.Printf("%s\t%s\t%s\n", t.ID, t.State, t.Title)
		}
		return nil
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task",
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

		if jsonOutput {
			return printJSON(task)
		}
		fmt.Printf("id: %s\n", task.ID)
		fmt.Printf("title: %s\n", task.Title)
		if task.Description != "" {
			fmt.Printf("description: %s\n", task.Description)
		}
		fmt.Printf("topology: %s\n", task.Topology)
		fmt.Printf("state: %s\n", task.State)
		fmt.Printf("createdAt: %s\n", task.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
		fmt.Printf("updatedAt: %s\n", task.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
		fmt.Printf("milestones: %d\n", len(task.Milestones))
		fmt.Printf("roster: %d\n", len(task.Roster))
		fmt.Printf("gates: %d\n", len(task.Gates))
		return nil
	},
}

var (
	taskEventsLimit      int
	taskEventsOffset     int
	taskEventsTypePrefix string
)

var taskEventsCmd = &cobra.Command{
	Use:   "events <task-id>",
	Short: "List a task's append-only event log",
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
		// Surface a consistent not-found exit code before reading events.
		if _, err := o.GetTask(taskID); err != nil {
			return err
		}

		events, err := o.GetTaskEvents(taskID, taskEventsTypePrefix, taskEventsLimit, taskEventsOffset)
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(events)
		}
		for _, e := range events {
			by := e.By
			if by == "" {
				by = "-"
			}
			fmt.Printf("%s\t%s\tby=%s\n", e.Timestamp.Format("2006-01-02T15:04:05Z07:00"), e.Type, by)
		}
		return nil
	},
}

func printJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskCreateCmd, taskListCmd, taskShowCmd, taskEventsCmd)

	taskCreateCmd.Flags().StringVar(&taskCreateTitle, "title", "", "task title")
	taskCreateCmd.Flags().StringVar(&taskCreateTopology, "topology", "", "task topology: swarm or squad")
	taskCreateCmd.Flags().StringVar(&taskCreateDescription, "description", "", "task description")
	_ = taskCreateCmd.MarkFlagRequired("title")
	_ = taskCreateCmd.MarkFlagRequired("topology")

	taskEventsCmd.Flags().IntVar(&taskEventsLimit, "limit", 50, "maximum number of events to return")
	taskEventsCmd.Flags().IntVar(&taskEventsOffset, "offset", 0, "number of events to skip")
	taskEventsCmd.Flags().StringVar(&taskEventsTypePrefix, "type-prefix", "", "only include events whose type has this dotted prefix")
}
