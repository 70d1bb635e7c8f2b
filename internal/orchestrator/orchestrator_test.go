package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/taskmesh/internal/common/config"
	"github.com/kandev/taskmesh/internal/common/logger"
	"github.com/kandev/taskmesh/internal/supervisor"
	"github.com/kandev/taskmesh/internal/task/model"
)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	cfg := &config.Config{
		Workspace:  config.WorkspaceConfig{Root: t.TempDir(), Namespace: "taskmesh"},
		Supervisor: config.SupervisorConfig{MaxConcurrentAgents: 2, TimeoutSeconds: 5, PollIntervalMillis: 10},
		VendorTool: config.VendorToolConfig{Bin: "does-not-exist", MaxPoolServers: 4},
	}
	return New(cfg, logger.Default())
}

func TestOrchestratorCreateListGetTask(t *testing.T) {
	o := newTestOrchestrator(t)

	resp, err := o.CreateTask(model.CreateTaskRequest{Title: "Investigate flaky test", Topology: model.TopologySwarm})
	require.NoError(t, err)
	require.NotEmpty(t, resp.ID)

	tasks, err := o.ListTasks()
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, resp.ID, tasks[0].ID)

	task, err := o.GetTask(resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "Investigate flaky test", task.Title)
}

func TestOrchestratorGetTaskEventsFiltersByPrefix(t *testing.T) {
	o := newTestOrchestrator(t)
	resp, err := o.CreateTask(model.CreateTaskRequest{Title: "T", Topology: model.TopologySwarm})
	require.NoError(t, err)

	events, err := o.GetTaskEvents(resp.ID, "task.", 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "task.created", events[0].Type)

	events, err = o.GetTaskEvents(resp.ID, "agent.", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestOrchestratorSubagentSpawnRejectsInvalidInstanceID(t *testing.T) {
	o := newTestOrchestrator(t)
	resp, err := o.CreateTask(model.CreateTaskRequest{Title: "T", Topology: model.TopologySwarm})
	require.NoError(t, err)

	err = o.SubagentSpawn(context.Background(), supervisor.SpawnRequest{
		TaskID:     resp.ID,
		InstanceID: "bad id with spaces",
		Agent:      "worker",
		Prompt:     "do the thing",
	})
	require.Error(t, err)
}

func TestOrchestratorSubagentListReturnsEmptyRosterForFreshTask(t *testing.T) {
	o := newTestOrchestrator(t)
	resp, err := o.CreateTask(model.CreateTaskRequest{Title: "T", Topology: model.TopologySwarm})
	require.NoError(t, err)

	task, statuses, err := o.SubagentList(resp.ID)
	require.NoError(t, err)
	assert.Empty(t, task.Roster)
	assert.Empty(t, statuses)
}

func TestOrchestratorStatusReportsOnlineWithNoActiveAgents(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.CreateTask(model.CreateTaskRequest{Title: "T", Topology: model.TopologySwarm})
	require.NoError(t, err)

	status := o.Status()
	assert.Equal(t, "online", status.Orchestrator)
	assert.Equal(t, "disconnected", status.VendorAdapter)
	assert.Equal(t, 0, status.ActiveAgents)
	assert.Equal(t, 2, status.MaxAgents)
}
