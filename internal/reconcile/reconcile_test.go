package reconcile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/taskmesh/internal/common/logger"
	"github.com/kandev/taskmesh/internal/task/model"
	"github.com/kandev/taskmesh/internal/task/store"
)

func newTestSetup(t *testing.T) (*store.Store, *Reconciler, string) {
	t.Helper()
	s := store.New(t.TempDir(), "taskmesh")
	r := New(s, logger.Default())

	resp, err := s.CreateTask(model.CreateTaskRequest{Title: "T", Topology: model.TopologySwarm})
	require.NoError(t, err)
	return s, r, resp.ID
}

func addRosterEntry(t *testing.T, s *store.Store, taskID string, agent model.AgentInstance) {
	t.Helper()
	task, err := s.ReadTask(taskID)
	require.NoError(t, err)
	task.Roster = append(task.Roster, agent)
	require.NoError(t, s.WriteTask(task))
}

func writeFinalOutput(t *testing.T, r *Reconciler, taskID, instanceID string, out model.WorkerFinalOutput) {
	t.Helper()
	dir := filepath.Join(r.AgentDir(taskID, instanceID), "artifacts")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	data, err := json.Marshal(out)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "final.json"), data, 0o644))
}

func writePID(t *testing.T, r *Reconciler, taskID, instanceID string, pid int) {
	t.Helper()
	dir := filepath.Join(r.AgentDir(taskID, instanceID), "runtime")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pid"), []byte(strconv.Itoa(pid)), 0o644))
}

func TestReconcileMarksCompletedFromFinalOutput(t *testing.T) {
	s, r, taskID := newTestSetup(t)
	addRosterEntry(t, s, taskID, model.AgentInstance{InstanceID: "a1", State: model.AgentActive})
	writeFinalOutput(t, r, taskID, "a1", model.WorkerFinalOutput{Status: model.WorkerSuccess, Summary: "done"})

	task, statuses, err := r.Reconcile(taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, statuses["a1"])
	agent, _ := task.FindAgent("a1")
	assert.Equal(t, model.AgentCompleted, agent.State)

	events, err := s.ReadTaskEvents(taskID, "agent.", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "agent.completed", events[0].Type)
}

func TestReconcileIsIdempotentAndDoesNotDuplicateEvents(t *testing.T) {
	s, r, taskID := newTestSetup(t)
	addRosterEntry(t, s, taskID, model.AgentInstance{InstanceID: "a1", State: model.AgentActive})
	writeFinalOutput(t, r, taskID, "a1", model.WorkerFinalOutput{Status: model.WorkerFailed})

	_, _, err := r.Reconcile(taskID)
	require.NoError(t, err)
	_, _, err = r.Reconcile(taskID)
	require.NoError(t, err)

	events, err := s.ReadTaskEvents(taskID, "agent.", 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestReconcileBlockedCreatesGateAndAdvancesTaskState(t *testing.T) {
	s, r, taskID := newTestSetup(t)
	addRosterEntry(t, s, taskID, model.AgentInstance{InstanceID: "a1", State: model.AgentActive})
	writeFinalOutput(t, r, taskID, "a1", model.WorkerFinalOutput{
		Status:    model.WorkerBlocked,
		Questions: []string{"which branch?", "which reviewer?"},
	})

	task, statuses, err := r.Reconcile(taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, statuses["a1"])
	assert.Equal(t, model.TaskInputRequired, task.State)

	gate, found := task.FindGate("gate-a1")
	require.True(t, found)
	assert.Equal(t, model.GateBlocked, gate.State)
	assert.Contains(t, gate.Reason, "which branch?")
	assert.Contains(t, gate.Reason, "+1 more")
}

func TestReconcileFallsBackToPersistedStateWhenNoPIDOrArtifact(t *testing.T) {
	s, r, taskID := newTestSetup(t)
	addRosterEntry(t, s, taskID, model.AgentInstance{InstanceID: "a1", State: model.AgentPending})
	addRosterEntry(t, s, taskID, model.AgentInstance{InstanceID: "a2", State: model.AgentAwaiting})

	_, statuses, err := r.Reconcile(taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, statuses["a1"])
	assert.Equal(t, StatusBlocked, statuses["a2"])
}

func TestReconcileDetectsDeadPIDAndFallsBackToFailed(t *testing.T) {
	s, r, taskID := newTestSetup(t)
	addRosterEntry(t, s, taskID, model.AgentInstance{InstanceID: "a1", State: model.AgentActive})
	writePID(t, r, taskID, "a1", 999999) // almost certainly not a live pid in the test sandbox

	_, statuses, err := r.Reconcile(taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, statuses["a1"])
}

func TestReconcileRunningWhilePIDAlive(t *testing.T) {
	s, r, taskID := newTestSetup(t)
	addRosterEntry(t, s, taskID, model.AgentInstance{InstanceID: "a1", State: model.AgentPending})
	writePID(t, r, taskID, "a1", os.Getpid())

	_, statuses, err := r.Reconcile(taskID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, statuses["a1"])
}
