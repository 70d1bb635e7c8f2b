package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kandev/taskmesh/internal/common/errors"
	"github.com/kandev/taskmesh/internal/common/logger"
	"github.com/kandev/taskmesh/internal/reconcile"
	"github.com/kandev/taskmesh/internal/task/model"
	"github.com/kandev/taskmesh/internal/task/store"
)

const sleepyScript = `#!/bin/sh
trap 'exit 0' TERM INT
sleep 30 &
wait
`

func writeFakeBin(t *testing.T, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake vendor bin uses a POSIX shell script")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-codex")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func newTestSupervisor(t *testing.T, maxConcurrent int) (*Supervisor, *store.Store, string) {
	t.Helper()
	s := store.New(t.TempDir(), "taskmesh")
	r := reconcile.New(s, logger.Default())
	sv := New(s, r, logger.Default())
	sv.SetPollInterval(10 * time.Millisecond)

	resp, err := s.CreateTask(model.CreateTaskRequest{
		Title:    "T",
		Topology: model.TopologySwarm,
		Config:   &model.TaskConfig{MaxConcurrentAgents: maxConcurrent, TimeoutSeconds: 60},
	})
	require.NoError(t, err)
	return sv, s, resp.ID
}

func TestSpawnRejectsInvalidInstanceID(t *testing.T) {
	sv, _, taskID := newTestSupervisor(t, 3)
	err := sv.Spawn(context.Background(), SpawnRequest{TaskID: taskID, InstanceID: "bad id!"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidID))
}

func TestSpawnEnforcesConcurrencyLimit(t *testing.T) {
	bin := writeFakeBin(t, sleepyScript)
	sv, _, taskID := newTestSupervisor(t, 1)

	require.NoError(t, sv.Spawn(context.Background(), SpawnRequest{
		TaskID: taskID, InstanceID: "a1", Cwd: t.TempDir(), VendorBin: bin,
		OutputSchemaPath: filepath.Join(t.TempDir(), "schema.json"),
	}))

	err := sv.Spawn(context.Background(), SpawnRequest{
		TaskID: taskID, InstanceID: "a2", Cwd: t.TempDir(), VendorBin: bin,
		OutputSchemaPath: filepath.Join(t.TempDir(), "schema.json"),
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindConcurrencyLimit))

	require.NoError(t, sv.Cancel(context.Background(), taskID, "a1"))
}

func TestSpawnRejectsDuplicateInstance(t *testing.T) {
	bin := writeFakeBin(t, sleepyScript)
	sv, _, taskID := newTestSupervisor(t, 3)

	req := SpawnRequest{
		TaskID: taskID, InstanceID: "a1", Cwd: t.TempDir(), VendorBin: bin,
		OutputSchemaPath: filepath.Join(t.TempDir(), "schema.json"),
	}
	require.NoError(t, sv.Spawn(context.Background(), req))

	err := sv.Spawn(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindAlreadyExists))

	require.NoError(t, sv.Cancel(context.Background(), taskID, "a1"))
}

func TestCancelStopsProcessAndRecordsEventOnce(t *testing.T) {
	bin := writeFakeBin(t, sleepyScript)
	sv, s, taskID := newTestSupervisor(t, 3)

	req := SpawnRequest{
		TaskID: taskID, InstanceID: "a1", Cwd: t.TempDir(), VendorBin: bin,
		OutputSchemaPath: filepath.Join(t.TempDir(), "schema.json"),
	}
	require.NoError(t, sv.Spawn(context.Background(), req))

	require.NoError(t, sv.Cancel(context.Background(), taskID, "a1"))
	require.NoError(t, sv.Cancel(context.Background(), taskID, "a1"))

	events, err := s.ReadTaskEvents(taskID, "agent.cancelled", 0, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	task, err := s.ReadTask(taskID)
	require.NoError(t, err)
	agent, found := task.FindAgent("a1")
	require.True(t, found)
	assert.Equal(t, model.AgentFailed, agent.State)
}

func TestWaitAnyTimesOutWhenEverythingStillRunning(t *testing.T) {
	bin := writeFakeBin(t, sleepyScript)
	sv, _, taskID := newTestSupervisor(t, 3)

	require.NoError(t, sv.Spawn(context.Background(), SpawnRequest{
		TaskID: taskID, InstanceID: "a1", Cwd: t.TempDir(), VendorBin: bin,
		OutputSchemaPath: filepath.Join(t.TempDir(), "schema.json"),
	}))

	_, _, err := sv.WaitAny(context.Background(), taskID, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindWaitAnyTimeout))

	require.NoError(t, sv.Cancel(context.Background(), taskID, "a1"))
}
