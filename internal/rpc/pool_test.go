package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/taskmesh/internal/common/logger"
)

func newFakeSpawner(t *testing.T) (Spawner, *int) {
	t.Helper()
	spawnCount := 0
	spawner := func(ctx context.Context, cwd, vendorHome string) (*SpawnedProcess, error) {
		spawnCount++
		sessionReadEnd, procWriteEnd := io.Pipe()
		procReadEnd, sessionWriteEnd := io.Pipe()

		go autoReplyInitialize(t, procReadEnd, procWriteEnd)

		return &SpawnedProcess{
			Stdin:    sessionWriteEnd,
			Stdout:   sessionReadEnd,
			Shutdown: func() { _ = procWriteEnd.Close() },
		}, nil
	}
	return spawner, &spawnCount
}

func autoReplyInitialize(t *testing.T, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var frame map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			continue
		}
		if frame["method"] == "initialize" {
			resp, _ := json.Marshal(map[string]interface{}{"id": frame["id"], "result": map[string]string{}})
			resp = append(resp, '\n')
			_, _ = out.Write(resp)
		}
	}
}

func TestPoolEnsureReusesSessionForSameVendorHome(t *testing.T) {
	spawner, spawnCount := newFakeSpawner(t)
	pool := NewPool(4, spawner, logger.Default())
	home := t.TempDir()

	ctx := context.Background()
	id1, err := pool.Ensure(ctx, t.TempDir(), home, "")
	require.NoError(t, err)
	id2, err := pool.Ensure(ctx, t.TempDir(), home, "")
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Equal(t, 1, *spawnCount)
}

func TestPoolEnsureRestartsOnProfileChange(t *testing.T) {
	spawner, spawnCount := newFakeSpawner(t)
	pool := NewPool(4, spawner, logger.Default())
	home := t.TempDir()
	ctx := context.Background()

	id1, err := pool.Ensure(ctx, t.TempDir(), home, "default")
	require.NoError(t, err)
	id2, err := pool.Ensure(ctx, t.TempDir(), home, "alternate")
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "pool id is stable across restarts for the same vendor home")
	assert.Equal(t, 2, *spawnCount)
}

func TestPoolEnsureReturnsPoolFullErrorAtCapacity(t *testing.T) {
	spawner, _ := newFakeSpawner(t)
	pool := NewPool(1, spawner, logger.Default())
	ctx := context.Background()

	_, err := pool.Ensure(ctx, t.TempDir(), t.TempDir(), "")
	require.NoError(t, err)

	_, err = pool.Ensure(ctx, t.TempDir(), t.TempDir(), "")
	require.Error(t, err)
}

func TestPoolShutdownAllowsReacquiringANewSession(t *testing.T) {
	spawner, spawnCount := newFakeSpawner(t)
	pool := NewPool(1, spawner, logger.Default())
	home := t.TempDir()
	ctx := context.Background()

	id, err := pool.Ensure(ctx, t.TempDir(), home, "")
	require.NoError(t, err)
	pool.Shutdown(id)

	_, ok := pool.Get(id)
	assert.False(t, ok)

	_, err = pool.Ensure(ctx, t.TempDir(), home, "")
	require.NoError(t, err)
	assert.Equal(t, 2, *spawnCount)
}
