package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/taskmesh/internal/common/logger"
)

// pipePeer stands in for a vendor subprocess: it reads frames written by
// the Session under test and lets the test script scripted replies.
type pipePeer struct {
	toSession   io.Writer
	fromSession *bufio.Scanner
}

func newSessionUnderTest(t *testing.T) (*Session, *pipePeer) {
	t.Helper()
	sessionReadEnd, peerWriteEnd := io.Pipe()
	peerReadEnd, sessionWriteEnd := io.Pipe()

	s := NewSession(sessionWriteEnd, sessionReadEnd, logger.Default())
	peer := &pipePeer{toSession: peerWriteEnd, fromSession: bufio.NewScanner(peerReadEnd)}
	peer.fromSession.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.Start(ctx)

	return s, peer
}

func (p *pipePeer) readFrame(t *testing.T) map[string]interface{} {
	t.Helper()
	require.True(t, p.fromSession.Scan())
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(p.fromSession.Bytes(), &frame))
	return frame
}

func (p *pipePeer) writeLine(t *testing.T, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	data = append(data, '\n')
	_, err = p.toSession.Write(data)
	require.NoError(t, err)
}

func TestCallAllocatesDecreasingNegativeIDsAndOmitsVersionField(t *testing.T) {
	s, peer := newSessionUnderTest(t)

	frameCh := make(chan map[string]interface{}, 2)
	go func() {
		for i := 0; i < 2; i++ {
			frame := peer.readFrame(t)
			frameCh <- frame
			peer.writeLine(t, map[string]interface{}{"id": frame["id"], "result": map[string]string{"ok": "yes"}})
		}
	}()

	result, err := s.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":"yes"}`, string(result))

	_, err = s.Call(context.Background(), "ping2", nil)
	require.NoError(t, err)

	first := <-frameCh
	second := <-frameCh
	_, hasVersion := first["jsonrpc"]
	assert.False(t, hasVersion)
	assert.Less(t, second["id"].(float64), first["id"].(float64))
	assert.Less(t, first["id"].(float64), float64(0))
}

func TestCallReturnsServerErrorOnErrorResponse(t *testing.T) {
	s, peer := newSessionUnderTest(t)

	go func() {
		frame := peer.readFrame(t)
		peer.writeLine(t, map[string]interface{}{
			"id":    frame["id"],
			"error": map[string]interface{}{"code": -32000, "message": "boom"},
		})
	}()

	_, err := s.Call(context.Background(), "fail", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestCallTimesOutWhenNoResponseArrives(t *testing.T) {
	s, _ := newSessionUnderTest(t)
	s.SetRequestTimeout(20 * time.Millisecond)

	_, err := s.Call(context.Background(), "never", nil)
	require.Error(t, err)
}

func TestSubscribeReceivesPeerInitiatedNotifications(t *testing.T) {
	s, peer := newSessionUnderTest(t)
	events := s.Subscribe(4)

	peer.writeLine(t, map[string]interface{}{"method": "session/update", "params": map[string]string{"x": "y"}})

	select {
	case evt := <-events:
		assert.Equal(t, EventNotification, evt.Kind)
		assert.Equal(t, "session/update", evt.Method)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestSubscribeDropsOldestWhenSubscriberLagsInsteadOfBlocking(t *testing.T) {
	s, peer := newSessionUnderTest(t)
	events := s.Subscribe(1)

	peer.writeLine(t, map[string]interface{}{"method": "first", "params": nil})
	peer.writeLine(t, map[string]interface{}{"method": "second", "params": nil})

	time.Sleep(50 * time.Millisecond)

	select {
	case evt := <-events:
		assert.Equal(t, "second", evt.Method)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for surviving notification")
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	s, _ := newSessionUnderTest(t)

	done := make(chan error, 1)
	go func() {
		_, err := s.Call(context.Background(), "hang", nil)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	s.Close()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock pending Call")
	}
}
