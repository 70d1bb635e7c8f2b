// Package rpc implements the newline-delimited JSON request/response
// framing used to talk to a persistent vendor-tool subprocess (e.g.
// `codex app-server`), plus a pool for reusing sessions keyed by their
// vendor-home directory.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/kandev/taskmesh/internal/common/errors"
	"github.com/kandev/taskmesh/internal/common/logger"
)

// DefaultRequestTimeout is used when a Session is constructed without an
// explicit override.
const DefaultRequestTimeout = 30 * time.Second

// EventKind classifies an inbound frame that isn't a reply to one of our
// own requests.
type EventKind string

const (
	EventRequest      EventKind = "request"
	EventNotification EventKind = "notification"
	EventUnknown      EventKind = "unknown"
	EventStderr       EventKind = "stderr"
)

// InboundEvent is broadcast to subscribers for every frame that is not a
// response correlated to an outstanding Call.
type InboundEvent struct {
	Kind   EventKind
	ID     interface{}
	Method string
	Params json.RawMessage
	Raw    json.RawMessage
}

// rpcError mirrors the error object of a JSON-RPC-shaped error response.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type wireRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type wireNotification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type wireResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
}

type wireInbound struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Params json.RawMessage `json:"params"`
}

type pendingCall struct {
	result chan json.RawMessage
	err    chan error
}

// Session is one long-lived JSON-RPC-over-stdio conversation with a vendor
// tool subprocess. Unlike a standard JSON-RPC 2.0 envelope, frames carry no
// "jsonrpc" version field, and ids we allocate count down from -1 so they
// never collide with ids the peer allocates (which in practice start at 0
// or 1 and count up).
type Session struct {
	stdin  io.Writer
	stdout io.Reader

	nextRequestID atomic.Int64 // starts at 0, decremented before use

	mu      sync.Mutex
	pending map[int64]*pendingCall

	subsMu sync.Mutex
	subs   map[chan InboundEvent]struct{}

	requestTimeout time.Duration
	writeMu        sync.Mutex

	recMu        sync.Mutex
	requestsPath string
	eventsPath   string

	log  *logger.Logger
	done chan struct{}
	once sync.Once
}

// NewSession wraps stdin/stdout pipes already attached to a running
// subprocess. Call Start to begin reading frames.
func NewSession(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Session {
	s := &Session{
		stdin:          stdin,
		stdout:         stdout,
		pending:        make(map[int64]*pendingCall),
		subs:           make(map[chan InboundEvent]struct{}),
		requestTimeout: DefaultRequestTimeout,
		log:            log.WithFields(zap.String("component", "rpc-session")),
		done:           make(chan struct{}),
	}
	s.nextRequestID.Store(0)
	return s
}

// SetRequestTimeout overrides the default 30s budget applied to Call.
func (s *Session) SetRequestTimeout(d time.Duration) {
	s.requestTimeout = d
}

// EnableRecording turns on best-effort append-only transcript capture:
// every outbound frame is appended to requestsPath and every inbound frame
// to eventsPath, matching the §4.C recording contract for persistent
// sessions. A write failure is logged and otherwise ignored; it must never
// fail a Call or stop the read loop.
func (s *Session) EnableRecording(requestsPath, eventsPath string) {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	s.requestsPath = requestsPath
	s.eventsPath = eventsPath
}

func (s *Session) recordLine(path string, line []byte) {
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		s.log.Warn("recording: open failed", zap.String("path", path), zap.Error(err))
		return
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		s.log.Warn("recording: write failed", zap.String("path", path), zap.Error(err))
	}
}

// Start launches the background read loop and returns immediately. The
// loop runs until stdout closes, ctx is canceled, or the session is closed.
func (s *Session) Start(ctx context.Context) {
	go s.readLoop(ctx)
}

// Close stops the session, failing every pending call.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		for id, p := range s.pending {
			p.err <- apperrors.ResponseChannelClosed(strconv.FormatInt(id, 10))
			delete(s.pending, id)
		}
		s.mu.Unlock()

		s.subsMu.Lock()
		for ch := range s.subs {
			close(ch)
		}
		s.subs = make(map[chan InboundEvent]struct{})
		s.subsMu.Unlock()
	})
}

// Subscribe returns a channel of inbound events not correlated to one of
// our own Calls (peer-initiated requests, notifications, and anything
// unparseable); the child's stderr is not delivered here. The channel is
// bounded; a buffer of 0 or less means 32. A subscriber that
// falls behind has the oldest unread event dropped rather than blocking
// the read loop.
func (s *Session) Subscribe(buffer int) <-chan InboundEvent {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan InboundEvent, buffer)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()
	return ch
}

// Unsubscribe stops delivering to a channel returned by Subscribe.
func (s *Session) Unsubscribe(ch <-chan InboundEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for c := range s.subs {
		if c == ch {
			delete(s.subs, c)
			close(c)
			return
		}
	}
}

func (s *Session) broadcast(evt InboundEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Lagging subscriber: drop the oldest queued event to make room
			// rather than block the read loop.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}
}

// Call sends a request and blocks for its correlated response, subject to
// the session's request timeout and ctx.
func (s *Session) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := s.nextRequestID.Add(-1)

	var paramsJSON json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, apperrors.JSON("marshal request params", err)
		}
		paramsJSON = encoded
	}

	p := &pendingCall{result: make(chan json.RawMessage, 1), err: make(chan error, 1)}
	s.mu.Lock()
	s.pending[id] = p
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.send(wireRequest{ID: id, Method: method, Params: paramsJSON}); err != nil {
		return nil, err
	}

	timeoutSeconds := int(s.requestTimeout / time.Second)
	timer := time.NewTimer(s.requestTimeout)
	defer timer.Stop()

	select {
	case result := <-p.result:
		return result, nil
	case err := <-p.err:
		return nil, err
	case <-timer.C:
		return nil, apperrors.RequestTimeout(method, timeoutSeconds)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, apperrors.ResponseChannelClosed(method)
	}
}

// Notify sends a one-way message; no response is expected.
func (s *Session) Notify(method string, params interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return apperrors.JSON("marshal notification params", err)
		}
		paramsJSON = encoded
	}
	return s.send(wireNotification{Method: method, Params: paramsJSON})
}

// Respond answers a peer-initiated request (delivered as an InboundEvent
// with Kind EventRequest) with a result payload.
func (s *Session) Respond(id int64, result interface{}) error {
	var resultJSON json.RawMessage
	if result != nil {
		encoded, err := json.Marshal(result)
		if err != nil {
			return apperrors.JSON("marshal response result", err)
		}
		resultJSON = encoded
	}
	return s.send(wireResponse{ID: id, Result: resultJSON})
}

func (s *Session) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return apperrors.JSON("marshal frame", err)
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.stdin.Write(data); err != nil {
		return apperrors.IO("write frame to subprocess stdin", err)
	}
	s.log.Debug("sent frame", zap.ByteString("data", data))

	s.recMu.Lock()
	requestsPath := s.requestsPath
	s.recMu.Unlock()
	s.recordLine(requestsPath, data)

	return nil
}

func (s *Session) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		raw := append([]byte(nil), line...)
		s.log.Debug("received frame", zap.ByteString("data", raw))

		s.recMu.Lock()
		eventsPath := s.eventsPath
		s.recMu.Unlock()
		s.recordLine(eventsPath, append(append([]byte(nil), raw...), '\n'))

		var msg wireInbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.broadcast(InboundEvent{Kind: EventUnknown, Raw: raw})
			continue
		}

		id, hasID := decodeID(msg.ID)
		hasMethod := msg.Method != ""
		hasResult := msg.Result != nil
		hasError := msg.Error != nil

		switch {
		case hasID && !hasMethod && (hasResult || hasError):
			s.handleResponse(id, msg.Result, msg.Error)
		case hasID && hasMethod:
			s.broadcast(InboundEvent{Kind: EventRequest, ID: id, Method: msg.Method, Params: msg.Params, Raw: raw})
		case hasMethod && !hasID:
			s.broadcast(InboundEvent{Kind: EventNotification, Method: msg.Method, Params: msg.Params, Raw: raw})
		default:
			s.broadcast(InboundEvent{Kind: EventUnknown, Raw: raw})
		}
	}

	s.mu.Lock()
	for id, p := range s.pending {
		p.err <- apperrors.ResponseChannelClosed(strconv.FormatInt(id, 10))
		delete(s.pending, id)
	}
	s.mu.Unlock()
}

func (s *Session) handleResponse(id int64, result json.RawMessage, rpcErr *rpcError) {
	s.mu.Lock()
	p, ok := s.pending[id]
	s.mu.Unlock()
	if !ok {
		s.log.Warn("received response for unknown request", zap.Int64("id", id))
		return
	}
	if rpcErr != nil {
		p.err <- apperrors.ServerError(rpcErr.Error())
		return
	}
	p.result <- result
}

// decodeID accepts both int64- and string-encoded ids (vendor tools vary)
// and reports whether the field was present at all.
func decodeID(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var asInt int64
	if err := json.Unmarshal(raw, &asInt); err == nil {
		return asInt, true
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if parsed, err := strconv.ParseInt(asString, 10, 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}
