package rpc

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/kandev/taskmesh/internal/common/errors"
	"github.com/kandev/taskmesh/internal/common/logger"
)

// Spawner starts a vendor-tool subprocess in persistent RPC mode and
// returns its stdin/stdout pipes plus a handle the pool can use to tear
// it down later.
type Spawner func(ctx context.Context, cwd, vendorHome string) (*SpawnedProcess, error)

// SpawnedProcess bundles a running subprocess's pipes and a Shutdown hook.
type SpawnedProcess struct {
	Stdin    io.WriteCloser
	Stdout   io.ReadCloser
	Shutdown func()
}

// DefaultSpawner starts bin in app-server (persistent RPC) mode via
// os/exec, running "bin args... app-server", piping stdin/stdout and
// recording stderr to runtime/stderr.log alongside vendorHome's sibling
// agent directory.
func DefaultSpawner(bin string, args []string) Spawner {
	return func(ctx context.Context, cwd, vendorHome string) (*SpawnedProcess, error) {
		cmdArgs := append(append([]string{}, args...), "app-server")
		cmd := exec.CommandContext(ctx, bin, cmdArgs...)
		cmd.Dir = cwd
		cmd.Env = append(os.Environ(), "CODEX_HOME="+vendorHome)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, apperrors.IO("open subprocess stdin", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, apperrors.IO("open subprocess stdout", err)
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, apperrors.IO("open subprocess stderr", err)
		}

		if err := cmd.Start(); err != nil {
			if errors.Is(err, exec.ErrNotFound) || os.IsNotExist(err) {
				return nil, apperrors.CodexNotFound(bin, err)
			}
			return nil, apperrors.IO("start subprocess", err)
		}

		runtimeDir := filepath.Join(filepath.Dir(vendorHome), "runtime")
		_ = os.MkdirAll(runtimeDir, 0o755)
		go pumpStderrToFile(stderr, filepath.Join(runtimeDir, "stderr.log"))

		return &SpawnedProcess{
			Stdin:  stdin,
			Stdout: stdout,
			Shutdown: func() {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
			},
		}, nil
	}
}

// pumpStderrToFile copies a persistent subprocess's stderr into
// runtime/stderr.log line by line, the same recording batch-mode workers
// keep (§4.B).
func pumpStderrToFile(stderr io.Reader, path string) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer file.Close()

	reader := bufio.NewReaderSize(stderr, 8*1024)
	for {
		chunk, err := reader.ReadBytes('\n')
		if len(chunk) > 0 {
			_, _ = file.Write(chunk)
		}
		if err != nil {
			return
		}
	}
}

type poolKey struct {
	vendorHome string
}

type poolEntry struct {
	id         string
	session    *Session
	shutdown   func()
	profile    string
	vendorHome string
}

// Pool reuses Sessions keyed by their canonicalized vendor-home directory,
// restarting the underlying process when the caller asks for a different
// profile, and refusing new sessions once maxServers is reached.
type Pool struct {
	mu         sync.Mutex
	byID       map[string]*poolEntry
	idByKey    map[poolKey]string
	maxServers int
	spawn      Spawner
	log        *logger.Logger
}

// NewPool constructs an empty pool bounded to maxServers concurrent
// sessions.
func NewPool(maxServers int, spawn Spawner, log *logger.Logger) *Pool {
	return &Pool{
		byID:       make(map[string]*poolEntry),
		idByKey:    make(map[poolKey]string),
		maxServers: maxServers,
		spawn:      spawn,
		log:        log.WithFields(),
	}
}

// Len reports the number of live sessions currently held by the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byID)
}

// MaxServers reports the pool's configured capacity.
func (p *Pool) MaxServers() int {
	return p.maxServers
}

// Get returns the Session for an already-ensured pool id, if any.
func (p *Pool) Get(id string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.byID[id]
	if !ok {
		return nil, false
	}
	return entry.session, true
}

// Ensure returns the pool id for a session scoped to vendorHome, spawning
// a new subprocess if none exists yet, or restarting it if profile
// differs from the one it was last spawned with. The profile is only
// compared; it is not passed to the Spawner.
func (p *Pool) Ensure(ctx context.Context, cwd, vendorHome, profile string) (string, error) {
	canonical, err := canonicalizeOrAbs(vendorHome)
	if err != nil {
		return "", apperrors.IO("resolve vendor home", err)
	}
	if err := os.MkdirAll(canonical, 0o755); err != nil {
		return "", apperrors.IO("create vendor home", err)
	}

	key := poolKey{vendorHome: canonical}

	p.mu.Lock()
	id, known := p.idByKey[key]
	if !known {
		id = idForKey(key)
	}

	if existing, ok := p.byID[id]; ok {
		if normalizeProfile(existing.profile) == normalizeProfile(profile) {
			p.mu.Unlock()
			return id, nil
		}
		delete(p.byID, id)
		p.mu.Unlock()
		existing.session.Close()
		existing.shutdown()
		p.mu.Lock()
	}

	if len(p.byID) >= p.maxServers {
		p.mu.Unlock()
		return "", apperrors.PoolFull(p.maxServers)
	}
	p.mu.Unlock()

	proc, err := p.spawn(ctx, cwd, canonical)
	if err != nil {
		return "", err
	}

	session := NewSession(proc.Stdin, proc.Stdout, p.log)
	runtimeDir := filepath.Join(filepath.Dir(canonical), "runtime")
	if err := os.MkdirAll(runtimeDir, 0o755); err == nil {
		session.EnableRecording(filepath.Join(runtimeDir, "requests.jsonl"), filepath.Join(runtimeDir, "events.jsonl"))
	}
	session.Start(ctx)

	if _, err := session.Call(ctx, "initialize", map[string]interface{}{
		"clientInfo": map[string]string{"name": "taskmesh", "title": "TaskMesh", "version": "0"},
	}); err != nil {
		session.Close()
		proc.Shutdown()
		return "", err
	}
	if err := session.Notify("initialized", nil); err != nil {
		session.Close()
		proc.Shutdown()
		return "", err
	}

	p.mu.Lock()
	p.idByKey[key] = id
	p.byID[id] = &poolEntry{id: id, session: session, shutdown: proc.Shutdown, profile: profile, vendorHome: canonical}
	p.mu.Unlock()

	return id, nil
}

// Shutdown tears down one session by pool id.
func (p *Pool) Shutdown(id string) {
	p.mu.Lock()
	entry, ok := p.byID[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.byID, id)
	for k, v := range p.idByKey {
		if v == id {
			delete(p.idByKey, k)
		}
	}
	p.mu.Unlock()

	entry.session.Close()
	entry.shutdown()
}

// ShutdownAll tears down every pooled session.
func (p *Pool) ShutdownAll() {
	p.mu.Lock()
	entries := p.byID
	p.byID = make(map[string]*poolEntry)
	p.idByKey = make(map[poolKey]string)
	p.mu.Unlock()

	for _, entry := range entries {
		entry.session.Close()
		entry.shutdown()
	}
}

// ShutdownByVendorHome tears down the session scoped to vendorHome, if any.
func (p *Pool) ShutdownByVendorHome(vendorHome string) {
	canonical, err := canonicalizeOrAbs(vendorHome)
	if err != nil {
		return
	}
	p.mu.Lock()
	id, ok := p.idByKey[poolKey{vendorHome: canonical}]
	p.mu.Unlock()
	if !ok {
		return
	}
	p.Shutdown(id)
}

func normalizeProfile(profile string) string {
	return strings.TrimSpace(profile)
}

// idForKey derives a stable pool id from a vendor-home path so callers can
// store it and re-Ensure without the identifier changing across restarts.
func idForKey(key poolKey) string {
	sum := sha256.Sum256([]byte(key.vendorHome))
	return fmt.Sprintf("asrv_%s", hex.EncodeToString(sum[:])[:16])
}

func canonicalizeOrAbs(path string) (string, error) {
	if _, err := os.Stat(path); err == nil {
		return filepath.EvalSymlinks(path)
	}
	if filepath.IsAbs(path) {
		return path, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return filepath.Join(cwd, path), nil
}
