// Package batch runs a vendor-tool coding-agent CLI as a one-shot
// subprocess (its "exec" mode): a single prompt in, a single final JSON
// artifact out, with its stdout event stream and stderr recorded
// alongside the agent's working directory.
package batch

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/kandev/taskmesh/internal/common/errors"
	"github.com/kandev/taskmesh/internal/common/logger"
	"github.com/kandev/taskmesh/internal/task/model"
)

const (
	defaultAdapterName = "codex-exec"
	recordingEventsRel = "./runtime/events.jsonl"
	recordingStderrRel = "./runtime/stderr.log"

	runtimeDirName   = "runtime"
	artifactsDirName = "artifacts"
	vendorHomeDirName = "codex_home"
)

// StartRequest describes one batch worker invocation.
type StartRequest struct {
	AgentDir         string
	Cwd              string
	Prompt           string
	OutputSchemaPath string
	VendorBin        string
	VendorHome       string // defaults to AgentDir/codex_home when empty
}

// Result is returned once the subprocess has exited and its final
// artifact has been read back.
type Result struct {
	ThreadID    string
	ExitCode    int
	FinalOutput model.WorkerFinalOutput
}

// Worker is a spawned batch-mode subprocess plus its background pumps.
type Worker struct {
	cmd             *exec.Cmd
	group           *errgroup.Group
	threadIDMu      sync.Mutex
	threadID        string
	finalOutputPath string
	log             *logger.Logger
}

// Spawn starts the vendor binary in exec mode, scaffolding runtime/,
// artifacts/, and codex_home/ under req.AgentDir, and begins streaming its
// stdout into runtime/events.jsonl and stderr into runtime/stderr.log.
func Spawn(ctx context.Context, req StartRequest, log *logger.Logger) (*Worker, error) {
	runtimeDir := filepath.Join(req.AgentDir, runtimeDirName)
	artifactsDir := filepath.Join(req.AgentDir, artifactsDirName)
	eventsPath := filepath.Join(runtimeDir, "events.jsonl")
	stderrPath := filepath.Join(runtimeDir, "stderr.log")
	sessionPath := filepath.Join(req.AgentDir, "session.json")
	finalOutputPath := filepath.Join(artifactsDir, "final.json")

	vendorHome := req.VendorHome
	if vendorHome == "" {
		vendorHome = filepath.Join(req.AgentDir, vendorHomeDirName)
	}

	for _, dir := range []string{runtimeDir, artifactsDir, vendorHome} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apperrors.IO("create worker directory", err)
		}
	}

	// A stale final output from a previous run must never be mistaken for
	// current output.
	_ = os.Remove(finalOutputPath)

	if err := writeSessionFile(sessionPath, model.SessionDescriptor{
		Adapter: defaultAdapterName,
		VendorSession: model.VendorSession{
			Tool:      "codex",
			Cwd:       req.Cwd,
			CodexHome: pathToPortableString(req.AgentDir, vendorHome),
		},
		Recording: model.Recording{Events: recordingEventsRel, Stderr: recordingStderrRel},
	}); err != nil {
		return nil, err
	}

	bin := req.VendorBin
	if bin == "" {
		bin = "codex"
	}

	cmd := exec.CommandContext(ctx, bin,
		"exec", "--json",
		"-C", req.Cwd,
		"--output-schema", req.OutputSchemaPath,
		"--output-last-message", finalOutputPath,
		req.Prompt,
	)
	cmd.Dir = req.Cwd
	cmd.Env = append(os.Environ(), "CODEX_HOME="+vendorHome)
	cmd.Stdin = nil

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.IO("open stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.IO("open stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || os.IsNotExist(err) {
			_ = appendLine(stderrPath, "vendor binary not found on PATH")
			return nil, apperrors.CodexNotFound(bin, err)
		}
		return nil, apperrors.IO("start worker subprocess", err)
	}

	w := &Worker{
		cmd:             cmd,
		finalOutputPath: finalOutputPath,
		log:             log.WithFields(),
	}

	group, _ := errgroup.WithContext(ctx)
	group.Go(func() error {
		return w.pumpStdout(stdout, eventsPath, sessionPath, req, vendorHome)
	})
	group.Go(func() error {
		return pumpStderr(stderr, stderrPath)
	})
	w.group = group

	return w, nil
}

// PID returns the subprocess's OS process id.
func (w *Worker) PID() int {
	return w.cmd.Process.Pid
}

// Kill terminates the subprocess immediately.
func (w *Worker) Kill() error {
	if w.cmd.Process == nil {
		return nil
	}
	return w.cmd.Process.Kill()
}

// Wait blocks until the subprocess exits and both pumps have drained,
// then reads back the final artifact.
func (w *Worker) Wait() (*Result, error) {
	waitErr := w.cmd.Wait()

	if err := w.group.Wait(); err != nil {
		return nil, err
	}

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, apperrors.IO("wait for worker subprocess", waitErr)
		}
	}

	content, err := os.ReadFile(w.finalOutputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.MissingFinalOutput(w.finalOutputPath)
		}
		return nil, apperrors.IO("read final output", err)
	}

	var finalOutput model.WorkerFinalOutput
	if err := json.Unmarshal(content, &finalOutput); err != nil {
		return nil, apperrors.JSON("parse final output", err)
	}

	w.threadIDMu.Lock()
	threadID := w.threadID
	w.threadIDMu.Unlock()

	return &Result{ThreadID: threadID, ExitCode: exitCode, FinalOutput: finalOutput}, nil
}

func (w *Worker) pumpStdout(stdout io.Reader, eventsPath, sessionPath string, req StartRequest, vendorHome string) error {
	out, err := os.OpenFile(eventsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.IO("open events.jsonl", err)
	}
	defer out.Close()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if _, err := out.Write(line); err != nil {
			return apperrors.IO("write event line", err)
		}
		if _, err := out.Write([]byte("\n")); err != nil {
			return apperrors.IO("write event line", err)
		}

		if id, ok := extractThreadIDFromEventLine(line); ok {
			w.threadIDMu.Lock()
			alreadySet := w.threadID != ""
			if !alreadySet {
				w.threadID = id
			}
			w.threadIDMu.Unlock()

			if !alreadySet {
				if err := writeSessionFile(sessionPath, model.SessionDescriptor{
					Adapter: defaultAdapterName,
					VendorSession: model.VendorSession{
						Tool:      "codex",
						ThreadID:  id,
						Cwd:       req.Cwd,
						CodexHome: pathToPortableString(req.AgentDir, vendorHome),
					},
					Recording: model.Recording{Events: recordingEventsRel, Stderr: recordingStderrRel},
				}); err != nil {
					return err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return apperrors.IO("read stdout", err)
	}
	return nil
}

func pumpStderr(stderr io.Reader, stderrPath string) error {
	file, err := os.OpenFile(stderrPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return apperrors.IO("open stderr.log", err)
	}
	defer file.Close()

	reader := bufio.NewReaderSize(stderr, 8*1024)
	for {
		chunk, err := reader.ReadBytes('\n')
		if len(chunk) > 0 {
			if _, writeErr := file.Write(chunk); writeErr != nil {
				return apperrors.IO("write stderr line", writeErr)
			}
		}
		if err != nil {
			break
		}
	}
	return nil
}

func writeSessionFile(path string, session model.SessionDescriptor) error {
	out, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return apperrors.JSON("marshal session.json", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return apperrors.IO("write session.json", err)
	}
	return nil
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

func extractThreadIDFromEventLine(line []byte) (string, bool) {
	var value map[string]interface{}
	if err := json.Unmarshal(line, &value); err != nil {
		return "", false
	}
	eventType, _ := value["type"].(string)
	if eventType != "thread.started" {
		return "", false
	}
	threadID, ok := value["thread_id"].(string)
	if !ok || threadID == "" {
		threadID, ok = value["threadId"].(string)
	}
	if !ok || threadID == "" {
		return "", false
	}
	return threadID, true
}

func pathToPortableString(baseDir, path string) string {
	rel, err := filepath.Rel(baseDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	if rel == "." {
		return "."
	}
	return "./" + rel
}
