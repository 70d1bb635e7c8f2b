// Package errors provides the typed error kinds shared across the orchestrator.
package errors

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error surfaces named by the orchestrator's
// error handling design. Callers compare Kinds instead of matching strings.
type Kind string

const (
	KindNotFound              Kind = "NOT_FOUND"
	KindInvalidID             Kind = "INVALID_ID"
	KindAlreadyExists         Kind = "ALREADY_EXISTS"
	KindConcurrencyLimit      Kind = "CONCURRENCY_LIMIT"
	KindWaitAnyTimeout        Kind = "WAIT_ANY_TIMEOUT"
	KindCodexNotFound         Kind = "CODEX_NOT_FOUND"
	KindIO                    Kind = "IO"
	KindJSON                  Kind = "JSON"
	KindYAML                  Kind = "YAML"
	KindMissingFinalOutput    Kind = "MISSING_FINAL_OUTPUT"
	KindRequestTimeout        Kind = "REQUEST_TIMEOUT"
	KindResponseChannelClosed Kind = "RESPONSE_CHANNEL_CLOSED"
	KindServerError           Kind = "SERVER_ERROR"
	KindMissingThreadID       Kind = "MISSING_THREAD_ID"
	KindPoolFull              Kind = "POOL_FULL"
	KindUnsupportedAdapter    Kind = "UNSUPPORTED_ADAPTER"
)

// exitCodes mirrors the CLI exit-code mapping: NotFound/SubagentNotFound -> 3,
// WaitAnyTimeout -> 4, InvalidId -> 2, everything else -> 1.
var exitCodes = map[Kind]int{
	KindNotFound:      3,
	KindWaitAnyTimeout: 4,
	KindInvalidID:      2,
}

// AppError is the single error type used across the orchestrator. It carries
// a Kind for programmatic dispatch (retry on ConcurrencyLimit, exit-code
// mapping for the CLI) and wraps the underlying cause when there is one.
type AppError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit code a CLI wrapper should use for this
// error, per the error-surface exit-code contract.
func (e *AppError) ExitCode() int {
	if code, ok := exitCodes[e.Kind]; ok {
		return code
	}
	return 1
}

func New(kind Kind, message string) *AppError {
	return &AppError{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *AppError {
	return &AppError{Kind: kind, Message: message, Err: err}
}

func NotFound(resource, id string) *AppError {
	return New(KindNotFound, fmt.Sprintf("%s %q not found", resource, id))
}

func InvalidID(id string) *AppError {
	return New(KindInvalidID, fmt.Sprintf("invalid id %q: must match [A-Za-z0-9_-]+", id))
}

func AlreadyExists(resource, id string) *AppError {
	return New(KindAlreadyExists, fmt.Sprintf("%s %q already exists", resource, id))
}

func ConcurrencyLimit(active, limit int) *AppError {
	return New(KindConcurrencyLimit, fmt.Sprintf("concurrency limit reached: %d/%d agents running", active, limit))
}

func WaitAnyTimeout(timeoutSeconds int) *AppError {
	return New(KindWaitAnyTimeout, fmt.Sprintf("wait-any deadline of %ds exceeded", timeoutSeconds))
}

func CodexNotFound(bin string, err error) *AppError {
	return Wrap(KindCodexNotFound, fmt.Sprintf("vendor binary %q not found", bin), err)
}

func IO(message string, err error) *AppError {
	return Wrap(KindIO, message, err)
}

func JSON(message string, err error) *AppError {
	return Wrap(KindJSON, message, err)
}

func YAML(message string, err error) *AppError {
	return Wrap(KindYAML, message, err)
}

func MissingFinalOutput(instanceID string) *AppError {
	return New(KindMissingFinalOutput, fmt.Sprintf("agent %q exited without a final artifact", instanceID))
}

func RequestTimeout(method string, timeoutSeconds int) *AppError {
	return New(KindRequestTimeout, fmt.Sprintf("request %q timed out after %ds", method, timeoutSeconds))
}

func ResponseChannelClosed(method string) *AppError {
	return New(KindResponseChannelClosed, fmt.Sprintf("session closed while awaiting response to %q", method))
}

func ServerError(message string) *AppError {
	return New(KindServerError, message)
}

func MissingThreadID() *AppError {
	return New(KindMissingThreadID, "no thread id available for this session")
}

func PoolFull(maxServers int) *AppError {
	return New(KindPoolFull, fmt.Sprintf("session pool full (max=%d); shut down a session before starting a new one", maxServers))
}

func UnsupportedAdapter(adapter string) *AppError {
	return New(KindUnsupportedAdapter, fmt.Sprintf("unsupported adapter %q", adapter))
}

// Is reports whether err is an *AppError of the given kind.
func Is(err error, kind Kind) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind == kind
	}
	return false
}

// As extracts the *AppError from err, if any.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// ExitCode returns the CLI exit code for any error, defaulting to 1 for
// errors that are not *AppError.
func ExitCode(err error) int {
	if appErr, ok := As(err); ok {
		return appErr.ExitCode()
	}
	return 1
}
