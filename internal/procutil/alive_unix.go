//go:build unix

// Package procutil provides pid-liveness checks and graded signal
// escalation shared by the Reconciler and the Supervisor.
package procutil

import "golang.org/x/sys/unix"

// IsAlive reports whether pid still refers to a live process. It first
// reaps a terminated direct child with a non-blocking waitpid, then falls
// back to a permission probe (kill(pid, 0)) for processes that are not our
// child (ECHILD) or already reaped by someone else.
func IsAlive(pid int) bool {
	wpid, err := unix.Wait4(pid, nil, unix.WNOHANG, nil)
	switch {
	case err == nil && wpid == 0:
		return true
	case err == nil && wpid == pid:
		return false
	case err == unix.ESRCH:
		return false
	}

	err = unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != unix.ESRCH
}

// Interrupt sends SIGINT.
func Interrupt(pid int) error {
	return signalIfAlive(pid, unix.SIGINT)
}

// Terminate sends SIGTERM.
func Terminate(pid int) error {
	return signalIfAlive(pid, unix.SIGTERM)
}

// Kill sends SIGKILL.
func Kill(pid int) error {
	return signalIfAlive(pid, unix.SIGKILL)
}

func signalIfAlive(pid int, sig unix.Signal) error {
	err := unix.Kill(pid, sig)
	if err == unix.ESRCH {
		// Already gone: not an error, per the escalation contract.
		return nil
	}
	return err
}
