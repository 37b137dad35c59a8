package devserver

import (
	"errors"
	"fmt"
	"strings"
	"time"

	inet "github.com/guseggert/devserver/internal/net"
	"github.com/guseggert/devserver/supervisor"
)

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrPortAllocation       = inet.ErrPortAllocation
	ErrSpawn                = supervisor.ErrSpawn
	ErrPrematureExit        = errors.New("dev server exited before it was ready")
	ErrStartupTimeout       = errors.New("dev server did not become ready in time")
)

// PrematureExitError is returned when the output ends before the readiness marker appears.
// It carries everything the process wrote, so the failure can be diagnosed without rerunning.
type PrematureExitError struct {
	Script  string
	Stdout  string
	Stderr  string
	Elapsed time.Duration
}

func (e *PrematureExitError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "the script %q exited after %s without indicating that the dev server was listening for requests", e.Script, e.Elapsed.Round(time.Millisecond))
	if e.Stderr != "" {
		fmt.Fprintf(&sb, "; the error output was:\n%s", e.Stderr)
	}
	if e.Stdout != "" {
		fmt.Fprintf(&sb, "; the output was:\n%s", e.Stdout)
	}
	return sb.String()
}

func (e *PrematureExitError) Unwrap() error { return ErrPrematureExit }

// StartupTimeoutError is returned when the readiness marker does not appear within the timeout.
// The process is left running.
type StartupTimeoutError struct {
	Elapsed time.Duration
	Timeout time.Duration
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("the dev server did not start listening for requests within the timeout of %s (waited %s)", e.Timeout, e.Elapsed.Round(time.Millisecond))
}

func (e *StartupTimeoutError) Unwrap() error { return ErrStartupTimeout }
