// hvsync keeps a Huly tracker, a Vibe kanban, and per-repo beads databases
// converged on one view of each project's issues.
package main

import (
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status: 1 for configuration and
// startup failures, 2 for fatal errors after the engine came up, so a
// supervisor can tell a bad deployment from a runtime crash.
func exitCode(err error) int {
	var rt *runtimeFailure
	if errors.As(err, &rt) {
		return 2
	}
	return 1
}

// runtimeFailure marks errors raised after startup completed.
type runtimeFailure struct {
	err error
}

func (e *runtimeFailure) Error() string { return e.err.Error() }
func (e *runtimeFailure) Unwrap() error { return e.err }

// fatalRuntime wraps a non-nil post-startup error for exit code mapping.
func fatalRuntime(err error) error {
	if err == nil {
		return nil
	}
	return &runtimeFailure{err: err}
}
