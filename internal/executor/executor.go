// Package executor runs rendered scripts as isolated child processes.
//
// An Executor never returns an error: whatever happens to the process is
// folded into the returned Outcome, so that one failing tool never aborts
// the job it belongs to.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/msfrecon/recond/internal/model"
	"github.com/msfrecon/recond/internal/rcscript"
)

var (
	ErrTimeout = errors.New("tool timed out")
	ErrKilled  = errors.New("tool killed")
)

// LineFunc receives the combined stdout and stderr line by line while the
// tool runs.
type LineFunc func(line string)

type Credential struct {
	UID uint32
	GID uint32
}

// Isolation describes the sandbox of a single run.
type Isolation struct {
	// WorkDir holds the script and is the working directory of the process.
	WorkDir string
	// Env is appended to the minimal environment (PATH, HOME, LC_ALL).
	Env []string
	// Credential drops privileges of the child when set.
	Credential *Credential
}

type Invocation struct {
	JobID     string
	ToolID    string
	Target    string
	Script    rcscript.Script
	Timeout   time.Duration
	Isolation Isolation
}

type Outcome struct {
	Output     string
	Truncated  bool
	Started    time.Time
	Ended      time.Time
	ExitStatus model.ExitStatus
	ExitCode   int
	Err        error
}

type Executor interface {
	Execute(ctx context.Context, inv Invocation, onLine LineFunc) Outcome
}

// classify maps the way a run ended to an exit status. parent is the
// caller's context, run the one bounded by the tool timeout.
func classify(parent, run context.Context, waitErr error, exitCode int) (model.ExitStatus, error) {
	switch {
	case parent.Err() != nil:
		return model.ExitKilled, ErrKilled
	case errors.Is(run.Err(), context.DeadlineExceeded):
		return model.ExitTimeout, ErrTimeout
	case waitErr != nil:
		return model.ExitError, waitErr
	case exitCode != 0:
		return model.ExitError, nil
	default:
		return model.ExitOK, nil
	}
}
