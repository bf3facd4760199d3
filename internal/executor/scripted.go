package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/msfrecon/recond/internal/model"
)

// Scripted replays canned output instead of running a process. It backs the
// simulate executor mode and tests. ${TARGET} in an output is replaced by
// the invocation target.
type Scripted struct {
	Outputs        map[string]string
	ExitCodes      map[string]int
	Delay          time.Duration
	DefaultTimeout time.Duration

	mx    sync.Mutex
	calls []Invocation
}

func NewScripted(outputs map[string]string) *Scripted {
	return &Scripted{Outputs: outputs}
}

// Execute emits the canned output line by line, then waits for Delay. It
// honors the invocation timeout and the context like a real process.
func (s *Scripted) Execute(ctx context.Context, inv Invocation, onLine LineFunc) Outcome {
	s.mx.Lock()
	s.calls = append(s.calls, inv)
	output, known := s.Outputs[inv.ToolID]
	code := s.ExitCodes[inv.ToolID]
	s.mx.Unlock()

	out := Outcome{Started: time.Now().UTC()}
	if !known {
		out.Ended = out.Started
		out.ExitStatus = model.ExitError
		out.ExitCode = 127
		out.Err = fmt.Errorf("no canned output for %s", inv.ToolID)
		return out
	}

	output = strings.ReplaceAll(output, "${TARGET}", inv.Target)
	if onLine != nil {
		for line := range strings.Lines(output) {
			onLine(strings.TrimSuffix(line, "\n"))
		}
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = s.DefaultTimeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-runCtx.Done():
		}
	}

	out.Ended = time.Now().UTC()
	out.Output = output
	out.ExitCode = code
	if runCtx.Err() != nil {
		out.ExitCode = -1
	}
	out.ExitStatus, out.Err = classify(ctx, runCtx, nil, out.ExitCode)
	if out.ExitStatus == model.ExitError && out.Err == nil {
		out.Err = fmt.Errorf("exit code %d", out.ExitCode)
	}
	return out
}

// Calls returns every invocation seen so far.
func (s *Scripted) Calls() []Invocation {
	s.mx.Lock()
	defer s.mx.Unlock()
	ret := make([]Invocation, len(s.calls))
	copy(ret, s.calls)
	return ret
}
