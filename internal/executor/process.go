package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/msfrecon/recond/internal/model"
	"github.com/msfrecon/recond/internal/registry"
)

const truncatedMarker = "\n[recond: output truncated]\n"

// minKillGrace bounds the wait between SIGTERM and SIGKILL; a zero
// exec.Cmd.WaitDelay would wait for the tool forever.
const minKillGrace = time.Second

// Process runs scripts through msfconsole or a POSIX shell.
type Process struct {
	MSFConsole     string
	Shell          string
	DefaultTimeout time.Duration
	KillGrace      time.Duration
	MaxOutput      int
	Env            []string
	Credential     *Credential
}

// NewProcess builds a process executor from the executor configuration.
func NewProcess(cfg model.Executor) (*Process, error) {
	timeout, grace, err := cfg.Durations()
	if err != nil {
		return nil, err
	}
	p := &Process{
		MSFConsole:     cfg.Msfconsole,
		Shell:          cfg.Shell,
		DefaultTimeout: timeout,
		KillGrace:      max(grace, minKillGrace),
		MaxOutput:      cfg.MaxOutput,
	}
	for k, v := range cfg.Env {
		p.Env = append(p.Env, k+"="+v)
	}
	slices.Sort(p.Env)
	uid, gid, ok, err := cfg.Credential()
	if err != nil {
		return nil, err
	}
	if ok {
		p.Credential = &Credential{UID: uid, GID: gid}
	}
	return p, nil
}

func (p *Process) command(inv Invocation, script string) (string, []string, error) {
	switch inv.Script.Interpreter {
	case registry.InterpreterMSF:
		return p.MSFConsole, []string{"-q", "-n", "-r", script}, nil
	case registry.InterpreterShell:
		return p.Shell, []string{script}, nil
	default:
		return "", nil, fmt.Errorf("unsupported interpreter %q", inv.Script.Interpreter)
	}
}

// Execute writes the script into the work directory and runs it. The
// process gets its own process group: on timeout or cancellation the
// group receives SIGTERM, then SIGKILL once KillGrace has passed.
func (p *Process) Execute(ctx context.Context, inv Invocation, onLine LineFunc) Outcome {
	out := Outcome{Started: time.Now().UTC(), ExitCode: -1}
	fail := func(err error) Outcome {
		out.Ended = time.Now().UTC()
		out.ExitStatus = model.ExitError
		out.Err = err
		return out
	}

	dir := inv.Isolation.WorkDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "recond-")
		if err != nil {
			return fail(err)
		}
		defer func() {
			_ = os.RemoveAll(tmp)
		}()
		dir = tmp
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return fail(err)
	}
	if err := writeScript(dir, inv.Script.Name, inv.Script.Body); err != nil {
		return fail(fmt.Errorf("writing script: %w", err))
	}

	path, args, err := p.command(inv, filepath.Join(dir, inv.Script.Name))
	if err != nil {
		return fail(err)
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = p.DefaultTimeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	} else {
		slog.WarnContext(ctx, "command has no timeout", "path", path)
	}

	output := newLineWriter(p.MaxOutput, onLine)
	cmd := exec.CommandContext(runCtx, path, args...)
	cmd.Dir = dir
	cmd.Env = p.environ(dir, inv.Isolation.Env)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = p.KillGrace
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = minKillGrace
	}
	cred := inv.Isolation.Credential
	if cred == nil {
		cred = p.Credential
	}
	isolate(cmd, cred)

	out.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		return fail(err)
	}
	slog.DebugContext(ctx, "tool started", "tool", inv.ToolID, "pid", cmd.Process.Pid, "path", path)
	waitErr := cmd.Wait()
	killGroup(cmd)
	out.Ended = time.Now().UTC()

	output.flush()
	out.Output, out.Truncated = output.result()
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		waitErr = nil
	}
	out.ExitStatus, out.Err = classify(ctx, runCtx, waitErr, out.ExitCode)
	if out.ExitStatus == model.ExitError && out.Err == nil {
		out.Err = fmt.Errorf("exit code %d", out.ExitCode)
	}
	return out
}

func (p *Process) environ(dir string, extra []string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"LC_ALL=C",
	}
	env = append(env, p.Env...)
	return append(env, extra...)
}

func writeScript(dir, name, body string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return err
	}
	defer func() {
		_ = root.Close()
	}()
	return root.WriteFile(name, []byte(body), 0o600)
}

// lineWriter keeps up to max bytes of output and reports every complete
// line to onLine, including lines past the limit.
type lineWriter struct {
	mx        sync.Mutex
	buf       bytes.Buffer
	partial   []byte
	max       int
	truncated bool
	onLine    LineFunc
}

func newLineWriter(limit int, onLine LineFunc) *lineWriter {
	return &lineWriter{max: limit, onLine: onLine}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mx.Lock()
	defer w.mx.Unlock()

	keep := p
	if w.max > 0 {
		room := w.max - w.buf.Len()
		if room < 0 {
			room = 0
		}
		if len(keep) > room {
			keep = keep[:room]
			w.truncated = true
		}
	}
	w.buf.Write(keep)

	if w.onLine != nil {
		w.partial = append(w.partial, p...)
		for {
			i := bytes.IndexByte(w.partial, '\n')
			if i < 0 {
				break
			}
			w.onLine(string(bytes.TrimRight(w.partial[:i], "\r")))
			w.partial = w.partial[i+1:]
		}
		// a single line must not grow without bound
		if w.max > 0 && len(w.partial) > w.max {
			w.onLine(string(w.partial))
			w.partial = nil
		}
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mx.Lock()
	defer w.mx.Unlock()
	if len(w.partial) > 0 && w.onLine != nil {
		w.onLine(string(w.partial))
	}
	w.partial = nil
}

func (w *lineWriter) result() (string, bool) {
	w.mx.Lock()
	defer w.mx.Unlock()
	if w.truncated {
		return w.buf.String() + truncatedMarker, true
	}
	return w.buf.String(), false
}
