package executor_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/msfrecon/recond/internal/executor"
	"github.com/msfrecon/recond/internal/model"
	"github.com/msfrecon/recond/internal/rcscript"
	"github.com/msfrecon/recond/internal/registry"
	"github.com/stretchr/testify/require"
)

func shell(t *testing.T) *executor.Process {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return &executor.Process{
		Shell:          sh,
		MSFConsole:     "msfconsole",
		DefaultTimeout: 5 * time.Second,
		KillGrace:      200 * time.Millisecond,
		MaxOutput:      1 << 20,
	}
}

func invocation(t *testing.T, body string) executor.Invocation {
	return executor.Invocation{
		ToolID: "test",
		Target: "10.0.0.5",
		Script: rcscript.Script{
			Name:        "00-test.sh",
			Interpreter: registry.InterpreterShell,
			Body:        body,
		},
		Isolation: executor.Isolation{WorkDir: t.TempDir()},
	}
}

type lines struct {
	mx  sync.Mutex
	got []string
}

func (l *lines) add(line string) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.got = append(l.got, line)
}

func TestProcess(t *testing.T) {
	t.Parallel()
	p := shell(t)

	var testCases = []struct {
		scenario string
		given    string
		then     model.ExitStatus
		code     int
		output   string
	}{
		{
			scenario: "ok",
			given:    "echo hello\necho world\n",
			then:     model.ExitOK,
			code:     0,
			output:   "hello\nworld\n",
		},
		{
			scenario: "exit code",
			given:    "echo partial\nexit 3\n",
			then:     model.ExitError,
			code:     3,
			output:   "partial\n",
		},
		{
			scenario: "stderr",
			given:    "echo oops 1>&2\n",
			then:     model.ExitOK,
			code:     0,
			output:   "oops\n",
		},
		{
			scenario: "environment",
			given:    "echo \"$LC_ALL $RECOND_TEST\"\n",
			then:     model.ExitOK,
			code:     0,
			output:   "C yes\n",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			inv := invocation(t, tc.given)
			inv.Isolation.Env = []string{"RECOND_TEST=yes"}
			var got lines
			out := p.Execute(t.Context(), inv, got.add)
			require.Equal(t, tc.then, out.ExitStatus, out.Err)
			require.Equal(t, tc.code, out.ExitCode)
			require.Equal(t, tc.output, out.Output)
			require.Equal(t, strings.Split(strings.TrimSuffix(tc.output, "\n"), "\n"), got.got)
			require.False(t, out.Ended.Before(out.Started))

			body, err := os.ReadFile(filepath.Join(inv.Isolation.WorkDir, inv.Script.Name))
			require.NoError(t, err)
			require.Equal(t, tc.given, string(body))
		})
	}
}

func TestProcessTimeout(t *testing.T) {
	t.Parallel()
	p := shell(t)
	inv := invocation(t, "echo started\nsleep 30\n")
	inv.Timeout = 200 * time.Millisecond

	start := time.Now()
	out := p.Execute(t.Context(), inv, nil)
	require.Equal(t, model.ExitTimeout, out.ExitStatus)
	require.ErrorIs(t, out.Err, executor.ErrTimeout)
	require.Equal(t, "started\n", out.Output)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestProcessIgnoresTerm(t *testing.T) {
	t.Parallel()
	p := shell(t)
	p.KillGrace = 0
	inv := invocation(t, "trap '' TERM\necho started\nsleep 30\n")
	inv.Timeout = 200 * time.Millisecond

	start := time.Now()
	out := p.Execute(t.Context(), inv, nil)
	require.Equal(t, model.ExitTimeout, out.ExitStatus)
	require.ErrorIs(t, out.Err, executor.ErrTimeout)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestProcessKilled(t *testing.T) {
	t.Parallel()
	p := shell(t)
	inv := invocation(t, "sleep 30\n")

	ctx, cancel := context.WithCancel(t.Context())
	time.AfterFunc(200*time.Millisecond, cancel)
	out := p.Execute(ctx, inv, nil)
	require.Equal(t, model.ExitKilled, out.ExitStatus)
	require.ErrorIs(t, out.Err, executor.ErrKilled)
}

func TestProcessMaxOutput(t *testing.T) {
	t.Parallel()
	p := shell(t)
	p.MaxOutput = 1000
	inv := invocation(t, "i=0\nwhile [ $i -lt 500 ]; do echo line-$i; i=$((i+1)); done\n")

	var got lines
	out := p.Execute(t.Context(), inv, got.add)
	require.Equal(t, model.ExitOK, out.ExitStatus)
	require.True(t, out.Truncated)
	require.True(t, strings.HasPrefix(out.Output, "line-0\nline-1\n"))
	require.True(t, strings.HasSuffix(out.Output, "[recond: output truncated]\n"))
	require.Len(t, got.got, 500)
}

func TestProcessStartFailure(t *testing.T) {
	t.Parallel()
	p := shell(t)
	p.MSFConsole = filepath.Join(t.TempDir(), "no-such-msfconsole")
	inv := invocation(t, "use auxiliary/scanner/portscan/syn\n")
	inv.Script.Interpreter = registry.InterpreterMSF
	inv.Script.Name = "00-test.rc"

	out := p.Execute(t.Context(), inv, nil)
	require.Equal(t, model.ExitError, out.ExitStatus)
	require.Equal(t, -1, out.ExitCode)
	require.Error(t, out.Err)
}

func TestNewProcess(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig(t.Context()).Executor
	cfg.Env = map[string]string{"B": "2", "A": "1"}
	cfg.User = "1000:1001"
	p, err := executor.NewProcess(cfg)
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, p.DefaultTimeout)
	require.Equal(t, 5*time.Second, p.KillGrace)
	require.Equal(t, []string{"A=1", "B=2"}, p.Env)
	require.Equal(t, &executor.Credential{UID: 1000, GID: 1001}, p.Credential)

	cfg.KillGrace = "PT0.1S"
	p, err = executor.NewProcess(cfg)
	require.NoError(t, err)
	require.Equal(t, time.Second, p.KillGrace)
}

func TestScripted(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		s := executor.NewScripted(map[string]string{
			"tcp-syn-scan": "[+]  TCP OPEN ${TARGET}:22\n",
			"broken":       "boom\n",
		})
		s.ExitCodes = map[string]int{"broken": 2}
		s.Delay = time.Minute

		var testCases = []struct {
			scenario string
			tool     string
			timeout  time.Duration
			then     model.ExitStatus
		}{
			{"ok", "tcp-syn-scan", 0, model.ExitOK},
			{"exit code", "broken", 0, model.ExitError},
			{"timeout", "tcp-syn-scan", time.Second, model.ExitTimeout},
			{"unknown", "nope", 0, model.ExitError},
		}
		for _, tc := range testCases {
			var got lines
			out := s.Execute(t.Context(), executor.Invocation{ToolID: tc.tool, Target: "10.0.0.5", Timeout: tc.timeout}, got.add)
			require.Equal(t, tc.then, out.ExitStatus, tc.scenario)
			if tc.tool == "tcp-syn-scan" {
				require.Equal(t, "[+]  TCP OPEN 10.0.0.5:22\n", out.Output)
				require.Equal(t, []string{"[+]  TCP OPEN 10.0.0.5:22"}, got.got)
			}
		}
		require.Len(t, s.Calls(), 4)

		ctx, cancel := context.WithCancel(t.Context())
		time.AfterFunc(time.Second, cancel)
		out := s.Execute(ctx, executor.Invocation{ToolID: "tcp-syn-scan"}, nil)
		require.Equal(t, model.ExitKilled, out.ExitStatus)
	})
}
