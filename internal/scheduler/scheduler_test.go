package scheduler_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/msfrecon/recond/internal/executor"
	"github.com/msfrecon/recond/internal/model"
	"github.com/msfrecon/recond/internal/parser"
	"github.com/msfrecon/recond/internal/registry"
	"github.com/msfrecon/recond/internal/scheduler"
	"github.com/msfrecon/recond/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitFor = 5 * time.Second

func catalogue(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Load("", registry.WithGrammars(parser.Known))
	require.NoError(t, err)
	return reg
}

func planner(reg *registry.Registry, timeouts map[string]time.Duration) scheduler.Planner {
	return func(job model.Job, idx int) (scheduler.Step, error) {
		req := job.ToolRequests[idx]
		m, err := reg.Lookup(req.ToolID)
		if err != nil {
			return scheduler.Step{}, err
		}
		return scheduler.Step{
			Invocation: executor.Invocation{
				JobID:   job.ID,
				ToolID:  req.ToolID,
				Target:  job.Target.Value,
				Timeout: timeouts[req.ToolID],
			},
			Grammar: m.Grammar,
		}, nil
	}
}

type harness struct {
	sched *scheduler.Scheduler
	store *store.Store
	stop  func()
}

func start(t *testing.T, cfg scheduler.Config, exec executor.Executor, plan scheduler.Planner, opts ...scheduler.Option) harness {
	t.Helper()
	st, err := store.InitDB(t.Context(), ":memory:")
	require.NoError(t, err)
	if cfg.Workspace == "" {
		cfg.Workspace = t.TempDir()
	}
	sched := scheduler.New(cfg, st, exec, plan, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sched.Do(ctx)
	}()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			require.NoError(t, <-done)
		})
	}
	t.Cleanup(func() {
		stop()
		require.NoError(t, st.Close())
	})
	return harness{sched: sched, store: st, stop: stop}
}

func newJob(target string, tools ...string) model.Job {
	job := model.Job{
		Target:    model.Target{Value: target, Kind: model.TargetIPv4, Authorized: true},
		Requester: "tester",
	}
	for _, tool := range tools {
		job.ToolRequests = append(job.ToolRequests, model.ToolRequest{ToolID: tool})
	}
	return job
}

func (h harness) submit(t *testing.T, job model.Job) string {
	t.Helper()
	ret, created, err := h.sched.Submit(t.Context(), job)
	require.NoError(t, err)
	require.True(t, created)
	return ret.ID
}

func (h harness) await(t *testing.T, id string, status model.Status) model.Job {
	t.Helper()
	var job model.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.store.Get(context.Background(), id)
		return err == nil && job.Status == status
	}, waitFor, 5*time.Millisecond, "job %s never reached %s", id, status)
	return job
}

func (h harness) awaitTool(t *testing.T, id, tool string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, output, ok := h.sched.Live(id)
		return ok && got == tool && output != ""
	}, waitFor, 5*time.Millisecond)
}

func TestCompleted(t *testing.T) {
	t.Parallel()
	reg := catalogue(t)
	exec := executor.NewScripted(reg.Samples())
	h := start(t, scheduler.Config{MaxConcurrent: 2}, exec, planner(reg, nil))

	id := h.submit(t, newJob("10.0.0.5", "ping-sweep", "tcp-syn-scan"))
	job := h.await(t, id, model.StatusCompleted)

	require.Len(t, job.Results, 2)
	require.Equal(t, "ping-sweep", job.Results[0].ToolID)
	require.Equal(t, "tcp-syn-scan", job.Results[1].ToolID)
	for _, r := range job.Results {
		require.Equal(t, model.ExitOK, r.ExitStatus)
	}
	require.Contains(t, job.Results[1].Findings, model.Finding{Kind: model.KindOpenPort, Host: "10.0.0.5", Port: 22, Protocol: "tcp"})
	require.Len(t, job.Results[1].Findings, 3)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.EndedAt)
	require.Empty(t, job.Error)

	calls := exec.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, "ping-sweep", calls[0].ToolID)
	require.Equal(t, "10.0.0.5", calls[0].Target)
	require.NotEmpty(t, calls[0].Isolation.WorkDir)
}

func TestToolFailureDoesNotFailJob(t *testing.T) {
	t.Parallel()
	reg := catalogue(t)
	exec := executor.NewScripted(reg.Samples())
	exec.Delay = 300 * time.Millisecond
	exec.ExitCodes = map[string]int{"udp-scan": 1}
	h := start(t, scheduler.Config{MaxConcurrent: 1}, exec, planner(reg, map[string]time.Duration{
		"ping-sweep": 20 * time.Millisecond,
	}))

	id := h.submit(t, newJob("10.0.0.5", "ping-sweep", "udp-scan", "tcp-syn-scan"))
	job := h.await(t, id, model.StatusCompleted)

	require.Len(t, job.Results, 3)
	require.Equal(t, model.ExitTimeout, job.Results[0].ExitStatus)
	require.Equal(t, model.ExitError, job.Results[1].ExitStatus)
	require.Equal(t, 1, job.Results[1].ExitCode)
	require.Equal(t, model.ExitOK, job.Results[2].ExitStatus)
}

func TestCancelRunning(t *testing.T) {
	t.Parallel()
	reg := catalogue(t)
	exec := executor.NewScripted(reg.Samples())
	exec.Delay = time.Minute
	h := start(t, scheduler.Config{MaxConcurrent: 1}, exec, planner(reg, nil))

	id := h.submit(t, newJob("10.0.0.5", "ping-sweep", "tcp-syn-scan"))
	h.awaitTool(t, id, "ping-sweep")
	_, output, _ := h.sched.Live(id)
	require.Contains(t, output, "Discovered NetBIOS on 10.0.0.5:137")

	require.NoError(t, h.sched.Cancel(t.Context(), id))
	job := h.await(t, id, model.StatusCancelled)
	require.Len(t, job.Results, 1)
	require.Equal(t, model.ExitKilled, job.Results[0].ExitStatus)
	require.Contains(t, job.Error, "not run: tcp-syn-scan")
	require.Len(t, exec.Calls(), 1)

	// cancel of a terminal job is a no-op
	require.NoError(t, h.sched.Cancel(t.Context(), id))
	job = h.await(t, id, model.StatusCancelled)
	require.Len(t, job.Results, 1)
}

// cancelAfter cancels the job from within the run of tool, once the
// tool itself has finished.
type cancelAfter struct {
	executor.Executor
	tool   string
	cancel func(id string)
}

func (c *cancelAfter) Execute(ctx context.Context, inv executor.Invocation, onLine executor.LineFunc) executor.Outcome {
	out := c.Executor.Execute(ctx, inv, onLine)
	if inv.ToolID == c.tool {
		c.cancel(inv.JobID)
	}
	return out
}

func TestCancelAfterLastTool(t *testing.T) {
	t.Parallel()
	reg := catalogue(t)
	exec := &cancelAfter{Executor: executor.NewScripted(reg.Samples()), tool: "tcp-syn-scan"}
	h := start(t, scheduler.Config{MaxConcurrent: 1}, exec, planner(reg, nil))
	exec.cancel = func(id string) {
		if err := h.sched.Cancel(context.Background(), id); err != nil {
			t.Errorf("cancel: %v", err)
		}
	}

	id := h.submit(t, newJob("10.0.0.5", "ping-sweep", "tcp-syn-scan"))
	job := h.await(t, id, model.StatusCompleted)
	require.Len(t, job.Results, 2)
	require.Equal(t, model.ExitOK, job.Results[1].ExitStatus)
	require.Empty(t, job.Error)
}

func TestCancelQueued(t *testing.T) {
	t.Parallel()
	reg := catalogue(t)
	exec := executor.NewScripted(reg.Samples())
	exec.Delay = time.Minute
	h := start(t, scheduler.Config{MaxConcurrent: 1}, exec, planner(reg, nil))

	first := h.submit(t, newJob("10.0.0.1", "ping-sweep"))
	h.awaitTool(t, first, "ping-sweep")
	second := h.submit(t, newJob("10.0.0.2", "ping-sweep", "tcp-syn-scan"))

	st, err := h.store.Status(t.Context(), second)
	require.NoError(t, err)
	require.Equal(t, model.StatusQueued, st.Status)

	require.NoError(t, h.sched.Cancel(t.Context(), second))
	job, err := h.store.Get(t.Context(), second)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, job.Status)
	require.Nil(t, job.StartedAt)
	require.Empty(t, job.Results)
	require.Contains(t, job.Error, "ping-sweep, tcp-syn-scan")

	require.NoError(t, h.sched.Cancel(t.Context(), first))
	h.await(t, first, model.StatusCancelled)
	for _, call := range exec.Calls() {
		require.Equal(t, "10.0.0.1", call.Target)
	}
}

func TestCancelUnknown(t *testing.T) {
	t.Parallel()
	reg := catalogue(t)
	h := start(t, scheduler.Config{}, executor.NewScripted(reg.Samples()), planner(reg, nil))
	err := h.sched.Cancel(t.Context(), "no-such-job")
	require.ErrorIs(t, err, model.ErrJobNotFound)
}

// tracking records how many invocations run at once, globally and per target.
type tracking struct {
	inner executor.Executor

	mx      sync.Mutex
	active  map[string]int
	maxPer  map[string]int
	all     int
	maxAll  int
	started []string
}

func (tr *tracking) Execute(ctx context.Context, inv executor.Invocation, onLine executor.LineFunc) executor.Outcome {
	tr.mx.Lock()
	tr.active[inv.Target]++
	tr.all++
	tr.maxPer[inv.Target] = max(tr.maxPer[inv.Target], tr.active[inv.Target])
	tr.maxAll = max(tr.maxAll, tr.all)
	tr.started = append(tr.started, inv.JobID)
	tr.mx.Unlock()

	defer func() {
		tr.mx.Lock()
		tr.active[inv.Target]--
		tr.all--
		tr.mx.Unlock()
	}()
	return tr.inner.Execute(ctx, inv, onLine)
}

func TestConcurrencyCaps(t *testing.T) {
	t.Parallel()
	reg := catalogue(t)
	scripted := executor.NewScripted(reg.Samples())
	scripted.Delay = 30 * time.Millisecond
	tr := &tracking{inner: scripted, active: map[string]int{}, maxPer: map[string]int{}}
	h := start(t, scheduler.Config{MaxConcurrent: 2, PerTarget: 1}, tr, planner(reg, nil))

	var sameTarget, ids []string
	for i := range 6 {
		target := "10.0.0.5"
		if i%2 == 1 {
			target = fmt.Sprintf("10.0.0.%d", 6+i/2)
		}
		id := h.submit(t, newJob(target, "ping-sweep"))
		ids = append(ids, id)
		if target == "10.0.0.5" {
			sameTarget = append(sameTarget, id)
		}
	}
	for _, id := range ids {
		h.await(t, id, model.StatusCompleted)
	}

	tr.mx.Lock()
	defer tr.mx.Unlock()
	require.LessOrEqual(t, tr.maxAll, 2)
	for target, n := range tr.maxPer {
		require.Equal(t, 1, n, target)
	}
	var order []string
	for _, id := range tr.started {
		for _, same := range sameTarget {
			if id == same {
				order = append(order, id)
			}
		}
	}
	require.Equal(t, sameTarget, order, "jobs of one target start in submission order")
}

func TestShutdown(t *testing.T) {
	t.Parallel()
	reg := catalogue(t)
	exec := executor.NewScripted(reg.Samples())
	exec.Delay = time.Minute
	h := start(t, scheduler.Config{}, exec, planner(reg, nil))

	id := h.submit(t, newJob("10.0.0.5", "ping-sweep", "tcp-syn-scan"))
	h.awaitTool(t, id, "ping-sweep")
	h.stop()

	job, err := h.store.Get(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, job.Status)
	require.Contains(t, job.Error, "interrupted by shutdown")
	require.Contains(t, job.Error, "tcp-syn-scan")
	require.Len(t, job.Results, 1)

	_, _, err = h.sched.Submit(t.Context(), newJob("10.0.0.5", "ping-sweep"))
	require.ErrorIs(t, err, scheduler.ErrClosed)
}

func TestPlanFailure(t *testing.T) {
	t.Parallel()
	reg := catalogue(t)
	h := start(t, scheduler.Config{}, executor.NewScripted(reg.Samples()), planner(reg, nil))

	id := h.submit(t, newJob("10.0.0.5", "ping-sweep", "no-such-tool"))
	job := h.await(t, id, model.StatusFailed)
	require.Len(t, job.Results, 1)
	require.Contains(t, job.Error, "no-such-tool")
}

func TestSubmitRejects(t *testing.T) {
	t.Parallel()
	reg := catalogue(t)
	h := start(t, scheduler.Config{}, executor.NewScripted(reg.Samples()), planner(reg, nil))

	job := newJob("8.8.8.8", "ping-sweep")
	job.Target.Authorized = false
	_, _, err := h.sched.Submit(t.Context(), job)
	require.ErrorIs(t, err, model.ErrNotAuthorized)

	_, _, err = h.sched.Submit(t.Context(), newJob("10.0.0.5"))
	require.ErrorIs(t, err, model.ErrInvalidParameter)

	_, total, err := h.store.List(t.Context(), store.ListOptions{})
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestIdempotentSubmit(t *testing.T) {
	t.Parallel()
	reg := catalogue(t)
	h := start(t, scheduler.Config{}, executor.NewScripted(reg.Samples()), planner(reg, nil))

	job := newJob("10.0.0.5", "ping-sweep")
	job.IdempotencyKey = "k1"
	first := h.submit(t, job)
	again, created, err := h.sched.Submit(t.Context(), job)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first, again.ID)
	h.await(t, first, model.StatusCompleted)
}

func TestEventsAndDone(t *testing.T) {
	t.Parallel()
	reg := catalogue(t)
	var (
		mx   sync.Mutex
		done []model.Job
	)
	hook := scheduler.WithDoneFunc(func(_ context.Context, job model.Job) {
		mx.Lock()
		defer mx.Unlock()
		done = append(done, job)
	})
	exec := executor.NewScripted(reg.Samples())
	exec.Delay = 300 * time.Millisecond
	h := start(t, scheduler.Config{}, exec, planner(reg, nil), hook)

	// block the scheduler slot so the job under test stays queued while subscribing
	blocker := h.submit(t, newJob("10.0.0.1", "ping-sweep"))
	h.awaitTool(t, blocker, "ping-sweep")

	id := h.submit(t, newJob("10.0.0.5", "tcp-syn-scan"))
	events, unsubscribe := h.sched.Hub().Subscribe(id)
	defer unsubscribe()

	var got []scheduler.Event
	timeout := time.After(waitFor)
loop:
	for {
		select {
		case e := <-events:
			got = append(got, e)
			if e.Type == scheduler.EventStatus && e.Status.Terminal() {
				break loop
			}
		case <-timeout:
			t.Fatalf("no terminal event, got %v", got)
		}
	}

	require.Equal(t, scheduler.Event{JobID: id, Type: scheduler.EventStatus, Status: model.StatusRunning}, got[0])
	require.Equal(t, model.StatusCompleted, got[len(got)-1].Status)
	var lines, results int
	for _, e := range got {
		switch e.Type {
		case scheduler.EventOutput:
			lines++
		case scheduler.EventResult:
			results++
			require.Equal(t, "tcp-syn-scan", e.Result.ToolID)
		}
	}
	require.Equal(t, 5, lines)
	require.Equal(t, 1, results)

	h.await(t, blocker, model.StatusCompleted)
	require.Eventually(t, func() bool {
		mx.Lock()
		defer mx.Unlock()
		return len(done) == 2
	}, waitFor, 5*time.Millisecond)
}
