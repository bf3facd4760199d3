// Package scheduler owns the job lifecycle.
//
// Jobs wait in a FIFO queue until both the global and the per target
// concurrency budget allow them to run. A running job holds one slot of
// each for its whole life and runs its tools one after another, so no two
// processes ever append results to the same job. Admission is re-evaluated
// whenever a job is submitted, finishes or is cancelled.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msfrecon/recond/internal/executor"
	"github.com/msfrecon/recond/internal/log"
	"github.com/msfrecon/recond/internal/model"
	"github.com/msfrecon/recond/internal/parser"
)

var (
	ErrRunning = errors.New("scheduler already running")
	ErrClosed  = errors.New("scheduler closed")
)

const liveOutputLimit = 64 * 1024

// Store is the part of the job store the scheduler mutates.
type Store interface {
	CreateJob(ctx context.Context, job model.Job) (model.Job, bool, error)
	Transition(ctx context.Context, id string, to model.Status, msg string) error
	AppendResult(ctx context.Context, id string, idx int, r model.ToolResult) error
	Get(ctx context.Context, id string) (model.Job, error)
}

// Step is one planned tool run.
type Step struct {
	Invocation executor.Invocation
	Grammar    string
}

// Planner turns the idx-th tool request of job into a step. An error fails
// the job.
type Planner func(job model.Job, idx int) (Step, error)

// DoneFunc is called once a job reached a terminal state.
type DoneFunc func(ctx context.Context, job model.Job)

type Config struct {
	MaxConcurrent int
	PerTarget     int
	// Workspace is the parent of the per job working directories.
	Workspace string
}

type Scheduler struct {
	cfg   Config
	store Store
	exec  executor.Executor
	plan  Planner
	hub   *Hub
	done  []DoneFunc

	mx      sync.Mutex
	base    context.Context
	closed  bool
	queue   []model.Job
	running map[string]*run
	targets map[string]int
	group   errgroup.Group
}

type run struct {
	job    model.Job
	ctx    context.Context
	cancel context.CancelFunc

	mx        sync.Mutex
	cancelled bool
	tool      string
	output    []byte
}

func (r *run) requestCancel() {
	r.mx.Lock()
	r.cancelled = true
	r.mx.Unlock()
	r.cancel()
}

func (r *run) isCancelled() bool {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.cancelled
}

func (r *run) startTool(toolID string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.tool = toolID
	r.output = r.output[:0]
}

func (r *run) appendLine(line string) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.output = append(r.output, line...)
	r.output = append(r.output, '\n')
	if over := len(r.output) - liveOutputLimit; over > 0 {
		r.output = slices.Delete(r.output, 0, over)
	}
}

type Option func(*Scheduler)

// WithDoneFunc registers fn to be called for every job reaching a terminal state.
func WithDoneFunc(fn DoneFunc) Option {
	return func(s *Scheduler) {
		s.done = append(s.done, fn)
	}
}

func WithHub(h *Hub) Option {
	return func(s *Scheduler) {
		s.hub = h
	}
}

func New(cfg Config, store Store, exec executor.Executor, plan Planner, opts ...Option) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.PerTarget <= 0 {
		cfg.PerTarget = 1
	}
	s := &Scheduler{
		cfg:     cfg,
		store:   store,
		exec:    exec,
		plan:    plan,
		hub:     NewHub(),
		running: make(map[string]*run),
		targets: make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Hub() *Hub {
	return s.hub
}

// Do runs queued jobs until ctx is cancelled. Jobs still running then are
// stopped and marked failed. Do returns once every job goroutine ended.
func (s *Scheduler) Do(ctx context.Context) error {
	s.mx.Lock()
	if s.base != nil {
		s.mx.Unlock()
		return ErrRunning
	}
	s.base = ctx
	s.mx.Unlock()

	slog.DebugContext(ctx, "starting a scheduler", "max_concurrent", s.cfg.MaxConcurrent, "per_target", s.cfg.PerTarget)
	defer func() {
		if err := s.group.Wait(); err != nil {
			slog.ErrorContext(ctx, "job goroutine failed", "error", err)
		}
	}()
	defer func() {
		s.mx.Lock()
		s.closed = true
		s.mx.Unlock()
	}()

	s.dispatch()
	<-ctx.Done()
	return nil
}

// Submit persists job as queued and schedules it. The target must have
// passed authorization. With a repeated idempotency key the earlier job is
// returned and created is false.
func (s *Scheduler) Submit(ctx context.Context, job model.Job) (ret model.Job, created bool, err error) {
	if !job.Target.Authorized {
		return model.Job{}, false, fmt.Errorf("%w: %s", model.ErrNotAuthorized, job.Target.Value)
	}
	if len(job.ToolRequests) == 0 {
		return model.Job{}, false, fmt.Errorf("%w: no tool requested", model.ErrInvalidParameter)
	}
	s.mx.Lock()
	closed := s.closed
	s.mx.Unlock()
	if closed {
		return model.Job{}, false, ErrClosed
	}

	ret, created, err = s.store.CreateJob(ctx, job)
	if err != nil || !created {
		return ret, created, err
	}
	s.hub.Publish(Event{JobID: ret.ID, Type: EventStatus, Status: model.StatusQueued})
	s.Enqueue(ret)
	return ret, true, nil
}

// Enqueue schedules an already stored queued job.
func (s *Scheduler) Enqueue(job model.Job) {
	s.mx.Lock()
	s.queue = append(s.queue, job)
	s.mx.Unlock()
	s.dispatch()
}

// Cancel stops job id. A queued job is cancelled at once, a running job is
// signalled and reaches cancelled when its current tool returned. Cancel
// of a terminal job does nothing.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	s.mx.Lock()
	if r, ok := s.running[id]; ok {
		s.mx.Unlock()
		slog.InfoContext(ctx, "cancelling running job", "job_id", id)
		r.requestCancel()
		return nil
	}
	i := slices.IndexFunc(s.queue, func(j model.Job) bool { return j.ID == id })
	if i >= 0 {
		s.queue = slices.Delete(s.queue, i, i+1)
	}
	s.mx.Unlock()

	job, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	if job.Status == model.StatusRunning {
		s.mx.Lock()
		r, ok := s.running[id]
		s.mx.Unlock()
		if ok {
			r.requestCancel()
		}
		return nil
	}
	msg := "cancelled before start, not run: " + strings.Join(job.Pending(), ", ")
	if err := s.store.Transition(ctx, id, model.StatusCancelled, msg); err != nil {
		if errors.Is(err, model.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	s.finished(context.WithoutCancel(ctx), id)
	s.dispatch()
	return nil
}

// Live returns the tool currently running for job id and the tail of its
// output. ok is false when the job is not running.
func (s *Scheduler) Live(id string) (tool, output string, ok bool) {
	s.mx.Lock()
	r, ok := s.running[id]
	s.mx.Unlock()
	if !ok {
		return "", "", false
	}
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.tool, string(r.output), true
}

// Running returns the number of running jobs.
func (s *Scheduler) Running() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	return len(s.running)
}

// dispatch admits every queued job whose target has capacity, in queue
// order, while global capacity remains.
func (s *Scheduler) dispatch() {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.base == nil || s.closed || s.base.Err() != nil {
		return
	}

	remaining := s.queue[:0]
	for _, job := range s.queue {
		key := job.Target.Value
		if len(s.running) >= s.cfg.MaxConcurrent || s.targets[key] >= s.cfg.PerTarget {
			remaining = append(remaining, job)
			continue
		}
		ctx, cancel := context.WithCancel(s.base)
		r := &run{job: job, ctx: ctx, cancel: cancel}
		s.running[job.ID] = r
		s.targets[key]++
		s.group.Go(func() error {
			defer s.release(r)
			s.runJob(r)
			return nil
		})
	}
	clear(s.queue[len(remaining):])
	s.queue = remaining
}

func (s *Scheduler) release(r *run) {
	r.cancel()
	s.mx.Lock()
	delete(s.running, r.job.ID)
	key := r.job.Target.Value
	s.targets[key]--
	if s.targets[key] <= 0 {
		delete(s.targets, key)
	}
	s.mx.Unlock()
	s.dispatch()
}

func (s *Scheduler) runJob(r *run) {
	id := r.job.ID
	ctx := log.ContextAttrs(r.ctx,
		slog.String("job_id", id),
		slog.String("target", r.job.Target.Value),
	)
	// store writes must land even when the job is being cancelled
	bg := context.WithoutCancel(ctx)

	if err := s.store.Transition(bg, id, model.StatusRunning, ""); err != nil {
		slog.ErrorContext(ctx, "admitting job failed", "error", err)
		return
	}
	slog.InfoContext(ctx, "job started", "tools", len(r.job.ToolRequests))
	s.hub.Publish(Event{JobID: id, Type: EventStatus, Status: model.StatusRunning})

	dir := filepath.Join(s.cfg.Workspace, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		s.fail(bg, id, fmt.Sprintf("creating workspace: %v", err))
		return
	}

	done := 0
	interrupted := false
	for idx, req := range r.job.ToolRequests {
		if r.ctx.Err() != nil {
			break
		}
		step, err := s.plan(r.job, idx)
		if err != nil {
			s.fail(bg, id, fmt.Sprintf("planning %s: %v", req.ToolID, err))
			return
		}
		step.Invocation.Isolation.WorkDir = dir

		toolCtx := log.ContextAttrs(ctx, slog.String("tool", req.ToolID))
		r.startTool(req.ToolID)
		slog.DebugContext(toolCtx, "tool started")
		out := s.exec.Execute(r.ctx, step.Invocation, func(line string) {
			r.appendLine(line)
			s.hub.Publish(Event{JobID: id, Type: EventOutput, ToolID: req.ToolID, Line: line})
		})

		result := model.ToolResult{
			ToolID:     req.ToolID,
			RawOutput:  out.Output,
			Findings:   parser.Parse(step.Grammar, out.Output),
			StartedAt:  out.Started,
			EndedAt:    out.Ended,
			ExitStatus: out.ExitStatus,
			ExitCode:   out.ExitCode,
		}
		if out.Err != nil {
			result.Error = out.Err.Error()
		}
		slog.InfoContext(toolCtx, "tool finished",
			"exit_status", result.ExitStatus,
			"exit_code", result.ExitCode,
			"findings", len(result.Findings),
			"duration", result.EndedAt.Sub(result.StartedAt),
		)
		if err := s.store.AppendResult(bg, id, idx, result); err != nil {
			s.fail(bg, id, fmt.Sprintf("storing result of %s: %v", req.ToolID, err))
			return
		}
		s.hub.Publish(Event{JobID: id, Type: EventResult, ToolID: req.ToolID, Result: &result})
		done = idx + 1
		interrupted = out.ExitStatus == model.ExitKilled
	}

	pending := make([]string, 0, len(r.job.ToolRequests)-done)
	for _, req := range r.job.ToolRequests[done:] {
		pending = append(pending, req.ToolID)
	}
	switch {
	case len(pending) == 0 && !interrupted:
		// every tool ran to its end, a late cancel changes nothing
		s.finish(bg, id, model.StatusCompleted, "")
	case r.isCancelled():
		msg := "cancelled by request"
		if len(pending) > 0 {
			msg += ", not run: " + strings.Join(pending, ", ")
		}
		s.finish(bg, id, model.StatusCancelled, msg)
	case r.ctx.Err() != nil:
		msg := "interrupted by shutdown"
		if len(pending) > 0 {
			msg += ", not run: " + strings.Join(pending, ", ")
		}
		s.fail(bg, id, msg)
	default:
		s.finish(bg, id, model.StatusCompleted, "")
	}
}

func (s *Scheduler) fail(ctx context.Context, id, msg string) {
	slog.ErrorContext(ctx, "job failed", "error", msg)
	s.finish(ctx, id, model.StatusFailed, msg)
}

func (s *Scheduler) finish(ctx context.Context, id string, to model.Status, msg string) {
	if err := s.store.Transition(ctx, id, to, msg); err != nil {
		slog.ErrorContext(ctx, "finishing job failed", "status", to, "error", err)
		return
	}
	slog.InfoContext(ctx, "job finished", "status", to)
	s.finished(ctx, id)
}

func (s *Scheduler) finished(ctx context.Context, id string) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		slog.ErrorContext(ctx, "loading finished job failed", "job_id", id, "error", err)
		return
	}
	s.hub.Publish(Event{JobID: id, Type: EventStatus, Status: job.Status, Error: job.Error})
	for _, fn := range s.done {
		start := time.Now()
		fn(ctx, job)
		slog.DebugContext(ctx, "done hook returned", "job_id", id, "elapsed", time.Since(start))
	}
}
