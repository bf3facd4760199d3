package service

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/msfrecon/recond/internal/authz"
	"github.com/msfrecon/recond/internal/executor"
	"github.com/msfrecon/recond/internal/log"
	"github.com/msfrecon/recond/internal/model"
	"github.com/msfrecon/recond/internal/parallel"
	"github.com/msfrecon/recond/internal/parser"
	"github.com/msfrecon/recond/internal/rcscript"
	"github.com/msfrecon/recond/internal/registry"
	"github.com/msfrecon/recond/internal/scheduler"
	"github.com/msfrecon/recond/internal/store"
)

// DefaultRequester is recorded for submissions without an identity.
const DefaultRequester = "local"

var profileNameRx = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Service is the single entry point of recond. It validates requests,
// hands accepted jobs to the scheduler and answers queries from the store.
type Service struct {
	cfg       model.Config
	gate      *authz.Gate
	reg       *registry.Registry
	store     *store.Store
	sched     *scheduler.Scheduler
	exec      executor.Executor
	exporters []model.Exporter
	retention time.Duration
	now       func() time.Time
}

type Option func(*Service)

// WithExecutor replaces the executor selected by executor.mode.
func WithExecutor(e executor.Executor) Option {
	return func(s *Service) {
		s.exec = e
	}
}

// WithExporters replaces the exporters configured by service.dir and
// service.repository.
func WithExporters(exporters ...model.Exporter) Option {
	return func(s *Service) {
		s.exporters = exporters
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New wires every component from cfg and seeds the profiles of the
// configuration into the store.
func New(ctx context.Context, cfg model.Config, opts ...Option) (*Service, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}

	rules, err := authz.NewAllowList(cfg.Authorization.Rules)
	if err != nil {
		return nil, fmt.Errorf("initializing authorization rules: %w", err)
	}

	var regDir string
	if cfg.Registry != nil {
		regDir = cfg.Registry.Dir
	}
	reg, err := registry.Load(regDir, registry.WithGrammars(parser.Known))
	if err != nil {
		return nil, fmt.Errorf("loading module registry: %w", err)
	}

	retention, err := model.ParseISODuration(cfg.Store.Retention)
	if err != nil {
		return nil, fmt.Errorf("parsing store.retention: %w", err)
	}
	if err := validSchedule(cfg.Store.Sweep); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:       cfg,
		reg:       reg,
		retention: retention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.exec == nil {
		s.exec, err = newExecutor(cfg.Executor, reg)
		if err != nil {
			return nil, fmt.Errorf("initializing executor: %w", err)
		}
	}
	if s.exporters == nil {
		s.exporters, err = exporters(ctx, cfg.Service)
		if err != nil {
			return nil, fmt.Errorf("initializing exporters: %w", err)
		}
	}

	db, err := store.InitDB(ctx, cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("opening job store: %w", err)
	}
	s.store = db

	limiter := authz.NewLimiter(cfg.Service.RateLimit.PerMinute, cfg.Service.RateLimit.Burst)
	s.gate = authz.NewGate(rules, db, limiter)

	s.sched = scheduler.New(
		scheduler.Config{
			MaxConcurrent: cfg.Scheduler.MaxConcurrent,
			PerTarget:     cfg.Scheduler.PerTarget,
			Workspace:     cfg.Executor.Workspace,
		},
		db,
		s.exec,
		s.plan,
		scheduler.WithDoneFunc(s.export),
	)

	for _, pc := range cfg.Profiles {
		if err := s.SaveProfile(ctx, pc.Profile()); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("seeding profile %q: %w", pc.Name, err)
		}
	}
	return s, nil
}

func newExecutor(cfg model.Executor, reg *registry.Registry) (executor.Executor, error) {
	switch cfg.Mode {
	case model.ExecutorModeSimulate:
		scripted := executor.NewScripted(reg.Samples())
		timeout, _, err := cfg.Durations()
		if err != nil {
			return nil, err
		}
		scripted.DefaultTimeout = timeout
		return scripted, nil
	case model.ExecutorModeProcess, "":
		return executor.NewProcess(cfg)
	default:
		return nil, fmt.Errorf("unsupported executor mode %q", cfg.Mode)
	}
}

// Close releases the store and the exporters. It must be called after Do returned.
func (s *Service) Close() error {
	var errs []error
	for _, e := range s.exporters {
		if closer, ok := e.(model.ExportCloser); ok {
			errs = append(errs, closer.Close())
		}
	}
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}

// Submit authorizes the target, validates every tool request and queues a
// new job. A request repeating the idempotency key of an earlier one
// returns that job with created false.
func (s *Service) Submit(ctx context.Context, req model.SubmitRequest) (job model.Job, created bool, err error) {
	if req.Requester == "" {
		req.Requester = DefaultRequester
	}
	ctx = log.ContextAttrs(ctx, slog.String("requester", req.Requester))

	if err := s.gate.Admit(ctx, cmp.Or(req.Client, req.Requester)); err != nil {
		return model.Job{}, false, err
	}
	target, err := s.gate.Authorize(ctx, req.Target, req.Requester)
	if err != nil {
		return model.Job{}, false, err
	}

	reqs := req.ToolRequests
	if len(reqs) == 0 && req.ProfileName != "" {
		p, err := s.store.Profile(ctx, req.ProfileName)
		if err != nil {
			return model.Job{}, false, fmt.Errorf("%w: %w", model.ErrInvalidParameter, err)
		}
		reqs = p.Clone()
	}
	if len(reqs) == 0 {
		return model.Job{}, false, fmt.Errorf("%w: no tool requested", model.ErrInvalidParameter)
	}
	if err := s.check(reqs, &target); err != nil {
		slog.WarnContext(ctx, "submission rejected", "target", target.Value, "error", err)
		return model.Job{}, false, err
	}

	job, created, err = s.sched.Submit(ctx, model.Job{
		Target:         target,
		ProfileName:    req.ProfileName,
		Requester:      req.Requester,
		IdempotencyKey: req.IdempotencyKey,
		ToolRequests:   reqs,
	})
	if err != nil {
		return model.Job{}, false, err
	}
	if created {
		slog.InfoContext(ctx, "job queued", "job_id", job.ID, "target", target.Value, "tools", len(reqs))
	} else {
		slog.InfoContext(ctx, "idempotent re-submission", "job_id", job.ID)
	}
	return job, created, nil
}

// check resolves every request against the registry. With a target the
// scripts are rendered as well, so injection is rejected before a job exists.
func (s *Service) check(reqs []model.ToolRequest, target *model.Target) error {
	var errs []error
	for idx, req := range reqs {
		m, err := s.reg.Lookup(req.ToolID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		params, err := m.Resolve(req.Parameters)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if target != nil {
			if _, err := rcscript.Render(m, params, *target, idx); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		for _, p := range params {
			if err := rcscript.Check(p.Name, p.Value); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Service) plan(job model.Job, idx int) (scheduler.Step, error) {
	req := job.ToolRequests[idx]
	m, err := s.reg.Lookup(req.ToolID)
	if err != nil {
		return scheduler.Step{}, err
	}
	params, err := m.Resolve(req.Parameters)
	if err != nil {
		return scheduler.Step{}, err
	}
	script, err := rcscript.Render(m, params, job.Target, idx)
	if err != nil {
		return scheduler.Step{}, err
	}
	return scheduler.Step{
		Invocation: executor.Invocation{
			JobID:   job.ID,
			ToolID:  req.ToolID,
			Target:  job.Target.Value,
			Script:  script,
			Timeout: m.ProcessTimeout(),
		},
		Grammar: m.Grammar,
	}, nil
}

// Status returns the state of job id. While the job runs the current tool
// and the tail of its output are included.
func (s *Service) Status(ctx context.Context, id string) (model.JobStatus, error) {
	st, err := s.store.Status(ctx, id)
	if err != nil {
		return model.JobStatus{}, err
	}
	if tool, out, ok := s.sched.Live(id); ok {
		st.CurrentTool = tool
		st.PartialOutput = out
	}
	return st, nil
}

// Results returns the results recorded so far, in tool request order.
func (s *Service) Results(ctx context.Context, id string) ([]model.ToolResult, error) {
	return s.store.Results(ctx, id)
}

func (s *Service) Job(ctx context.Context, id string) (model.Job, error) {
	return s.store.Get(ctx, id)
}

// Cancel stops job id. It is a no-op for a terminal job.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.sched.Cancel(ctx, id)
}

func (s *Service) Tools() []registry.ToolInfo {
	return s.reg.List()
}

// History lists jobs newest first together with the total count matching opts.
func (s *Service) History(ctx context.Context, opts store.ListOptions) ([]model.JobSummary, int, error) {
	return s.store.List(ctx, opts)
}

func (s *Service) Audit(ctx context.Context, limit int) ([]model.AuditRecord, error) {
	return s.store.Audit(ctx, limit)
}

// SaveProfile validates and stores p, replacing a profile of the same name.
func (s *Service) SaveProfile(ctx context.Context, p model.Profile) error {
	if !profileNameRx.MatchString(p.Name) {
		return fmt.Errorf("%w: profile name %q", model.ErrInvalidParameter, p.Name)
	}
	if len(p.ToolRequests) == 0 {
		return fmt.Errorf("%w: profile %q has no tools", model.ErrInvalidParameter, p.Name)
	}
	if err := s.check(p.ToolRequests, nil); err != nil {
		return err
	}
	return s.store.SaveProfile(ctx, p)
}

func (s *Service) Profile(ctx context.Context, name string) (model.Profile, error) {
	return s.store.Profile(ctx, name)
}

func (s *Service) Profiles(ctx context.Context) ([]model.Profile, error) {
	return s.store.Profiles(ctx)
}

func (s *Service) DeleteProfile(ctx context.Context, name string) error {
	return s.store.DeleteProfile(ctx, name)
}

// Watch subscribes to the events of job id. The returned function ends the
// subscription and closes the channel.
func (s *Service) Watch(ctx context.Context, id string) (<-chan scheduler.Event, func(), error) {
	if _, err := s.store.Status(ctx, id); err != nil {
		return nil, nil, err
	}
	ch, stop := s.sched.Hub().Subscribe(id)
	return ch, stop, nil
}

// Wait blocks until job id is terminal or ctx is done.
func (s *Service) Wait(ctx context.Context, id string) (model.Job, error) {
	events, stop, err := s.Watch(ctx, id)
	if err != nil {
		return model.Job{}, err
	}
	defer stop()

	// events can be dropped for slow subscribers, poll as well
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		job, err := s.store.Get(ctx, id)
		if err != nil {
			return model.Job{}, err
		}
		if job.Status.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return model.Job{}, ctx.Err()
		case <-events:
		case <-ticker.C:
		}
	}
}

// Recover resumes the jobs a previous process left behind. Running jobs
// are failed, queued jobs are authorized again and re-enqueued.
func (s *Service) Recover(ctx context.Context) error {
	jobs, err := s.store.Unfinished(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		jctx := log.ContextAttrs(ctx, slog.String("job_id", job.ID), slog.String("target", job.Target.Value))
		switch job.Status {
		case model.StatusRunning:
			msg := "interrupted by restart"
			if pending := job.Pending(); len(pending) > 0 {
				msg += ", not run: " + strings.Join(pending, ", ")
			}
			if err := s.store.Transition(ctx, job.ID, model.StatusFailed, msg); err != nil {
				return err
			}
			slog.WarnContext(jctx, "job interrupted by restart")
		case model.StatusQueued:
			target, err := s.gate.Authorize(ctx, job.Target.Value, job.Requester)
			if err != nil {
				if !errors.Is(err, model.ErrNotAuthorized) && !errors.Is(err, model.ErrInvalidFormat) {
					return err
				}
				if err := s.store.Transition(ctx, job.ID, model.StatusCancelled, "no longer authorized: "+err.Error()); err != nil {
					return err
				}
				slog.WarnContext(jctx, "queued job no longer authorized", "error", err)
				continue
			}
			job.Target = target
			s.sched.Enqueue(job)
			slog.InfoContext(jctx, "queued job recovered")
		}
	}
	return nil
}

// Sweep evicts terminal jobs which ended before the retention period
// together with their workspace directories.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.retention)
	ids, err := s.store.Evict(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, id := range ids {
		if err := os.RemoveAll(filepath.Join(s.cfg.Executor.Workspace, id)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(ids) > 0 {
		slog.InfoContext(ctx, "retention sweep", "evicted", len(ids), "cutoff", cutoff)
	}
	return len(ids), errors.Join(errs...)
}

func (s *Service) export(ctx context.Context, job model.Job) {
	if len(s.exporters) == 0 {
		return
	}
	exports := parallel.NewMap(ctx, len(s.exporters), func(ctx context.Context, e model.Exporter) (struct{}, error) {
		return struct{}{}, e.Export(ctx, job)
	})
	var errs []error
	for _, err := range exports.Iter(slices.Values(s.exporters)) {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		slog.ErrorContext(ctx, "exporting job failed", "job_id", job.ID, "error", err)
	}
}
