package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/msfrecon/recond/internal/bom"
	"github.com/msfrecon/recond/internal/model"
)

const (
	FormatJSON      = "json"
	FormatCycloneDX = "cyclonedx"
)

// Do runs the service until ctx is cancelled.
//
// Startup: the retention sweep is scheduled, jobs left behind by a previous
// process are recovered and the scheduler starts admitting jobs.
// Shutdown: running jobs are stopped and marked failed, then the sweep
// scheduler is shut down. Do returns once every job goroutine ended.
func (s *Service) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a service")

	cron, err := newScheduler(ctx, s.cfg.Store.Sweep, func() {
		if _, err := s.Sweep(ctx); err != nil {
			slog.ErrorContext(ctx, "retention sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	cron.Start()
	defer func() {
		err := cron.Shutdown()
		if err != nil {
			slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
		}
	}()

	if err := s.Recover(ctx); err != nil {
		return fmt.Errorf("recovering jobs: %w", err)
	}
	return s.sched.Do(ctx)
}

func validSchedule(expr string) error {
	if strings.HasPrefix(expr, "P") {
		if _, err := model.ParseISODuration(expr); err != nil {
			return fmt.Errorf("parsing store.sweep: %w", err)
		}
		return nil
	}
	if _, err := model.ParseCron(expr); err != nil {
		return fmt.Errorf("parsing store.sweep: %w", err)
	}
	return nil
}

// newScheduler runs task on expr, a cron expression or an ISO 8601 duration.
func newScheduler(ctx context.Context, expr string, task func()) (gocron.Scheduler, error) {
	if err := validSchedule(expr); err != nil {
		return nil, err
	}
	var job gocron.JobDefinition
	if strings.HasPrefix(expr, "P") {
		d, _ := model.ParseISODuration(expr)
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
	} else {
		job = gocron.CronJob(expr, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", expr)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

func exporters(_ context.Context, cfg model.Service) ([]model.Exporter, error) {
	var exporters []model.Exporter
	if cfg.Dir != "" {
		e, err := NewOSRootExporter(cfg.Dir)
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, e)
	}

	if cfg.Repository != nil && cfg.Repository.Enabled {
		e, err := NewBOMRepoExporter(cfg.Repository.URL)
		if err != nil {
			return nil, err
		}
		exporters = append(exporters, e)
	}
	return exporters, nil
}

// Encode writes job in format, FormatJSON or FormatCycloneDX.
func Encode(w io.Writer, job model.Job, format string) error {
	switch format {
	case FormatJSON, "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(job)
	case FormatCycloneDX:
		return bom.FromJob(job).AsJSON(w)
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

// WriteExporter encodes finished jobs to a writer.
type WriteExporter struct {
	mx     sync.Mutex
	w      io.Writer
	format string
}

func NewWriteExporter(w io.Writer, format string) *WriteExporter {
	return &WriteExporter{w: w, format: format}
}

func (e *WriteExporter) Export(_ context.Context, job model.Job) error {
	e.mx.Lock()
	defer e.mx.Unlock()
	if e.w == nil {
		e.w = os.Stdout
	}
	return Encode(e.w, job, e.format)
}

// OSRootExporter stores every finished job as <id>.json and <id>.cdx.json
// inside a directory.
type OSRootExporter struct {
	root *os.Root
}

func NewOSRootExporter(path string) (*OSRootExporter, error) {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootExporter{root: root}, nil
}

func (e *OSRootExporter) Export(ctx context.Context, job model.Job) error {
	if e.root == nil {
		return errors.New("root already closed")
	}
	for _, f := range []struct {
		name   string
		format string
	}{
		{job.ID + ".json", FormatJSON},
		{job.ID + ".cdx.json", FormatCycloneDX},
	} {
		if err := e.write(f.name, job, f.format); err != nil {
			return err
		}
		slog.InfoContext(ctx, "job exported", "path", f.name)
	}
	return nil
}

func (e *OSRootExporter) write(name string, job model.Job, format string) error {
	f, err := e.root.Create(name)
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	err = Encode(f, job, format)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving %s: %w", name, err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing %s: %w", name, err)
	}
	return nil
}

func (e *OSRootExporter) Close() error {
	if e.root == nil {
		return errors.New("exporter already closed")
	}
	err := e.root.Close()
	e.root = nil
	return err
}
