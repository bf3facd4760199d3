package service_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/stretchr/testify/require"

	"github.com/msfrecon/recond/internal/executor"
	"github.com/msfrecon/recond/internal/model"
	"github.com/msfrecon/recond/internal/registry"
	"github.com/msfrecon/recond/internal/service"
	"github.com/msfrecon/recond/internal/store"
)

func config(t *testing.T) model.Config {
	t.Helper()
	cfg := model.DefaultConfig(t.Context())
	dir := t.TempDir()
	cfg.Store.Path = filepath.Join(dir, "recond.db")
	cfg.Executor.Workspace = filepath.Join(dir, "workspace")
	cfg.Executor.Mode = model.ExecutorModeSimulate
	return cfg
}

func newService(t *testing.T, cfg model.Config, opts ...service.Option) *service.Service {
	t.Helper()
	svc, err := service.New(t.Context(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, svc.Close())
	})
	return svc
}

// start runs svc until the test ends.
func start(t *testing.T, svc *service.Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var (
		wg  sync.WaitGroup
		err error
	)
	wg.Go(func() {
		err = svc.Do(ctx)
	})
	t.Cleanup(func() {
		cancel()
		wg.Wait()
		require.NoError(t, err)
	})
}

func wait(t *testing.T, svc *service.Service, id string) model.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Second)
	defer cancel()
	job, err := svc.Wait(ctx, id)
	require.NoError(t, err)
	return job
}

func TestSubmitCompleted(t *testing.T) {
	t.Parallel()
	svc := newService(t, config(t))
	start(t, svc)

	job, created, err := svc.Submit(t.Context(), model.SubmitRequest{
		Target: "10.0.0.5",
		ToolRequests: []model.ToolRequest{
			{ToolID: "ping-sweep"},
			{ToolID: "tcp-syn-scan", Parameters: map[string]any{"portRange": "1-1000"}},
		},
		Requester: "alice",
	})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, model.StatusQueued, job.Status)

	job = wait(t, svc, job.ID)
	require.Equal(t, model.StatusCompleted, job.Status)
	require.Len(t, job.Results, 2)
	require.Equal(t, "ping-sweep", job.Results[0].ToolID)

	var ports []int
	for _, f := range job.Results[1].Findings {
		require.Equal(t, model.KindOpenPort, f.Kind)
		require.Equal(t, "10.0.0.5", f.Host)
		ports = append(ports, f.Port)
	}
	require.Equal(t, []int{22, 80, 445}, ports)

	st, err := svc.Status(t.Context(), job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, st.Status)
	require.Equal(t, 2, st.ResultsCount)
	require.Empty(t, st.CurrentTool)

	results, err := svc.Results(t.Context(), job.ID)
	require.NoError(t, err)
	require.Equal(t, job.Results, results)

	history, total, err := svc.History(t.Context(), store.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, job.ID, history[0].ID)
	require.Equal(t, "alice", history[0].Requester)

	audit, err := svc.Audit(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Equal(t, model.DecisionAccepted, audit[0].Decision)
	require.Equal(t, "allow prefix 10.", audit[0].Rule)
}

func TestSubmitRejected(t *testing.T) {
	t.Parallel()
	syn := func(params map[string]any) []model.ToolRequest {
		return []model.ToolRequest{{ToolID: "tcp-syn-scan", Parameters: params}}
	}
	type given struct {
		target string
		tools  []model.ToolRequest
	}
	cases := []struct {
		scenario string
		given    given
		then     error
	}{
		{"not_authorized", given{"8.8.8.8", syn(nil)}, model.ErrNotAuthorized},
		{"invalid_format", given{"10.0.0.5; id", syn(nil)}, model.ErrInvalidFormat},
		{"unknown_tool", given{"10.0.0.5", []model.ToolRequest{{ToolID: "nuke"}}}, model.ErrUnknownTool},
		{"invalid_parameter", given{"10.0.0.5", syn(map[string]any{"threads": 0})}, model.ErrInvalidParameter},
		{"no_tools", given{"10.0.0.5", nil}, model.ErrInvalidParameter},
		{"injection", given{"10.0.0.5", []model.ToolRequest{{
			ToolID:     "smb-enum",
			Parameters: map[string]any{"username": "guest\nset RHOSTS 8.8.8.8"},
		}}}, model.ErrParameterInjectionRejected},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			svc := newService(t, config(t))

			_, _, err := svc.Submit(t.Context(), model.SubmitRequest{
				Target:       tc.given.target,
				ToolRequests: tc.given.tools,
			})
			require.ErrorIs(t, err, tc.then)

			_, total, err := svc.History(t.Context(), store.ListOptions{})
			require.NoError(t, err)
			require.Zero(t, total)
		})
	}
}

func TestNotAuthorizedIsAudited(t *testing.T) {
	t.Parallel()
	cfg := config(t)
	cfg.Authorization.Rules = []model.Rule{{Prefix: "10."}, {Prefix: "192.168."}}
	svc := newService(t, cfg)

	_, _, err := svc.Submit(t.Context(), model.SubmitRequest{
		Target:       "8.8.8.8",
		ToolRequests: []model.ToolRequest{{ToolID: "ping-sweep"}},
		Requester:    "mallory",
	})
	require.ErrorIs(t, err, model.ErrNotAuthorized)

	audit, err := svc.Audit(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	require.Equal(t, model.DecisionRejected, audit[0].Decision)
	require.Equal(t, "8.8.8.8", audit[0].Target)
	require.Equal(t, "mallory", audit[0].Requester)
	require.Equal(t, "no-matching-rule", audit[0].Reason)
}

func TestRateLimited(t *testing.T) {
	t.Parallel()
	cfg := config(t)
	cfg.Service.RateLimit = model.RateLimit{PerMinute: 1, Burst: 2}
	svc := newService(t, cfg)

	submit := func(requester string) error {
		_, _, err := svc.Submit(t.Context(), model.SubmitRequest{
			Target:       "10.0.0.5",
			ToolRequests: []model.ToolRequest{{ToolID: "ping-sweep"}},
			Requester:    requester,
		})
		return err
	}
	require.NoError(t, submit("alice"))
	require.NoError(t, submit("alice"))
	require.ErrorIs(t, submit("alice"), model.ErrRateLimited)
	require.NoError(t, submit("bob"))
}

func TestIdempotentSubmit(t *testing.T) {
	t.Parallel()
	svc := newService(t, config(t))

	req := model.SubmitRequest{
		Target:         "10.0.0.5",
		ToolRequests:   []model.ToolRequest{{ToolID: "ping-sweep"}},
		Requester:      "alice",
		IdempotencyKey: "k-1",
	}
	first, created, err := svc.Submit(t.Context(), req)
	require.NoError(t, err)
	require.True(t, created)

	again, created, err := svc.Submit(t.Context(), req)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, again.ID)

	req.Requester = "bob"
	other, created, err := svc.Submit(t.Context(), req)
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, other.ID)
}

func TestProfiles(t *testing.T) {
	t.Parallel()
	cfg := config(t)
	cfg.Profiles = []model.ProfileConfig{
		{Name: "quick", Tools: []model.ToolConfig{
			{Tool: "ping-sweep"},
			{Tool: "tcp-syn-scan", Parameters: map[string]any{"portRange": "22,80"}},
		}},
	}
	svc := newService(t, cfg)
	start(t, svc)

	p, err := svc.Profile(t.Context(), "quick")
	require.NoError(t, err)
	require.Len(t, p.ToolRequests, 2)

	t.Run("invalid", func(t *testing.T) {
		err := svc.SaveProfile(t.Context(), model.Profile{Name: "bad name", ToolRequests: p.ToolRequests})
		require.ErrorIs(t, err, model.ErrInvalidParameter)
		err = svc.SaveProfile(t.Context(), model.Profile{Name: "empty"})
		require.ErrorIs(t, err, model.ErrInvalidParameter)
		err = svc.SaveProfile(t.Context(), model.Profile{Name: "nuke", ToolRequests: []model.ToolRequest{{ToolID: "nuke"}}})
		require.ErrorIs(t, err, model.ErrUnknownTool)
		err = svc.SaveProfile(t.Context(), model.Profile{Name: "inject", ToolRequests: []model.ToolRequest{
			{ToolID: "smb-enum", Parameters: map[string]any{"password": "{{ .Target }}"}},
		}})
		require.ErrorIs(t, err, model.ErrParameterInjectionRejected)
	})

	t.Run("submit by name", func(t *testing.T) {
		job, _, err := svc.Submit(t.Context(), model.SubmitRequest{Target: "192.168.1.10", ProfileName: "quick"})
		require.NoError(t, err)
		require.Equal(t, "quick", job.ProfileName)
		job = wait(t, svc, job.ID)
		require.Equal(t, model.StatusCompleted, job.Status)
		require.Len(t, job.Results, 2)
		require.Equal(t, "22,80", job.ToolRequests[1].Parameters["portRange"])
	})

	t.Run("unknown profile", func(t *testing.T) {
		_, _, err := svc.Submit(t.Context(), model.SubmitRequest{Target: "192.168.1.10", ProfileName: "nope"})
		require.ErrorIs(t, err, model.ErrInvalidParameter)
		require.ErrorIs(t, err, model.ErrProfileNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, svc.SaveProfile(t.Context(), model.Profile{Name: "tmp", ToolRequests: p.ToolRequests}))
		profiles, err := svc.Profiles(t.Context())
		require.NoError(t, err)
		require.Len(t, profiles, 2)
		require.NoError(t, svc.DeleteProfile(t.Context(), "tmp"))
		_, err = svc.Profile(t.Context(), "tmp")
		require.ErrorIs(t, err, model.ErrProfileNotFound)
	})
}

func TestCancelRunning(t *testing.T) {
	t.Parallel()
	reg, err := registry.Load("")
	require.NoError(t, err)
	exec := executor.NewScripted(reg.Samples())
	exec.Delay = time.Minute

	svc := newService(t, config(t), service.WithExecutor(exec))
	start(t, svc)

	job, _, err := svc.Submit(t.Context(), model.SubmitRequest{
		Target:       "10.0.0.5",
		ToolRequests: []model.ToolRequest{{ToolID: "tcp-syn-scan"}, {ToolID: "ping-sweep"}},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, err := svc.Status(t.Context(), job.ID)
		return err == nil &&
			st.Status == model.StatusRunning &&
			st.CurrentTool == "tcp-syn-scan" &&
			strings.Contains(st.PartialOutput, "TCP OPEN 10.0.0.5:22")
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, svc.Cancel(t.Context(), job.ID))
	job = wait(t, svc, job.ID)
	require.Equal(t, model.StatusCancelled, job.Status)
	require.Equal(t, "cancelled by request, not run: ping-sweep", job.Error)
	require.Len(t, job.Results, 1)
	require.Equal(t, model.ExitKilled, job.Results[0].ExitStatus)

	// terminal jobs ignore cancel
	require.NoError(t, svc.Cancel(t.Context(), job.ID))
	require.ErrorIs(t, svc.Cancel(t.Context(), "missing"), model.ErrJobNotFound)
}

func TestWatch(t *testing.T) {
	t.Parallel()
	svc := newService(t, config(t))

	_, _, err := svc.Watch(t.Context(), "missing")
	require.ErrorIs(t, err, model.ErrJobNotFound)

	job, _, err := svc.Submit(t.Context(), model.SubmitRequest{
		Target:       "10.0.0.5",
		ToolRequests: []model.ToolRequest{{ToolID: "tcp-syn-scan"}},
	})
	require.NoError(t, err)
	events, stop, err := svc.Watch(t.Context(), job.ID)
	require.NoError(t, err)
	defer stop()
	start(t, svc)

	var lines []string
	for e := range events {
		if e.Type == "output" {
			lines = append(lines, e.Line)
		}
		if e.Type == "status" && e.Status.Terminal() {
			require.Equal(t, model.StatusCompleted, e.Status)
			break
		}
	}
	require.Contains(t, lines, "[+]  TCP OPEN 10.0.0.5:80")
}

func TestRecover(t *testing.T) {
	t.Parallel()
	cfg := config(t)

	db, err := store.InitDB(t.Context(), cfg.Store.Path)
	require.NoError(t, err)
	create := func(target string, status model.Status) string {
		job, _, err := db.CreateJob(t.Context(), model.Job{
			Target:       model.Target{Value: target, Kind: model.TargetIPv4, Authorized: true},
			ToolRequests: []model.ToolRequest{{ToolID: "tcp-syn-scan"}},
			Requester:    "alice",
		})
		require.NoError(t, err)
		if status == model.StatusRunning {
			require.NoError(t, db.Transition(t.Context(), job.ID, model.StatusRunning, ""))
		}
		return job.ID
	}
	running := create("10.0.0.1", model.StatusRunning)
	queued := create("10.0.0.2", model.StatusQueued)
	revoked := create("8.8.8.8", model.StatusQueued)
	require.NoError(t, db.Close())

	svc := newService(t, cfg)
	start(t, svc)

	job := wait(t, svc, running)
	require.Equal(t, model.StatusFailed, job.Status)
	require.Equal(t, "interrupted by restart, not run: tcp-syn-scan", job.Error)

	job = wait(t, svc, queued)
	require.Equal(t, model.StatusCompleted, job.Status)
	require.Len(t, job.Results, 1)

	job = wait(t, svc, revoked)
	require.Equal(t, model.StatusCancelled, job.Status)
	require.Contains(t, job.Error, "no longer authorized")
}

func TestSweep(t *testing.T) {
	t.Parallel()
	cfg := config(t)
	var (
		mx  sync.Mutex
		now = time.Now()
	)
	clock := func() time.Time {
		mx.Lock()
		defer mx.Unlock()
		return now
	}
	svc := newService(t, cfg, service.WithClock(clock))
	start(t, svc)

	job, _, err := svc.Submit(t.Context(), model.SubmitRequest{
		Target:       "10.0.0.5",
		ToolRequests: []model.ToolRequest{{ToolID: "ping-sweep"}},
	})
	require.NoError(t, err)
	wait(t, svc, job.ID)
	dir := filepath.Join(cfg.Executor.Workspace, job.ID)
	require.DirExists(t, dir)

	n, err := svc.Sweep(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)

	mx.Lock()
	now = now.Add(31 * 24 * time.Hour)
	mx.Unlock()
	n, err = svc.Sweep(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, err = svc.Job(t.Context(), job.ID)
	require.ErrorIs(t, err, model.ErrJobNotFound)
	require.NoDirExists(t, dir)

	// audit records outlive their jobs
	audit, err := svc.Audit(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, audit, 1)
}

func TestExportDir(t *testing.T) {
	t.Parallel()
	cfg := config(t)
	cfg.Service.Dir = filepath.Join(t.TempDir(), "export")
	svc := newService(t, cfg)
	start(t, svc)

	job, _, err := svc.Submit(t.Context(), model.SubmitRequest{
		Target:       "10.0.0.5",
		ToolRequests: []model.ToolRequest{{ToolID: "tcp-syn-scan"}},
	})
	require.NoError(t, err)
	wait(t, svc, job.ID)

	cdxPath := filepath.Join(cfg.Service.Dir, job.ID+".cdx.json")
	require.Eventually(t, func() bool {
		_, err := os.Stat(cdxPath)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	raw, err := os.ReadFile(filepath.Join(cfg.Service.Dir, job.ID+".json"))
	require.NoError(t, err)
	var got model.Job
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, model.StatusCompleted, got.Status)
}

func TestEncode(t *testing.T) {
	t.Parallel()
	job := model.Job{
		ID:     "0192f3a4-5b6c-7d8e-9f00-112233445566",
		Target: model.Target{Value: "10.0.0.5", Kind: model.TargetIPv4, Authorized: true},
		Status: model.StatusCompleted,
		Results: []model.ToolResult{{
			ToolID:   "tcp-syn-scan",
			Findings: []model.Finding{{Kind: model.KindOpenPort, Host: "10.0.0.5", Port: 22, Protocol: "tcp"}},
		}},
	}

	var buf bytes.Buffer
	require.NoError(t, service.Encode(&buf, job, service.FormatCycloneDX))
	var bom cdx.BOM
	require.NoError(t, json.Unmarshal(buf.Bytes(), &bom))
	require.Equal(t, "urn:uuid:"+job.ID, bom.SerialNumber)
	require.Len(t, *bom.Components, 2)

	buf.Reset()
	require.NoError(t, service.NewWriteExporter(&buf, service.FormatJSON).Export(t.Context(), job))
	require.Contains(t, buf.String(), `"status": "completed"`)

	require.Error(t, service.Encode(&buf, job, "xml"))
}

func TestBOMRepoExporter(t *testing.T) {
	t.Parallel()
	_, err := service.NewBOMRepoExporter("http://example.net/some/path")
	require.Error(t, err)

	serials := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/bom" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		var got cdx.BOM
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil || got.SerialNumber == "" {
			w.Header().Set("Content-Type", "application/problem+json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"detail":"invalid bom"}`))
			return
		}
		serials <- got.SerialNumber
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"serialNumber": got.SerialNumber, "version": 1})
	}))
	t.Cleanup(srv.Close)

	e, err := service.NewBOMRepoExporter(srv.URL)
	require.NoError(t, err)
	job := model.Job{
		ID:     "0192f3a4-5b6c-7d8e-9f00-112233445566",
		Target: model.Target{Value: "10.0.0.5", Kind: model.TargetIPv4, Authorized: true},
		Status: model.StatusCompleted,
	}
	require.NoError(t, e.Export(t.Context(), job))
	require.Equal(t, "urn:uuid:"+job.ID, <-serials)

	conflict := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"title":"Conflict","detail":"bom already exists"}`))
	}))
	t.Cleanup(conflict.Close)
	e, err = service.NewBOMRepoExporter(conflict.URL + "/")
	require.NoError(t, err)
	err = e.Export(t.Context(), job)
	require.ErrorIs(t, err, service.ErrRepositoryRejected)
	require.ErrorContains(t, err, "status 409: bom already exists")
}

func TestNewFails(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		given    func(*model.Config)
		then     string
	}{
		{"version", func(c *model.Config) { c.Version = 1 }, "config version 1 is not supported"},
		{"retention", func(c *model.Config) { c.Store.Retention = "30 days" }, "parsing store.retention"},
		{"sweep", func(c *model.Config) { c.Store.Sweep = "every hour" }, "parsing store.sweep"},
		{"rule", func(c *model.Config) { c.Authorization.Rules = []model.Rule{{CIDR: "10.0.0.0/33"}} }, "initializing authorization rules"},
		{"mode", func(c *model.Config) { c.Executor.Mode = "docker" }, "unsupported executor mode"},
		{"profile", func(c *model.Config) {
			c.Profiles = []model.ProfileConfig{{Name: "x", Tools: []model.ToolConfig{{Tool: "nuke"}}}}
		}, `seeding profile "x"`},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			cfg := config(t)
			tc.given(&cfg)
			_, err := service.New(t.Context(), cfg)
			require.ErrorContains(t, err, tc.then)
		})
	}
}
