package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/msfrecon/recond/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
service:
  listen: 0.0.0.0:9000
  log: stderr
  auth:
    type: static_token
    token: ABC123
authorization:
  rules:
    - prefix: "10."
    - cidr: 192.168.0.0/16
      action: deny
executor:
  mode: simulate
  user: "1000:1000"
profiles:
  - name: quick
    tools:
      - tool: ping-sweep
      - tool: tcp-syn-scan
        parameters:
          portRange: 1-1000
          threads: 20
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.Service.Listen)
	require.Equal(t, "stderr", cfg.Service.Log)
	require.Equal(t, model.AuthTypeStaticToken, cfg.Service.Auth.Type)
	require.Equal(t, "ABC123", cfg.Service.Auth.Token)
	require.Equal(t, 10, cfg.Service.RateLimit.PerMinute)

	require.Len(t, cfg.Authorization.Rules, 2)
	require.Equal(t, model.Rule{Action: model.RuleActionAllow, Prefix: "10."}, cfg.Authorization.Rules[0])
	require.Equal(t, model.Rule{Action: model.RuleActionDeny, CIDR: "192.168.0.0/16"}, cfg.Authorization.Rules[1])

	require.Equal(t, model.ExecutorModeSimulate, cfg.Executor.Mode)
	uid, gid, ok, err := cfg.Executor.Credential()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(1000), uid)
	require.Equal(t, uint32(1000), gid)

	require.Len(t, cfg.Profiles, 1)
	profile := cfg.Profiles[0].Profile()
	require.Equal(t, "quick", profile.Name)
	require.Len(t, profile.ToolRequests, 2)
	require.Equal(t, "tcp-syn-scan", profile.ToolRequests[1].ToolID)
	require.Equal(t, "1-1000", profile.ToolRequests[1].Parameters["portRange"])
}

func TestDefaultConfig(t *testing.T) {
	cfg := model.DefaultConfig(t.Context())
	require.Equal(t, "127.0.0.1:8000", cfg.Service.Listen)
	require.Equal(t, model.AuthTypeNone, cfg.Service.Auth.Type)
	require.Equal(t, 4, cfg.Scheduler.MaxConcurrent)
	require.Equal(t, 1, cfg.Scheduler.PerTarget)
	require.Equal(t, model.ExecutorModeProcess, cfg.Executor.Mode)
	require.Equal(t, "recond.db", cfg.Store.Path)
	require.Len(t, cfg.Authorization.Rules, 5)
	require.Equal(t, "127.0.0.1", cfg.Authorization.Rules[0].Prefix)

	timeout, grace, err := cfg.Executor.Durations()
	require.NoError(t, err)
	require.Equal(t, 5*time.Minute, timeout)
	require.Equal(t, 5*time.Second, grace)

	_, _, ok, err := cfg.Executor.Credential()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		then     string
	}{
		{
			scenario: "missing token",
			given: `
version: 0
service:
  auth:
    type: static_token
`,
			then: "service.auth.token",
		},
		{
			scenario: "unknown executor mode",
			given: `
version: 0
executor:
  mode: docker
`,
			then: "executor.mode",
		},
		{
			scenario: "unknown field",
			given: `
version: 0
store:
  sqlite: true
`,
			then: "store.sqlite",
		},
		{
			scenario: "zero kill grace",
			given: `
version: 0
executor:
  kill_grace: PT0S
`,
			then: "executor.kill_grace",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.then)
		})
	}
}

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  time.Duration
	}{
		{"PT5M", 5 * time.Minute},
		{"P30D", 30 * 24 * time.Hour},
		{"P1W", 7 * 24 * time.Hour},
		{"P1DT12H", 36 * time.Hour},
		{"PT0.5S", 500 * time.Millisecond},
		{"PT1H30M10S", time.Hour + 30*time.Minute + 10*time.Second},
	}
	for _, tc := range testCases {
		t.Run(tc.given, func(t *testing.T) {
			d, err := model.ParseISODuration(tc.given)
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}

	for _, bad := range []string{"", "P", "PT", "P2M", "5m", "P1DT"} {
		t.Run("bad "+bad, func(t *testing.T) {
			_, err := model.ParseISODuration(bad)
			require.ErrorIs(t, err, model.ErrISOFormat)
		})
	}
}

func TestParseCron(t *testing.T) {
	t.Parallel()
	for _, good := range []string{"@hourly", "@every 10m", "*/5 * * * *"} {
		s, err := model.ParseCron(good)
		require.NoError(t, err, good)
		now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		require.True(t, s.Next(now).After(now))
	}
	for _, bad := range []string{"", "* * *", "@weird"} {
		_, err := model.ParseCron(bad)
		require.Error(t, err, bad)
	}
}

func TestCueErrDetails(t *testing.T) {
	t.Parallel()
	type then struct {
		path string
		code string
	}
	cases := []struct {
		scenario string
		given    string
		then     then
	}{
		{"unknown_field", "version: 0\nservice:\n  colour: red\n", then{"service.colour", "unknown_field"}},
		{"go_duration", "version: 0\nexecutor:\n  default_timeout: 5m\n", then{"executor.default_timeout", "invalid_duration"}},
		{"bad_mode", "version: 0\nexecutor:\n  mode: fast\n", then{"executor.mode", "invalid_enum"}},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tc.given))
			require.Error(t, err)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			var found bool
			for _, d := range details {
				if d.Path == tc.then.path {
					require.Equal(t, tc.then.code, d.Code)
					require.Contains(t, d.String(), tc.then.path)
					found = true
				}
			}
			require.True(t, found, "no detail for %s in %+v", tc.then.path, details)
		})
	}

	require.Nil(t, model.CueErrDetails(nil))
}
