package rcscript_test

import (
	"strings"
	"testing"

	"github.com/msfrecon/recond/internal/authz"
	"github.com/msfrecon/recond/internal/model"
	"github.com/msfrecon/recond/internal/rcscript"
	"github.com/msfrecon/recond/internal/registry"
	"github.com/stretchr/testify/require"
)

func lookup(t *testing.T, toolID string) registry.ModuleTemplate {
	t.Helper()
	reg, err := registry.Load("")
	require.NoError(t, err)
	m, err := reg.Lookup(toolID)
	require.NoError(t, err)
	return m
}

func target(t *testing.T, raw string) model.Target {
	t.Helper()
	tg, err := authz.ParseTarget(raw)
	require.NoError(t, err)
	return tg
}

func TestRenderMSF(t *testing.T) {
	t.Parallel()
	m := lookup(t, "tcp-syn-scan")
	params, err := m.Resolve(map[string]any{"portRange": "1-1000"})
	require.NoError(t, err)

	script, err := rcscript.Render(m, params, target(t, "10.0.0.5"), 1)
	require.NoError(t, err)
	require.Equal(t, "01-tcp-syn-scan.rc", script.Name)
	require.Equal(t, registry.InterpreterMSF, script.Interpreter)
	require.Equal(t, `# recond tcp-syn-scan target='10.0.0.5'
use auxiliary/scanner/portscan/syn
set RHOSTS '10.0.0.5'
set PORTS '1-1000'
set THREADS '10'
set TIMEOUT '500'
run
exit
`, script.Body)
}

func TestRenderShell(t *testing.T) {
	t.Parallel()
	m := lookup(t, "service-version-scan")
	params, err := m.Resolve(map[string]any{"portRange": "22,80", "intensity": 5})
	require.NoError(t, err)

	script, err := rcscript.Render(m, params, target(t, "scanme.example.com"), 0)
	require.NoError(t, err)
	require.Equal(t, "00-service-version-scan.sh", script.Name)
	require.Equal(t, `# recond service-version-scan target='scanme.example.com'
exec nmap -sV -Pn --version-intensity '5' -p '22,80' -oX - -- 'scanme.example.com'
`, script.Body)
}

func TestRenderDeterministic(t *testing.T) {
	t.Parallel()
	m := lookup(t, "web-crawl")
	params, err := m.Resolve(map[string]any{"userAgent": "Mozilla/5.0 (X11; Linux)"})
	require.NoError(t, err)
	tg := target(t, "10.0.0.5")
	first, err := rcscript.Render(m, params, tg, 2)
	require.NoError(t, err)
	for range 10 {
		again, err := rcscript.Render(m, params, tg, 2)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
	require.Contains(t, first.Body, "set UserAgent 'Mozilla/5.0 (X11; Linux)'\n")
}

func TestQuote(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		given string
		then  string
	}{
		{"", "''"},
		{"plain", "'plain'"},
		{"it's", `'it'\''s'`},
		{"$(id) `id` ; | &", "'$(id) `id` ; | &'"},
	}
	for _, tc := range testCases {
		require.Equal(t, tc.then, rcscript.Quote(tc.given))
	}
}

// A hostile value either renders as one quoted token on its own line or
// is rejected. It never adds lines or unquoted text to the script.
func TestRenderInjection(t *testing.T) {
	t.Parallel()
	m := lookup(t, "smb-enum")

	rejected := []string{
		"bob\nexit",
		"bob\r\nrun",
		"bob\x00",
		"bob\x1b[2J",
		"<%= system('id') %>",
		"<ruby>system('id')</ruby>",
		"<RUBY>",
		"{{ .Target }}",
		"\xff\xfe",
	}
	for _, value := range rejected {
		params, err := m.Resolve(map[string]any{"username": value})
		require.NoError(t, err)
		_, err = rcscript.Render(m, params, target(t, "10.0.0.5"), 0)
		require.ErrorIs(t, err, model.ErrParameterInjectionRejected, "%q", value)
	}

	accepted := []string{
		"bob'; exit; echo '",
		"$(reboot)",
		"a b c",
		"`id`",
		"x' run '",
	}
	baseParams, err := m.Resolve(nil)
	require.NoError(t, err)
	base, err := rcscript.Render(m, baseParams, target(t, "10.0.0.5"), 0)
	require.NoError(t, err)
	baseLines := strings.Split(base.Body, "\n")

	for _, value := range accepted {
		params, err := m.Resolve(map[string]any{"username": value})
		require.NoError(t, err)
		script, err := rcscript.Render(m, params, target(t, "10.0.0.5"), 0)
		require.NoError(t, err)
		lines := strings.Split(script.Body, "\n")
		require.Len(t, lines, len(baseLines)+1)
		require.Contains(t, lines, "set SMBUser "+rcscript.Quote(value))
	}
}

func TestRenderMissingParam(t *testing.T) {
	t.Parallel()
	m := lookup(t, "service-version-scan")
	_, err := rcscript.Render(m, registry.Resolved{}, target(t, "10.0.0.5"), 0)
	require.Error(t, err)
}
