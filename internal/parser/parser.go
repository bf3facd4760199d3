// Package parser turns raw tool output into findings.
//
// Each grammar is a pure function over the whole output. Output is
// untrusted: lines a grammar does not recognize are dropped, and a grammar
// that panics yields the findings gathered so far rather than an error.
package parser

import (
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/msfrecon/recond/internal/model"
)

// Grammar extracts findings from raw output. emit must be called in
// output order.
type Grammar func(raw string, emit func(model.Finding))

var grammars = map[string]Grammar{
	"portscan":     portscan,
	"discovery":    discovery,
	"nmap-xml":     nmapXML,
	"smb-shares":   smbShares,
	"snmp":         snmp,
	"dns":          dnsRecords,
	"http-paths":   httpPaths,
	"http-version": httpVersion,
	"vulns":        vulns,
}

// Known reports whether name is a registered grammar.
func Known(name string) bool {
	_, ok := grammars[name]
	return ok
}

// Names returns the registered grammar names, sorted.
func Names() []string {
	return slices.Sorted(maps.Keys(grammars))
}

// Parse applies grammar to raw. It never fails; an unknown grammar yields
// no findings. Identical findings are reported once, in first seen order.
func Parse(grammar, raw string) (findings []model.Finding) {
	g, ok := grammars[grammar]
	if !ok {
		return []model.Finding{}
	}

	findings = []model.Finding{}
	seen := make(map[model.Finding]struct{})
	defer func() {
		if r := recover(); r != nil {
			slog.Error("grammar panicked", "grammar", grammar, "panic", r)
		}
	}()
	g(raw, func(f model.Finding) {
		if _, dup := seen[f]; dup {
			return
		}
		seen[f] = struct{}{}
		findings = append(findings, f)
	})
	return findings
}

// lines calls fn for every line of raw with trailing blanks and carriage
// returns removed.
func lines(raw string, fn func(line string)) {
	for line := range strings.Lines(raw) {
		fn(strings.TrimRight(line, " \t\r\n"))
	}
}

func port(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, false
	}
	return n, true
}
