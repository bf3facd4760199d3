package parser

import (
	"regexp"
	"strings"

	"github.com/msfrecon/recond/internal/model"
)

var (
	// [+]  TCP OPEN 10.0.0.5:22
	msfOpenRx = regexp.MustCompile(`TCP OPEN\s+([^\s:]+):(\d{1,5})\b`)
	// [+] 10.0.0.5:            - 10.0.0.5:22 - TCP OPEN
	msfOpenSuffixRx = regexp.MustCompile(`([^\s:]+):(\d{1,5})\s+-\s+TCP OPEN`)
	// 22/tcp   open  ssh     OpenSSH 8.9p1
	nmapRowRx = regexp.MustCompile(`^(\d{1,5})/(tcp|udp|sctp)\s+open\s+(\S+)(?:\s+(.+))?$`)
	// Nmap scan report for host.example.com (10.0.0.5)
	nmapReportRx = regexp.MustCompile(`^Nmap scan report for (?:\S+ \(([^)\s]+)\)|(\S+))$`)

	udpDiscoveredRx = regexp.MustCompile(`Discovered (\S+) on ([^\s:]+):(\d{1,5})(?:\s+\((.*)\))?`)
	aliveRx         = regexp.MustCompile(`^\[\+\]\s+([^\s:]+)(?::\d+)?\s+(?:-\s+)?(?:is alive|appears to be up|Host is alive)`)
)

func nmapReportHost(line string) (string, bool) {
	m := nmapReportRx.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	if m[1] != "" {
		return m[1], true
	}
	return m[2], true
}

func portscan(raw string, emit func(model.Finding)) {
	var host string
	lines(raw, func(line string) {
		if h, ok := nmapReportHost(line); ok {
			host = h
			return
		}
		for _, rx := range []*regexp.Regexp{msfOpenRx, msfOpenSuffixRx} {
			if m := rx.FindStringSubmatch(line); m != nil {
				if p, ok := port(m[2]); ok {
					emit(model.Finding{Kind: model.KindOpenPort, Host: m[1], Port: p, Protocol: "tcp"})
				}
				return
			}
		}
		if m := nmapRowRx.FindStringSubmatch(line); m != nil {
			if p, ok := port(m[1]); ok {
				emit(model.Finding{
					Kind:     model.KindOpenPort,
					Host:     host,
					Port:     p,
					Protocol: m[2],
					Service:  m[3],
					Detail:   strings.TrimSpace(m[4]),
				})
			}
		}
	})
}

func discovery(raw string, emit func(model.Finding)) {
	var report string
	lines(raw, func(line string) {
		if h, ok := nmapReportHost(line); ok {
			report = h
			return
		}
		if report != "" && strings.HasPrefix(line, "Host is up") {
			emit(model.Finding{Kind: model.KindLiveHost, Host: report})
			return
		}
		if m := udpDiscoveredRx.FindStringSubmatch(line); m != nil {
			emit(model.Finding{Kind: model.KindLiveHost, Host: m[2]})
			if p, ok := port(m[3]); ok {
				emit(model.Finding{
					Kind:     model.KindOpenPort,
					Host:     m[2],
					Port:     p,
					Protocol: "udp",
					Service:  strings.ToLower(m[1]),
					Detail:   strings.TrimSpace(m[4]),
				})
			}
			return
		}
		if m := aliveRx.FindStringSubmatch(line); m != nil {
			emit(model.Finding{Kind: model.KindLiveHost, Host: m[1]})
		}
	})
}
