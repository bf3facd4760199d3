package parser

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/miekg/dns"

	"github.com/msfrecon/recond/internal/model"
)

var (
	// [+] 10.0.0.5:445 - ADMIN$ - (DISK) Remote Admin
	smbShareRx = regexp.MustCompile(`^\[\+\]\s+([^\s:]+):(\d{1,5})\s+-\s+(\S+)\s+-\s+\(([^)]*)\)\s*(.*)$`)

	snmpConnectedRx = regexp.MustCompile(`^\[\+\]\s+([^\s,]+), Connected\.`)
	snmpRowRx       = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9 ./()_-]*?)\s*:\s+(.+)$`)

	// [+] example.com A: 192.168.1.10
	msfDNSRx = regexp.MustCompile(`^\[\+\]\s+(?:[^\s:]+:\s+)?(\S+)\s+([A-Z0-9]+):?\s+(.+)$`)

	// [*] [00002/00500]    301 - 10.0.0.5 - http://10.0.0.5/admin
	crawlRx = regexp.MustCompile(`^\[\*\]\s+\[\d+/\d+\]\s+(\d{3})\s+-\s+(\S+)\s+-\s+(\S+)$`)
	// Found: /admin (403)
	foundRx = regexp.MustCompile(`Found:\s+(\S+)\s+\((\d{3})\)`)
	// + http://10.0.0.5/admin (CODE:403|SIZE:123)
	dirbRx = regexp.MustCompile(`^\+\s+(\S+)\s+\(CODE:(\d{3})`)

	// [+] 10.0.0.5:80 nginx/1.24.0 ( Powered by PHP/8.1.2 )
	httpVersionRx = regexp.MustCompile(`^\[\+\]\s+([^\s:]+):(\d{1,5})\s+(.+)$`)

	cveRx      = regexp.MustCompile(`CVE-\d{4}-\d{4,}`)
	cveScoreRx = regexp.MustCompile(`^\s+(\d{1,2}\.\d)\b`)
	vulnPortRx = regexp.MustCompile(`^(\d{1,5})/(tcp|udp|sctp)\s`)
)

func smbShares(raw string, emit func(model.Finding)) {
	lines(raw, func(line string) {
		m := smbShareRx.FindStringSubmatch(line)
		if m == nil {
			return
		}
		p, ok := port(m[2])
		if !ok {
			return
		}
		emit(model.Finding{
			Kind:   model.KindSMBShare,
			Host:   m[1],
			Port:   p,
			Name:   m[3],
			Value:  m[4],
			Detail: strings.TrimSpace(m[5]),
		})
	})
}

func snmp(raw string, emit func(model.Finding)) {
	var host string
	lines(raw, func(line string) {
		if m := snmpConnectedRx.FindStringSubmatch(line); m != nil {
			host = m[1]
			return
		}
		if host == "" || strings.HasPrefix(line, "[") {
			return
		}
		if m := snmpRowRx.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			emit(model.Finding{
				Kind:  model.KindSNMPValue,
				Host:  host,
				Name:  strings.TrimSpace(m[1]),
				Value: strings.TrimSpace(m[2]),
			})
		}
	})
}

func dnsRecords(raw string, emit func(model.Finding)) {
	lines(raw, func(line string) {
		if strings.HasPrefix(line, "[") {
			m := msfDNSRx.FindStringSubmatch(line)
			if m == nil {
				return
			}
			if _, ok := dns.StringToType[m[2]]; !ok {
				return
			}
			emit(model.Finding{
				Kind:       model.KindDNSRecord,
				Name:       fqdn(m[1]),
				RecordType: m[2],
				Value:      fqdn(strings.TrimSpace(m[3])),
			})
			return
		}
		if strings.TrimSpace(line) == "" || strings.HasPrefix(strings.TrimSpace(line), ";") {
			return
		}
		rr, err := dns.NewRR(line)
		if err != nil || rr == nil {
			return
		}
		hdr := rr.Header()
		emit(model.Finding{
			Kind:       model.KindDNSRecord,
			Name:       fqdn(hdr.Name),
			RecordType: dns.TypeToString[hdr.Rrtype],
			Value:      fqdn(strings.TrimSpace(strings.TrimPrefix(rr.String(), hdr.String()))),
		})
	})
}

func fqdn(s string) string {
	return strings.TrimSuffix(strings.ToLower(s), ".")
}

func httpPaths(raw string, emit func(model.Finding)) {
	lines(raw, func(line string) {
		if m := crawlRx.FindStringSubmatch(line); m != nil {
			status, _ := strconv.Atoi(m[1])
			path := m[3]
			if u, err := url.Parse(m[3]); err == nil {
				path = u.EscapedPath()
				if path == "" {
					path = "/"
				}
			}
			emit(model.Finding{Kind: model.KindDiscoveredPath, Host: m[2], Path: path, HTTPStatus: status, Value: m[3]})
			return
		}
		for _, rx := range []*regexp.Regexp{foundRx, dirbRx} {
			if m := rx.FindStringSubmatch(line); m != nil {
				status, _ := strconv.Atoi(m[2])
				f := model.Finding{Kind: model.KindDiscoveredPath, Path: m[1], HTTPStatus: status}
				if u, err := url.Parse(m[1]); err == nil && u.Host != "" {
					f.Host = u.Hostname()
					f.Path = u.EscapedPath()
					f.Value = m[1]
				}
				emit(f)
				return
			}
		}
	})
}

func httpVersion(raw string, emit func(model.Finding)) {
	lines(raw, func(line string) {
		m := httpVersionRx.FindStringSubmatch(line)
		if m == nil {
			return
		}
		p, ok := port(m[2])
		if !ok {
			return
		}
		emit(model.Finding{
			Kind:     model.KindHTTPServer,
			Host:     m[1],
			Port:     p,
			Protocol: "tcp",
			Value:    strings.TrimSpace(m[3]),
		})
	})
}

type vulnKey struct {
	host string
	port int
	id   string
}

// vulns reports every CVE id once per host and port, with the CVSS score
// when the tool prints one right after the id.
func vulns(raw string, emit func(model.Finding)) {
	var (
		host     string
		portNum  int
		protocol string
		seen     = make(map[vulnKey]struct{})
	)
	lines(raw, func(line string) {
		if h, ok := nmapReportHost(line); ok {
			host, portNum, protocol = h, 0, ""
			return
		}
		if m := vulnPortRx.FindStringSubmatch(line); m != nil {
			portNum, _ = port(m[1])
			protocol = m[2]
		}
		for _, loc := range cveRx.FindAllStringIndex(line, -1) {
			id := line[loc[0]:loc[1]]
			key := vulnKey{host: host, port: portNum, id: id}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			f := model.Finding{Kind: model.KindVulnerability, Host: host, Port: portNum, Protocol: protocol, Name: id}
			if m := cveScoreRx.FindStringSubmatch(line[loc[1]:]); m != nil {
				f.Value = m[1]
			}
			emit(f)
		}
	})
}
