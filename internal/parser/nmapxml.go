package parser

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strings"

	"github.com/Ullaakut/nmap/v3"

	"github.com/msfrecon/recond/internal/model"
)

var (
	xmlAddrRx = regexp.MustCompile(`<address addr="([^"]+)" addrtype="ipv[46]"`)
	xmlPortRx = regexp.MustCompile(`<port protocol="(\w+)" portid="(\d{1,5})"><state state="open"`)
)

// nmapXML decodes nmap -oX output. Output cut short by a timeout is not
// valid XML, in that case open ports are recovered line by line.
func nmapXML(raw string, emit func(model.Finding)) {
	var run nmap.Run
	if err := xml.Unmarshal([]byte(raw), &run); err != nil || len(run.Hosts) == 0 {
		truncatedXML(raw, emit)
		return
	}

	for _, h := range run.Hosts {
		addr := hostAddress(h)
		if addr == "" {
			continue
		}
		if strings.EqualFold(h.Status.State, "up") {
			emit(model.Finding{Kind: model.KindLiveHost, Host: addr})
		}
		for _, p := range h.Ports {
			if !strings.EqualFold(p.State.State, "open") {
				continue
			}
			emit(model.Finding{
				Kind:     model.KindOpenPort,
				Host:     addr,
				Port:     int(p.ID),
				Protocol: strings.ToLower(p.Protocol),
				Service:  p.Service.Name,
				Detail:   strings.TrimSpace(p.Service.Product + " " + p.Service.Version),
			})
		}
		for _, m := range h.OS.Matches {
			emit(model.Finding{
				Kind:  model.KindOSGuess,
				Host:  addr,
				Name:  m.Name,
				Value: fmt.Sprint(m.Accuracy),
			})
		}
	}
}

func truncatedXML(raw string, emit func(model.Finding)) {
	var host string
	lines(raw, func(line string) {
		if m := xmlAddrRx.FindStringSubmatch(line); m != nil {
			host = m[1]
		}
		for _, m := range xmlPortRx.FindAllStringSubmatch(line, -1) {
			if p, ok := port(m[2]); ok {
				emit(model.Finding{Kind: model.KindOpenPort, Host: host, Port: p, Protocol: m[1]})
			}
		}
	})
	// plain nmap output, e.g. when -oX was not honored
	portscan(raw, emit)
}

func hostAddress(h nmap.Host) string {
	for _, kind := range []string{"ipv4", "ipv6"} {
		for _, a := range h.Addresses {
			if a.AddrType == kind {
				return a.Addr
			}
		}
	}
	if len(h.Addresses) > 0 {
		return h.Addresses[0].Addr
	}
	return ""
}
