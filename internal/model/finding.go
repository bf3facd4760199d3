package model

type FindingKind string

const (
	KindLiveHost       FindingKind = "live-host"
	KindOpenPort       FindingKind = "open-port"
	KindOSGuess        FindingKind = "os-guess"
	KindSMBShare       FindingKind = "smb-share"
	KindSNMPValue      FindingKind = "snmp-value"
	KindDNSRecord      FindingKind = "dns-record"
	KindDiscoveredPath FindingKind = "discovered-path"
	KindHTTPServer     FindingKind = "http-server"
	KindVulnerability  FindingKind = "vulnerability"
)

// Finding is a single structured fact extracted from tool output.
// Which fields are set depends on Kind.
type Finding struct {
	Kind       FindingKind `json:"kind"`
	Host       string      `json:"host,omitempty"`
	Port       int         `json:"port,omitempty"`
	Protocol   string      `json:"protocol,omitempty"`
	Service    string      `json:"service,omitempty"`
	Path       string      `json:"path,omitempty"`
	HTTPStatus int         `json:"httpStatus,omitempty"`
	Name       string      `json:"name,omitempty"`
	RecordType string      `json:"recordType,omitempty"`
	Value      string      `json:"value,omitempty"`
	Detail     string      `json:"detail,omitempty"`
}
