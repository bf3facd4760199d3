package model

type TargetKind string

const (
	TargetIPv4     TargetKind = "ipv4"
	TargetIPv6     TargetKind = "ipv6"
	TargetCIDR     TargetKind = "cidr"
	TargetHostname TargetKind = "hostname"
)

// Target is a validated scan target. Value is the canonical form used for
// rule matching and per target concurrency accounting.
type Target struct {
	Value      string     `json:"value"`
	Kind       TargetKind `json:"kind"`
	Authorized bool       `json:"authorized"`
}

func (t Target) String() string {
	return t.Value
}
