package authz

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/msfrecon/recond/internal/model"
)

var (
	labelRx   = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	numericRx = regexp.MustCompile(`^[0-9]+$`)
)

// ParseTarget validates raw and returns its canonical form. Addresses and
// prefixes are parsed with net/netip, anything else must be an RFC 1123
// host name. Authorized is always false in the result.
func ParseTarget(raw string) (model.Target, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return model.Target{}, fmt.Errorf("%w: empty target", model.ErrInvalidFormat)
	}

	if strings.Contains(s, "/") {
		prefix, err := netip.ParsePrefix(s)
		if err != nil {
			return model.Target{}, fmt.Errorf("%w: %q: %v", model.ErrInvalidFormat, raw, err)
		}
		if prefix.Addr().Is4In6() {
			return model.Target{}, fmt.Errorf("%w: %q: mapped prefixes are not supported", model.ErrInvalidFormat, raw)
		}
		return model.Target{Value: prefix.Masked().String(), Kind: model.TargetCIDR}, nil
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		if addr.Zone() != "" {
			return model.Target{}, fmt.Errorf("%w: %q: zoned addresses are not supported", model.ErrInvalidFormat, raw)
		}
		addr = addr.Unmap()
		kind := model.TargetIPv6
		if addr.Is4() {
			kind = model.TargetIPv4
		}
		return model.Target{Value: addr.String(), Kind: kind}, nil
	}

	host := strings.TrimSuffix(strings.ToLower(s), ".")
	if err := validHostname(host); err != nil {
		return model.Target{}, fmt.Errorf("%w: %q: %v", model.ErrInvalidFormat, raw, err)
	}
	return model.Target{Value: host, Kind: model.TargetHostname}, nil
}

func validHostname(host string) error {
	if host == "" || len(host) > 253 {
		return fmt.Errorf("hostname length %d out of range", len(host))
	}
	labels := strings.Split(host, ".")
	for _, label := range labels {
		if !labelRx.MatchString(label) {
			return fmt.Errorf("invalid label %q", label)
		}
	}
	if numericRx.MatchString(labels[len(labels)-1]) {
		return fmt.Errorf("top level label %q is numeric", labels[len(labels)-1])
	}
	return nil
}
