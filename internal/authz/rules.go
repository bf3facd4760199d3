package authz

import (
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/msfrecon/recond/internal/model"
)

var addrPatternRx = regexp.MustCompile(`^([0-9.]+|[0-9a-f:]*:[0-9a-f:]*)$`)

type RuleKind string

const (
	RulePrefix RuleKind = "prefix"
	RuleCIDR   RuleKind = "cidr"
	RuleExact  RuleKind = "exact"
)

type Rule struct {
	Allow   bool
	Kind    RuleKind
	Pattern string
	prefix  netip.Prefix
	// addrPattern prefixes like "10." never match host names such as 10.example.com
	addrPattern bool
}

func (r Rule) String() string {
	action := model.RuleActionDeny
	if r.Allow {
		action = model.RuleActionAllow
	}
	return fmt.Sprintf("%s %s %s", action, r.Kind, r.Pattern)
}

// Matches reports whether t falls under the rule. Host names are never
// resolved, so a CIDR rule only matches address and prefix targets.
func (r Rule) Matches(t model.Target) bool {
	switch r.Kind {
	case RulePrefix:
		if r.addrPattern && t.Kind == model.TargetHostname {
			return false
		}
		return strings.HasPrefix(t.Value, r.Pattern)
	case RuleExact:
		return t.Value == r.Pattern
	case RuleCIDR:
		switch t.Kind {
		case model.TargetIPv4, model.TargetIPv6:
			addr, err := netip.ParseAddr(t.Value)
			return err == nil && r.prefix.Contains(addr)
		case model.TargetCIDR:
			p, err := netip.ParsePrefix(t.Value)
			return err == nil && p.Bits() >= r.prefix.Bits() && r.prefix.Contains(p.Addr())
		}
	}
	return false
}

// AllowList is an ordered rule list. The first matching rule decides and
// a target no rule matches is denied.
type AllowList struct {
	rules []Rule
}

func NewAllowList(rules []model.Rule) (*AllowList, error) {
	ret := &AllowList{rules: make([]Rule, 0, len(rules))}
	var errs []error
	for i, r := range rules {
		rule, err := compileRule(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("authorization.rules[%d]: %w", i, err))
			continue
		}
		ret.rules = append(ret.rules, rule)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return ret, nil
}

func compileRule(r model.Rule) (Rule, error) {
	var rule Rule
	switch r.Action {
	case "", model.RuleActionAllow:
		rule.Allow = true
	case model.RuleActionDeny:
	default:
		return Rule{}, fmt.Errorf("unknown action %q", r.Action)
	}

	set := 0
	for _, s := range []string{r.Prefix, r.CIDR, r.Exact} {
		if s != "" {
			set++
		}
	}
	if set != 1 {
		return Rule{}, errors.New("exactly one of prefix, cidr or exact must be set")
	}

	switch {
	case r.Prefix != "":
		rule.Kind, rule.Pattern = RulePrefix, strings.ToLower(r.Prefix)
		rule.addrPattern = addrPatternRx.MatchString(rule.Pattern)
	case r.CIDR != "":
		p, err := netip.ParsePrefix(r.CIDR)
		if err != nil {
			return Rule{}, fmt.Errorf("parsing cidr: %w", err)
		}
		rule.Kind, rule.prefix = RuleCIDR, p.Masked()
		rule.Pattern = rule.prefix.String()
	case r.Exact != "":
		rule.Kind = RuleExact
		if t, err := ParseTarget(r.Exact); err == nil {
			rule.Pattern = t.Value
		} else {
			rule.Pattern = strings.ToLower(r.Exact)
		}
	}
	return rule, nil
}

// Match returns the first rule matching t.
func (a *AllowList) Match(t model.Target) (Rule, bool) {
	for _, r := range a.rules {
		if r.Matches(t) {
			return r, true
		}
	}
	return Rule{}, false
}

func (a *AllowList) Rules() []Rule {
	return append([]Rule(nil), a.rules...)
}
