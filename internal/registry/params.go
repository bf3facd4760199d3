package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/msfrecon/recond/internal/model"
)

type ParamType string

const (
	TypeString   ParamType = "string"
	TypeInt      ParamType = "int"
	TypePortSpec ParamType = "portspec"
	TypeList     ParamType = "list"
)

type ParamSpec struct {
	Name        string    `yaml:"name" json:"name"`
	Type        ParamType `yaml:"type" json:"type"`
	Description string    `yaml:"description,omitempty" json:"description,omitempty"`
	Default     any       `yaml:"default,omitempty" json:"default,omitempty"`
	Required    bool      `yaml:"required,omitempty" json:"required,omitempty"`
	Min         *int      `yaml:"min,omitempty" json:"min,omitempty"`
	Max         *int      `yaml:"max,omitempty" json:"max,omitempty"`
	Choices     []string  `yaml:"choices,omitempty" json:"choices,omitempty"`
	// Option is the msf datastore option the value is bound to.
	Option string `yaml:"option,omitempty" json:"option,omitempty"`
}

func (p ParamSpec) check() error {
	switch p.Type {
	case TypeString, TypeInt, TypePortSpec, TypeList:
	default:
		return fmt.Errorf("unknown type %q", p.Type)
	}
	if p.Default != nil {
		if _, err := p.normalize(p.Default); err != nil {
			return fmt.Errorf("default: %w", err)
		}
	}
	return nil
}

// normalize coerces v into the canonical string form of the parameter.
func (p ParamSpec) normalize(v any) (string, error) {
	s, err := scalar(v)
	if err != nil {
		return "", err
	}
	switch p.Type {
	case TypeInt:
		n, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return "", fmt.Errorf("%q is not an integer", s)
		}
		if p.Min != nil && n < *p.Min {
			return "", fmt.Errorf("%d is lower than %d", n, *p.Min)
		}
		if p.Max != nil && n > *p.Max {
			return "", fmt.Errorf("%d is greater than %d", n, *p.Max)
		}
		return strconv.Itoa(n), nil
	case TypePortSpec:
		return CanonicalPortSpec(s)
	case TypeList:
		var items []string
		for item := range strings.SplitSeq(s, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				return "", errors.New("empty list item")
			}
			items = append(items, item)
		}
		return strings.Join(items, ","), nil
	default:
		if len(p.Choices) > 0 && !slices.Contains(p.Choices, s) {
			return "", fmt.Errorf("%q is not one of %s", s, strings.Join(p.Choices, ","))
		}
		return s, nil
	}
}

func scalar(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case json.Number:
		return x.String(), nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) {
			return "", fmt.Errorf("%v is not an integer", x)
		}
		return strconv.FormatInt(int64(x), 10), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", v)
	}
}

// Value is one resolved parameter.
type Value struct {
	Name   string
	Option string
	Value  string
}

// Resolved holds parameter values in schema order.
type Resolved []Value

func (r Resolved) Get(name string) (string, bool) {
	for _, v := range r {
		if v.Name == name {
			return v.Value, true
		}
	}
	return "", false
}

// Map returns the resolved values keyed by parameter name.
func (r Resolved) Map() map[string]string {
	ret := make(map[string]string, len(r))
	for _, v := range r {
		ret[v.Name] = v.Value
	}
	return ret
}

// Resolve validates params against the schema and fills in defaults.
// Optional parameters without a value and without a default are omitted.
func (m ModuleTemplate) Resolve(params map[string]any) (Resolved, error) {
	var errs []error

	unknown := make([]string, 0)
	for name := range params {
		if _, ok := m.Param(name); !ok {
			unknown = append(unknown, name)
		}
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		errs = append(errs, fmt.Errorf("%w: %s: unknown parameter %q", model.ErrInvalidParameter, m.ID, name))
	}

	ret := make(Resolved, 0, len(m.Params))
	for _, spec := range m.Params {
		v, ok := params[spec.Name]
		if !ok || v == nil {
			if spec.Default == nil {
				if spec.Required {
					errs = append(errs, fmt.Errorf("%w: %s: missing required parameter %q", model.ErrInvalidParameter, m.ID, spec.Name))
				}
				continue
			}
			v = spec.Default
		}
		s, err := spec.normalize(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w: %s: parameter %q: %v", model.ErrInvalidParameter, m.ID, spec.Name, err))
			continue
		}
		ret = append(ret, Value{Name: spec.Name, Option: spec.Option, Value: s})
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return ret, nil
}

// CanonicalPortSpec validates a port list such as "22", "22,80" or "1-1024,8080"
// and returns it without blanks. Ports are within 1..65535 and ranges ascend.
func CanonicalPortSpec(spec string) (string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", errors.New("empty port spec")
	}
	var parts []string
	for token := range strings.SplitSeq(spec, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			return "", errors.New("invalid empty token in port spec")
		}
		lo, hi, isRange := strings.Cut(token, "-")
		start, err := parsePort(lo)
		if err != nil {
			return "", err
		}
		if !isRange {
			parts = append(parts, strconv.Itoa(start))
			continue
		}
		end, err := parsePort(hi)
		if err != nil {
			return "", err
		}
		if start > end {
			return "", fmt.Errorf("range start greater than end: %s", token)
		}
		parts = append(parts, strconv.Itoa(start)+"-"+strconv.Itoa(end))
	}
	return strings.Join(parts, ","), nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n < 1 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range 1..65535", n)
	}
	return n, nil
}
