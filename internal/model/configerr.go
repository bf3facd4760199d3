package model

import (
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
)

// ConfigError is one problem found in a configuration file, phrased for an
// operator rather than for a CUE user.
type ConfigError struct {
	Path    string // executor.default_timeout
	Code    string // unknown_field | missing_required | invalid_enum | invalid_duration | invalid_value | type_mismatch | validation_error
	Message string
	Line    int
	Column  int
}

func (e ConfigError) Attr() slog.Attr {
	return slog.GroupAttrs("config",
		slog.String("code", e.Code),
		slog.String("path", e.Path),
		slog.Int("line", e.Line),
		slog.Int("column", e.Column),
	)
}

func (e ConfigError) String() string {
	if e.Line == 0 {
		return e.Message
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// durationFields hold ISO-8601 durations; a plain Go duration is the
// usual mistake there.
var durationFields = []string{
	"executor.default_timeout",
	"executor.kill_grace",
	"store.retention",
}

// enumFields list their allowed values in the message.
var enumFields = []string{
	"service.auth.type",
	"executor.mode",
}

var (
	reNotAllowed = regexp.MustCompile(`(?i)not allowed`)
	reIncomplete = regexp.MustCompile(`(?i)incomplete value|required`)
	reBound      = regexp.MustCompile(`(?i)out of bound|invalid value`)
	reConflict   = regexp.MustCompile(`(?i)conflicting values|mismatched types|cannot use value`)
)

// CueErrDetails turns a LoadConfig error into one ConfigError per offending
// field. Errors which are not CUE validation errors yield a single
// validation_error.
func CueErrDetails(err error) []ConfigError {
	if err == nil {
		return nil
	}
	var ret []ConfigError
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		d := ConfigError{Path: fieldPath(e.Path())}
		d.Code, d.Message = classify(fmt.Sprintf(format, args...), d.Path)
		for _, p := range cueerrors.Positions(e) {
			if p.Filename() != "" {
				d.Line, d.Column = p.Line(), p.Column()
				break
			}
		}
		if slices.ContainsFunc(ret, func(o ConfigError) bool { return o.Path == d.Path && o.Code == d.Code }) {
			continue
		}
		ret = append(ret, d)
	}
	if len(ret) == 0 {
		ret = append(ret, ConfigError{Code: "validation_error", Message: err.Error()})
	}
	return ret
}

func classify(raw, path string) (code, msg string) {
	field := path
	if field == "" {
		field = "configuration"
	}
	switch {
	case reNotAllowed.MatchString(raw):
		return "unknown_field", fmt.Sprintf("field %s is not allowed", field)
	case slices.Contains(durationFields, path):
		return "invalid_duration", fmt.Sprintf("field %s must be an ISO-8601 duration like PT5M or P30D", field)
	case slices.Contains(enumFields, path):
		return "invalid_enum", fmt.Sprintf("field %s must be one of %s", field, strings.Join(enumValues(path), ", "))
	case reIncomplete.MatchString(raw):
		return "missing_required", fmt.Sprintf("field %s is required", field)
	case reBound.MatchString(raw):
		return "invalid_value", fmt.Sprintf("field %s has an invalid value: %s", field, raw)
	case reConflict.MatchString(raw):
		return "type_mismatch", fmt.Sprintf("field %s has a wrong type or value: %s", field, raw)
	default:
		return "validation_error", fmt.Sprintf("%s: %s", field, raw)
	}
}

// enumValues reads the string alternatives of a disjunction in the schema.
func enumValues(path string) []string {
	v := schema.LookupPath(cue.ParsePath(path))
	op, args := v.Expr()
	if op != cue.OrOp {
		args = []cue.Value{v}
	}
	var ret []string
	for _, a := range args {
		if s, err := a.String(); err == nil && !slices.Contains(ret, s) {
			ret = append(ret, s)
		}
	}
	return ret
}

func fieldPath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
