// Package rcscript renders registry templates into executable scripts.
//
// Every value substituted into a template, the target included, is passed
// through Quote first. Values that no quoting can make safe in a line
// oriented script are rejected with model.ErrParameterInjectionRejected.
package rcscript

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/msfrecon/recond/internal/model"
	"github.com/msfrecon/recond/internal/registry"
)

// Script is a rendered, ready to run script.
type Script struct {
	Name        string               `json:"name"`
	Interpreter registry.Interpreter `json:"interpreter"`
	Body        string               `json:"body"`
}

// Option is a quoted msf datastore assignment.
type Option struct {
	Name  string
	Value string
}

type data struct {
	Module  string
	Target  string
	Params  map[string]string
	Options []Option
}

var forbidden = []string{"{{", "}}", "<%", "%>", "<ruby", "</ruby"}

// Check rejects values that contain control bytes, invalid UTF-8 or
// template and embedded code delimiters.
func Check(name, value string) error {
	if !utf8.ValidString(value) {
		return fmt.Errorf("%w: %s: invalid utf-8", model.ErrParameterInjectionRejected, name)
	}
	for _, r := range value {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: %s: control character %U", model.ErrParameterInjectionRejected, name, r)
		}
	}
	lower := strings.ToLower(value)
	for _, f := range forbidden {
		if strings.Contains(lower, f) {
			return fmt.Errorf("%w: %s: contains %q", model.ErrParameterInjectionRejected, name, f)
		}
	}
	return nil
}

// Quote wraps s in single quotes. An embedded quote closes the quoting,
// adds an escaped quote and reopens it, which both POSIX sh and msfconsole's
// shellwords splitting read as a literal quote.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Render produces the script for one tool run. index is the position of
// the tool request in its job and only affects the file name. Output is a
// pure function of the arguments.
func Render(m registry.ModuleTemplate, params registry.Resolved, target model.Target, index int) (Script, error) {
	if m.Template() == nil {
		return Script{}, fmt.Errorf("module %q has no compiled template", m.ID)
	}
	if err := Check("target", target.Value); err != nil {
		return Script{}, err
	}

	d := data{
		Module: m.Module,
		Target: Quote(target.Value),
		Params: make(map[string]string, len(params)),
	}
	for _, p := range params {
		if err := Check(p.Name, p.Value); err != nil {
			return Script{}, err
		}
		q := Quote(p.Value)
		d.Params[p.Name] = q
		if p.Option != "" {
			d.Options = append(d.Options, Option{Name: p.Option, Value: q})
		}
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "# recond %s target=%s\n", m.ID, d.Target)
	if err := m.Template().Execute(&buf, d); err != nil {
		return Script{}, fmt.Errorf("rendering %s: %w", m.ID, err)
	}

	return Script{
		Name:        fmt.Sprintf("%02d-%s%s", index, m.ID, extension(m.Interpreter)),
		Interpreter: m.Interpreter,
		Body:        buf.String(),
	}, nil
}

func extension(i registry.Interpreter) string {
	if i == registry.InterpreterShell {
		return ".sh"
	}
	return ".rc"
}
