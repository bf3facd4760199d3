// Package registry holds the static catalogue of tools recond can run.
//
// The catalogue is loaded once at startup from the embedded modules.yaml
// and optional operator supplied YAML files and is read-only afterwards,
// so it is safe for concurrent use without locking.
package registry

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msfrecon/recond/internal/model"
)

//go:embed modules.yaml
var builtinYAML []byte

type Interpreter string

const (
	InterpreterMSF   Interpreter = "msf"
	InterpreterShell Interpreter = "sh"
)

// DefaultMSFScript is used for msf modules that do not define their own script.
const DefaultMSFScript = `use {{ .Module }}
set RHOSTS {{ .Target }}
{{ range .Options }}set {{ .Name }} {{ .Value }}
{{ end }}run
exit
`

var (
	idRx     = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)
	moduleRx = regexp.MustCompile(`^[A-Za-z0-9_./-]+$`)
	nameRx   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)
)

// ModuleTemplate describes how one tool is turned into a script.
type ModuleTemplate struct {
	ID          string      `yaml:"id" json:"toolId"`
	Description string      `yaml:"description" json:"description"`
	Category    string      `yaml:"category" json:"category"`
	Interpreter Interpreter `yaml:"interpreter" json:"interpreter"`
	Module      string      `yaml:"module" json:"module"`
	Grammar     string      `yaml:"grammar" json:"grammar"`
	Timeout     string      `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Params      []ParamSpec `yaml:"params,omitempty" json:"parameters"`
	Script      string      `yaml:"script,omitempty" json:"-"`
	Sample      string      `yaml:"sample,omitempty" json:"-"`

	timeout time.Duration
	tmpl    *template.Template
}

// Template returns the compiled script template.
func (m ModuleTemplate) Template() *template.Template {
	return m.tmpl
}

// ProcessTimeout returns the time bound of a single run, zero means the
// executor default applies.
func (m ModuleTemplate) ProcessTimeout() time.Duration {
	return m.timeout
}

// Param returns the parameter schema called name.
func (m ModuleTemplate) Param(name string) (ParamSpec, bool) {
	i := slices.IndexFunc(m.Params, func(p ParamSpec) bool { return p.Name == name })
	if i < 0 {
		return ParamSpec{}, false
	}
	return m.Params[i], true
}

func (m *ModuleTemplate) compile(grammars func(string) bool) error {
	var errs []error
	if !idRx.MatchString(m.ID) {
		errs = append(errs, fmt.Errorf("invalid id %q", m.ID))
	}
	switch m.Interpreter {
	case InterpreterMSF:
		if m.Script == "" {
			m.Script = DefaultMSFScript
		}
	case InterpreterShell:
		if m.Script == "" {
			errs = append(errs, errors.New("sh modules must define a script"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown interpreter %q", m.Interpreter))
	}
	if !moduleRx.MatchString(m.Module) {
		errs = append(errs, fmt.Errorf("invalid module %q", m.Module))
	}
	if grammars != nil && !grammars(m.Grammar) {
		errs = append(errs, fmt.Errorf("unknown grammar %q", m.Grammar))
	}
	if m.Timeout != "" {
		d, err := model.ParseISODuration(m.Timeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("parsing timeout: %w", err))
		}
		m.timeout = d
	}

	seen := make(map[string]struct{}, len(m.Params))
	for i := range m.Params {
		p := &m.Params[i]
		if _, dup := seen[p.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate parameter %q", p.Name))
		}
		seen[p.Name] = struct{}{}
		if !nameRx.MatchString(p.Name) {
			errs = append(errs, fmt.Errorf("invalid parameter name %q", p.Name))
		}
		if p.Option != "" && !nameRx.MatchString(p.Option) {
			errs = append(errs, fmt.Errorf("parameter %s: invalid option %q", p.Name, p.Option))
		}
		if err := p.check(); err != nil {
			errs = append(errs, fmt.Errorf("parameter %s: %w", p.Name, err))
		}
	}

	tmpl, err := template.New(m.ID).Option("missingkey=error").Parse(m.Script)
	if err != nil {
		errs = append(errs, fmt.Errorf("parsing script: %w", err))
	}
	m.tmpl = tmpl

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("module %q: %w", m.ID, err)
	}
	return nil
}

// ToolInfo is the public description of a tool.
type ToolInfo struct {
	ID          string      `json:"toolId"`
	Description string      `json:"description"`
	Category    string      `json:"category"`
	Parameters  []ParamSpec `json:"parameterSchema"`
}

type Registry struct {
	modules map[string]ModuleTemplate
}

// Option configures registry loading.
type Option func(*options)

type options struct {
	grammars func(string) bool
}

// WithGrammars makes loading fail for modules whose grammar known reports as unknown.
func WithGrammars(known func(string) bool) Option {
	return func(o *options) {
		o.grammars = known
	}
}

// New builds a registry from modules. Ids must be unique.
func New(modules []ModuleTemplate, opts ...Option) (*Registry, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	r := &Registry{modules: make(map[string]ModuleTemplate, len(modules))}
	var errs []error
	for _, m := range modules {
		if err := m.compile(o.grammars); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := r.modules[m.ID]; dup {
			errs = append(errs, fmt.Errorf("module %q: defined twice", m.ID))
			continue
		}
		r.modules[m.ID] = m
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return r, nil
}

// Decode reads a YAML list of module templates.
func Decode(r io.Reader) ([]ModuleTemplate, error) {
	var ret []ModuleTemplate
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&ret); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	return ret, nil
}

// Builtin returns the embedded catalogue.
func Builtin() ([]ModuleTemplate, error) {
	return Decode(bytes.NewReader(builtinYAML))
}

// Load returns the builtin catalogue extended with every *.yaml file in dir.
// An empty dir loads the builtin catalogue only.
func Load(dir string, opts ...Option) (*Registry, error) {
	modules, err := Builtin()
	if err != nil {
		return nil, fmt.Errorf("decoding builtin modules: %w", err)
	}
	if dir != "" {
		paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
		if err != nil {
			return nil, err
		}
		slices.Sort(paths)
		for _, path := range paths {
			extra, err := decodeFile(path)
			if err != nil {
				return nil, fmt.Errorf("decoding %s: %w", path, err)
			}
			modules = append(modules, extra...)
		}
	}
	return New(modules, opts...)
}

func decodeFile(path string) ([]ModuleTemplate, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return Decode(f)
}

// Lookup returns the template for toolID or ErrUnknownTool.
func (r *Registry) Lookup(toolID string) (ModuleTemplate, error) {
	m, ok := r.modules[toolID]
	if !ok {
		return ModuleTemplate{}, fmt.Errorf("%w: %q", model.ErrUnknownTool, toolID)
	}
	return m, nil
}

// List returns every tool sorted by id.
func (r *Registry) List() []ToolInfo {
	ret := make([]ToolInfo, 0, len(r.modules))
	for _, m := range r.modules {
		ret = append(ret, ToolInfo{
			ID:          m.ID,
			Description: m.Description,
			Category:    m.Category,
			Parameters:  slices.Clone(m.Params),
		})
	}
	slices.SortFunc(ret, func(a, b ToolInfo) int { return strings.Compare(a.ID, b.ID) })
	return ret
}

// Samples returns the canned output of every module that has one.
func (r *Registry) Samples() map[string]string {
	ret := make(map[string]string)
	for id, m := range r.modules {
		if m.Sample != "" {
			ret[id] = m.Sample
		}
	}
	return ret
}
