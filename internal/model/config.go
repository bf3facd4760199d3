package model

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	AuthTypeNone        = "none"
	AuthTypeStaticToken = "static_token"

	ExecutorModeProcess  = "process"
	ExecutorModeSimulate = "simulate"

	RuleActionAllow = "allow"
	RuleActionDeny  = "deny"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version       int             `json:"version" yaml:"version"` // fixed 0 for now
	Service       Service         `json:"service" yaml:"service"`
	Authorization Authorization   `json:"authorization" yaml:"authorization"`
	Scheduler     Scheduler       `json:"scheduler" yaml:"scheduler"`
	Executor      Executor        `json:"executor" yaml:"executor"`
	Store         Store           `json:"store" yaml:"store"`
	Registry      *Registry       `json:"registry,omitempty" yaml:"registry,omitempty"`
	Profiles      []ProfileConfig `json:"profiles,omitempty" yaml:"profiles,omitempty"`
}

type Service struct {
	Listen         string    `json:"listen" yaml:"listen"`
	Verbose        bool      `json:"verbose" yaml:"verbose"`
	Log            string    `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
	Dir            string    `json:"dir,omitempty" yaml:"dir,omitempty"`
	Auth           Auth      `json:"auth" yaml:"auth"`
	AllowedOrigins []string  `json:"allowed_origins" yaml:"allowed_origins"`
	RateLimit      RateLimit `json:"rate_limit" yaml:"rate_limit"`
	// Repository receives a CycloneDX BOM of every finished job.
	Repository *Repository `json:"repository,omitempty" yaml:"repository,omitempty"`
}

type Repository struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
}

// Auth is a tagged union: Type "none" or "static_token".
type Auth struct {
	Type  string `json:"type" yaml:"type"`
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

type RateLimit struct {
	PerMinute int `json:"per_minute" yaml:"per_minute"`
	Burst     int `json:"burst" yaml:"burst"`
}

type Authorization struct {
	Rules []Rule `json:"rules" yaml:"rules"`
}

// Rule is one allow-list entry. Exactly one of Prefix, CIDR and Exact is set.
type Rule struct {
	Action string `json:"action,omitempty" yaml:"action,omitempty"`
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	CIDR   string `json:"cidr,omitempty" yaml:"cidr,omitempty"`
	Exact  string `json:"exact,omitempty" yaml:"exact,omitempty"`
}

type Scheduler struct {
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`
	PerTarget     int `json:"per_target" yaml:"per_target"`
}

type Executor struct {
	Mode           string            `json:"mode" yaml:"mode"`
	Msfconsole     string            `json:"msfconsole" yaml:"msfconsole"`
	Shell          string            `json:"shell" yaml:"shell"`
	DefaultTimeout string            `json:"default_timeout" yaml:"default_timeout"`
	KillGrace      string            `json:"kill_grace" yaml:"kill_grace"`
	Workspace      string            `json:"workspace" yaml:"workspace"`
	MaxOutput      int               `json:"max_output" yaml:"max_output"`
	Env            map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	User           string            `json:"user,omitempty" yaml:"user,omitempty"`
}

// Durations parses DefaultTimeout and KillGrace.
func (e Executor) Durations() (timeout, grace time.Duration, err error) {
	timeout, err = ParseISODuration(e.DefaultTimeout)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing executor.default_timeout: %w", err)
	}
	grace, err = ParseISODuration(e.KillGrace)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing executor.kill_grace: %w", err)
	}
	return timeout, grace, nil
}

// Credential parses User in uid[:gid] form. ok is false when User is empty.
func (e Executor) Credential() (uid, gid uint32, ok bool, err error) {
	if e.User == "" {
		return 0, 0, false, nil
	}
	u, g, hasGID := strings.Cut(e.User, ":")
	uid64, err := strconv.ParseUint(u, 10, 32)
	if err != nil {
		return 0, 0, false, fmt.Errorf("parsing executor.user uid: %w", err)
	}
	gid64 := uid64
	if hasGID {
		gid64, err = strconv.ParseUint(g, 10, 32)
		if err != nil {
			return 0, 0, false, fmt.Errorf("parsing executor.user gid: %w", err)
		}
	}
	return uint32(uid64), uint32(gid64), true, nil
}

type Store struct {
	Path      string `json:"path" yaml:"path"`
	Retention string `json:"retention" yaml:"retention"`
	Sweep     string `json:"sweep" yaml:"sweep"`
}

type Registry struct {
	Dir string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// ProfileConfig is a profile seeded from the configuration file.
type ProfileConfig struct {
	Name  string       `json:"name" yaml:"name"`
	Tools []ToolConfig `json:"tools" yaml:"tools"`
}

type ToolConfig struct {
	Tool       string         `json:"tool" yaml:"tool"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

func (p ProfileConfig) Profile() Profile {
	reqs := make([]ToolRequest, 0, len(p.Tools))
	for _, t := range p.Tools {
		reqs = append(reqs, ToolRequest{ToolID: t.Tool, Parameters: t.Parameters})
	}
	return Profile{Name: p.Name, ToolRequests: reqs}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}

// DefaultConfig returns the configuration with every default of the schema applied.
func DefaultConfig(_ context.Context) Config {
	cfg, err := LoadConfig(strings.NewReader("version: 0\n"))
	if err != nil {
		panic(err)
	}
	return cfg
}
