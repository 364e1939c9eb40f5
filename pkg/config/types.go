package config

import (
	"sort"
	"strconv"
	"time"
)

// EngineSpec declares an engine and the versions the catalog offers.
type EngineSpec struct {
	// Name is the engine type (mysql, postgres, mongodb, redis).
	Name string `json:"name" validate:"required"`

	// Versions lists the offered engine versions.
	Versions []string `json:"versions" validate:"required,min=1,dive,required"`

	// DefaultPort is the port assumed for endpoints given without one.
	DefaultPort int `json:"default_port,omitempty" validate:"omitempty,min=1,max=65535"`
}

// SupportsVersion reports whether version is offered for the engine.
func (e *EngineSpec) SupportsVersion(version string) bool {
	for _, v := range e.Versions {
		if v == version {
			return true
		}
	}
	return false
}

// PlanSpec is a capacity and topology template databases are provisioned from.
type PlanSpec struct {
	Name    string `json:"name" validate:"required"`
	Engine  string `json:"engine" validate:"required"`
	Version string `json:"version" validate:"required"`

	// Capacity is the default number of databases one infra of this plan hosts.
	Capacity int `json:"capacity" validate:"gte=0"`

	// Environments restricts the plan to the named environments. Empty means all.
	Environments []string `json:"environments,omitempty"`

	// EnvScript is an optional Starlark script extending bind env vars.
	EnvScript string `json:"env_script,omitempty"`

	Description string `json:"description,omitempty"`
}

// AvailableIn reports whether the plan may be used in environment.
func (p *PlanSpec) AvailableIn(environment string) bool {
	if len(p.Environments) == 0 {
		return true
	}
	for _, e := range p.Environments {
		if e == environment {
			return true
		}
	}
	return false
}

// EnvironmentSpec declares an environment databases are provisioned into.
type EnvironmentSpec struct {
	Name string `json:"name" validate:"required"`

	// Production environments require a project on every database.
	Production bool `json:"production"`
}

// InfraSpec seeds an infra record from the catalog.
type InfraSpec struct {
	Name        string   `json:"name" validate:"required"`
	Engine      string   `json:"engine" validate:"required"`
	Version     string   `json:"version" validate:"required"`
	Plan        string   `json:"plan" validate:"required"`
	Environment string   `json:"environment" validate:"required"`
	Endpoints   []string `json:"endpoints" validate:"required,min=1,dive,required"`
	User        string   `json:"user,omitempty"`

	// Password is the literal admin password. Prefer PasswordEnv.
	Password string `json:"password,omitempty"`

	// PasswordEnv names the environment variable holding the admin password.
	PasswordEnv string `json:"password_env,omitempty"`

	// Capacity overrides the plan capacity when set.
	Capacity int `json:"capacity,omitempty" validate:"gte=0"`
}

// Catalog is the decoded provisioning catalog.
type Catalog struct {
	Engines      map[string]*EngineSpec      `json:"engines"`
	Plans        map[string]*PlanSpec        `json:"plans"`
	Environments map[string]*EnvironmentSpec `json:"environments"`
	Infras       map[string]*InfraSpec       `json:"infras"`

	// SourceFiles are the CUE files that were parsed.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the catalog was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors lists decoding and cross-reference problems.
	Errors []ValidationError `json:"errors,omitempty"`
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		Engines:      make(map[string]*EngineSpec),
		Plans:        make(map[string]*PlanSpec),
		Environments: make(map[string]*EnvironmentSpec),
		Infras:       make(map[string]*InfraSpec),
		ParsedAt:     time.Now().UTC(),
	}
}

// Engine looks up an engine by name.
func (c *Catalog) Engine(name string) (*EngineSpec, bool) {
	e, ok := c.Engines[name]
	return e, ok
}

// Plan looks up a plan by name.
func (c *Catalog) Plan(name string) (*PlanSpec, bool) {
	p, ok := c.Plans[name]
	return p, ok
}

// Environment looks up an environment by name.
func (c *Catalog) Environment(name string) (*EnvironmentSpec, bool) {
	e, ok := c.Environments[name]
	return e, ok
}

// Offers reports whether engine@version is part of the catalog.
func (c *Catalog) Offers(engine, version string) bool {
	e, ok := c.Engines[engine]
	return ok && e.SupportsVersion(version)
}

// PlansFor returns the sorted names of plans built on engine@version.
func (c *Catalog) PlansFor(engine, version string) []string {
	var names []string
	for name, p := range c.Plans {
		if p.Engine == engine && p.Version == version {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// HasErrors reports whether any error-severity problem was recorded.
func (c *Catalog) HasErrors() bool {
	for _, e := range c.Errors {
		if e.Severity == "error" {
			return true
		}
	}
	return false
}

// ValidationError is a catalog problem with location information.
type ValidationError struct {
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Column   int    `json:"column,omitempty"`
	Path     string `json:"path,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	loc := e.Path
	if e.File != "" {
		loc = e.File
		if e.Line > 0 {
			loc += ":" + strconv.Itoa(e.Line)
		}
		if e.Path != "" {
			loc += " " + e.Path
		}
	}
	if loc == "" {
		return e.Message
	}
	return loc + ": " + e.Message
}

// StarlarkResult is the outcome of one Starlark script run.
type StarlarkResult struct {
	// Output holds the exported globals of the script.
	Output map[string]interface{} `json:"output,omitempty"`

	ExecutionTime time.Duration `json:"execution_time"`

	Error string `json:"error,omitempty"`
}
