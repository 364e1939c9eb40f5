package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
)

// CUEParser loads the provisioning catalog from CUE files.
//
// A catalog has four top-level structs keyed by name:
//
//	engines: mysql: versions: ["8.0"]
//	plans: small: {engine: "mysql", version: "8.0", capacity: 50}
//	environments: prod: production: true
//	infras: "mysql-prod-01": {engine: "mysql", version: "8.0", plan: "small", ...}
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new catalog parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		ctx:            cuecontext.New(),
		schemaRegistry: NewSchemaRegistry(),
		validator:      validator.New(),
	}
}

// LoadCatalog parses sources and fails if the catalog has any error-severity problem.
func (cp *CUEParser) LoadCatalog(ctx context.Context, sources []string) (*Catalog, error) {
	catalog, err := cp.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	if catalog.HasErrors() {
		return nil, fmt.Errorf("invalid catalog: %w", catalog.Errors[0])
	}
	return catalog, nil
}

// Parse parses CUE files and directories into a catalog. Problems in the
// content are reported in Catalog.Errors; only I/O failures return an error.
func (cp *CUEParser) Parse(ctx context.Context, sources []string) (*Catalog, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no sources provided")
	}

	var unified cue.Value
	var sourceFiles []string
	var parseErrors []ValidationError

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var val cue.Value
		var errs []ValidationError
		if info.IsDir() {
			var files []string
			val, files, errs = cp.loadDirectory(source)
			sourceFiles = append(sourceFiles, files...)
		} else {
			val, errs = cp.loadFile(source)
			sourceFiles = append(sourceFiles, source)
		}
		parseErrors = append(parseErrors, errs...)

		if val.Exists() {
			if unified.Exists() {
				unified = unified.Unify(val)
			} else {
				unified = val
			}
		}
	}

	if len(parseErrors) > 0 {
		catalog := NewCatalog()
		catalog.SourceFiles = sourceFiles
		catalog.Errors = parseErrors
		return catalog, nil
	}

	return cp.extractCatalog(ctx, unified, sourceFiles), nil
}

// ParseInline parses inline CUE content.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*Catalog, error) {
	val := cp.ctx.CompileString(content, cue.Filename("inline.cue"))
	if err := val.Err(); err != nil {
		catalog := NewCatalog()
		catalog.SourceFiles = []string{"inline"}
		catalog.Errors = cp.convertCUEErrors(err)
		return catalog, nil
	}
	return cp.extractCatalog(ctx, val, []string{"inline"}), nil
}

func (cp *CUEParser) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	instances := load.Instances([]string{dir}, nil)
	if len(instances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := instances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(inst.Err)
	}

	val := cp.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, cp.convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

func (cp *CUEParser) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cp.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, cp.convertCUEErrors(err)
	}
	return val, nil
}

// extractCatalog decodes the four catalog sections and cross-checks them.
func (cp *CUEParser) extractCatalog(ctx context.Context, val cue.Value, sourceFiles []string) *Catalog {
	catalog := NewCatalog()
	catalog.SourceFiles = sourceFiles

	if err := val.Err(); err != nil {
		catalog.Errors = cp.convertCUEErrors(err)
		return catalog
	}

	cp.eachEntry(val, "engines", "engine", catalog, func(name string, v cue.Value) error {
		spec := &EngineSpec{}
		if err := cp.decode(v, spec); err != nil {
			return err
		}
		if spec.Name == "" {
			spec.Name = name
		}
		if err := check(ctx, cp.validator, spec, cp.schemaRegistry.ValidateEngine); err != nil {
			return err
		}
		catalog.Engines[name] = spec
		return nil
	})

	cp.eachEntry(val, "plans", "plan", catalog, func(name string, v cue.Value) error {
		spec := &PlanSpec{}
		if err := cp.decode(v, spec); err != nil {
			return err
		}
		if spec.Name == "" {
			spec.Name = name
		}
		if err := check(ctx, cp.validator, spec, cp.schemaRegistry.ValidatePlan); err != nil {
			return err
		}
		catalog.Plans[name] = spec
		return nil
	})

	cp.eachEntry(val, "environments", "environment", catalog, func(name string, v cue.Value) error {
		spec := &EnvironmentSpec{}
		if err := cp.decode(v, spec); err != nil {
			return err
		}
		if spec.Name == "" {
			spec.Name = name
		}
		if err := check(ctx, cp.validator, spec, cp.schemaRegistry.ValidateEnvironment); err != nil {
			return err
		}
		catalog.Environments[name] = spec
		return nil
	})

	cp.eachEntry(val, "infras", "infra", catalog, func(name string, v cue.Value) error {
		spec := &InfraSpec{}
		if err := cp.decode(v, spec); err != nil {
			return err
		}
		if spec.Name == "" {
			spec.Name = name
		}
		if err := check(ctx, cp.validator, spec, cp.schemaRegistry.ValidateInfra); err != nil {
			return err
		}
		catalog.Infras[name] = spec
		return nil
	})

	catalog.Errors = append(catalog.Errors, crossCheck(catalog)...)
	return catalog
}

func (cp *CUEParser) decode(v cue.Value, target interface{}) error {
	if err := v.Decode(target); err != nil {
		return fmt.Errorf("failed to decode: %w", err)
	}
	return nil
}

// check runs struct tag validation, then the CUE schema.
func check[T any](ctx context.Context, v *validator.Validate, spec *T, schema func(context.Context, *T) error) error {
	if err := v.Struct(spec); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return schema(ctx, spec)
}

// eachEntry walks the named struct section, recording fn's errors against the
// entry path. Raw entries are checked for unknown fields before decoding
// drops them.
func (cp *CUEParser) eachEntry(val cue.Value, section, schema string, catalog *Catalog, fn func(name string, v cue.Value) error) {
	sectionVal := val.LookupPath(cue.ParsePath(section))
	if !sectionVal.Exists() {
		return
	}
	iter, err := sectionVal.Fields()
	if err != nil {
		catalog.Errors = append(catalog.Errors, ValidationError{
			Path:     section,
			Message:  fmt.Sprintf("%s must be a struct keyed by name: %v", section, err),
			Severity: "error",
		})
		return
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		err := cp.schemaRegistry.ValidateRaw(schema, iter.Value())
		if err == nil {
			err = fn(name, iter.Value())
		}
		if err != nil {
			catalog.Errors = append(catalog.Errors, ValidationError{
				Path:     section + "." + name,
				Message:  err.Error(),
				Severity: "error",
			})
		}
	}
}

// crossCheck verifies references between catalog sections.
func crossCheck(c *Catalog) []ValidationError {
	var errs []ValidationError
	add := func(path, format string, args ...interface{}) {
		errs = append(errs, ValidationError{
			Path:     path,
			Message:  fmt.Sprintf(format, args...),
			Severity: "error",
		})
	}

	for _, name := range sortedKeys(c.Plans) {
		plan := c.Plans[name]
		path := "plans." + name
		if !c.Offers(plan.Engine, plan.Version) {
			add(path, "engine %s@%s is not declared in engines", plan.Engine, plan.Version)
		}
		for _, env := range plan.Environments {
			if _, ok := c.Environments[env]; !ok {
				add(path, "unknown environment %s", env)
			}
		}
	}

	for _, name := range sortedKeys(c.Infras) {
		infra := c.Infras[name]
		path := "infras." + name
		plan, ok := c.Plans[infra.Plan]
		if !ok {
			add(path, "unknown plan %s", infra.Plan)
			continue
		}
		if plan.Engine != infra.Engine || plan.Version != infra.Version {
			add(path, "infra runs %s@%s but plan %s is %s@%s",
				infra.Engine, infra.Version, plan.Name, plan.Engine, plan.Version)
		}
		if _, ok := c.Environments[infra.Environment]; !ok {
			add(path, "unknown environment %s", infra.Environment)
		} else if !plan.AvailableIn(infra.Environment) {
			add(path, "plan %s is not offered in environment %s", plan.Name, infra.Environment)
		}
		if infra.Password != "" && infra.PasswordEnv != "" {
			add(path, "password and password_env are mutually exclusive")
		}
	}
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		if pos := errors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}
		out = append(out, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Path:     strings.Join(e.Path(), "."),
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}
	return out
}

// ExportJSON renders the decoded catalog as indented JSON.
func ExportJSON(c *Catalog) ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// ResolvePassword returns the admin password of an infra spec, reading
// PasswordEnv when set.
func (s *InfraSpec) ResolvePassword() (string, error) {
	if s.PasswordEnv == "" {
		return s.Password, nil
	}
	v, ok := os.LookupEnv(s.PasswordEnv)
	if !ok {
		return "", fmt.Errorf("infra %s: environment variable %s is not set", s.Name, s.PasswordEnv)
	}
	return v, nil
}
