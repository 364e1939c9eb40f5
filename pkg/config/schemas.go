package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry holds the CUE definitions catalog entries are checked against.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a schema registry holding the built-in catalog schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	for name, src := range map[string]string{
		"engine":      builtinEngineSchema,
		"plan":        builtinPlanSchema,
		"environment": builtinEnvironmentSchema,
		"infra":       builtinInfraSchema,
	} {
		if err := sr.RegisterSchema(name, src); err != nil {
			panic(err)
		}
	}
	return sr
}

// RegisterSchema compiles src and registers its first definition under name.
func (sr *SchemaRegistry) RegisterSchema(name, src string) error {
	val := sr.ctx.CompileString(src, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	iter, err := val.Fields(cue.Definitions(true))
	if err != nil {
		return fmt.Errorf("failed to read schema %s: %w", name, err)
	}
	var def cue.Value
	for iter.Next() {
		if iter.Selector().IsDefinition() {
			def = iter.Value()
			break
		}
	}
	if !def.Exists() {
		return fmt.Errorf("schema %s declares no definition", name)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema checks data against a named schema. Definitions are
// closed, so unknown fields fail as well as constraint violations.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	if err := schema.Unify(dataVal).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("%s schema: %w", schemaName, err)
	}
	return nil
}

// ValidateRaw checks an undecoded catalog entry against a named schema. It
// allows missing fields and rejects fields the schema does not declare.
func (sr *SchemaRegistry) ValidateRaw(schemaName string, v cue.Value) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	data, err := v.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to export entry: %w", err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	raw := sr.ctx.CompileBytes(data)
	if err := raw.Err(); err != nil {
		return fmt.Errorf("failed to compile entry: %w", err)
	}
	if err := schema.Unify(raw).Validate(); err != nil {
		return fmt.Errorf("%s schema: %w", schemaName, err)
	}
	return nil
}

// ListSchemas returns the sorted registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinEngineSchema = `
#Engine: {
	name:          =~"^[a-z][a-z0-9]*$"
	versions:      [string, ...string]
	default_port?: int & >0 & <65536
}
`

const builtinPlanSchema = `
#Plan: {
	name:          =~"^[a-z][a-z0-9_-]*$"
	engine:        string
	version:       string
	capacity:      int & >=0
	environments?: [...string]
	env_script?:   string
	description?:  string
}
`

const builtinEnvironmentSchema = `
#Environment: {
	name:       =~"^[a-z][a-z0-9_-]*$"
	production: bool
}
`

const builtinInfraSchema = `
#Infra: {
	name:          =~"^[a-zA-Z0-9][a-zA-Z0-9_.-]*$"
	engine:        string
	version:       string
	plan:          string
	environment:   string
	endpoints:     [string, ...string]
	user?:         string
	password?:     string
	password_env?: =~"^[A-Z_][A-Z0-9_]*$"
	capacity?:     int & >=0
}
`

// ValidateEngine checks an engine entry against the engine schema.
func (sr *SchemaRegistry) ValidateEngine(ctx context.Context, engine *EngineSpec) error {
	return sr.ValidateAgainstSchema(ctx, "engine", engine)
}

// ValidatePlan checks a plan entry against the plan schema.
func (sr *SchemaRegistry) ValidatePlan(ctx context.Context, plan *PlanSpec) error {
	return sr.ValidateAgainstSchema(ctx, "plan", plan)
}

// ValidateEnvironment checks an environment entry against the environment schema.
func (sr *SchemaRegistry) ValidateEnvironment(ctx context.Context, env *EnvironmentSpec) error {
	return sr.ValidateAgainstSchema(ctx, "environment", env)
}

// ValidateInfra checks an infra entry against the infra schema.
func (sr *SchemaRegistry) ValidateInfra(ctx context.Context, infra *InfraSpec) error {
	return sr.ValidateAgainstSchema(ctx, "infra", infra)
}
