package config

import (
	"context"
	"strings"
	"testing"

	"cuelang.org/go/cue/cuecontext"
)

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	want := []string{"engine", "environment", "infra", "plan"}
	got := sr.ListSchemas()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("ListSchemas() = %v, want %v", got, want)
	}

	for _, name := range want {
		schema, ok := sr.GetSchema(name)
		if !ok {
			t.Fatalf("built-in schema %s not found", name)
		}
		if err := schema.Err(); err != nil {
			t.Errorf("schema %s has errors: %v", name, err)
		}
	}
}

func TestSchemaRegistry_RegisterSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("quota", `#Quota: {max_databases: int & >0}`); err != nil {
		t.Fatalf("RegisterSchema() error = %v", err)
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "quota", map[string]interface{}{"max_databases": 3}); err != nil {
		t.Errorf("valid quota rejected: %v", err)
	}
	if err := sr.ValidateAgainstSchema(context.Background(), "quota", map[string]interface{}{"max_databases": 0}); err == nil {
		t.Error("quota of 0 accepted")
	}

	if err := sr.RegisterSchema("broken", `#Broken: {`); err == nil {
		t.Error("RegisterSchema() accepted invalid CUE")
	}
	if err := sr.RegisterSchema("plain", `value: 1`); err == nil {
		t.Error("RegisterSchema() accepted a schema without definitions")
	}
}

func TestSchemaRegistry_ValidateSpecs(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		check   func() error
		wantErr bool
	}{
		{
			name: "valid engine",
			check: func() error {
				return sr.ValidateEngine(ctx, &EngineSpec{Name: "mysql", Versions: []string{"8.0"}, DefaultPort: 3306})
			},
		},
		{
			name: "engine with uppercase name",
			check: func() error {
				return sr.ValidateEngine(ctx, &EngineSpec{Name: "MySQL", Versions: []string{"8.0"}})
			},
			wantErr: true,
		},
		{
			name: "engine port out of range",
			check: func() error {
				return sr.ValidateEngine(ctx, &EngineSpec{Name: "redis", Versions: []string{"7.2"}, DefaultPort: 70000})
			},
			wantErr: true,
		},
		{
			name: "valid plan",
			check: func() error {
				return sr.ValidatePlan(ctx, &PlanSpec{Name: "small", Engine: "mysql", Version: "8.0", Capacity: 10})
			},
		},
		{
			name: "plan with negative capacity",
			check: func() error {
				return sr.ValidatePlan(ctx, &PlanSpec{Name: "small", Engine: "mysql", Version: "8.0", Capacity: -1})
			},
			wantErr: true,
		},
		{
			name: "valid environment",
			check: func() error {
				return sr.ValidateEnvironment(ctx, &EnvironmentSpec{Name: "prod", Production: true})
			},
		},
		{
			name: "valid infra",
			check: func() error {
				return sr.ValidateInfra(ctx, &InfraSpec{
					Name: "mysql-01", Engine: "mysql", Version: "8.0", Plan: "small",
					Environment: "dev", Endpoints: []string{"db:3306"}, PasswordEnv: "MYSQL_PASSWORD",
				})
			},
		},
		{
			name: "infra with lowercase password_env",
			check: func() error {
				return sr.ValidateInfra(ctx, &InfraSpec{
					Name: "mysql-01", Engine: "mysql", Version: "8.0", Plan: "small",
					Environment: "dev", Endpoints: []string{"db:3306"}, PasswordEnv: "mysql_password",
				})
			},
			wantErr: true,
		},
		{
			name: "unknown schema",
			check: func() error {
				return sr.ValidateAgainstSchema(ctx, "nope", struct{}{})
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.check()
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSchemaRegistry_ValidateRaw(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := cuecontext.New()

	partial := ctx.CompileString(`{versions: ["16"]}`)
	if err := sr.ValidateRaw("engine", partial); err != nil {
		t.Errorf("entry without a name rejected: %v", err)
	}

	extra := ctx.CompileString(`{versions: ["16"], flavour: "aurora"}`)
	if err := sr.ValidateRaw("engine", extra); err == nil {
		t.Error("entry with an undeclared field accepted")
	}
}
