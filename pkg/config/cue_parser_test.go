package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testCatalog = `
engines: {
	mysql: {versions: ["8.0", "5.7"], default_port: 3306}
	redis: versions: ["7.2"]
}

environments: {
	dev: production: false
	prod: production: true
}

plans: {
	"mysql-small": {
		engine:   "mysql"
		version:  "8.0"
		capacity: 50
		env_script: """
			env = {"DATABASE_URL": "mysql://%s@%s/%s" % (input["user"], input["endpoint"], input["database"])}
			"""
	}
	"redis-cache": {
		engine:       "redis"
		version:      "7.2"
		environments: ["dev"]
	}
}

infras: {
	"mysql-dev-01": {
		engine:       "mysql"
		version:      "8.0"
		plan:         "mysql-small"
		environment:  "dev"
		endpoints:    ["10.0.0.5:3306"]
		user:         "root"
		password_env: "MYSQL_DEV_PASSWORD"
	}
}
`

func TestCUEParser_ParseInline(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		wantErrs  []string
		checkFunc func(*testing.T, *Catalog)
	}{
		{
			name:    "valid catalog",
			content: testCatalog,
			checkFunc: func(t *testing.T, c *Catalog) {
				if len(c.Engines) != 2 || len(c.Plans) != 2 || len(c.Environments) != 2 || len(c.Infras) != 1 {
					t.Fatalf("unexpected section sizes: %d engines, %d plans, %d environments, %d infras",
						len(c.Engines), len(c.Plans), len(c.Environments), len(c.Infras))
				}
				plan, ok := c.Plan("mysql-small")
				if !ok {
					t.Fatal("plan mysql-small missing")
				}
				if plan.Name != "mysql-small" || plan.Capacity != 50 {
					t.Errorf("plan = %+v", plan)
				}
				if !strings.Contains(plan.EnvScript, "DATABASE_URL") {
					t.Errorf("env_script not decoded: %q", plan.EnvScript)
				}
				if env, _ := c.Environment("prod"); !env.Production {
					t.Error("prod must be a production environment")
				}
				if !c.Offers("mysql", "5.7") || c.Offers("mysql", "9.0") {
					t.Error("Offers() disagrees with engines section")
				}
				if got := c.PlansFor("redis", "7.2"); len(got) != 1 || got[0] != "redis-cache" {
					t.Errorf("PlansFor(redis, 7.2) = %v", got)
				}
				if infra := c.Infras["mysql-dev-01"]; infra.Endpoints[0] != "10.0.0.5:3306" {
					t.Errorf("infra = %+v", infra)
				}
			},
		},
		{
			name:     "invalid CUE syntax",
			content:  `engines: { mysql: versions: [ }`,
			wantErrs: []string{""},
		},
		{
			name: "plan on undeclared engine version",
			content: `
engines: mysql: versions: ["8.0"]
plans: small: {engine: "mysql", version: "9.0", capacity: 1}
`,
			wantErrs: []string{"mysql@9.0 is not declared"},
		},
		{
			name: "infra engine differs from plan",
			content: `
engines: {
	mysql: versions: ["8.0"]
	postgres: versions: ["16"]
}
environments: dev: production: false
plans: small: {engine: "mysql", version: "8.0", capacity: 1}
infras: pg: {engine: "postgres", version: "16", plan: "small", environment: "dev", endpoints: ["db:5432"]}
`,
			wantErrs: []string{"infra runs postgres@16 but plan small is mysql@8.0"},
		},
		{
			name: "plan not offered in environment",
			content: `
engines: redis: versions: ["7.2"]
environments: {
	dev: production: false
	prod: production: true
}
plans: cache: {engine: "redis", version: "7.2", capacity: 0, environments: ["dev"]}
infras: r1: {engine: "redis", version: "7.2", plan: "cache", environment: "prod", endpoints: ["r1:6379"]}
`,
			wantErrs: []string{"not offered in environment prod"},
		},
		{
			name: "unknown field rejected by closed schema",
			content: `
engines: mysql: {versions: ["8.0"], flavour: "percona"}
`,
			wantErrs: []string{"engines.mysql"},
		},
		{
			name: "infra without endpoints",
			content: `
engines: mysql: versions: ["8.0"]
environments: dev: production: false
plans: small: {engine: "mysql", version: "8.0", capacity: 1}
infras: m1: {engine: "mysql", version: "8.0", plan: "small", environment: "dev", endpoints: []}
`,
			wantErrs: []string{"infras.m1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			catalog, err := parser.ParseInline(ctx, tt.content)
			if err != nil {
				t.Fatalf("ParseInline() error = %v", err)
			}

			if len(tt.wantErrs) == 0 {
				if catalog.HasErrors() {
					t.Fatalf("unexpected catalog errors: %v", catalog.Errors)
				}
			} else {
				if !catalog.HasErrors() {
					t.Fatal("expected catalog errors, got none")
				}
				for _, want := range tt.wantErrs {
					found := false
					for _, e := range catalog.Errors {
						if strings.Contains(e.Error(), want) {
							found = true
							break
						}
					}
					if !found {
						t.Errorf("no error containing %q in %v", want, catalog.Errors)
					}
				}
			}

			if tt.checkFunc != nil {
				tt.checkFunc(t, catalog)
			}
		})
	}
}

func TestCUEParser_ParseFiles(t *testing.T) {
	dir := t.TempDir()
	engines := filepath.Join(dir, "engines.cue")
	plans := filepath.Join(dir, "plans.cue")

	if err := os.WriteFile(engines, []byte(`engines: postgres: versions: ["16"]
environments: dev: production: false
`), 0o644); err != nil {
		t.Fatalf("failed to write engines.cue: %v", err)
	}
	if err := os.WriteFile(plans, []byte(`plans: pg: {engine: "postgres", version: "16", capacity: 10}
`), 0o644); err != nil {
		t.Fatalf("failed to write plans.cue: %v", err)
	}

	parser := NewCUEParser()
	catalog, err := parser.LoadCatalog(context.Background(), []string{engines, plans})
	if err != nil {
		t.Fatalf("LoadCatalog() error = %v", err)
	}
	if len(catalog.SourceFiles) != 2 {
		t.Errorf("SourceFiles = %v, want 2 files", catalog.SourceFiles)
	}
	if _, ok := catalog.Plan("pg"); !ok {
		t.Error("plan pg missing from unified catalog")
	}
}

func TestCUEParser_LoadCatalogFailsOnErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cue")
	if err := os.WriteFile(path, []byte(`plans: p: {engine: "mysql", version: "8.0", capacity: 1}`), 0o644); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}

	_, err := NewCUEParser().LoadCatalog(context.Background(), []string{path})
	if err == nil || !strings.Contains(err.Error(), "invalid catalog") {
		t.Fatalf("LoadCatalog() error = %v, want invalid catalog", err)
	}
}

func TestCUEParser_MissingSource(t *testing.T) {
	_, err := NewCUEParser().Parse(context.Background(), []string{filepath.Join(t.TempDir(), "nope.cue")})
	if err == nil {
		t.Fatal("Parse() on a missing file must fail")
	}
	if _, err := NewCUEParser().Parse(context.Background(), nil); err == nil {
		t.Fatal("Parse() without sources must fail")
	}
}

func TestInfraSpec_ResolvePassword(t *testing.T) {
	t.Setenv("MYSQL_DEV_PASSWORD", "s3cret")

	spec := &InfraSpec{Name: "m1", PasswordEnv: "MYSQL_DEV_PASSWORD"}
	got, err := spec.ResolvePassword()
	if err != nil || got != "s3cret" {
		t.Fatalf("ResolvePassword() = %q, %v", got, err)
	}

	spec = &InfraSpec{Name: "m2", PasswordEnv: "DBAAS_TEST_UNSET_PASSWORD"}
	if _, err := spec.ResolvePassword(); err == nil {
		t.Fatal("ResolvePassword() with unset variable must fail")
	}

	spec = &InfraSpec{Name: "m3", Password: "literal"}
	if got, _ := spec.ResolvePassword(); got != "literal" {
		t.Fatalf("ResolvePassword() = %q, want literal", got)
	}
}

func TestExportJSON(t *testing.T) {
	catalog, err := NewCUEParser().ParseInline(context.Background(), testCatalog)
	if err != nil {
		t.Fatalf("ParseInline() error = %v", err)
	}
	data, err := ExportJSON(catalog)
	if err != nil {
		t.Fatalf("ExportJSON() error = %v", err)
	}
	if !strings.Contains(string(data), `"mysql-small"`) {
		t.Errorf("exported catalog misses plan: %s", data)
	}
}
