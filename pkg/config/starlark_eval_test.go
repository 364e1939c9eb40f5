package config

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStarlarkEvaluator_Evaluate(t *testing.T) {
	evaluator := NewStarlarkEvaluator(5 * time.Second)
	ctx := context.Background()

	tests := []struct {
		name      string
		script    string
		input     map[string]interface{}
		checkFunc func(*testing.T, *StarlarkResult)
		wantErr   bool
	}{
		{
			name:   "reads input",
			script: `port = int(input["port"]) + 1`,
			input:  map[string]interface{}{"port": "3306"},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["port"] != int64(3307) {
					t.Errorf("port = %v, want 3307", sr.Output["port"])
				}
			},
		},
		{
			name: "private globals and functions are not exported",
			script: `
_scheme = "postgres"
def url(host):
    return _scheme + "://" + host
dsn = url(input["host"])
`,
			input: map[string]interface{}{"host": "db"},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				if sr.Output["dsn"] != "postgres://db" {
					t.Errorf("dsn = %v", sr.Output["dsn"])
				}
				if _, ok := sr.Output["_scheme"]; ok {
					t.Error("private global exported")
				}
				if _, ok := sr.Output["url"]; ok {
					t.Error("function exported")
				}
			},
		},
		{
			name:   "struct builtin",
			script: `conn = struct(host = input["endpoints"][0], tls = True)`,
			input:  map[string]interface{}{"endpoints": []string{"db:5432"}},
			checkFunc: func(t *testing.T, sr *StarlarkResult) {
				conn, ok := sr.Output["conn"].(map[string]interface{})
				if !ok || conn["host"] != "db:5432" || conn["tls"] != true {
					t.Errorf("conn = %#v", sr.Output["conn"])
				}
			},
		},
		{
			name:    "syntax error",
			script:  `env = {`,
			wantErr: true,
		},
		{
			name:    "runtime error",
			script:  `env = input["missing"]`,
			input:   map[string]interface{}{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(ctx, tt.script, tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Evaluate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if result != nil && result.Error == "" {
					t.Error("result.Error not set on failure")
				}
				return
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, result)
			}
		})
	}
}

func TestStarlarkEvaluator_Timeout(t *testing.T) {
	evaluator := NewStarlarkEvaluator(50 * time.Millisecond)

	script := `
def spin():
    n = 0
    for i in range(100000000):
        n += i
    return n
total = spin()
`
	start := time.Now()
	_, err := evaluator.Evaluate(context.Background(), script, nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !strings.Contains(err.Error(), "timeout") {
		t.Errorf("error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("script ran for %v after timeout", elapsed)
	}
}

func TestStarlarkEvaluator_EvaluateEnvScript(t *testing.T) {
	evaluator := NewStarlarkEvaluator(0)
	ctx := context.Background()
	input := map[string]interface{}{
		"engine":   "mysql",
		"endpoint": "10.0.0.5:3306",
		"database": "orders",
		"user":     "orders_app",
		"password": "pw",
	}

	t.Run("builds env", func(t *testing.T) {
		script := `
env = {
    "DATABASE_URL": "%s://%s:%s@%s/%s" % (input["engine"], input["user"], input["password"], input["endpoint"], input["database"]),
    "DATABASE_POOL": "10" if input["engine"] == "mysql" else "5",
}
`
		env, err := evaluator.EvaluateEnvScript(ctx, script, input)
		if err != nil {
			t.Fatalf("EvaluateEnvScript() error = %v", err)
		}
		if env["DATABASE_URL"] != "mysql://orders_app:pw@10.0.0.5:3306/orders" {
			t.Errorf("DATABASE_URL = %q", env["DATABASE_URL"])
		}
		if env["DATABASE_POOL"] != "10" {
			t.Errorf("DATABASE_POOL = %q", env["DATABASE_POOL"])
		}
	})

	t.Run("missing env", func(t *testing.T) {
		_, err := evaluator.EvaluateEnvScript(ctx, `url = "x"`, input)
		if err == nil || !strings.Contains(err.Error(), "must assign") {
			t.Fatalf("error = %v, want missing env", err)
		}
	})

	t.Run("env is not a dict", func(t *testing.T) {
		_, err := evaluator.EvaluateEnvScript(ctx, `env = ["a"]`, input)
		if err == nil {
			t.Fatal("expected error for list env")
		}
	})

	t.Run("non-string value", func(t *testing.T) {
		_, err := evaluator.EvaluateEnvScript(ctx, `env = {"POOL": 10}`, input)
		if err == nil || !strings.Contains(err.Error(), `env["POOL"]`) {
			t.Fatalf("error = %v, want non-string rejection", err)
		}
	})
}
