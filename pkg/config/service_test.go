package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dbaas.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

// chdir moves into an empty directory so a developer .env cannot leak in.
func chdir(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t)
	t.Setenv(EnvConfigPath, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:8080" {
		t.Errorf("Listen = %q", cfg.Server.Listen)
	}
	if cfg.Provisioning.MaxAttempts != 5 || cfg.Provisioning.BaseBackoff != time.Second {
		t.Errorf("Provisioning = %+v", cfg.Provisioning)
	}
	if cfg.Provisioning.QuarantineGrace != 7*24*time.Hour {
		t.Errorf("QuarantineGrace = %v", cfg.Provisioning.QuarantineGrace)
	}
}

func TestLoad_File(t *testing.T) {
	chdir(t)
	path := writeConfig(t, `
server:
  listen: 0.0.0.0:9090
store:
  path: /var/lib/dbaas/state.db
catalog_paths: [catalog/]
provisioning:
  max_attempts: 3
  base_backoff: 500ms
  max_backoff: 10s
  driver_timeout: 20s
  engine_timeouts:
    mongodb: 45s
  quarantine_on_last_unbind: true
telemetry:
  logging:
    level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Listen != "0.0.0.0:9090" || cfg.Store.Path != "/var/lib/dbaas/state.db" {
		t.Errorf("cfg = %+v", cfg)
	}
	if len(cfg.CatalogPaths) != 1 || cfg.CatalogPaths[0] != "catalog/" {
		t.Errorf("CatalogPaths = %v", cfg.CatalogPaths)
	}
	p := cfg.Provisioning
	if p.MaxAttempts != 3 || p.BaseBackoff != 500*time.Millisecond || !p.QuarantineOnLastUnbind {
		t.Errorf("Provisioning = %+v", p)
	}
	if p.OperationTimeout != 10*time.Minute {
		t.Errorf("OperationTimeout default lost: %v", p.OperationTimeout)
	}
	if got := p.TimeoutFor("mongodb"); got != 45*time.Second {
		t.Errorf("TimeoutFor(mongodb) = %v", got)
	}
	if got := p.TimeoutFor("redis"); got != 20*time.Second {
		t.Errorf("TimeoutFor(redis) = %v", got)
	}
	if cfg.Telemetry.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Telemetry.Logging.Level)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	chdir(t)
	path := writeConfig(t, "store:\n  path: from-file.db\n")
	t.Setenv(EnvConfigPath, path)
	t.Setenv(EnvStorePath, ":memory:")
	t.Setenv(EnvListen, "127.0.0.1:7000")
	t.Setenv(EnvAttempts, "9")
	t.Setenv(EnvLogLevel, "WARN")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Path != ":memory:" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if cfg.Server.Listen != "127.0.0.1:7000" {
		t.Errorf("Listen = %q", cfg.Server.Listen)
	}
	if cfg.Provisioning.MaxAttempts != 9 {
		t.Errorf("MaxAttempts = %d", cfg.Provisioning.MaxAttempts)
	}
	if cfg.Telemetry.Logging.Level != "warn" {
		t.Errorf("log level = %q", cfg.Telemetry.Logging.Level)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	chdir(t)
	t.Setenv(EnvConfigPath, "")
	t.Setenv(EnvStorePath, "")
	if err := os.WriteFile(".env", []byte("DBAAS_STORE_PATH=dotenv.db\n"), 0o644); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	// godotenv does not override variables that are already set.
	os.Unsetenv(EnvStorePath)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Path != "dotenv.db" {
		t.Errorf("Store.Path = %q, want dotenv.db", cfg.Store.Path)
	}
}

func TestLoad_Invalid(t *testing.T) {
	chdir(t)

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "unknown field",
			content: "server:\n  listen_addr: :80\n",
			wantErr: "listen_addr",
		},
		{
			name:    "max backoff below base",
			content: "provisioning:\n  base_backoff: 10s\n  max_backoff: 1s\n",
			wantErr: "MaxBackoff",
		},
		{
			name:    "too many attempts",
			content: "provisioning:\n  max_attempts: 50\n",
			wantErr: "MaxAttempts",
		},
		{
			name:    "otlp without endpoint",
			content: "telemetry:\n  tracing:\n    enabled: true\n    exporter: otlp\n",
			wantErr: "telemetry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	chdir(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() of a missing file must fail")
	}
}
