package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	policyFile := filepath.Join(t.TempDir(), "tmp-prefix.rego")
	if err := os.WriteFile(policyFile, []byte(tmpPrefixPolicy), 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("loadFromFile() error = %v", err)
	}
	if policy.Name != "tmp-prefix" {
		t.Errorf("Name = %q, want tmp-prefix", policy.Name)
	}
	if policy.Rego != tmpPrefixPolicy {
		t.Error("Rego content doesn't match")
	}
	if !policy.Enabled || policy.Severity != SeverityError {
		t.Errorf("policy defaults = enabled %v severity %s", policy.Enabled, policy.Severity)
	}
	if policy.Metadata["source"] != policyFile {
		t.Errorf("source = %v", policy.Metadata["source"])
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	policyFile := filepath.Join(t.TempDir(), "team.json")

	data, err := json.Marshal(Policy{
		Name:     "team-prefix",
		Rego:     "package team\n\nimport rego.v1\n\ndeny contains \"no\" if { false }\n",
		Severity: SeverityWarning,
		Enabled:  true,
		Builtin:  true,
	})
	if err != nil {
		t.Fatalf("failed to marshal policy: %v", err)
	}
	if err := os.WriteFile(policyFile, data, 0o644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	loaded, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("loadFromFile() error = %v", err)
	}
	if loaded.Name != "team-prefix" || loaded.Severity != SeverityWarning {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Builtin {
		t.Error("file policies must never be builtin")
	}
	if loaded.CreatedAt.IsZero() {
		t.Error("CreatedAt not defaulted")
	}
}

func TestLoadFromFile_Invalid(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	noName := filepath.Join(dir, "noname.json")
	if err := os.WriteFile(noName, []byte(`{"rego": "package x"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loader.loadFromFile(context.Background(), noName); err == nil {
		t.Error("JSON policy without a name accepted")
	}

	garbage := filepath.Join(dir, "garbage.json")
	if err := os.WriteFile(garbage, []byte(`{`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loader.loadFromFile(context.Background(), garbage); err == nil {
		t.Error("malformed JSON accepted")
	}

	if _, err := loader.loadFromFile(context.Background(), filepath.Join(dir, "missing.rego")); err == nil {
		t.Error("missing file accepted")
	}
}

func TestLoadFromDirectory_SkipsBadFiles(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	nested := filepath.Join(dir, "team")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	files := map[string]string{
		filepath.Join(dir, "a.rego"):    "package a\n",
		filepath.Join(nested, "b.rego"): "package b\n",
		filepath.Join(dir, "bad.json"):  "{",
		filepath.Join(dir, "README.md"): "# policies",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths() error = %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("loaded %d policies, want 2: %+v", len(policies), policies)
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "absent")}); err == nil {
		t.Error("missing path accepted")
	}
}

func TestLoadFromFile_CacheFollowsModTime(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "p.rego")

	if err := os.WriteFile(path, []byte("# first\npackage p\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	first, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("# second\npackage p\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}

	second, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if first.Description != "first" || second.Description != "second" {
		t.Errorf("descriptions = %q, %q", first.Description, second.Description)
	}
}

func TestExtractDescription(t *testing.T) {
	content := `# Line one
# line two

package x

# not part of it
`
	if got := extractDescription(content); got != "Line one line two" {
		t.Errorf("extractDescription() = %q", got)
	}
}
