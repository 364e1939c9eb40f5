package drivers_test

import (
	"context"
	"testing"

	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/drivers/fake"
	"github.com/dbaas/dbaas/pkg/models"
)

func newTestRegistry(t *testing.T) *drivers.Registry {
	t.Helper()

	r := drivers.NewRegistry()
	for _, v := range []string{"5.7", "8.0", "8.4"} {
		if err := r.Register("mysql", v, fake.New); err != nil {
			t.Fatalf("failed to register mysql@%s: %v", v, err)
		}
	}
	if err := r.Register("redis", "7.2", fake.New); err != nil {
		t.Fatalf("failed to register redis: %v", err)
	}
	return r
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register("mysql", "8.0", fake.New); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := r.Register("", "1", fake.New); err == nil {
		t.Fatal("expected empty engine to fail")
	}
	if err := r.Register("x", "1", nil); err == nil {
		t.Fatal("expected nil factory to fail")
	}
}

func TestRegistryVersionResolution(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		version string
		found   bool
	}{
		{"8.0", true},
		{"8.0.36", true},
		{"latest", true},
		{"", true},
		{"~8.4", true},
		{"^8", true},
		{"^9", false},
		{"9.0", false},
		{"~5", false},
	}

	for _, tt := range tests {
		if got := r.Has("mysql", tt.version); got != tt.found {
			t.Errorf("mysql@%s: expected found=%v, got %v", tt.version, tt.found, got)
		}
	}
}

func TestRegistryForInfraDriverNotFound(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.ForInfra(&models.Infra{ID: "i1", Name: "cassandra-01", Engine: "cassandra", EngineVersion: "4.1"})
	if !drivers.IsDriverNotFound(err) {
		t.Fatalf("expected DriverNotFound, got %v", err)
	}
	if drivers.IsRetryable(err) {
		t.Fatal("DriverNotFound must never be retryable")
	}

	if _, err := r.ForInfra(nil); !drivers.IsValidation(err) {
		t.Fatalf("expected validation error for nil infra, got %v", err)
	}
}

func TestRegistryForInfraBindsInfra(t *testing.T) {
	r := newTestRegistry(t)
	infra := &models.Infra{ID: "reg-bind", Name: "mysql-01", Engine: "mysql", EngineVersion: "8.0", User: "admin", Password: "s3cret"}

	d, err := r.ForInfra(infra)
	if err != nil {
		t.Fatalf("failed to resolve driver: %v", err)
	}
	if d.Infra() != infra {
		t.Fatal("driver must be bound to the given infra")
	}
	if d.User() != "admin" || d.Password() != "s3cret" {
		t.Fatal("credentials must be read from the infra record")
	}
}

func TestRegistryListAndEngines(t *testing.T) {
	r := newTestRegistry(t)

	keys := r.List()
	if len(keys) != 4 {
		t.Fatalf("expected 4 keys, got %d", len(keys))
	}
	if keys[0].String() != "mysql@5.7" {
		t.Errorf("expected registration order, got %s first", keys[0])
	}

	engines := r.Engines()
	if len(engines) != 2 || engines[0] != "mysql" || engines[1] != "redis" {
		t.Errorf("unexpected engines: %v", engines)
	}

	r.Unregister("redis", "7.2")
	if r.Has("redis", "7.2") {
		t.Fatal("expected redis to be unregistered")
	}
}

func TestNewBasePanicsWithoutInfra(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic when constructing without infra")
		}
	}()
	drivers.NewBase(nil, nil, drivers.Options{})
}

type memoryInventory struct {
	known    map[string]bool
	imported []string
}

func (m *memoryInventory) HasDatabase(_ context.Context, _, name string) (bool, error) {
	return m.known[name], nil
}

func (m *memoryInventory) ImportDatabase(_ context.Context, _ *models.Infra, name string) error {
	m.known[name] = true
	m.imported = append(m.imported, name)
	return nil
}

func TestImportDatabasesIsIdempotent(t *testing.T) {
	fake.Reset()
	infra := &models.Infra{ID: "import-1", Name: "fake-01", Engine: fake.Engine, EngineVersion: "1.0"}
	fake.AddDatabase(infra.ID, "legacy")
	fake.AddDatabase(infra.ID, "managed")

	d, err := fake.New(infra)
	if err != nil {
		t.Fatalf("failed to create driver: %v", err)
	}

	inv := &memoryInventory{known: map[string]bool{"managed": true}}
	n, err := d.ImportDatabases(context.Background(), inv)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if n != 1 || inv.imported[0] != "legacy" {
		t.Fatalf("expected only legacy to be imported, got %v", inv.imported)
	}

	n, err = d.ImportDatabases(context.Background(), inv)
	if err != nil {
		t.Fatalf("second import failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("second import must not duplicate records, imported %d", n)
	}
}

func TestFakeCreateRemoveRoundTrip(t *testing.T) {
	fake.Reset()
	ctx := context.Background()
	infra := &models.Infra{ID: "roundtrip", Name: "fake-01", Engine: fake.Engine, EngineVersion: "1.0"}
	d, _ := fake.New(infra)

	before, err := d.ListDatabases(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	db := &models.Database{Name: "shop"}
	if err := d.CreateDatabase(ctx, db); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := d.CreateDatabase(ctx, db); !drivers.IsAlreadyExists(err) {
		t.Fatalf("expected DatabaseAlreadyExists, got %v", err)
	}
	if err := d.RemoveDatabase(ctx, db); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := d.RemoveDatabase(ctx, db); !drivers.IsDoesNotExist(err) {
		t.Fatalf("expected DatabaseDoesNotExist, got %v", err)
	}

	after, _ := d.ListDatabases(ctx)
	if len(before) != len(after) {
		t.Fatalf("round trip changed database set: %v -> %v", before, after)
	}
}

func TestRegistryReservedNames(t *testing.T) {
	r := newTestRegistry(t)

	names, err := r.ReservedNames("mysql", "8.0.36")
	if err != nil {
		t.Fatalf("ReservedNames: %v", err)
	}
	if len(names) != 1 || names[0] != "system" {
		t.Errorf("ReservedNames = %v, want [system]", names)
	}

	if _, err := r.ReservedNames("oracle", "19"); !drivers.IsDriverNotFound(err) {
		t.Errorf("expected DriverNotFound, got %v", err)
	}
}
