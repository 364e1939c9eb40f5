package provisioning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dbaas/dbaas/pkg/config"
	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/drivers/fake"
	"github.com/dbaas/dbaas/pkg/models"
	"github.com/dbaas/dbaas/pkg/stores"
	"github.com/dbaas/dbaas/pkg/telemetry"
)

const testCatalog = `
engines: {
	fake: {versions: ["1.0"], default_port: 7000}
	hang: versions: ["1.0"]
	ghost: versions: ["1.0"]
}

environments: {
	dev: production: false
	prod: production: true
}

plans: {
	small: {
		engine:   "fake"
		version:  "1.0"
		capacity: 2
		env_script: """
			env = {"DATABASE_URL": "fake://%s:%s@%s/%s" % (input["user"], input["password"], input["endpoint"], input["database"])}
			"""
	}
	tiny: {engine: "fake", version: "1.0", capacity: 1, environments: ["dev"]}
	stuck: {engine: "hang", version: "1.0", capacity: 0}
	orphan: {engine: "ghost", version: "1.0", capacity: 0}
}

infras: {
	"seed-01": {
		engine:      "fake"
		version:     "1.0"
		plan:        "small"
		environment: "prod"
		endpoints:   ["seed-01:7001"]
		user:        "admin"
		password:    "seed-pw"
	}
}
`

// hangingDriver never returns from CreateDatabase until released, ignoring its context.
type hangingDriver struct {
	drivers.Driver
	release chan struct{}
}

func (d *hangingDriver) CreateDatabase(_ context.Context, _ *models.Database) error {
	<-d.release
	return nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type eventLog struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (l *eventLog) record(e telemetry.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) count(eventType string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

type harness struct {
	ctx     context.Context
	orch    *Orchestrator
	store   *stores.SQLiteStore
	catalog *config.Catalog
	infra   *models.Infra
	events  *eventLog
	clock   *fakeClock
	release chan struct{}
}

// newHarness builds an orchestrator over an in-memory store with one fake
// infra ("fake-01", plan small, environment dev) registered.
func newHarness(t *testing.T, tweak func(*config.ProvisioningConfig), opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, store.Init(ctx))
	require.NoError(t, store.Migrate(ctx))
	t.Cleanup(func() { _ = store.Close() })

	catalog, err := config.NewCUEParser().ParseInline(ctx, testCatalog)
	require.NoError(t, err)
	require.False(t, catalog.HasErrors(), "catalog errors: %v", catalog.Errors)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	registry := drivers.NewRegistry()
	registry.MustRegister(fake.Engine, "1.0", fake.New)
	registry.MustRegister("hang", "1.0", func(infra *models.Infra) (drivers.Driver, error) {
		inner, err := fake.New(infra)
		if err != nil {
			return nil, err
		}
		return &hangingDriver{Driver: inner, release: release}, nil
	})

	tel := telemetry.NewNop()
	events := &eventLog{}
	tel.Events.Subscribe(events.record, nil)

	cfg := config.DefaultConfig().Provisioning
	cfg.MaxAttempts = 3
	cfg.BaseBackoff = 0
	cfg.MaxBackoff = 0
	cfg.DriverTimeout = 2 * time.Second
	if tweak != nil {
		tweak(&cfg)
	}

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	all := append([]Option{WithConfig(cfg), WithTelemetry(tel), WithClock(clock.Now)}, opts...)
	orch, err := New(store, registry, catalog, all...)
	require.NoError(t, err)

	infra := &models.Infra{
		Name:          "fake-01",
		Engine:        fake.Engine,
		EngineVersion: "1.0",
		Endpoints:     []string{"fake-01:7001"},
		User:          "admin",
		Password:      "admin-pw",
		Plan:          "small",
		Environment:   "dev",
	}
	require.NoError(t, orch.RegisterInfra(ctx, infra))

	return &harness{
		ctx:     ctx,
		orch:    orch,
		store:   store,
		catalog: catalog,
		infra:   infra,
		events:  events,
		clock:   clock,
		release: release,
	}
}

func (h *harness) provision(t *testing.T, name string) *models.Database {
	t.Helper()
	db, err := h.orch.Provision(h.ctx, ProvisionRequest{Name: name, Plan: "small", Environment: "dev"})
	require.NoError(t, err)
	require.Equal(t, models.StateActive, db.State)
	return db
}

func (h *harness) reload(t *testing.T, db *models.Database) *models.Database {
	t.Helper()
	got, err := h.store.GetDatabase(h.ctx, db.ID)
	require.NoError(t, err)
	return got
}

func (h *harness) auditCount(t *testing.T, action string) int {
	t.Helper()
	entries, err := h.store.ListAuditEntries(h.ctx, stores.AuditFilter{Action: action})
	require.NoError(t, err)
	return len(entries)
}
