package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dbaas/dbaas/pkg/config"
	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/drivers/fake"
	"github.com/dbaas/dbaas/pkg/drivers/mongodb"
	"github.com/dbaas/dbaas/pkg/drivers/mysql"
	"github.com/dbaas/dbaas/pkg/drivers/postgres"
	"github.com/dbaas/dbaas/pkg/drivers/redis"
	"github.com/dbaas/dbaas/pkg/policy"
	"github.com/dbaas/dbaas/pkg/provisioning"
	"github.com/dbaas/dbaas/pkg/stores"
	"github.com/dbaas/dbaas/pkg/telemetry"
)

// Engine versions served by each adapter. Patch versions resolve to their
// major.minor entry.
var engineVersions = []struct {
	engine   string
	versions []string
	factory  drivers.Factory
}{
	{mysql.Engine, []string{"5.7", "8.0", "8.4"}, mysql.New},
	{postgres.Engine, []string{"12", "13", "14", "15", "16"}, postgres.New},
	{mongodb.Engine, []string{"4.4", "5.0", "6.0", "7.0"}, mongodb.New},
	{redis.Engine, []string{"6.2", "7.0", "7.2"}, redis.New},
}

// registerDrivers registers every engine adapter on registry in a fixed
// order. The fake adapter is only registered in dev mode.
func registerDrivers(registry *drivers.Registry, dev bool) error {
	for _, e := range engineVersions {
		for _, v := range e.versions {
			if err := registry.Register(e.engine, v, e.factory); err != nil {
				return err
			}
		}
	}
	if dev {
		return registry.Register(fake.Engine, "1.0", fake.New)
	}
	return nil
}

// reservedNames collects the system database names of every registered
// adapter so policies report them alongside the other naming rules.
func reservedNames(registry *drivers.Registry) ([]string, error) {
	var names []string
	for _, key := range registry.List() {
		reserved, err := registry.ReservedNames(key.Engine, key.Version)
		if err != nil {
			return nil, err
		}
		names = append(names, reserved...)
	}
	return lo.Uniq(names), nil
}

// devCatalog backs `serve --dev`: one fake engine, one plan, one environment
// and a seeded infra.
const devCatalog = `
engines: fake: {versions: ["1.0"], default_port: 7000}

environments: dev: production: false

plans: small: {
	engine:      "fake"
	version:     "1.0"
	capacity:    50
	description: "in-memory databases for local development"
}

infras: "fake-01": {
	engine:      "fake"
	version:     "1.0"
	plan:        "small"
	environment: "dev"
	endpoints:   ["localhost:7000"]
	user:        "admin"
	password:    "admin"
}
`

// runtimeOptions selects what openRuntime wires.
type runtimeOptions struct {
	dev    bool
	policy bool
}

// runtime is the set of components one command works with.
type runtime struct {
	cfg     *config.Config
	tel     *telemetry.Telemetry
	store   *stores.SQLiteStore
	catalog *config.Catalog
	policy  *policy.Engine
	orch    *provisioning.Orchestrator
}

func loadConfig(dev bool) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dev {
		cfg.Store.Path = ":memory:"
		cfg.Telemetry = *telemetry.DevelopmentConfig()
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func loadCatalog(ctx context.Context, cfg *config.Config, dev bool) (*config.Catalog, error) {
	parser := config.NewCUEParser()
	if dev && len(cfg.CatalogPaths) == 0 {
		catalog, err := parser.ParseInline(ctx, devCatalog)
		if err != nil {
			return nil, err
		}
		if catalog.HasErrors() {
			return nil, fmt.Errorf("invalid dev catalog: %w", catalog.Errors[0])
		}
		return catalog, nil
	}
	if len(cfg.CatalogPaths) == 0 {
		return nil, fmt.Errorf("no catalog_paths configured")
	}
	return parser.LoadCatalog(ctx, cfg.CatalogPaths)
}

// openRuntime loads the configuration and builds the orchestrator. The store
// is migrated before use.
func openRuntime(ctx context.Context, opts runtimeOptions) (*runtime, error) {
	cfg, err := loadConfig(opts.dev)
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	rt := &runtime{cfg: cfg, tel: tel}

	fail := func(err error) (*runtime, error) {
		_ = rt.Close(context.WithoutCancel(ctx))
		return nil, err
	}

	if rt.store, err = openStore(ctx, cfg.Store); err != nil {
		return fail(err)
	}
	if err := rt.store.Migrate(ctx); err != nil {
		return fail(err)
	}

	if rt.catalog, err = loadCatalog(ctx, cfg, opts.dev); err != nil {
		return fail(err)
	}
	for _, problem := range rt.catalog.Errors {
		tel.Logger.WithField("problem", problem.Error()).Warn("Catalog warning")
	}

	registry := drivers.NewRegistry()
	if err := registerDrivers(registry, opts.dev); err != nil {
		return fail(err)
	}

	orchOpts := []provisioning.Option{
		provisioning.WithConfig(cfg.Provisioning),
		provisioning.WithTelemetry(tel),
	}
	if opts.policy {
		engine, err := policy.NewEngine(tel.Logger.NewComponentLogger("policy").Zerolog())
		if err != nil {
			return fail(fmt.Errorf("failed to initialize policy engine: %w", err))
		}
		rt.policy = engine
		reserved, err := reservedNames(registry)
		if err != nil {
			return fail(err)
		}
		if err := engine.SetReservedNames(ctx, reserved); err != nil {
			return fail(err)
		}
		if len(cfg.PolicyPaths) > 0 {
			if err := engine.LoadPolicies(ctx, cfg.PolicyPaths); err != nil {
				return fail(err)
			}
		}
		orchOpts = append(orchOpts, provisioning.WithPolicy(engine))
	}

	if rt.orch, err = provisioning.New(rt.store, registry, rt.catalog, orchOpts...); err != nil {
		return fail(err)
	}

	if n, err := rt.orch.SeedCatalog(ctx); err != nil {
		return fail(err)
	} else if n > 0 {
		tel.Logger.WithField("count", n).Info("Seeded infras from catalog")
	}
	return rt, nil
}

// Context returns ctx carrying the runtime telemetry.
func (rt *runtime) Context(ctx context.Context) context.Context {
	return rt.tel.WithContext(ctx)
}

// Close releases every component that was opened.
func (rt *runtime) Close(ctx context.Context) error {
	var result *multierror.Error
	if rt.policy != nil {
		if err := rt.policy.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if rt.tel != nil {
		if err := rt.tel.Shutdown(ctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// withRuntime opens a runtime, runs fn and closes it.
func withRuntime(ctx context.Context, opts runtimeOptions, fn func(ctx context.Context, rt *runtime) error) error {
	rt, err := openRuntime(ctx, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}()
	return fn(rt.Context(ctx), rt)
}

// splitEnvironment accepts "env/name" as shorthand for --environment.
func splitEnvironment(instance, environment string) (string, string) {
	if environment == "" {
		if env, name, ok := strings.Cut(instance, "/"); ok {
			return name, env
		}
	}
	return instance, environment
}
