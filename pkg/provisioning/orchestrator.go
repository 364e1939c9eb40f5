package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/dbaas/dbaas/pkg/config"
	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/models"
	"github.com/dbaas/dbaas/pkg/policy"
	"github.com/dbaas/dbaas/pkg/stores"
	"github.com/dbaas/dbaas/pkg/telemetry"
)

// DefaultActor is recorded in audit entries when no actor is configured.
const DefaultActor = "dbaas"

// Orchestrator drives database records through their lifecycle against the
// engine drivers. Operations on the same environment/name are serialized;
// different resources proceed in parallel.
type Orchestrator struct {
	store    stores.Store
	registry *drivers.Registry
	catalog  *config.Catalog
	cfg      config.ProvisioningConfig

	policy    *policy.Engine
	envScript *config.StarlarkEvaluator
	validate  *validator.Validate
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
	now       func() time.Time
	actor     string

	locks   *keyedMutex
	allocMu sync.Mutex
	status  singleflight.Group
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig sets retry, timeout and quarantine tuning.
func WithConfig(cfg config.ProvisioningConfig) Option {
	return func(o *Orchestrator) {
		o.cfg = cfg
	}
}

// WithTelemetry sets the telemetry used for spans, metrics, events and logs.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *Orchestrator) {
		if tel != nil {
			o.tel = tel
		}
	}
}

// WithPolicy enables admission policies on provision requests.
func WithPolicy(engine *policy.Engine) Option {
	return func(o *Orchestrator) {
		o.policy = engine
	}
}

// WithEnvEvaluator sets the evaluator running plan env_script programs at bind time.
func WithEnvEvaluator(ev *config.StarlarkEvaluator) Option {
	return func(o *Orchestrator) {
		if ev != nil {
			o.envScript = ev
		}
	}
}

// WithClock overrides the time source used for quarantine timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithActor sets the actor recorded in audit entries.
func WithActor(actor string) Option {
	return func(o *Orchestrator) {
		if actor != "" {
			o.actor = actor
		}
	}
}

// New creates an orchestrator over store, resolving drivers from registry and
// plans from catalog.
func New(store stores.Store, registry *drivers.Registry, catalog *config.Catalog, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("driver registry is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}

	o := &Orchestrator{
		store:     store,
		registry:  registry,
		catalog:   catalog,
		cfg:       config.DefaultConfig().Provisioning,
		envScript: config.NewStarlarkEvaluator(0),
		validate:  validator.New(),
		tel:       telemetry.NewNop(),
		now:       time.Now,
		actor:     DefaultActor,
		locks:     newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.MaxAttempts < 1 {
		o.cfg.MaxAttempts = 1
	}
	if o.cfg.OperationTimeout <= 0 {
		o.cfg.OperationTimeout = config.DefaultConfig().Provisioning.OperationTimeout
	}
	o.logger = o.tel.Logger.NewComponentLogger("orchestrator")
	return o, nil
}

// Catalog returns the provisioning catalog the orchestrator resolves plans from.
func (o *Orchestrator) Catalog() *config.Catalog {
	return o.catalog
}

// Store returns the backing store.
func (o *Orchestrator) Store() stores.Store {
	return o.store
}

// begin starts an instrumented operation carrying the orchestrator's telemetry.
func (o *Orchestrator) begin(ctx context.Context, operation string, attrs ...attribute.KeyValue) *telemetry.InstrumentedContext {
	return telemetry.StartOperation(o.tel.WithContext(ctx), operation, attrs...)
}

// lookup resolves a database record by name and environment. A missing
// record is reported as a NotFound error.
func (o *Orchestrator) lookup(ctx context.Context, st stores.Store, name, environment string) (*models.Database, error) {
	db, err := st.GetDatabaseByName(ctx, name, environment)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, drivers.NewNotFoundError(models.ResourceKey(environment, name))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load database %s: %w", models.ResourceKey(environment, name), err)
	}
	return db, nil
}

// resolve finds the live record addressed by instance. An empty environment
// matches the instance name in any environment, which must then be unique.
// Purged records are never returned.
func (o *Orchestrator) resolve(ctx context.Context, instance, environment string) (*models.Database, error) {
	if environment != "" {
		db, err := o.lookup(ctx, o.store, instance, environment)
		if err != nil {
			return nil, err
		}
		if db.State == models.StatePurged {
			return nil, drivers.NewNotFoundError(db.Key())
		}
		return db, nil
	}

	candidates, err := o.store.ListDatabases(ctx, stores.DatabaseFilter{
		Name: instance,
		States: []models.DatabaseState{
			models.StateRequested,
			models.StateProvisioning,
			models.StateActive,
			models.StateFailed,
			models.StateQuarantined,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up instance %s: %w", instance, err)
	}
	switch len(candidates) {
	case 0:
		return nil, drivers.NewNotFoundError(instance)
	case 1:
		return candidates[0], nil
	default:
		return nil, drivers.NewValidationError(fmt.Sprintf(
			"instance %s exists in %d environments, an environment is required", instance, len(candidates)))
	}
}

// transition moves db to next, recording an audit entry, an event and a metric.
func (o *Orchestrator) transition(ctx context.Context, st stores.Store, db *models.Database, next models.DatabaseState, reason string) error {
	from := db.State
	if err := st.UpdateDatabaseState(ctx, db.ID, next, reason); err != nil {
		return fmt.Errorf("failed to move %s to %s: %w", db.Key(), next, err)
	}
	db.State = next
	db.FailedReason = reason
	o.recordTransition(ctx, st, db, from, reason)
	return nil
}

func (o *Orchestrator) recordTransition(ctx context.Context, st stores.Store, db *models.Database, from models.DatabaseState, reason string) {
	details := map[string]interface{}{
		"instance": db.Key(),
		"from":     from,
		"to":       db.State,
	}
	if reason != "" {
		details["reason"] = reason
	}
	o.audit(ctx, st, stores.AuditDatabaseState, db.ID, details)

	telemetry.AddStateEvent(trace.SpanFromContext(ctx), string(from), string(db.State))
	o.tel.Metrics.RecordTransition(string(from), string(db.State))
	if err := o.tel.Events.PublishStateChanged(db.ID, db.Key(), string(from), string(db.State)); err != nil {
		o.logger.WithError(err).Debug("Failed to publish state change")
	}
	if db.State == models.StateFailed {
		if err := o.tel.Events.PublishProvisionFailed(db.ID, db.Key(), reason); err != nil {
			o.logger.WithError(err).Debug("Failed to publish provisioning failure")
		}
	}
}

// audit writes one audit entry. Audit failures are logged, never surfaced.
func (o *Orchestrator) audit(ctx context.Context, st stores.Store, action, targetID string, details map[string]interface{}) {
	entry := &stores.AuditEntry{
		Action: action,
		Actor:  o.actor,
	}
	if targetID != "" {
		entry.TargetID = &targetID
	}
	if len(details) > 0 {
		if data, err := json.Marshal(details); err == nil {
			s := string(data)
			entry.Details = &s
		}
	}
	if err := st.CreateAuditEntry(ctx, entry); err != nil {
		o.logger.WithError(err).WithField("action", action).Warn("Failed to write audit entry")
	}
}

// CollectStateCounts refreshes the per-state database gauge.
func (o *Orchestrator) CollectStateCounts(ctx context.Context) error {
	for _, state := range models.AllStates {
		dbs, err := o.store.ListDatabases(ctx, stores.DatabaseFilter{States: []models.DatabaseState{state}})
		if err != nil {
			return fmt.Errorf("failed to count %s databases: %w", state, err)
		}
		o.tel.Metrics.SetDatabaseCount(string(state), float64(len(dbs)))
	}
	return nil
}
