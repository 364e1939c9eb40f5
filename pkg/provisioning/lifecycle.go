package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/samber/lo"

	"github.com/dbaas/dbaas/pkg/config"
	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/models"
	"github.com/dbaas/dbaas/pkg/policy"
	"github.com/dbaas/dbaas/pkg/stores"
	"github.com/dbaas/dbaas/pkg/telemetry"
)

// ProvisionRequest asks for a database to exist in an environment.
type ProvisionRequest struct {
	Name        string `json:"name" validate:"required,max=64"`
	Plan        string `json:"plan" validate:"required"`
	Environment string `json:"environment" validate:"required"`
	Project     string `json:"project,omitempty" validate:"max=128"`
}

// Provision records the request and applies it synchronously. Provisioning
// the same inputs again converges on the same ACTIVE record.
func (o *Orchestrator) Provision(ctx context.Context, req ProvisionRequest) (*models.Database, error) {
	if _, err := o.Request(ctx, req); err != nil {
		return nil, err
	}
	return o.Apply(ctx, req.Name, req.Environment)
}

// Request validates req and persists it as a REQUESTED record. No driver is
// called. An identical request for an existing record returns that record.
func (o *Orchestrator) Request(ctx context.Context, req ProvisionRequest) (db *models.Database, err error) {
	ic := o.begin(ctx, "provisioning.request",
		telemetry.AttrDatabase.String(req.Name),
		telemetry.AttrEnvironment.String(req.Environment),
		telemetry.AttrPlan.String(req.Plan),
	)
	defer func() { ic.End(err) }()
	ctx = ic.Ctx

	if err := o.admit(ctx, &req); err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(models.ResourceKey(req.Environment, req.Name))
	defer unlock()

	existing, err := o.store.GetDatabaseByName(ctx, req.Name, req.Environment)
	switch {
	case err == nil:
		return matchExisting(existing, req)
	case !errors.Is(err, stores.ErrNotFound):
		return nil, fmt.Errorf("failed to load database %s: %w", models.ResourceKey(req.Environment, req.Name), err)
	}

	db = &models.Database{
		Name:             req.Name,
		Project:          req.Project,
		Plan:             req.Plan,
		Environment:      req.Environment,
		State:            models.StateRequested,
		UsedSizeInBytes:  models.UnknownSize,
		TotalSizeInBytes: models.UnknownSize,
	}
	if err := o.store.CreateDatabase(ctx, db); err != nil {
		if errors.Is(err, stores.ErrAlreadyExists) {
			if existing, gerr := o.store.GetDatabaseByName(ctx, req.Name, req.Environment); gerr == nil {
				return matchExisting(existing, req)
			}
		}
		return nil, fmt.Errorf("failed to record provision request: %w", err)
	}
	o.recordTransition(ctx, o.store, db, "", "")

	ic.Logger.WithDatabase(db.Environment, db.Name).Info("Provision request recorded")
	return db, nil
}

// matchExisting accepts a repeated request when the immutable fields agree.
func matchExisting(existing *models.Database, req ProvisionRequest) (*models.Database, error) {
	if existing.Plan != req.Plan {
		return nil, drivers.NewValidationError(fmt.Sprintf(
			"database %s already exists with plan %s, plan is immutable", existing.Key(), existing.Plan)).
			WithInstance(existing.Key())
	}
	if req.Project != "" && existing.Project != "" && req.Project != existing.Project {
		return nil, drivers.NewValidationError(fmt.Sprintf(
			"database %s belongs to project %s, project is immutable", existing.Key(), existing.Project)).
			WithInstance(existing.Key())
	}
	if existing.State == models.StateQuarantined || existing.State == models.StatePurged {
		return nil, drivers.NewValidationError(fmt.Sprintf(
			"database %s is %s, its name cannot be reused", existing.Key(), existing.State)).
			WithInstance(existing.Key())
	}
	return existing, nil
}

// admit validates a request against the catalog, the registry and the
// admission policies.
func (o *Orchestrator) admit(ctx context.Context, req *ProvisionRequest) error {
	if err := o.validate.Struct(req); err != nil {
		return drivers.NewValidationError(fmt.Sprintf("invalid provision request: %v", err))
	}

	plan, ok := o.catalog.Plan(req.Plan)
	if !ok {
		return drivers.NewValidationError(fmt.Sprintf("unknown plan %s", req.Plan))
	}
	env, ok := o.catalog.Environment(req.Environment)
	if !ok {
		return drivers.NewValidationError(fmt.Sprintf("unknown environment %s", req.Environment))
	}
	if !plan.AvailableIn(env.Name) {
		return drivers.NewValidationError(fmt.Sprintf("plan %s is not offered in environment %s", plan.Name, env.Name))
	}
	reserved, err := o.registry.ReservedNames(plan.Engine, plan.Version)
	if err != nil {
		return err
	}
	if lo.Contains(reserved, req.Name) {
		return drivers.NewValidationError(fmt.Sprintf("database name %s is reserved by %s", req.Name, plan.Engine)).
			WithInstance(models.ResourceKey(req.Environment, req.Name))
	}

	if o.policy == nil {
		return nil
	}
	return o.checkPolicies(ctx, req, plan, env)
}

func (o *Orchestrator) checkPolicies(ctx context.Context, req *ProvisionRequest, plan *config.PlanSpec, env *config.EnvironmentSpec) error {
	input := &policy.Input{
		Operation: policy.OperationProvision,
		Database: policy.DatabaseInput{
			Name:        req.Name,
			Plan:        req.Plan,
			Environment: req.Environment,
			Project:     req.Project,
		},
		Environment: policy.EnvironmentInput{
			Name:       env.Name,
			Production: env.Production,
		},
		Plan: &policy.PlanInput{
			Name:     plan.Name,
			Engine:   plan.Engine,
			Version:  plan.Version,
			Capacity: plan.Capacity,
		},
		Timestamp: o.now().UTC(),
	}

	result, err := o.policy.Evaluate(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to evaluate policies: %w", err)
	}

	key := models.ResourceKey(req.Environment, req.Name)
	logger := telemetry.FromContext(ctx).WithDatabase(req.Environment, req.Name)
	for _, w := range result.Warnings {
		logger.WithField("policy", w.Policy).Warn(w.Message)
	}
	for _, v := range result.Violations {
		if err := o.tel.Events.PublishPolicyViolation(key, v.Policy, v.Message); err != nil {
			logger.WithError(err).Debug("Failed to publish policy violation")
		}
	}
	return result.Err()
}

// Apply advances a REQUESTED, PROVISIONING or FAILED record to ACTIVE.
// ACTIVE records are returned unchanged.
func (o *Orchestrator) Apply(ctx context.Context, name, environment string) (db *models.Database, err error) {
	ic := o.begin(ctx, "provisioning.apply",
		telemetry.AttrDatabase.String(name),
		telemetry.AttrEnvironment.String(environment),
	)
	defer func() { ic.End(err) }()
	ctx = ic.Ctx

	unlock := o.locks.Lock(models.ResourceKey(environment, name))
	defer unlock()

	db, err = o.lookup(ctx, o.store, name, environment)
	if err != nil {
		return nil, err
	}
	return o.apply(ctx, db)
}

// apply runs the provisioning steps for db. The caller holds the resource lock.
func (o *Orchestrator) apply(ctx context.Context, db *models.Database) (*models.Database, error) {
	switch db.State {
	case models.StateActive:
		return db, nil
	case models.StateQuarantined, models.StatePurged:
		return nil, drivers.NewValidationError(fmt.Sprintf(
			"database %s is %s and cannot be provisioned", db.Key(), db.State)).WithInstance(db.Key())
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.OperationTimeout)
	defer cancel()

	// A record that already went through an attempt may have partially
	// succeeded on the engine.
	resumed := db.State != models.StateRequested || db.Attempts > 0

	if db.State != models.StateProvisioning {
		if err := o.transition(ctx, o.store, db, models.StateProvisioning, ""); err != nil {
			return nil, err
		}
	}
	attempts, err := o.store.IncrementDatabaseAttempts(ctx, db.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count attempt: %w", err)
	}
	db.Attempts = attempts

	logger := telemetry.FromContext(ctx).WithDatabase(db.Environment, db.Name)
	logger.WithFields(map[string]interface{}{
		"attempt": attempts,
		"resumed": resumed,
	}).Debug("Provisioning database")

	if err := o.provisionSteps(ctx, db, resumed); err != nil {
		return nil, o.fail(ctx, db, err)
	}
	if err := o.transition(ctx, o.store, db, models.StateActive, ""); err != nil {
		return nil, err
	}

	logger.WithInfra(db.InfraID).Info("Database provisioned")
	return db, nil
}

// provisionSteps allocates an infra, creates the database and issues its credential.
func (o *Orchestrator) provisionSteps(ctx context.Context, db *models.Database, resumed bool) error {
	infra, err := o.allocate(ctx, db)
	if err != nil {
		return err
	}

	driver, err := o.registry.ForInfra(infra)
	if err != nil {
		return err
	}
	defer driver.Close()

	if drivers.IsReserved(driver, db.Name) {
		return drivers.NewValidationError(fmt.Sprintf("database name %s is reserved by %s", db.Name, infra.Engine)).
			WithInstance(db.Key())
	}

	logger := telemetry.FromContext(ctx).WithDatabase(db.Environment, db.Name).WithInfra(infra.Name)
	err = o.retry(ctx, "create_database", func(attempt int) error {
		err := o.call(ctx, infra, "create_database", func(ctx context.Context) error {
			return driver.CreateDatabase(ctx, db)
		})
		if drivers.IsAlreadyExists(err) && (attempt > 0 || resumed) {
			logger.Info("Database already present on engine, continuing")
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}

	_, err = o.ensureCredential(ctx, db, infra, driver, resumed)
	return err
}

// fail marks db FAILED with the reason derived from cause and returns cause.
// A caller cancellation leaves the record PROVISIONING for a later resume.
func (o *Orchestrator) fail(ctx context.Context, db *models.Database, cause error) error {
	logger := telemetry.FromContext(ctx).WithDatabase(db.Environment, db.Name).WithError(cause)
	if errors.Is(cause, context.Canceled) && ctx.Err() != nil {
		logger.Warn("Provisioning interrupted, record left for resume")
		return cause
	}

	ctx = context.WithoutCancel(ctx)
	reason := drivers.Reason(cause, db.Key())
	if drivers.IsAuthentication(cause) && db.InfraID != "" {
		o.markSuspect(ctx, db.InfraID)
	}
	if err := o.transition(ctx, o.store, db, models.StateFailed, reason); err != nil {
		logger.WithField("transition_error", err.Error()).Error("Failed to mark database failed")
	}

	logger.WithField("reason", reason).Error("Provisioning failed")
	return cause
}

// Quarantine logically deletes an ACTIVE database. Engine objects are kept
// until Purge. Quarantining a quarantined database is a no-op. An empty
// environment resolves name the way Bind does.
func (o *Orchestrator) Quarantine(ctx context.Context, name, environment string) (db *models.Database, err error) {
	ic := o.begin(ctx, "provisioning.quarantine",
		telemetry.AttrDatabase.String(name),
		telemetry.AttrEnvironment.String(environment),
	)
	defer func() { ic.End(err) }()
	ctx = ic.Ctx

	if environment == "" {
		found, err := o.resolve(ctx, name, "")
		if err != nil {
			return nil, err
		}
		environment = found.Environment
	}

	unlock := o.locks.Lock(models.ResourceKey(environment, name))
	defer unlock()

	db, err = o.lookup(ctx, o.store, name, environment)
	if err != nil {
		return nil, err
	}

	switch db.State {
	case models.StateQuarantined, models.StatePurged:
		return db, nil
	case models.StateActive:
	default:
		return nil, drivers.NewValidationError(fmt.Sprintf(
			"database %s is %s, only active databases can be removed", db.Key(), db.State)).WithInstance(db.Key())
	}

	if o.cfg.RevokeCredentialsOnQuarantine {
		if err := o.revokeCredentials(ctx, db); err != nil {
			return nil, err
		}
	}

	if err := o.quarantine(ctx, o.store, db); err != nil {
		return nil, err
	}
	o.recordTransition(ctx, o.store, db, models.StateActive, "")

	ic.Logger.WithDatabase(db.Environment, db.Name).Info("Database quarantined")
	return db, nil
}

// quarantine flips the stored state. Bookkeeping is left to the caller so it
// can run after a surrounding transaction commits.
func (o *Orchestrator) quarantine(ctx context.Context, st stores.Store, db *models.Database) error {
	at := o.now().UTC()
	if err := st.QuarantineDatabase(ctx, db.ID, at); err != nil {
		return fmt.Errorf("failed to quarantine %s: %w", db.Key(), err)
	}
	db.State = models.StateQuarantined
	db.QuarantineDT = &at
	return nil
}

// revokeCredentials drops every engine user issued for db.
func (o *Orchestrator) revokeCredentials(ctx context.Context, db *models.Database) error {
	if db.InfraID == "" {
		return nil
	}
	infra, driver, err := o.driverFor(ctx, db.InfraID)
	if err != nil {
		return err
	}
	defer driver.Close()
	return o.removeCredentials(ctx, db, infra, driver)
}

// removeCredentials drops the engine users of db and their records. Users
// already gone on the engine count as removed.
func (o *Orchestrator) removeCredentials(ctx context.Context, db *models.Database, infra *models.Infra, driver drivers.Driver) error {
	creds, err := o.store.ListCredentials(ctx, db.ID)
	if err != nil {
		return fmt.Errorf("failed to list credentials of %s: %w", db.Key(), err)
	}

	var result *multierror.Error
	for _, cred := range creds {
		cred := cred
		err := o.retry(ctx, "remove_user", func(int) error {
			err := o.call(ctx, infra, "remove_user", func(ctx context.Context) error {
				return driver.RemoveUser(ctx, cred)
			})
			if drivers.IsDoesNotExist(err) {
				return nil
			}
			return err
		})
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := o.store.DeleteCredential(ctx, cred.ID); err != nil && !errors.Is(err, stores.ErrNotFound) {
			result = multierror.Append(result, fmt.Errorf("failed to delete credential %s: %w", cred.User, err))
			continue
		}
		o.audit(ctx, o.store, stores.AuditCredentialRevoked, db.ID, map[string]interface{}{
			"instance": db.Key(),
			"user":     cred.User,
		})
	}
	return result.ErrorOrNil()
}

// Purge physically removes a QUARANTINED database and its users from the
// engine, then marks the record PURGED. Objects already missing on the engine
// count as removed, so an interrupted purge can be repeated.
func (o *Orchestrator) Purge(ctx context.Context, id string) (db *models.Database, err error) {
	ic := o.begin(ctx, "provisioning.purge")
	defer func() { ic.End(err) }()
	ctx = ic.Ctx

	db, err = o.Database(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(db.Key())
	defer unlock()

	// Reload under the lock.
	if db, err = o.Database(ctx, id); err != nil {
		return nil, err
	}
	return o.purge(ctx, db)
}

// Database returns the record with the given ID.
func (o *Orchestrator) Database(ctx context.Context, id string) (*models.Database, error) {
	db, err := o.store.GetDatabase(ctx, id)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, drivers.NewNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load database %s: %w", id, err)
	}
	return db, nil
}

// UpdateProject changes the owning project of a database, the only attribute
// that may change after a request. The admission policies are re-evaluated.
func (o *Orchestrator) UpdateProject(ctx context.Context, id, project string) (db *models.Database, err error) {
	ic := o.begin(ctx, "provisioning.update_project")
	defer func() { ic.End(err) }()
	ctx = ic.Ctx

	if len(project) > 128 {
		return nil, drivers.NewValidationError("project must be at most 128 characters")
	}

	db, err = o.Database(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(db.Key())
	defer unlock()

	if db, err = o.Database(ctx, id); err != nil {
		return nil, err
	}
	if db.State == models.StatePurged {
		return nil, drivers.NewValidationError(fmt.Sprintf("database %s is purged", db.Key())).WithInstance(db.Key())
	}
	if db.Project == project {
		return db, nil
	}

	if o.policy != nil {
		plan, planOK := o.catalog.Plan(db.Plan)
		env, envOK := o.catalog.Environment(db.Environment)
		if planOK && envOK {
			req := &ProvisionRequest{Name: db.Name, Plan: db.Plan, Environment: db.Environment, Project: project}
			if err := o.checkPolicies(ctx, req, plan, env); err != nil {
				return nil, err
			}
		}
	}

	if err := o.store.UpdateDatabaseProject(ctx, db.ID, project); err != nil {
		return nil, fmt.Errorf("failed to update project of %s: %w", db.Key(), err)
	}
	o.audit(ctx, o.store, stores.AuditDatabaseUpdated, db.ID, map[string]interface{}{
		"instance": db.Key(),
		"from":     db.Project,
		"to":       project,
	})
	db.Project = project
	return db, nil
}

func (o *Orchestrator) purge(ctx context.Context, db *models.Database) (*models.Database, error) {
	switch db.State {
	case models.StatePurged:
		return db, nil
	case models.StateQuarantined:
	default:
		return nil, drivers.NewValidationError(fmt.Sprintf(
			"database %s is %s, only quarantined databases can be purged", db.Key(), db.State)).WithInstance(db.Key())
	}

	if db.InfraID != "" {
		infra, driver, err := o.driverFor(ctx, db.InfraID)
		if err != nil {
			return nil, err
		}
		defer driver.Close()

		var result *multierror.Error
		if err := o.removeCredentials(ctx, db, infra, driver); err != nil {
			result = multierror.Append(result, err)
		}
		err = o.retry(ctx, "remove_database", func(int) error {
			err := o.call(ctx, infra, "remove_database", func(ctx context.Context) error {
				return driver.RemoveDatabase(ctx, db)
			})
			if drivers.IsDoesNotExist(err) {
				return nil
			}
			return err
		})
		if err != nil {
			result = multierror.Append(result, err)
		}
		if err := result.ErrorOrNil(); err != nil {
			if drivers.IsAuthentication(err) {
				o.markSuspect(context.WithoutCancel(ctx), infra.ID)
			}
			return nil, fmt.Errorf("failed to purge %s: %w", db.Key(), err)
		}
	}

	if err := o.transition(ctx, o.store, db, models.StatePurged, ""); err != nil {
		return nil, err
	}
	telemetry.FromContext(ctx).WithDatabase(db.Environment, db.Name).Info("Database purged")
	return db, nil
}

// PurgeExpired purges every database quarantined for longer than grace and
// returns how many were purged. Failures are collected, not fatal.
func (o *Orchestrator) PurgeExpired(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := o.now().Add(-grace)
	expired, err := o.store.ListDatabases(ctx, stores.DatabaseFilter{
		States:            []models.DatabaseState{models.StateQuarantined},
		QuarantinedBefore: &cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list expired databases: %w", err)
	}

	summary := o.runParallel(ctx, expired, 0, func(ctx context.Context, db *models.Database) error {
		_, err := o.Purge(ctx, db.ID)
		return err
	})
	return summary.Succeeded, summary.Err()
}
