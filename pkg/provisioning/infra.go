package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/models"
	"github.com/dbaas/dbaas/pkg/stores"
	"github.com/dbaas/dbaas/pkg/telemetry"
)

// RegisterInfra validates and records an infra. The engine is not contacted.
func (o *Orchestrator) RegisterInfra(ctx context.Context, infra *models.Infra) (err error) {
	ic := o.begin(ctx, "provisioning.register_infra",
		telemetry.AttrInfra.String(infra.Name),
		telemetry.AttrEngine.String(infra.Engine),
	)
	defer func() { ic.End(err) }()
	ctx = ic.Ctx

	switch {
	case infra.Name == "":
		return drivers.NewValidationError("infra name is required")
	case infra.Engine == "" || infra.EngineVersion == "":
		return drivers.NewValidationError(fmt.Sprintf("infra %s: engine and engine version are required", infra.Name))
	case len(compactEndpoints(infra.Endpoints)) == 0:
		return drivers.NewValidationError(fmt.Sprintf("infra %s: at least one endpoint is required", infra.Name))
	case infra.Capacity < 0:
		return drivers.NewValidationError(fmt.Sprintf("infra %s: capacity must not be negative", infra.Name))
	}
	if !o.registry.Has(infra.Engine, infra.EngineVersion) {
		return drivers.NewDriverNotFoundError(infra.Engine, infra.EngineVersion).WithInfra(infra.Name)
	}

	if infra.Plan != "" {
		plan, ok := o.catalog.Plan(infra.Plan)
		if !ok {
			return drivers.NewValidationError(fmt.Sprintf("infra %s: unknown plan %s", infra.Name, infra.Plan))
		}
		if plan.Engine != infra.Engine || plan.Version != infra.EngineVersion {
			return drivers.NewValidationError(fmt.Sprintf("infra %s runs %s@%s but plan %s is %s@%s",
				infra.Name, infra.Engine, infra.EngineVersion, plan.Name, plan.Engine, plan.Version))
		}
		if infra.Environment != "" && !plan.AvailableIn(infra.Environment) {
			return drivers.NewValidationError(fmt.Sprintf("infra %s: plan %s is not offered in environment %s",
				infra.Name, plan.Name, infra.Environment))
		}
	}
	if infra.Environment != "" {
		if _, ok := o.catalog.Environment(infra.Environment); !ok {
			return drivers.NewValidationError(fmt.Sprintf("infra %s: unknown environment %s", infra.Name, infra.Environment))
		}
	}

	infra.Endpoints = compactEndpoints(infra.Endpoints)
	if err := o.store.CreateInfra(ctx, infra); err != nil {
		if errors.Is(err, stores.ErrAlreadyExists) {
			return drivers.NewValidationError(fmt.Sprintf("infra %s is already registered", infra.Name))
		}
		return fmt.Errorf("failed to register infra %s: %w", infra.Name, err)
	}

	o.audit(ctx, o.store, stores.AuditInfraRegistered, infra.ID, map[string]interface{}{
		"name":    infra.Name,
		"engine":  infra.Engine,
		"version": infra.EngineVersion,
		"plan":    infra.Plan,
	})
	ic.Logger.WithInfra(infra.Name).WithEngine(infra.Engine, infra.EngineVersion).Info("Infra registered")
	return nil
}

func compactEndpoints(endpoints []string) []string {
	return lo.Filter(endpoints, func(e string, _ int) bool {
		return strings.TrimSpace(e) != ""
	})
}

// SeedCatalog registers the catalog's infras that are not stored yet and
// returns how many were added.
func (o *Orchestrator) SeedCatalog(ctx context.Context) (int, error) {
	added := 0
	names := lo.Keys(o.catalog.Infras)
	sort.Strings(names)
	for _, name := range names {
		spec := o.catalog.Infras[name]
		if _, err := o.store.GetInfraByName(ctx, spec.Name); err == nil {
			continue
		} else if !errors.Is(err, stores.ErrNotFound) {
			return added, fmt.Errorf("failed to look up infra %s: %w", spec.Name, err)
		}

		password, err := spec.ResolvePassword()
		if err != nil {
			return added, err
		}
		infra := &models.Infra{
			Name:          spec.Name,
			Engine:        spec.Engine,
			EngineVersion: spec.Version,
			Endpoints:     spec.Endpoints,
			User:          spec.User,
			Password:      password,
			Plan:          spec.Plan,
			Environment:   spec.Environment,
			Capacity:      spec.Capacity,
		}
		if err := o.RegisterInfra(ctx, infra); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// driverFor loads an infra and constructs its driver. Callers close the driver.
func (o *Orchestrator) driverFor(ctx context.Context, infraID string) (*models.Infra, drivers.Driver, error) {
	infra, err := o.store.GetInfra(ctx, infraID)
	if errors.Is(err, stores.ErrNotFound) {
		return nil, nil, drivers.NewNotFoundError(infraID).WithDetail("kind", "infra")
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load infra %s: %w", infraID, err)
	}
	driver, err := o.registry.ForInfra(infra)
	if err != nil {
		return nil, nil, err
	}
	return infra, driver, nil
}

// findInfra resolves an infra by name, falling back to its ID.
func (o *Orchestrator) findInfra(ctx context.Context, ref string) (*models.Infra, error) {
	infra, err := o.store.GetInfraByName(ctx, ref)
	if errors.Is(err, stores.ErrNotFound) {
		infra, err = o.store.GetInfra(ctx, ref)
	}
	if errors.Is(err, stores.ErrNotFound) {
		return nil, drivers.NewNotFoundError(ref).WithDetail("kind", "infra")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load infra %s: %w", ref, err)
	}
	return infra, nil
}

// allocate returns the infra hosting db, choosing the least loaded matching
// infra with free capacity when none is assigned yet.
func (o *Orchestrator) allocate(ctx context.Context, db *models.Database) (*models.Infra, error) {
	if db.InfraID != "" {
		infra, err := o.store.GetInfra(ctx, db.InfraID)
		if err == nil {
			return infra, nil
		}
		if !errors.Is(err, stores.ErrNotFound) {
			return nil, fmt.Errorf("failed to load infra %s: %w", db.InfraID, err)
		}
	}

	plan, ok := o.catalog.Plan(db.Plan)
	if !ok {
		return nil, drivers.NewValidationError(fmt.Sprintf("unknown plan %s", db.Plan))
	}

	o.allocMu.Lock()
	defer o.allocMu.Unlock()

	candidates, err := o.store.ListInfras(ctx, stores.InfraFilter{
		Engine:        plan.Engine,
		EngineVersion: plan.Version,
		Plan:          plan.Name,
		Environment:   db.Environment,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list infras: %w", err)
	}
	candidates = lo.Filter(candidates, func(infra *models.Infra, _ int) bool {
		return !infra.CredentialSuspect
	})

	var best *models.Infra
	bestLoad := 0
	for _, infra := range candidates {
		load, err := o.store.CountDatabasesByInfra(ctx, infra.ID)
		if err != nil {
			return nil, err
		}
		capacity := infra.Capacity
		if capacity == 0 {
			capacity = plan.Capacity
		}
		if capacity > 0 && load >= capacity {
			continue
		}
		if best == nil || load < bestLoad {
			best, bestLoad = infra, load
		}
	}
	if best == nil {
		return nil, drivers.NewGenericError(fmt.Sprintf(
			"no infra with free capacity for plan %s in environment %s", plan.Name, db.Environment), nil).
			WithInstance(db.Key())
	}

	if err := o.store.AssignInfra(ctx, db.ID, best.ID); err != nil {
		return nil, fmt.Errorf("failed to assign infra: %w", err)
	}
	db.InfraID = best.ID

	telemetry.FromContext(ctx).WithDatabase(db.Environment, db.Name).
		WithInfra(best.Name).
		WithField("load", bestLoad).
		Debug("Infra allocated")
	return best, nil
}

// markSuspect flags the administrative credential of an infra as rejected.
func (o *Orchestrator) markSuspect(ctx context.Context, infraID string) {
	logger := telemetry.FromContext(ctx).WithInfra(infraID)
	if err := o.store.MarkInfraCredentialSuspect(ctx, infraID, true); err != nil {
		logger.WithError(err).Error("Failed to flag infra credential")
		return
	}
	name := infraID
	if infra, err := o.store.GetInfra(ctx, infraID); err == nil {
		name = infra.Name
	}
	o.audit(ctx, o.store, stores.AuditInfraSuspect, infraID, map[string]interface{}{"name": name})
	if err := o.tel.Events.PublishCredentialSuspect(infraID, name); err != nil {
		logger.WithError(err).Debug("Failed to publish credential suspect")
	}
	logger.Warn("Administrative credential rejected, infra flagged")
}

// RotateInfraCredential replaces the administrative credential of an infra.
// The new credential is verified against the engine first and then stored in
// one update, so later driver constructions see either the old or the new
// credential in full.
func (o *Orchestrator) RotateInfraCredential(ctx context.Context, ref, user, password string) (err error) {
	ic := o.begin(ctx, "provisioning.rotate_credential", telemetry.AttrInfra.String(ref))
	defer func() { ic.End(err) }()
	ctx = ic.Ctx

	if user == "" {
		return drivers.NewValidationError("user is required")
	}

	infra, err := o.findInfra(ctx, ref)
	if err != nil {
		return err
	}

	unlock := o.locks.Lock("infra/" + infra.ID)
	defer unlock()

	candidate := *infra
	candidate.User = user
	candidate.Password = password

	driver, err := o.registry.ForInfra(&candidate)
	if err != nil {
		return err
	}
	defer driver.Close()

	err = o.call(ctx, &candidate, "test_connection", func(ctx context.Context) error {
		_, err := driver.TestConnection(ctx, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("new credential for infra %s rejected: %w", infra.Name, err)
	}

	if err := o.store.UpdateInfraCredential(ctx, infra.ID, user, password); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	if infra.CredentialSuspect {
		if err := o.store.MarkInfraCredentialSuspect(ctx, infra.ID, false); err != nil {
			return fmt.Errorf("failed to clear credential flag: %w", err)
		}
	}

	o.audit(ctx, o.store, stores.AuditInfraRotated, infra.ID, map[string]interface{}{
		"name": infra.Name,
		"user": user,
	})
	if err := o.tel.Events.PublishCredentialRotated(infra.ID, infra.Name); err != nil {
		ic.Logger.WithError(err).Debug("Failed to publish credential rotation")
	}
	ic.Logger.WithInfra(infra.Name).Info("Administrative credential rotated")
	return nil
}

// ImportDatabases adopts databases created directly on the engine of an
// infra as ACTIVE records. Safe to repeat.
func (o *Orchestrator) ImportDatabases(ctx context.Context, ref string) (n int, err error) {
	ic := o.begin(ctx, "provisioning.import", telemetry.AttrInfra.String(ref))
	defer func() { ic.End(err) }()
	ctx = ic.Ctx

	infra, err := o.findInfra(ctx, ref)
	if err != nil {
		return 0, err
	}
	driver, err := o.registry.ForInfra(infra)
	if err != nil {
		return 0, err
	}
	defer driver.Close()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.OperationTimeout)
	defer cancel()

	err = telemetry.RecordDriverCall(ctx, infra.Engine, "import_databases", func(ctx context.Context) error {
		var err error
		n, err = driver.ImportDatabases(ctx, &inventory{o: o})
		return drivers.ClassifyTransport("import_databases", err)
	})
	if err != nil {
		if drivers.IsAuthentication(err) {
			o.markSuspect(context.WithoutCancel(ctx), infra.ID)
		}
		return n, err
	}

	ic.Logger.WithInfra(infra.Name).WithField("imported", n).Info("Databases imported")
	return n, nil
}

// inventory exposes the store to driver import loops.
type inventory struct {
	o *Orchestrator
}

// HasDatabase reports whether the infra's environment already tracks name.
// Names are unique per environment, so a record on another infra counts too.
func (inv *inventory) HasDatabase(ctx context.Context, infraID, name string) (bool, error) {
	infra, err := inv.o.store.GetInfra(ctx, infraID)
	if err != nil {
		return false, fmt.Errorf("failed to load infra %s: %w", infraID, err)
	}
	return inv.o.store.ExistsDatabase(ctx, name, infra.Environment)
}

// ImportDatabase records name as an ACTIVE database hosted on infra.
func (inv *inventory) ImportDatabase(ctx context.Context, infra *models.Infra, name string) error {
	o := inv.o
	db := &models.Database{
		Name:             name,
		InfraID:          infra.ID,
		Plan:             infra.Plan,
		Environment:      infra.Environment,
		State:            models.StateActive,
		UsedSizeInBytes:  models.UnknownSize,
		TotalSizeInBytes: models.UnknownSize,
	}
	if err := o.store.CreateDatabase(ctx, db); err != nil {
		return fmt.Errorf("failed to import database %s: %w", name, err)
	}

	o.audit(ctx, o.store, stores.AuditDatabaseImported, db.ID, map[string]interface{}{
		"instance": db.Key(),
		"infra":    infra.Name,
	})
	if err := o.tel.Events.PublishDatabaseImported(infra.ID, name); err != nil {
		o.logger.WithError(err).Debug("Failed to publish import")
	}
	return nil
}
