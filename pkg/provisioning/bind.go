package provisioning

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/models"
	"github.com/dbaas/dbaas/pkg/stores"
	"github.com/dbaas/dbaas/pkg/telemetry"
)

// BindRequest attaches an application unit to a database instance.
type BindRequest struct {
	Instance string `json:"instance" validate:"required"`

	// Environment disambiguates Instance. Empty matches any environment.
	Environment string `json:"environment,omitempty"`

	AppHost string `json:"app_host" validate:"required"`

	// UnitHost identifies the bound unit. Empty falls back to AppHost.
	UnitHost string `json:"unit_host,omitempty"`
}

// BindResult carries the variables an application needs to connect.
type BindResult struct {
	Database *models.Database  `json:"database"`
	Bind     *models.Bind      `json:"bind"`
	Env      map[string]string `json:"env"`

	// Created is false when the unit was already bound.
	Created bool `json:"created"`
}

// UnbindRequest detaches an application unit from a database instance.
type UnbindRequest struct {
	Instance    string `json:"instance" validate:"required"`
	Environment string `json:"environment,omitempty"`
	Host        string `json:"host" validate:"required"`
}

// UnbindResult reports what an unbind removed.
type UnbindResult struct {
	Database    *models.Database `json:"database"`
	Removed     int64            `json:"removed"`
	Quarantined bool             `json:"quarantined"`
}

// Bind records a bind of req's unit and returns its connection variables.
// A database that is not ACTIVE yet is provisioned first. Binding the same
// unit again returns the same variables.
func (o *Orchestrator) Bind(ctx context.Context, req BindRequest) (res *BindResult, err error) {
	ic := o.begin(ctx, "provisioning.bind",
		telemetry.AttrDatabase.String(req.Instance),
		telemetry.AttrHost.String(req.AppHost),
	)
	defer func() { ic.End(err) }()
	ctx = ic.Ctx

	if err := o.validate.Struct(&req); err != nil {
		return nil, drivers.NewValidationError(fmt.Sprintf("invalid bind request: %v", err))
	}
	unitHost := req.UnitHost
	if unitHost == "" {
		unitHost = req.AppHost
	}

	db, err := o.resolve(ctx, req.Instance, req.Environment)
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(db.Key())
	defer unlock()

	db, err = o.lookup(ctx, o.store, db.Name, db.Environment)
	if err != nil {
		return nil, err
	}
	if db.State == models.StateQuarantined || db.State == models.StatePurged {
		return nil, drivers.NewNotFoundError(db.Key())
	}
	if db.State == models.StateFailed {
		return nil, drivers.NewValidationError(fmt.Sprintf(
			"database %s failed to provision: %s", db.Key(), db.FailedReason)).WithInstance(db.Key())
	}
	if db.State != models.StateActive {
		if db, err = o.apply(ctx, db); err != nil {
			return nil, err
		}
	}

	infra, driver, err := o.driverFor(ctx, db.InfraID)
	if err != nil {
		return nil, err
	}
	defer driver.Close()

	cred, err := o.bindCredential(ctx, db, infra, driver)
	if err != nil {
		if drivers.IsAuthentication(err) {
			o.markSuspect(ctx, infra.ID)
		}
		return nil, err
	}

	env, err := o.bindEnv(ctx, db, infra, driver, cred, req.AppHost, unitHost)
	if err != nil {
		return nil, err
	}

	bind := &models.Bind{
		DatabaseID:      db.ID,
		ServiceName:     db.Name,
		AppHostname:     req.AppHost,
		ServiceHostname: unitHost,
	}
	created := true
	if err := o.store.CreateBind(ctx, bind); err != nil {
		if !errors.Is(err, stores.ErrAlreadyExists) {
			return nil, fmt.Errorf("failed to record bind: %w", err)
		}
		created = false
	}

	if created {
		o.audit(ctx, o.store, stores.AuditBindCreated, db.ID, map[string]interface{}{
			"instance":  db.Key(),
			"app_host":  req.AppHost,
			"unit_host": unitHost,
		})
		if err := o.tel.Events.PublishBind(db.ID, db.Key(), unitHost, true); err != nil {
			ic.Logger.WithError(err).Debug("Failed to publish bind")
		}
		ic.Logger.WithDatabase(db.Environment, db.Name).WithField("unit_host", unitHost).Info("Unit bound")
	}

	return &BindResult{
		Database: db,
		Bind:     bind,
		Env:      env,
		Created:  created,
	}, nil
}

// bindEnv builds the connection variables of a bind, extended by the plan's
// env_script. Script output never overrides the built-in variables.
func (o *Orchestrator) bindEnv(ctx context.Context, db *models.Database, infra *models.Infra, driver drivers.Driver, cred *models.Credential, appHost, unitHost string) (map[string]string, error) {
	defaultPort := 0
	if spec, ok := o.catalog.Engine(infra.Engine); ok {
		defaultPort = spec.DefaultPort
	}
	host, port := infra.HostPort(defaultPort)

	prefix := "DBAAS_" + envToken(infra.Engine) + "_"
	env := map[string]string{
		prefix + "ENDPOINT": driver.GetConnection(db),
		prefix + "HOST":     host,
		prefix + "PORT":     strconv.Itoa(port),
		prefix + "USER":     cred.User,
		prefix + "PASSWORD": cred.Password,
		prefix + "DATABASE": db.Name,
	}

	plan, ok := o.catalog.Plan(db.Plan)
	if !ok || plan.EnvScript == "" {
		return env, nil
	}

	extra, err := o.envScript.EvaluateEnvScript(ctx, plan.EnvScript, map[string]interface{}{
		"engine":      infra.Engine,
		"version":     infra.EngineVersion,
		"endpoint":    infra.Endpoint(),
		"endpoints":   infra.Endpoints,
		"host":        host,
		"port":        port,
		"database":    db.Name,
		"user":        cred.User,
		"password":    cred.Password,
		"environment": db.Environment,
		"project":     db.Project,
		"app_host":    appHost,
		"unit_host":   unitHost,
	})
	if err != nil {
		return nil, drivers.NewGenericError(fmt.Sprintf("env_script of plan %s failed", plan.Name), err).
			WithInstance(db.Key())
	}

	logger := telemetry.FromContext(ctx)
	for k, v := range extra {
		if _, builtin := env[k]; builtin {
			logger.WithField("variable", k).Warn("env_script may not override built-in variable")
			continue
		}
		env[k] = v
	}
	return env, nil
}

// envToken upper-cases s and replaces anything but letters and digits with '_'.
func envToken(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return '_'
	}, s)
}

// Unbind removes the binds of req.Host. Removing a host that is not bound is
// a no-op. With QuarantineOnLastUnbind, removing the last bind of an ACTIVE
// database quarantines it in the same transaction.
func (o *Orchestrator) Unbind(ctx context.Context, req UnbindRequest) (res *UnbindResult, err error) {
	ic := o.begin(ctx, "provisioning.unbind",
		telemetry.AttrDatabase.String(req.Instance),
		telemetry.AttrHost.String(req.Host),
	)
	defer func() { ic.End(err) }()
	ctx = ic.Ctx

	if err := o.validate.Struct(&req); err != nil {
		return nil, drivers.NewValidationError(fmt.Sprintf("invalid unbind request: %v", err))
	}

	db, err := o.resolve(ctx, req.Instance, req.Environment)
	if err != nil {
		return nil, err
	}

	unlock := o.locks.Lock(db.Key())
	defer unlock()

	db, err = o.lookup(ctx, o.store, db.Name, db.Environment)
	if err != nil {
		return nil, err
	}

	res = &UnbindResult{Database: db}
	from := db.State
	err = o.store.WithTx(ctx, func(tx stores.Store) error {
		removed, err := tx.DeleteBindsByHost(ctx, db.ID, req.Host)
		if err != nil {
			return err
		}
		res.Removed = removed
		if removed == 0 || !o.cfg.QuarantineOnLastUnbind || db.State != models.StateActive {
			return nil
		}

		remaining, err := tx.CountBinds(ctx, db.ID)
		if err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}
		res.Quarantined = true
		return o.quarantine(ctx, tx, db)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unbind %s from %s: %w", req.Host, db.Key(), err)
	}

	if res.Removed == 0 {
		return res, nil
	}

	o.audit(ctx, o.store, stores.AuditBindRemoved, db.ID, map[string]interface{}{
		"instance": db.Key(),
		"host":     req.Host,
		"removed":  res.Removed,
	})
	if err := o.tel.Events.PublishBind(db.ID, db.Key(), req.Host, false); err != nil {
		ic.Logger.WithError(err).Debug("Failed to publish unbind")
	}

	if res.Quarantined {
		o.recordTransition(ctx, o.store, db, from, "")
		if o.cfg.RevokeCredentialsOnQuarantine {
			if err := o.revokeCredentials(ctx, db); err != nil {
				ic.Logger.WithError(err).Warn("Failed to revoke credentials of quarantined database")
			}
		}
	}
	return res, nil
}
