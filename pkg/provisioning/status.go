package provisioning

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/models"
	"github.com/dbaas/dbaas/pkg/stores"
	"github.com/dbaas/dbaas/pkg/telemetry"
)

// HealthSnapshot is the point-in-time health of one database instance.
type HealthSnapshot struct {
	Database       *models.Database        `json:"database"`
	Infra          *drivers.InfraStatus    `json:"infra,omitempty"`
	DatabaseStatus *drivers.DatabaseStatus `json:"database_status,omitempty"`
	Healthy        bool                    `json:"healthy"`
	Reason         string                  `json:"reason,omitempty"`
	CheckedAt      time.Time               `json:"checked_at"`
}

// Status checks the engine hosting instance. An unknown instance, or one
// without a resolvable infra, is a NotFound error; an unreachable engine is
// reported as an unhealthy snapshot. Concurrent checks of the same instance
// share one engine round trip, which outlives any single caller and is
// bounded by the operation timeout.
func (o *Orchestrator) Status(ctx context.Context, instance, environment string) (*HealthSnapshot, error) {
	ch := o.status.DoChan(models.ResourceKey(environment, instance), func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.OperationTimeout)
		defer cancel()
		return o.checkStatus(shared, instance, environment)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*HealthSnapshot), nil
	}
}

func (o *Orchestrator) checkStatus(ctx context.Context, instance, environment string) (snap *HealthSnapshot, err error) {
	ic := o.begin(ctx, "provisioning.status", telemetry.AttrDatabase.String(instance))
	defer func() { ic.End(err) }()
	ctx = ic.Ctx

	db, err := o.resolve(ctx, instance, environment)
	if err != nil {
		return nil, err
	}
	if db.InfraID == "" {
		return nil, drivers.NewNotFoundError(db.Key()).WithDetail("reason", "no infra assigned")
	}

	infra, driver, err := o.driverFor(ctx, db.InfraID)
	if err != nil {
		return nil, err
	}
	defer driver.Close()

	snap = &HealthSnapshot{Database: db, CheckedAt: o.now().UTC()}
	if db.State != models.StateActive {
		snap.Reason = fmt.Sprintf("database is %s", db.State)
		return snap, nil
	}

	if err := o.call(ctx, infra, "check_status", driver.CheckStatus); err != nil {
		snap.Reason = drivers.Reason(err, db.Key())
		return snap, nil
	}

	var info *drivers.InfraStatus
	err = o.call(ctx, infra, "info", func(ctx context.Context) error {
		var err error
		info, err = driver.Info(ctx)
		return err
	})
	if err != nil {
		snap.Reason = drivers.Reason(err, db.Key())
		return snap, nil
	}
	snap.Infra = info

	status, ok := info.GetDatabaseStatus(db.Name)
	switch {
	case !ok:
		snap.Reason = fmt.Sprintf("database %s is missing on infra %s", db.Name, infra.Name)
	case !status.IsAlive:
		snap.DatabaseStatus = status
		snap.Reason = fmt.Sprintf("database %s is not alive", db.Name)
	default:
		snap.DatabaseStatus = status
		snap.Healthy = true
	}
	return snap, nil
}

// RefreshSizes stores the sizes reported by each infra's Info for its ACTIVE
// databases. An empty infraRef refreshes every infra. Infras are queried in
// parallel; the number of updated databases is returned.
func (o *Orchestrator) RefreshSizes(ctx context.Context, infraRef string) (int, error) {
	var infras []*models.Infra
	if infraRef != "" {
		infra, err := o.findInfra(ctx, infraRef)
		if err != nil {
			return 0, err
		}
		infras = []*models.Infra{infra}
	} else {
		var err error
		if infras, err = o.store.ListInfras(ctx, stores.InfraFilter{}); err != nil {
			return 0, fmt.Errorf("failed to list infras: %w", err)
		}
	}

	var updated atomic.Int64
	g, gctx := errgroup.WithContext(o.tel.WithContext(ctx))
	g.SetLimit(maxParallel(0))
	for _, infra := range infras {
		infra := infra
		g.Go(func() error {
			n, err := o.refreshInfraSizes(gctx, infra)
			updated.Add(int64(n))
			return err
		})
	}
	err := g.Wait()
	return int(updated.Load()), err
}

func (o *Orchestrator) refreshInfraSizes(ctx context.Context, infra *models.Infra) (int, error) {
	dbs, err := o.store.ListDatabases(ctx, stores.DatabaseFilter{
		InfraID: infra.ID,
		States:  []models.DatabaseState{models.StateActive},
	})
	if err != nil || len(dbs) == 0 {
		return 0, err
	}

	driver, err := o.registry.ForInfra(infra)
	if err != nil {
		return 0, err
	}
	defer driver.Close()

	var info *drivers.InfraStatus
	err = o.call(ctx, infra, "info", func(ctx context.Context) error {
		var err error
		info, err = driver.Info(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read sizes of infra %s: %w", infra.Name, err)
	}

	updated := 0
	for _, db := range dbs {
		status, ok := info.GetDatabaseStatus(db.Name)
		if !ok {
			continue
		}
		if err := o.store.UpdateDatabaseSizes(ctx, db.ID, status.UsedSizeInBytes, status.TotalSizeInBytes); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}
