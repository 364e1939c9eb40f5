package provisioning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/dbaas/dbaas/pkg/models"
	"github.com/dbaas/dbaas/pkg/stores"
)

// defaultParallel bounds concurrent work when no limit is given.
const defaultParallel = 10

func maxParallel(n int) int {
	if n <= 0 {
		return defaultParallel
	}
	return n
}

// Summary counts the outcome of a batch of per-database operations.
type Summary struct {
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration"`

	errs *multierror.Error
}

// Err returns the collected failures, or nil.
func (s *Summary) Err() error {
	return s.errs.ErrorOrNil()
}

// runParallel applies fn to every database on a bounded worker pool.
// Databases not started before ctx is cancelled are counted as skipped.
func (o *Orchestrator) runParallel(ctx context.Context, dbs []*models.Database, workers int, fn func(context.Context, *models.Database) error) *Summary {
	start := time.Now()
	summary := &Summary{Total: len(dbs)}
	if len(dbs) == 0 {
		return summary
	}

	workerCount := maxParallel(workers)
	if len(dbs) < workerCount {
		workerCount = len(dbs)
	}

	workQueue := make(chan *models.Database, len(dbs))
	for _, db := range dbs {
		workQueue <- db
	}
	close(workQueue)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for db := range workQueue {
				if ctx.Err() != nil {
					mu.Lock()
					summary.Skipped++
					mu.Unlock()
					continue
				}

				err := fn(ctx, db)

				mu.Lock()
				if err != nil {
					summary.Failed++
					summary.errs = multierror.Append(summary.errs, fmt.Errorf("%s: %w", db.Key(), err))
				} else {
					summary.Succeeded++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	summary.Duration = time.Since(start)
	return summary
}

// ReconcileOptions tunes one reconciliation pass.
type ReconcileOptions struct {
	// MaxParallel bounds concurrent applies. Zero uses the default.
	MaxParallel int

	// IncludeFailed retries FAILED records as well.
	IncludeFailed bool
}

// Reconcile applies every pending record: REQUESTED intents nobody applied
// yet and PROVISIONING records interrupted mid-way.
func (o *Orchestrator) Reconcile(ctx context.Context, opts ReconcileOptions) (*Summary, error) {
	states := []models.DatabaseState{models.StateRequested, models.StateProvisioning}
	if opts.IncludeFailed {
		states = append(states, models.StateFailed)
	}

	pending, err := o.store.ListDatabases(ctx, stores.DatabaseFilter{States: states})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending databases: %w", err)
	}

	summary := o.runParallel(ctx, pending, opts.MaxParallel, func(ctx context.Context, db *models.Database) error {
		_, err := o.Apply(ctx, db.Name, db.Environment)
		return err
	})

	if err := o.CollectStateCounts(ctx); err != nil {
		o.logger.WithError(err).Warn("Failed to collect state counts")
	}

	if summary.Total > 0 {
		o.logger.WithFields(map[string]interface{}{
			"total":     summary.Total,
			"succeeded": summary.Succeeded,
			"failed":    summary.Failed,
			"skipped":   summary.Skipped,
			"duration":  summary.Duration.String(),
		}).Info("Reconciliation pass completed")
	}
	return summary, nil
}

// Run reconciles pending records, sweeps expired quarantines and refreshes
// sizes every interval until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("reconcile interval must be positive")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		o.tick(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	if _, err := o.Reconcile(ctx, ReconcileOptions{}); err != nil {
		o.logger.WithError(err).Error("Reconciliation failed")
	}
	if o.cfg.QuarantineGrace > 0 {
		if n, err := o.PurgeExpired(ctx, o.cfg.QuarantineGrace); err != nil {
			o.logger.WithError(err).Error("Purge sweep failed")
		} else if n > 0 {
			o.logger.WithField("purged", n).Info("Expired quarantines purged")
		}
	}
	if _, err := o.RefreshSizes(ctx, ""); err != nil {
		o.logger.WithError(err).Warn("Size refresh failed")
	}
}
