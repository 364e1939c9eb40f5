package provisioning

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbaas/dbaas/pkg/config"
	"github.com/dbaas/dbaas/pkg/models"
)

func TestReconcile(t *testing.T) {
	h := newHarness(t, nil)
	for _, name := range []string{"a", "b"} {
		_, err := h.orch.Request(h.ctx, ProvisionRequest{Name: name, Plan: "small", Environment: "dev"})
		require.NoError(t, err)
	}

	_, err := h.orch.Provision(h.ctx, ProvisionRequest{Name: "c", Plan: "tiny", Environment: "dev"})
	require.Error(t, err, "tiny has no infra in this harness")

	summary, err := h.orch.Reconcile(h.ctx, ReconcileOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	assert.NoError(t, summary.Err())

	for _, name := range []string{"a", "b"} {
		db, err := h.store.GetDatabaseByName(h.ctx, name, "dev")
		require.NoError(t, err)
		assert.Equal(t, models.StateActive, db.State, name)
	}

	// FAILED records are only retried on request; c still has nowhere to go.
	summary, err = h.orch.Reconcile(h.ctx, ReconcileOptions{IncludeFailed: true, MaxParallel: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)
	assert.Equal(t, 1, summary.Failed)
	assert.Error(t, summary.Err())
}

func TestRunParallel_SkipsAfterCancel(t *testing.T) {
	h := newHarness(t, nil)
	dbs := make([]*models.Database, 5)
	for i := range dbs {
		dbs[i] = &models.Database{Name: string(rune('a' + i)), Environment: "dev"}
	}

	ctx, cancel := context.WithCancel(h.ctx)
	var ran atomic.Int32
	summary := h.orch.runParallel(ctx, dbs, 1, func(context.Context, *models.Database) error {
		if ran.Add(1) == 2 {
			cancel()
			return errors.New("boom")
		}
		return nil
	})

	assert.Equal(t, 5, summary.Total)
	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 3, summary.Skipped)
	assert.Error(t, summary.Err())
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, func(cfg *config.ProvisioningConfig) {
		cfg.QuarantineGrace = time.Hour
	})
	_, err := h.orch.Request(h.ctx, ProvisionRequest{Name: "queued", Plan: "small", Environment: "dev"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- h.orch.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		db, err := h.store.GetDatabaseByName(h.ctx, "queued", "dev")
		return err == nil && db.State == models.StateActive
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Error(t, h.orch.Run(h.ctx, 0))
}
