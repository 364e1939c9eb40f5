package provisioning

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/drivers/fake"
	"github.com/dbaas/dbaas/pkg/models"
)

func TestStatus_Healthy(t *testing.T) {
	h := newHarness(t, nil)
	h.provision(t, "orders")

	snap, err := h.orch.Status(h.ctx, "orders", "dev")
	require.NoError(t, err)
	assert.True(t, snap.Healthy)
	assert.Empty(t, snap.Reason)
	require.NotNil(t, snap.DatabaseStatus)
	assert.True(t, snap.DatabaseStatus.IsAlive)
	require.NotNil(t, snap.Infra)
	assert.True(t, h.clock.Now().Equal(snap.CheckedAt))

	// The environment may be omitted when the name is unambiguous.
	snap, err = h.orch.Status(h.ctx, "orders", "")
	require.NoError(t, err)
	assert.True(t, snap.Healthy)
}

// gatedStatusDriver holds CheckStatus until gate is closed.
type gatedStatusDriver struct {
	drivers.Driver
	entered chan struct{}
	gate    chan struct{}
}

func (d *gatedStatusDriver) CheckStatus(ctx context.Context) error {
	select {
	case d.entered <- struct{}{}:
	default:
	}
	select {
	case <-d.gate:
		return d.Driver.CheckStatus(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestStatus_SharedCheckSurvivesCallerCancellation(t *testing.T) {
	h := newHarness(t, nil)
	h.provision(t, "orders")

	entered := make(chan struct{}, 2)
	gate := make(chan struct{})
	h.orch.registry.Unregister(fake.Engine, "1.0")
	h.orch.registry.MustRegister(fake.Engine, "1.0", func(infra *models.Infra) (drivers.Driver, error) {
		inner, err := fake.New(infra)
		if err != nil {
			return nil, err
		}
		return &gatedStatusDriver{Driver: inner, entered: entered, gate: gate}, nil
	})

	first, cancel := context.WithCancel(h.ctx)
	firstErr := make(chan error, 1)
	go func() {
		_, err := h.orch.Status(first, "orders", "dev")
		firstErr <- err
	}()
	<-entered

	type result struct {
		snap *HealthSnapshot
		err  error
	}
	second := make(chan result, 1)
	go func() {
		snap, err := h.orch.Status(h.ctx, "orders", "dev")
		second <- result{snap, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(gate)
	res := <-second
	require.NoError(t, res.err)
	assert.True(t, res.snap.Healthy, "reason: %s", res.snap.Reason)
}

func TestStatus_Unhealthy(t *testing.T) {
	h := newHarness(t, nil)
	db := h.provision(t, "orders")

	fake.Inject(h.infra.ID, fake.OpCheckStatus, drivers.NewConnectionError("connection refused", nil), -1)
	snap, err := h.orch.Status(h.ctx, "orders", "dev")
	require.NoError(t, err, "an unreachable engine is reported, not returned")
	assert.False(t, snap.Healthy)
	assert.Contains(t, snap.Reason, string(drivers.KindConnection))
	fake.Clear(h.infra.ID)

	// Dropped behind the control plane's back.
	driver, err := fake.New(h.infra)
	require.NoError(t, err)
	require.NoError(t, driver.RemoveDatabase(h.ctx, db))

	snap, err = h.orch.Status(h.ctx, "orders", "dev")
	require.NoError(t, err)
	assert.False(t, snap.Healthy)
	assert.Contains(t, snap.Reason, "missing")
}

func TestStatus_NotActive(t *testing.T) {
	h := newHarness(t, nil)
	fake.Inject(h.infra.ID, fake.OpCreateDatabase, drivers.NewConnectionError("connection refused", nil), -1)
	_, err := h.orch.Provision(h.ctx, ProvisionRequest{Name: "broken", Plan: "small", Environment: "dev"})
	require.Error(t, err)

	snap, err := h.orch.Status(h.ctx, "broken", "dev")
	require.NoError(t, err)
	assert.False(t, snap.Healthy)
	assert.Equal(t, "database is failed", snap.Reason)
	assert.Equal(t, models.StateFailed, snap.Database.State)
	assert.Equal(t, 0, fake.Calls(h.infra.ID, fake.OpCheckStatus))
}

func TestStatus_NotFound(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.orch.Status(h.ctx, "ghost", "dev")
	assert.True(t, drivers.IsNotFound(err), "got %v", err)

	_, err = h.orch.Request(h.ctx, ProvisionRequest{Name: "pending", Plan: "small", Environment: "dev"})
	require.NoError(t, err)
	_, err = h.orch.Status(h.ctx, "pending", "dev")
	assert.True(t, drivers.IsNotFound(err), "a database without infra has no status, got %v", err)
}

func TestRefreshSizes(t *testing.T) {
	h := newHarness(t, nil)
	a := h.provision(t, "a")
	b := h.provision(t, "b")
	assert.Equal(t, models.UnknownSize, a.UsedSizeInBytes)

	n, err := h.orch.RefreshSizes(h.ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, db := range []*models.Database{a, b} {
		stored := h.reload(t, db)
		assert.Equal(t, int64(0), stored.UsedSizeInBytes, db.Name)
	}

	n, err = h.orch.RefreshSizes(h.ctx, "fake-01")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = h.orch.RefreshSizes(h.ctx, "nope")
	assert.True(t, drivers.IsNotFound(err))
}

func TestRefreshSizes_EngineDown(t *testing.T) {
	h := newHarness(t, nil)
	h.provision(t, "a")
	fake.Inject(h.infra.ID, fake.OpInfo, drivers.NewConnectionError("connection refused", nil), -1)

	_, err := h.orch.RefreshSizes(h.ctx, "")
	require.Error(t, err)
	assert.True(t, drivers.IsConnection(err))
}
