package provisioning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbaas/dbaas/pkg/config"
	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/drivers/fake"
	"github.com/dbaas/dbaas/pkg/models"
	"github.com/dbaas/dbaas/pkg/stores"
	"github.com/dbaas/dbaas/pkg/telemetry"
)

func TestBind_ConnectionVariables(t *testing.T) {
	h := newHarness(t, nil)
	db := h.provision(t, "orders")

	res, err := h.orch.Bind(h.ctx, BindRequest{Instance: "orders", Environment: "dev", AppHost: "app.example.com", UnitHost: "10.0.0.7"})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, db.ID, res.Database.ID)
	assert.Equal(t, "10.0.0.7", res.Bind.ServiceHostname)

	cred, err := h.store.GetCredentialByUser(h.ctx, db.ID, "u_orders")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"DBAAS_FAKE_ENDPOINT": "fake://fake-01:7001/orders",
		"DBAAS_FAKE_HOST":     "fake-01",
		"DBAAS_FAKE_PORT":     "7001",
		"DBAAS_FAKE_USER":     "u_orders",
		"DBAAS_FAKE_PASSWORD": cred.Password,
		"DBAAS_FAKE_DATABASE": "orders",
		"DATABASE_URL":        "fake://u_orders:" + cred.Password + "@fake-01:7001/orders",
	}, res.Env)

	assert.Equal(t, 1, h.events.count(telemetry.EventTypeBindCreated))
	assert.Equal(t, 1, h.auditCount(t, stores.AuditBindCreated))
}

func TestBind_Idempotent(t *testing.T) {
	h := newHarness(t, nil)
	db := h.provision(t, "orders")

	req := BindRequest{Instance: "orders", AppHost: "app.example.com"}
	first, err := h.orch.Bind(h.ctx, req)
	require.NoError(t, err)
	second, err := h.orch.Bind(h.ctx, req)
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Equal(t, first.Env, second.Env)
	assert.Equal(t, "app.example.com", first.Bind.ServiceHostname, "unit host defaults to the app host")

	n, err := h.store.CountBinds(h.ctx, db.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, fake.Calls(h.infra.ID, fake.OpCreateUser))
}

func TestBind_ProvisionsPendingDatabase(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.orch.Request(h.ctx, ProvisionRequest{Name: "lazy", Plan: "small", Environment: "dev"})
	require.NoError(t, err)

	res, err := h.orch.Bind(h.ctx, BindRequest{Instance: "lazy", AppHost: "app"})
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, res.Database.State)
	assert.Equal(t, 1, fake.Calls(h.infra.ID, fake.OpCreateDatabase))
}

func TestBind_FailedDatabaseIsNotResumed(t *testing.T) {
	h := newHarness(t, nil)
	fake.AddDatabase(h.infra.ID, "taken")

	_, err := h.orch.Provision(h.ctx, ProvisionRequest{Name: "taken", Plan: "small", Environment: "dev"})
	require.True(t, drivers.IsAlreadyExists(err), "got %v", err)
	failed, err := h.store.GetDatabaseByName(h.ctx, "taken", "dev")
	require.NoError(t, err)
	require.Equal(t, models.StateFailed, failed.State)
	calls := fake.Calls(h.infra.ID, fake.OpCreateDatabase)

	_, err = h.orch.Bind(h.ctx, BindRequest{Instance: "taken", Environment: "dev", AppHost: "app"})
	require.True(t, drivers.IsValidation(err), "got %v", err)
	assert.Contains(t, err.Error(), failed.FailedReason)

	assert.Equal(t, models.StateFailed, h.reload(t, failed).State)
	assert.Equal(t, calls, fake.Calls(h.infra.ID, fake.OpCreateDatabase))
	assert.Equal(t, 0, fake.Calls(h.infra.ID, fake.OpCreateUser))
}

func TestBind_UnknownOrRemovedInstance(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.orch.Bind(h.ctx, BindRequest{Instance: "ghost", AppHost: "app"})
	assert.True(t, drivers.IsNotFound(err), "got %v", err)

	h.provision(t, "orders")
	_, err = h.orch.Quarantine(h.ctx, "orders", "dev")
	require.NoError(t, err)

	_, err = h.orch.Bind(h.ctx, BindRequest{Instance: "orders", AppHost: "app"})
	assert.True(t, drivers.IsNotFound(err), "quarantined databases cannot be bound, got %v", err)

	_, err = h.orch.Bind(h.ctx, BindRequest{Instance: "orders"})
	assert.True(t, drivers.IsValidation(err))
}

func TestBind_AmbiguousInstance(t *testing.T) {
	h := newHarness(t, nil)
	for _, env := range []string{"dev", "prod"} {
		_, err := h.orch.Request(h.ctx, ProvisionRequest{Name: "shared", Plan: "small", Environment: env, Project: "shop"})
		require.NoError(t, err)
	}

	_, err := h.orch.Bind(h.ctx, BindRequest{Instance: "shared", AppHost: "app"})
	assert.True(t, drivers.IsValidation(err), "got %v", err)

	res, err := h.orch.Bind(h.ctx, BindRequest{Instance: "shared", Environment: "dev", AppHost: "app"})
	require.NoError(t, err)
	assert.Equal(t, "dev", res.Database.Environment)
}

func TestBind_DefaultPort(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.orch.RegisterInfra(h.ctx, &models.Infra{
		Name:          "portless",
		Engine:        fake.Engine,
		EngineVersion: "1.0",
		Endpoints:     []string{"portless.internal"},
		User:          "admin",
		Password:      "pw",
		Plan:          "tiny",
		Environment:   "dev",
	}))
	_, err := h.orch.Provision(h.ctx, ProvisionRequest{Name: "p", Plan: "tiny", Environment: "dev"})
	require.NoError(t, err)

	res, err := h.orch.Bind(h.ctx, BindRequest{Instance: "p", AppHost: "app"})
	require.NoError(t, err)
	assert.Equal(t, "portless.internal", res.Env["DBAAS_FAKE_HOST"])
	assert.Equal(t, "7000", res.Env["DBAAS_FAKE_PORT"])
	assert.NotContains(t, res.Env, "DATABASE_URL", "plan tiny has no env_script")
}

func TestBind_IssuesCredentialForImportedDatabase(t *testing.T) {
	h := newHarness(t, nil)
	fake.AddDatabase(h.infra.ID, "legacy")

	n, err := h.orch.ImportDatabases(h.ctx, h.infra.Name)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res, err := h.orch.Bind(h.ctx, BindRequest{Instance: "legacy", AppHost: "app"})
	require.NoError(t, err)
	assert.Equal(t, "u_legacy", res.Env["DBAAS_FAKE_USER"])
	assert.NotEmpty(t, res.Env["DBAAS_FAKE_PASSWORD"])
	assert.Equal(t, 1, fake.Calls(h.infra.ID, fake.OpCreateUser))
}

func TestUnbind(t *testing.T) {
	h := newHarness(t, nil)
	db := h.provision(t, "orders")

	for _, unit := range []string{"10.0.0.1", "10.0.0.2"} {
		_, err := h.orch.Bind(h.ctx, BindRequest{Instance: "orders", AppHost: "app", UnitHost: unit})
		require.NoError(t, err)
	}

	res, err := h.orch.Unbind(h.ctx, UnbindRequest{Instance: "orders", Host: "10.0.0.9"})
	require.NoError(t, err)
	assert.Zero(t, res.Removed, "unbinding an unknown host is a no-op")
	assert.Equal(t, 0, h.events.count(telemetry.EventTypeBindRemoved))

	res, err = h.orch.Unbind(h.ctx, UnbindRequest{Instance: "orders", Host: "10.0.0.1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Removed)
	assert.False(t, res.Quarantined)

	n, err := h.store.CountBinds(h.ctx, db.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.events.count(telemetry.EventTypeBindRemoved))
	assert.Equal(t, 1, h.auditCount(t, stores.AuditBindRemoved))

	res, err = h.orch.Unbind(h.ctx, UnbindRequest{Instance: "orders", Host: "10.0.0.2"})
	require.NoError(t, err)
	assert.False(t, res.Quarantined, "quarantine on last unbind is off by default")
	assert.Equal(t, models.StateActive, h.reload(t, db).State)

	_, err = h.orch.Unbind(h.ctx, UnbindRequest{Instance: "missing", Host: "10.0.0.2"})
	assert.True(t, drivers.IsNotFound(err))
}

func TestUnbind_QuarantinesOnLastBind(t *testing.T) {
	h := newHarness(t, func(cfg *config.ProvisioningConfig) {
		cfg.QuarantineOnLastUnbind = true
	})
	db := h.provision(t, "orders")

	for _, unit := range []string{"10.0.0.1", "10.0.0.2"} {
		_, err := h.orch.Bind(h.ctx, BindRequest{Instance: "orders", AppHost: "app", UnitHost: unit})
		require.NoError(t, err)
	}

	res, err := h.orch.Unbind(h.ctx, UnbindRequest{Instance: "orders", Host: "10.0.0.1"})
	require.NoError(t, err)
	assert.False(t, res.Quarantined)

	res, err = h.orch.Unbind(h.ctx, UnbindRequest{Instance: "orders", Host: "10.0.0.2"})
	require.NoError(t, err)
	assert.True(t, res.Quarantined)

	stored := h.reload(t, db)
	assert.Equal(t, models.StateQuarantined, stored.State)
	assert.NotNil(t, stored.QuarantineDT)
	assert.Equal(t, 0, fake.Calls(h.infra.ID, fake.OpRemoveDatabase))
}

func TestEnvToken(t *testing.T) {
	tests := map[string]string{
		"mysql":      "MYSQL",
		"postgresql": "POSTGRESQL",
		"redis-7":    "REDIS_7",
		"mongo.db":   "MONGO_DB",
	}
	for in, want := range tests {
		assert.Equal(t, want, envToken(in), in)
	}
}
