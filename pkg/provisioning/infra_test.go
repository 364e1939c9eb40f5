package provisioning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/drivers/fake"
	"github.com/dbaas/dbaas/pkg/models"
	"github.com/dbaas/dbaas/pkg/stores"
	"github.com/dbaas/dbaas/pkg/telemetry"
)

func validInfra(name string) *models.Infra {
	return &models.Infra{
		Name:          name,
		Engine:        fake.Engine,
		EngineVersion: "1.0",
		Endpoints:     []string{name + ":7001"},
		User:          "admin",
		Password:      "pw",
		Plan:          "small",
		Environment:   "dev",
	}
}

func TestRegisterInfra_Validation(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name   string
		mutate func(*models.Infra)
		check  func(error) bool
	}{
		{"missing name", func(i *models.Infra) { i.Name = "" }, drivers.IsValidation},
		{"missing version", func(i *models.Infra) { i.EngineVersion = "" }, drivers.IsValidation},
		{"blank endpoints", func(i *models.Infra) { i.Endpoints = []string{" ", ""} }, drivers.IsValidation},
		{"negative capacity", func(i *models.Infra) { i.Capacity = -1 }, drivers.IsValidation},
		{"unregistered engine", func(i *models.Infra) { i.Engine = "ghost" }, drivers.IsDriverNotFound},
		{"unknown plan", func(i *models.Infra) { i.Plan = "huge" }, drivers.IsValidation},
		{"plan of another engine", func(i *models.Infra) { i.Plan = "stuck" }, drivers.IsValidation},
		{"plan not offered in environment", func(i *models.Infra) { i.Plan = "tiny"; i.Environment = "prod" }, drivers.IsValidation},
		{"unknown environment", func(i *models.Infra) { i.Environment = "staging" }, drivers.IsValidation},
		{"duplicate name", func(i *models.Infra) { i.Name = "fake-01" }, drivers.IsValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			infra := validInfra("candidate")
			tt.mutate(infra)
			err := h.orch.RegisterInfra(h.ctx, infra)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}

	infras, err := h.store.ListInfras(h.ctx, stores.InfraFilter{})
	require.NoError(t, err)
	assert.Len(t, infras, 1)
}

func TestRegisterInfra_DropsBlankEndpoints(t *testing.T) {
	h := newHarness(t, nil)
	infra := validInfra("fake-02")
	infra.Endpoints = []string{"", "fake-02:7001", " "}

	require.NoError(t, h.orch.RegisterInfra(h.ctx, infra))

	stored, err := h.store.GetInfraByName(h.ctx, "fake-02")
	require.NoError(t, err)
	assert.Equal(t, []string{"fake-02:7001"}, stored.Endpoints)
	assert.Equal(t, 2, h.auditCount(t, stores.AuditInfraRegistered))
}

func TestSeedCatalog(t *testing.T) {
	h := newHarness(t, nil)

	n, err := h.orch.SeedCatalog(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	seeded, err := h.store.GetInfraByName(h.ctx, "seed-01")
	require.NoError(t, err)
	assert.Equal(t, "prod", seeded.Environment)
	assert.Equal(t, "seed-pw", seeded.Password)

	n, err = h.orch.SeedCatalog(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "seeding twice adds nothing")

	db, err := h.orch.Provision(h.ctx, ProvisionRequest{Name: "shop", Plan: "small", Environment: "prod", Project: "retail"})
	require.NoError(t, err)
	assert.Equal(t, seeded.ID, db.InfraID)
}

func TestRotateInfraCredential(t *testing.T) {
	h := newHarness(t, nil)

	// The password changed on the engine and provisioning starts failing.
	fake.SetAdminPassword(h.infra.ID, "rotated-pw")
	_, err := h.orch.Provision(h.ctx, ProvisionRequest{Name: "orders", Plan: "small", Environment: "dev"})
	require.True(t, drivers.IsAuthentication(err), "got %v", err)

	err = h.orch.RotateInfraCredential(h.ctx, "fake-01", "admin", "wrong-pw")
	require.Error(t, err)
	assert.True(t, drivers.IsAuthentication(err))

	stored, err := h.store.GetInfra(h.ctx, h.infra.ID)
	require.NoError(t, err)
	assert.Equal(t, "admin-pw", stored.Password, "a rejected credential is not stored")
	assert.True(t, stored.CredentialSuspect)

	require.NoError(t, h.orch.RotateInfraCredential(h.ctx, h.infra.ID, "admin", "rotated-pw"))

	stored, err = h.store.GetInfra(h.ctx, h.infra.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated-pw", stored.Password)
	assert.False(t, stored.CredentialSuspect)
	assert.Equal(t, 1, h.events.count(telemetry.EventTypeCredentialRotated))
	assert.Equal(t, 1, h.auditCount(t, stores.AuditInfraRotated))

	db, err := h.orch.Apply(h.ctx, "orders", "dev")
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, db.State)
}

func TestRotateInfraCredential_Rejected(t *testing.T) {
	h := newHarness(t, nil)

	assert.True(t, drivers.IsValidation(h.orch.RotateInfraCredential(h.ctx, "fake-01", "", "pw")))
	assert.True(t, drivers.IsNotFound(h.orch.RotateInfraCredential(h.ctx, "nope", "admin", "pw")))
}

func TestImportDatabases(t *testing.T) {
	h := newHarness(t, nil)
	fake.AddDatabase(h.infra.ID, "legacy")
	fake.AddDatabase(h.infra.ID, "reports")
	h.provision(t, "orders")

	n, err := h.orch.ImportDatabases(h.ctx, "fake-01")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "system databases and tracked databases are skipped")

	legacy, err := h.store.GetDatabaseByName(h.ctx, "legacy", "dev")
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, legacy.State)
	assert.Equal(t, h.infra.ID, legacy.InfraID)
	assert.Equal(t, "small", legacy.Plan)
	assert.Equal(t, 2, h.events.count(telemetry.EventTypeDatabaseImported))

	n, err = h.orch.ImportDatabases(h.ctx, "fake-01")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestImportDatabases_AuthenticationFlagsInfra(t *testing.T) {
	h := newHarness(t, nil)
	fake.SetAdminPassword(h.infra.ID, "other")

	_, err := h.orch.ImportDatabases(h.ctx, "fake-01")
	require.True(t, drivers.IsAuthentication(err), "got %v", err)

	stored, err := h.store.GetInfra(h.ctx, h.infra.ID)
	require.NoError(t, err)
	assert.True(t, stored.CredentialSuspect)
}
