package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/models"
	"github.com/dbaas/dbaas/pkg/provisioning"
)

func TestSplitEnvironment(t *testing.T) {
	name, env := splitEnvironment("prod/orders", "")
	assert.Equal(t, "orders", name)
	assert.Equal(t, "prod", env)

	name, env = splitEnvironment("orders", "dev")
	assert.Equal(t, "orders", name)
	assert.Equal(t, "dev", env)

	name, env = splitEnvironment("prod/orders", "dev")
	assert.Equal(t, "prod/orders", name, "explicit environment wins")
	assert.Equal(t, "dev", env)
}

func TestRegisterDrivers(t *testing.T) {
	registry := drivers.NewRegistry()
	require.NoError(t, registerDrivers(registry, false))

	for _, key := range [][2]string{{"mysql", "8.0.36"}, {"postgres", "16"}, {"mongodb", "7.0"}, {"redis", "7.2"}} {
		assert.True(t, registry.Has(key[0], key[1]), "%s@%s", key[0], key[1])
	}
	assert.False(t, registry.Has("fake", "1.0"))

	assert.Error(t, registerDrivers(registry, false), "duplicate registration")

	dev := drivers.NewRegistry()
	require.NoError(t, registerDrivers(dev, true))
	assert.True(t, dev.Has("fake", "1.0"))
}

func TestReservedNames(t *testing.T) {
	registry := drivers.NewRegistry()
	require.NoError(t, registerDrivers(registry, true))

	names, err := reservedNames(registry)
	require.NoError(t, err)
	assert.Contains(t, names, "mysql")
	assert.Contains(t, names, "template0")
	assert.Contains(t, names, "admin")
	assert.Contains(t, names, "system", "fake engine names are included")
	assert.Len(t, names, len(lo.Uniq(names)))
}

func TestDevRuntime(t *testing.T) {
	t.Setenv("DBAAS_CONFIG", "")
	configPath = ""

	ctx := context.Background()
	rt, err := openRuntime(ctx, runtimeOptions{dev: true, policy: true})
	require.NoError(t, err)
	defer func() { assert.NoError(t, rt.Close(ctx)) }()

	infra, err := rt.store.GetInfraByName(ctx, "fake-01")
	require.NoError(t, err, "dev catalog seeds its infra")

	db, err := rt.orch.Provision(rt.Context(ctx), provisioning.ProvisionRequest{Name: "orders", Plan: "small", Environment: "dev"})
	require.NoError(t, err)
	assert.Equal(t, models.StateActive, db.State)
	assert.Equal(t, infra.ID, db.InfraID)

	_, err = rt.orch.Provision(rt.Context(ctx), provisioning.ProvisionRequest{Name: "mysql", Plan: "small", Environment: "dev"})
	assert.True(t, drivers.IsValidation(err), "reserved names are rejected: %v", err)
}

func TestPrintDatabases(t *testing.T) {
	var buf bytes.Buffer
	saved := stdout
	stdout = &buf
	defer func() {
		stdout = saved
		jsonOutput = false
	}()

	dbs := []*models.Database{{ID: "1", Name: "orders", Environment: "dev", Plan: "small", State: models.StateActive}}

	require.NoError(t, printDatabases(dbs))
	assert.Contains(t, buf.String(), "NAME")
	assert.Contains(t, buf.String(), "orders")

	buf.Reset()
	jsonOutput = true
	require.NoError(t, printDatabases(dbs))
	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "active", decoded[0]["state"])
}
