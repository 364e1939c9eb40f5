package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/models"
)

func newTestDriver(t *testing.T) (*Driver, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	infra := &models.Infra{
		ID:            "infra-redis",
		Name:          "redis-01",
		Engine:        Engine,
		EngineVersion: "7.2",
		Endpoints:     []string{mr.Addr()},
	}
	d := NewWithOptions(infra, drivers.Options{Timeout: time.Second})
	t.Cleanup(func() { d.Close() })
	return d, mr
}

func TestDatabaseLifecycle(t *testing.T) {
	ctx := context.Background()
	d, mr := newTestDriver(t)
	db := &models.Database{Name: "cache"}

	require.NoError(t, d.CreateDatabase(ctx, db))
	assert.True(t, drivers.IsAlreadyExists(d.CreateDatabase(ctx, db)))

	members, err := mr.Members(databasesKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"cache"}, members)

	names, err := d.ListDatabases(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"cache"}, names)

	require.NoError(t, d.RemoveDatabase(ctx, db))
	assert.ErrorIs(t, d.RemoveDatabase(ctx, db), drivers.ErrDatabaseDoesNotExist)
}

func TestCredentialLifecycle(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDriver(t)
	cred := &models.Credential{User: "u_cache", Password: "first", Database: "cache"}

	require.NoError(t, d.CreateUser(ctx, cred))
	assert.ErrorIs(t, d.CreateUser(ctx, cred), drivers.ErrCredentialAlreadyExists)

	ok, err := d.TestConnection(ctx, cred)
	require.NoError(t, err)
	assert.True(t, ok)

	cred.Password = "second"
	require.NoError(t, d.UpdateUser(ctx, cred))
	ok, err = d.TestConnection(ctx, &models.Credential{User: "u_cache", Password: "first"})
	assert.False(t, ok)
	assert.True(t, drivers.IsAuthentication(err))

	users, err := d.ListUsers(ctx, "cache")
	require.NoError(t, err)
	assert.Equal(t, []string{"u_cache"}, users)

	users, err = d.ListUsers(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, users)

	require.NoError(t, d.RemoveUser(ctx, cred))
	assert.ErrorIs(t, d.RemoveUser(ctx, cred), drivers.ErrInvalidCredential)
	assert.ErrorIs(t, d.UpdateUser(ctx, cred), drivers.ErrInvalidCredential)
}

func TestWrongAdminPasswordIsAuthentication(t *testing.T) {
	d, mr := newTestDriver(t)
	mr.RequireAuth("correct")
	d.Infra().Password = "wrong"

	err := d.CheckStatus(context.Background())
	assert.True(t, drivers.IsAuthentication(err), "got %v", err)
	assert.False(t, drivers.IsRetryable(err))
}

func TestUnreachableIsConnection(t *testing.T) {
	d, mr := newTestDriver(t)
	mr.Close()

	err := d.CheckStatus(context.Background())
	assert.True(t, drivers.IsConnection(err), "got %v", err)
	assert.True(t, drivers.IsRetryable(err))
}

func TestInfoListsTrackedDatabases(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDriver(t)
	require.NoError(t, d.CreateDatabase(ctx, &models.Database{Name: "sessions"}))

	status, err := d.Info(ctx)
	require.NoError(t, err)

	s, ok := status.GetDatabaseStatus("sessions")
	require.True(t, ok)
	assert.True(t, s.IsAlive)
	assert.Equal(t, models.UnknownSize, s.UsedSizeInBytes)
}

func TestGetConnection(t *testing.T) {
	d := NewWithOptions(&models.Infra{Endpoints: []string{"cache.internal"}}, drivers.Options{})
	assert.Equal(t, "redis://cache.internal:6379/0", d.GetConnection(nil))
}

func TestParseInfo(t *testing.T) {
	fields := parseInfo("# Server\r\nredis_version:7.2.4\r\n\r\n# Memory\r\nused_memory:1048576\r\nmaxmemory:0\r\n")
	assert.Equal(t, "7.2.4", fields["redis_version"])
	assert.Equal(t, "1048576", fields["used_memory"])
	assert.Equal(t, "0", fields["maxmemory"])
}
