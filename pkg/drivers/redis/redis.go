// Package redis implements the Redis engine adapter on top of go-redis.
//
// Redis has no named databases and one shared password, so the adapter keeps
// the logical databases and credentials it manages in bookkeeping keys on the
// engine itself.
package redis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/models"
)

// Engine is the engine name the adapter registers under.
const Engine = "redis"

// DefaultPort is used when an infra endpoint carries no port.
const DefaultPort = 6379

// Bookkeeping keys.
const (
	databasesKey   = "dbaas:databases"
	credentialsKey = "dbaas:credentials"
	grantsKey      = "dbaas:grants"
)

// Driver is the Redis engine adapter.
type Driver struct {
	drivers.Base

	mu     sync.Mutex
	client *goredis.Client
}

// New creates a Redis driver bound to infra with default options.
func New(infra *models.Infra) (drivers.Driver, error) {
	return NewWithOptions(infra, drivers.Options{}), nil
}

// NewWithOptions creates a Redis driver bound to infra.
func NewWithOptions(infra *models.Infra, opts drivers.Options) *Driver {
	return &Driver{Base: drivers.NewBase(infra, nil, opts)}
}

// NewWithClient creates a driver that talks to the engine through client.
func NewWithClient(infra *models.Infra, client *goredis.Client, opts drivers.Options) *Driver {
	d := NewWithOptions(infra, opts)
	d.client = client
	return d
}

func (d *Driver) options() *goredis.Options {
	host, port := d.Infra().HostPort(DefaultPort)
	return &goredis.Options{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Password:     d.Password(),
		DialTimeout:  d.Timeout(),
		ReadTimeout:  d.Timeout(),
		WriteTimeout: d.Timeout(),
		MaxRetries:   -1,
	}
}

func (d *Driver) rdb() *goredis.Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		d.client = goredis.NewClient(d.options())
	}
	return d.client
}

// classify maps go-redis failures onto the taxonomy.
func (d *Driver) classify(op string, err error) error {
	if err == nil {
		return nil
	}

	infra := d.Infra().Name
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NOAUTH"),
		strings.HasPrefix(msg, "WRONGPASS"),
		strings.Contains(msg, "invalid password"),
		strings.Contains(msg, "invalid username-password"):
		return drivers.NewAuthenticationError("access denied", err).WithInfra(infra).WithOperation(op)
	case errors.Is(err, io.EOF), errors.Is(err, goredis.ErrClosed):
		return drivers.NewConnectionError("connection lost", err).WithInfra(infra).WithOperation(op)
	}

	classified := drivers.ClassifyTransport(op, err)
	var de *drivers.DriverError
	if errors.As(classified, &de) {
		return de.WithInfra(infra)
	}
	return drivers.NewGenericError(op+" failed", err).WithInfra(infra).WithOperation(op)
}

// TestConnection implements drivers.Driver. Redis shares one password, so a
// credential is checked against the bookkeeping hash after the engine answers.
func (d *Driver) TestConnection(ctx context.Context, cred *models.Credential) (bool, error) {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	rdb := d.rdb()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return false, d.classify("test_connection", err)
	}
	if cred == nil {
		return true, nil
	}

	password, err := rdb.HGet(ctx, credentialsKey, cred.User).Result()
	if errors.Is(err, goredis.Nil) || (err == nil && password != cred.Password) {
		return false, drivers.NewAuthenticationError(fmt.Sprintf("user %s rejected", cred.User), nil).
			WithInfra(d.Infra().Name).WithOperation("test_connection")
	}
	if err != nil {
		return false, d.classify("test_connection", err)
	}
	return true, nil
}

// GetConnection implements drivers.Driver.
func (d *Driver) GetConnection(_ *models.Database) string {
	host, port := d.Infra().HostPort(DefaultPort)
	return fmt.Sprintf("redis://%s:%d/0", host, port)
}

// CheckStatus implements drivers.Driver.
func (d *Driver) CheckStatus(ctx context.Context) error {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	return d.classify("check_status", d.rdb().Ping(ctx).Err())
}

// Info implements drivers.Driver. INFO sections are best effort.
func (d *Driver) Info(ctx context.Context) (*drivers.InfraStatus, error) {
	names, err := d.ListDatabases(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	alive := d.rdb().Ping(ctx).Err() == nil
	status := drivers.NewInfraStatus(d.Infra())
	for _, name := range names {
		s := drivers.NewDatabaseStatus(name)
		s.IsAlive = alive
		status.SetDatabaseStatus(s)
	}

	if raw, err := d.rdb().Info(ctx, "server").Result(); err == nil {
		status.Version = parseInfo(raw)["redis_version"]
	}
	if raw, err := d.rdb().Info(ctx, "memory").Result(); err == nil {
		fields := parseInfo(raw)
		if used, err := strconv.ParseInt(fields["used_memory"], 10, 64); err == nil {
			status.UsedSizeInBytes = used
		}
		if max, err := strconv.ParseInt(fields["maxmemory"], 10, 64); err == nil && max > 0 {
			status.TotalSizeInBytes = max
		}
	}
	return status, nil
}

// CreateUser implements drivers.Driver. Roles are not supported by the engine
// and are ignored.
func (d *Driver) CreateUser(ctx context.Context, cred *models.Credential, _ ...string) error {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	rdb := d.rdb()
	created, err := rdb.HSetNX(ctx, credentialsKey, cred.User, cred.Password).Result()
	if err != nil {
		return d.classify("create_user", err)
	}
	if !created {
		return drivers.NewCredentialAlreadyExistsError(cred.User, nil).WithInfra(d.Infra().Name)
	}
	if err := rdb.HSet(ctx, grantsKey, cred.User, cred.Database).Err(); err != nil {
		return d.classify("create_user", err)
	}
	return nil
}

// UpdateUser implements drivers.Driver. The database grant is written again.
func (d *Driver) UpdateUser(ctx context.Context, cred *models.Credential) error {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	rdb := d.rdb()
	exists, err := rdb.HExists(ctx, credentialsKey, cred.User).Result()
	if err != nil {
		return d.classify("update_user", err)
	}
	if !exists {
		return drivers.NewInvalidCredentialError(cred.User, nil).WithInfra(d.Infra().Name)
	}
	if err := rdb.HSet(ctx, credentialsKey, cred.User, cred.Password).Err(); err != nil {
		return d.classify("update_user", err)
	}
	if cred.Database == "" {
		return nil
	}
	return d.classify("update_user", rdb.HSet(ctx, grantsKey, cred.User, cred.Database).Err())
}

// RemoveUser implements drivers.Driver.
func (d *Driver) RemoveUser(ctx context.Context, cred *models.Credential) error {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	rdb := d.rdb()
	removed, err := rdb.HDel(ctx, credentialsKey, cred.User).Result()
	if err != nil {
		return d.classify("remove_user", err)
	}
	if removed == 0 {
		return drivers.NewInvalidCredentialError(cred.User, nil).WithInfra(d.Infra().Name)
	}
	return d.classify("remove_user", rdb.HDel(ctx, grantsKey, cred.User).Err())
}

// ListUsers implements drivers.Driver.
func (d *Driver) ListUsers(ctx context.Context, instance string) ([]string, error) {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	grants, err := d.rdb().HGetAll(ctx, grantsKey).Result()
	if err != nil {
		return nil, d.classify("list_users", err)
	}
	users := make([]string, 0, len(grants))
	for user, database := range grants {
		if instance != "" && database != instance {
			continue
		}
		users = append(users, user)
	}
	sort.Strings(users)
	return users, nil
}

// CreateDatabase implements drivers.Driver.
func (d *Driver) CreateDatabase(ctx context.Context, db *models.Database) error {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	added, err := d.rdb().SAdd(ctx, databasesKey, db.Name).Result()
	if err != nil {
		return d.classify("create_database", err)
	}
	if added == 0 {
		return drivers.NewDatabaseAlreadyExistsError(db.Name, nil).WithInfra(d.Infra().Name)
	}
	return nil
}

// RemoveDatabase implements drivers.Driver.
func (d *Driver) RemoveDatabase(ctx context.Context, db *models.Database) error {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	removed, err := d.rdb().SRem(ctx, databasesKey, db.Name).Result()
	if err != nil {
		return d.classify("remove_database", err)
	}
	if removed == 0 {
		return drivers.NewDatabaseDoesNotExistError(db.Name, nil).WithInfra(d.Infra().Name)
	}
	return nil
}

// ListDatabases implements drivers.Driver.
func (d *Driver) ListDatabases(ctx context.Context) ([]string, error) {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	names, err := d.rdb().SMembers(ctx, databasesKey).Result()
	if err != nil {
		return nil, d.classify("list_databases", err)
	}
	sort.Strings(names)
	return names, nil
}

// ImportDatabases implements drivers.Driver.
func (d *Driver) ImportDatabases(ctx context.Context, inv drivers.Inventory) (int, error) {
	return drivers.ImportDatabases(ctx, d, inv)
}

// Close implements drivers.Driver.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	return err
}

// parseInfo reads the key:value lines of an INFO reply.
func parseInfo(raw string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			fields[k] = v
		}
	}
	return fields
}
