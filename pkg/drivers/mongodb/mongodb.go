// Package mongodb implements the MongoDB engine adapter on top of the
// official mongo-driver.
package mongodb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.mongodb.org/mongo-driver/x/mongo/driver/topology"

	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/models"
)

// Engine is the engine name the adapter registers under.
const Engine = "mongodb"

// DefaultPort is used when an infra endpoint carries no port.
const DefaultPort = 27017

// Server error codes mapped onto the taxonomy.
const (
	codeUserNotFound         = 11
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
	codeNamespaceExists      = 48
	codeUserAlreadyExists    = 51003
)

// ReservedDatabases are the MongoDB system databases.
var ReservedDatabases = []string{"admin", "config", "local"}

// markerCollection materializes a database, which MongoDB otherwise creates lazily.
const markerCollection = "dbaas_marker"

// Driver is the MongoDB engine adapter.
type Driver struct {
	drivers.Base

	mu     sync.Mutex
	client *mongo.Client
}

// New creates a MongoDB driver bound to infra with default options.
func New(infra *models.Infra) (drivers.Driver, error) {
	return NewWithOptions(infra, drivers.Options{}), nil
}

// NewWithOptions creates a MongoDB driver bound to infra.
func NewWithOptions(infra *models.Infra, opts drivers.Options) *Driver {
	return &Driver{Base: drivers.NewBase(infra, ReservedDatabases, opts)}
}

// hosts returns the replica set members as host:port.
func (d *Driver) hosts() []string {
	hosts := make([]string, 0, len(d.Infra().Endpoints))
	for _, e := range d.Infra().Endpoints {
		if !strings.Contains(e, ":") {
			e = fmt.Sprintf("%s:%d", e, DefaultPort)
		}
		hosts = append(hosts, e)
	}
	return hosts
}

func (d *Driver) clientOptions(user, password, authSource string) *options.ClientOptions {
	opts := options.Client().
		SetHosts(d.hosts()).
		SetConnectTimeout(d.Timeout()).
		SetServerSelectionTimeout(d.Timeout()).
		SetRetryWrites(false)
	if user != "" {
		opts.SetAuth(options.Credential{
			Username:   user,
			Password:   password,
			AuthSource: authSource,
		})
	}
	return opts
}

func (d *Driver) admin(ctx context.Context) (*mongo.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client != nil {
		return d.client, nil
	}
	client, err := mongo.Connect(ctx, d.clientOptions(d.User(), d.Password(), "admin"))
	if err != nil {
		return nil, d.classify("connect", "", err)
	}
	d.client = client
	return client, nil
}

// classify maps mongo-driver failures onto the taxonomy.
func (d *Driver) classify(op, subject string, err error) error {
	if err == nil {
		return nil
	}

	infra := d.Infra().Name
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Code {
		case codeUserAlreadyExists:
			return drivers.NewCredentialAlreadyExistsError(subject, err).WithInfra(infra).WithOperation(op)
		case codeUserNotFound:
			return drivers.NewInvalidCredentialError(subject, err).WithInfra(infra).WithOperation(op)
		case codeNamespaceExists:
			return drivers.NewDatabaseAlreadyExistsError(subject, err).WithInfra(infra).WithOperation(op)
		case codeAuthenticationFailed, codeUnauthorized:
			return drivers.NewAuthenticationError("access denied", err).WithInfra(infra).WithOperation(op)
		}
		if cmdErr.HasErrorLabel("NetworkError") {
			return drivers.NewConnectionError("network error", err).WithInfra(infra).WithOperation(op)
		}
		return drivers.NewGenericError(fmt.Sprintf("mongodb error %d", cmdErr.Code), err).WithInfra(infra).WithOperation(op)
	}

	if strings.Contains(err.Error(), "AuthenticationFailed") || strings.Contains(err.Error(), "auth error") {
		return drivers.NewAuthenticationError("access denied", err).WithInfra(infra).WithOperation(op)
	}

	var selErr topology.ServerSelectionError
	if errors.As(err, &selErr) || mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return drivers.NewConnectionError("engine unreachable", err).WithInfra(infra).WithOperation(op)
	}

	classified := drivers.ClassifyTransport(op, err)
	var de *drivers.DriverError
	if errors.As(classified, &de) {
		return de.WithInfra(infra)
	}
	return drivers.NewGenericError(op+" failed", err).WithInfra(infra).WithOperation(op)
}

// TestConnection implements drivers.Driver.
func (d *Driver) TestConnection(ctx context.Context, cred *models.Credential) (bool, error) {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	if cred == nil {
		client, err := d.admin(ctx)
		if err != nil {
			return false, err
		}
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			return false, d.classify("test_connection", d.User(), err)
		}
		return true, nil
	}

	client, err := mongo.Connect(ctx, d.clientOptions(cred.User, cred.Password, cred.Database))
	if err != nil {
		return false, d.classify("test_connection", cred.User, err)
	}
	defer client.Disconnect(context.Background())

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return false, d.classify("test_connection", cred.User, err)
	}
	return true, nil
}

// GetConnection implements drivers.Driver.
func (d *Driver) GetConnection(db *models.Database) string {
	name := ""
	if db != nil {
		name = db.Name
	}
	return fmt.Sprintf("mongodb://%s/%s", strings.Join(d.hosts(), ","), name)
}

// CheckStatus implements drivers.Driver.
func (d *Driver) CheckStatus(ctx context.Context) error {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	client, err := d.admin(ctx)
	if err != nil {
		return err
	}
	return d.classify("check_status", "", client.Ping(ctx, readpref.Primary()))
}

// Info implements drivers.Driver.
func (d *Driver) Info(ctx context.Context) (*drivers.InfraStatus, error) {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	client, err := d.admin(ctx)
	if err != nil {
		return nil, err
	}
	result, err := client.ListDatabases(ctx, bson.D{})
	if err != nil {
		return nil, d.classify("info", "", err)
	}

	status := drivers.NewInfraStatus(d.Infra())
	status.UsedSizeInBytes = result.TotalSize
	for _, spec := range result.Databases {
		s := drivers.NewDatabaseStatus(spec.Name)
		s.IsAlive = true
		s.UsedSizeInBytes = spec.SizeOnDisk
		status.SetDatabaseStatus(s)
	}

	var build struct {
		Version string `bson:"version"`
	}
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "buildInfo", Value: 1}}).Decode(&build); err == nil {
		status.Version = build.Version
	}
	return status, nil
}

// userRoles builds the roles document for createUser. Without roles the
// user gets readWrite on its database.
func userRoles(database string, roles []string) bson.A {
	if len(roles) == 0 {
		roles = []string{"readWrite"}
	}
	out := make(bson.A, 0, len(roles))
	for _, r := range roles {
		out = append(out, bson.D{{Key: "role", Value: r}, {Key: "db", Value: database}})
	}
	return out
}

// CreateUser implements drivers.Driver. The user is created in its own database.
func (d *Driver) CreateUser(ctx context.Context, cred *models.Credential, roles ...string) error {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	client, err := d.admin(ctx)
	if err != nil {
		return err
	}
	cmd := bson.D{
		{Key: "createUser", Value: cred.User},
		{Key: "pwd", Value: cred.Password},
		{Key: "roles", Value: userRoles(cred.Database, roles)},
	}
	if err := client.Database(cred.Database).RunCommand(ctx, cmd).Err(); err != nil {
		return d.classify("create_user", cred.User, err)
	}
	return nil
}

// UpdateUser implements drivers.Driver.
func (d *Driver) UpdateUser(ctx context.Context, cred *models.Credential) error {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	client, err := d.admin(ctx)
	if err != nil {
		return err
	}
	cmd := bson.D{{Key: "updateUser", Value: cred.User}, {Key: "pwd", Value: cred.Password}}
	if err := client.Database(cred.Database).RunCommand(ctx, cmd).Err(); err != nil {
		return d.classify("update_user", cred.User, err)
	}
	return nil
}

// RemoveUser implements drivers.Driver.
func (d *Driver) RemoveUser(ctx context.Context, cred *models.Credential) error {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	client, err := d.admin(ctx)
	if err != nil {
		return err
	}
	cmd := bson.D{{Key: "dropUser", Value: cred.User}}
	if err := client.Database(cred.Database).RunCommand(ctx, cmd).Err(); err != nil {
		return d.classify("remove_user", cred.User, err)
	}
	return nil
}

type usersInfo struct {
	Users []struct {
		User string `bson:"user"`
		DB   string `bson:"db"`
	} `bson:"users"`
}

// ListUsers implements drivers.Driver.
func (d *Driver) ListUsers(ctx context.Context, instance string) ([]string, error) {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	client, err := d.admin(ctx)
	if err != nil {
		return nil, err
	}

	database := instance
	cmd := bson.D{{Key: "usersInfo", Value: 1}}
	if instance == "" {
		database = "admin"
		cmd = bson.D{{Key: "usersInfo", Value: bson.D{{Key: "forAllDBs", Value: true}}}}
	}

	var info usersInfo
	if err := client.Database(database).RunCommand(ctx, cmd).Decode(&info); err != nil {
		return nil, d.classify("list_users", instance, err)
	}
	users := make([]string, 0, len(info.Users))
	for _, u := range info.Users {
		users = append(users, u.User)
	}
	sort.Strings(users)
	return users, nil
}

func (d *Driver) exists(ctx context.Context, client *mongo.Client, name string) (bool, error) {
	names, err := client.ListDatabaseNames(ctx, bson.D{{Key: "name", Value: name}})
	if err != nil {
		return false, err
	}
	return len(names) > 0, nil
}

// CreateDatabase implements drivers.Driver.
func (d *Driver) CreateDatabase(ctx context.Context, db *models.Database) error {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	client, err := d.admin(ctx)
	if err != nil {
		return err
	}
	found, err := d.exists(ctx, client, db.Name)
	if err != nil {
		return d.classify("create_database", db.Name, err)
	}
	if found {
		return drivers.NewDatabaseAlreadyExistsError(db.Name, nil).WithInfra(d.Infra().Name)
	}
	if err := client.Database(db.Name).CreateCollection(ctx, markerCollection); err != nil {
		return d.classify("create_database", db.Name, err)
	}
	return nil
}

// RemoveDatabase implements drivers.Driver.
func (d *Driver) RemoveDatabase(ctx context.Context, db *models.Database) error {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	client, err := d.admin(ctx)
	if err != nil {
		return err
	}
	found, err := d.exists(ctx, client, db.Name)
	if err != nil {
		return d.classify("remove_database", db.Name, err)
	}
	if !found {
		return drivers.NewDatabaseDoesNotExistError(db.Name, nil).WithInfra(d.Infra().Name)
	}
	if err := client.Database(db.Name).Drop(ctx); err != nil {
		return d.classify("remove_database", db.Name, err)
	}
	return nil
}

// ListDatabases implements drivers.Driver.
func (d *Driver) ListDatabases(ctx context.Context) ([]string, error) {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	client, err := d.admin(ctx)
	if err != nil {
		return nil, err
	}
	names, err := client.ListDatabaseNames(ctx, bson.D{})
	if err != nil {
		return nil, d.classify("list_databases", "", err)
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
	err := d.client.Disconnect(context.Background())
	d.client = nil
	return err
}
