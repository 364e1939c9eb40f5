// Package fake provides an in-memory engine adapter. Engine state is shared
// by infra ID so it survives driver re-construction, like a real server
// would. Faults can be injected per operation to exercise retry paths.
package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/models"
)

// Engine is the engine name the fake adapter registers under.
const Engine = "fake"

// Operation names accepted by Inject.
const (
	OpTestConnection = "test_connection"
	OpCheckStatus    = "check_status"
	OpInfo           = "info"
	OpCreateUser     = "create_user"
	OpUpdateUser     = "update_user"
	OpRemoveUser     = "remove_user"
	OpListUsers      = "list_users"
	OpCreateDatabase = "create_database"
	OpRemoveDatabase = "remove_database"
	OpListDatabases  = "list_databases"
)

// reservedNames are the system databases of the fake engine.
var reservedNames = []string{"system"}

type fault struct {
	err   error
	times int
}

// server is the in-memory state of one fake infra.
type server struct {
	mu        sync.Mutex
	databases map[string]int64
	users     map[string]string
	grants    map[string]string
	faults    map[string]*fault
	calls     map[string]int
	password  string
}

var (
	serversMu sync.Mutex
	servers   = make(map[string]*server)
)

func serverFor(infra *models.Infra) *server {
	serversMu.Lock()
	defer serversMu.Unlock()

	s, ok := servers[infra.ID]
	if !ok {
		s = newServer(infra.Password)
		// Unregistered infras get a throwaway server.
		if infra.ID != "" {
			servers[infra.ID] = s
		}
	}
	if s.password == "" && infra.Password != "" {
		s.password = infra.Password
	}
	return s
}

func newServer(password string) *server {
	return &server{
		databases: map[string]int64{"system": 1024},
		users:     make(map[string]string),
		grants:    make(map[string]string),
		faults:    make(map[string]*fault),
		calls:     make(map[string]int),
		password:  password,
	}
}

// Reset drops the state of every fake infra.
func Reset() {
	serversMu.Lock()
	defer serversMu.Unlock()
	servers = make(map[string]*server)
}

// Inject makes the next times calls of op on infraID fail with err.
// A negative times fails every call until Clear.
func Inject(infraID, op string, err error, times int) {
	s := serverFor(&models.Infra{ID: infraID})
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = &fault{err: err, times: times}
}

// Clear removes every injected fault on infraID.
func Clear(infraID string) {
	s := serverFor(&models.Infra{ID: infraID})
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = make(map[string]*fault)
}

// Calls returns how many times op was invoked on infraID.
func Calls(infraID, op string) int {
	s := serverFor(&models.Infra{ID: infraID})
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// SetAdminPassword changes the password the fake server accepts for the admin user.
func SetAdminPassword(infraID, password string) {
	s := serverFor(&models.Infra{ID: infraID})
	s.mu.Lock()
	defer s.mu.Unlock()
	s.password = password
}

// AddDatabase creates a database directly on the server, bypassing the control plane.
func AddDatabase(infraID, name string) {
	s := serverFor(&models.Infra{ID: infraID})
	s.mu.Lock()
	defer s.mu.Unlock()
	s.databases[name] = 0
}

// Driver is the fake engine adapter.
type Driver struct {
	drivers.Base
	srv *server
}

// New creates a fake driver bound to infra.
func New(infra *models.Infra) (drivers.Driver, error) {
	return &Driver{
		Base: drivers.NewBase(infra, reservedNames, drivers.Options{}),
		srv:  serverFor(infra),
	}, nil
}

// enter records the call and returns the injected fault, if any. Caller holds srv.mu.
func (d *Driver) enter(op string) error {
	d.srv.calls[op]++
	if f, ok := d.srv.faults[op]; ok && f.times != 0 {
		if f.times > 0 {
			f.times--
		}
		return f.err
	}
	if d.Password() != d.srv.password {
		return drivers.NewAuthenticationError("admin credential rejected", nil).
			WithInfra(d.Infra().Name).WithOperation(op)
	}
	return nil
}

// TestConnection implements drivers.Driver.
func (d *Driver) TestConnection(_ context.Context, cred *models.Credential) (bool, error) {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()

	if err := d.enter(OpTestConnection); err != nil {
		return false, err
	}
	if cred == nil {
		return true, nil
	}
	password, ok := d.srv.users[cred.User]
	if !ok || password != cred.Password {
		return false, drivers.NewAuthenticationError(fmt.Sprintf("user %s rejected", cred.User), nil)
	}
	return true, nil
}

// GetConnection implements drivers.Driver.
func (d *Driver) GetConnection(db *models.Database) string {
	name := ""
	if db != nil {
		name = db.Name
	}
	return fmt.Sprintf("fake://%s/%s", d.Infra().Endpoint(), name)
}

// CheckStatus implements drivers.Driver.
func (d *Driver) CheckStatus(_ context.Context) error {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()
	return d.enter(OpCheckStatus)
}

// Info implements drivers.Driver.
func (d *Driver) Info(_ context.Context) (*drivers.InfraStatus, error) {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()

	if err := d.enter(OpInfo); err != nil {
		return nil, err
	}

	status := drivers.NewInfraStatus(d.Infra())
	status.Version = d.Infra().EngineVersion
	var used int64
	for name, size := range d.srv.databases {
		db := drivers.NewDatabaseStatus(name)
		db.IsAlive = true
		db.UsedSizeInBytes = size
		status.SetDatabaseStatus(db)
		used += size
	}
	status.UsedSizeInBytes = used
	return status, nil
}

// CreateUser implements drivers.Driver.
func (d *Driver) CreateUser(_ context.Context, cred *models.Credential, _ ...string) error {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()

	if err := d.enter(OpCreateUser); err != nil {
		return err
	}
	if _, exists := d.srv.users[cred.User]; exists {
		return drivers.NewCredentialAlreadyExistsError(cred.User, nil).WithInfra(d.Infra().Name)
	}
	d.srv.users[cred.User] = cred.Password
	d.srv.grants[cred.User] = cred.Database
	return nil
}

// UpdateUser implements drivers.Driver.
func (d *Driver) UpdateUser(_ context.Context, cred *models.Credential) error {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()

	if err := d.enter(OpUpdateUser); err != nil {
		return err
	}
	if _, exists := d.srv.users[cred.User]; !exists {
		return drivers.NewInvalidCredentialError(cred.User, nil).WithInfra(d.Infra().Name)
	}
	d.srv.users[cred.User] = cred.Password
	if cred.Database != "" {
		d.srv.grants[cred.User] = cred.Database
	}
	return nil
}

// RemoveUser implements drivers.Driver.
func (d *Driver) RemoveUser(_ context.Context, cred *models.Credential) error {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()

	if err := d.enter(OpRemoveUser); err != nil {
		return err
	}
	if _, exists := d.srv.users[cred.User]; !exists {
		return drivers.NewInvalidCredentialError(cred.User, nil).WithInfra(d.Infra().Name)
	}
	delete(d.srv.users, cred.User)
	delete(d.srv.grants, cred.User)
	return nil
}

// ListUsers implements drivers.Driver.
func (d *Driver) ListUsers(_ context.Context, instance string) ([]string, error) {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()

	if err := d.enter(OpListUsers); err != nil {
		return nil, err
	}
	users := make([]string, 0, len(d.srv.users))
	for user := range d.srv.users {
		if instance != "" && d.srv.grants[user] != instance {
			continue
		}
		users = append(users, user)
	}
	sort.Strings(users)
	return users, nil
}

// CreateDatabase implements drivers.Driver.
func (d *Driver) CreateDatabase(_ context.Context, db *models.Database) error {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()

	if err := d.enter(OpCreateDatabase); err != nil {
		return err
	}
	if _, exists := d.srv.databases[db.Name]; exists {
		return drivers.NewDatabaseAlreadyExistsError(db.Name, nil).WithInfra(d.Infra().Name)
	}
	d.srv.databases[db.Name] = 0
	return nil
}

// RemoveDatabase implements drivers.Driver.
func (d *Driver) RemoveDatabase(_ context.Context, db *models.Database) error {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()

	if err := d.enter(OpRemoveDatabase); err != nil {
		return err
	}
	if _, exists := d.srv.databases[db.Name]; !exists {
		return drivers.NewDatabaseDoesNotExistError(db.Name, nil).WithInfra(d.Infra().Name)
	}
	delete(d.srv.databases, db.Name)
	return nil
}

// ListDatabases implements drivers.Driver.
func (d *Driver) ListDatabases(_ context.Context) ([]string, error) {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()

	if err := d.enter(OpListDatabases); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(d.srv.databases))
	for name := range d.srv.databases {
		names = append(names, name)
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
	return nil
}
