// Package postgres implements the PostgreSQL engine adapter on top of lib/pq.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/models"
)

// Engine is the engine name the adapter registers under.
const Engine = "postgres"

// DefaultPort is used when an infra endpoint carries no port.
const DefaultPort = 5432

// SQLSTATE codes mapped onto the taxonomy.
const (
	codeDuplicateDatabase    = "42P04"
	codeInvalidCatalogName   = "3D000"
	codeDuplicateObject      = "42710"
	codeUndefinedObject      = "42704"
	codeInvalidPassword      = "28P01"
	codeInvalidAuthorization = "28000"
)

// ReservedDatabases are the PostgreSQL system databases.
var ReservedDatabases = []string{"postgres", "template0", "template1"}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$-]{0,62}$`)

// Opener opens a database/sql handle for a DSN. Replaced in tests.
type Opener func(dsn string) (*sql.DB, error)

func defaultOpener(dsn string) (*sql.DB, error) {
	return sql.Open("postgres", dsn)
}

// Driver is the PostgreSQL engine adapter.
type Driver struct {
	drivers.Base

	// SSLMode is passed to lib/pq as sslmode.
	SSLMode string

	mu   sync.Mutex
	db   *sql.DB
	open Opener
}

// New creates a PostgreSQL driver bound to infra with default options.
func New(infra *models.Infra) (drivers.Driver, error) {
	return NewWithOptions(infra, drivers.Options{}), nil
}

// NewWithOptions creates a PostgreSQL driver bound to infra.
func NewWithOptions(infra *models.Infra, opts drivers.Options) *Driver {
	return &Driver{
		Base:    drivers.NewBase(infra, ReservedDatabases, opts),
		SSLMode: "disable",
		open:    defaultOpener,
	}
}

// NewWithDB creates a driver that runs administrative statements on db.
// Per-credential connections are opened with open.
func NewWithDB(infra *models.Infra, db *sql.DB, open Opener, opts drivers.Options) *Driver {
	d := NewWithOptions(infra, opts)
	d.db = db
	if open != nil {
		d.open = open
	}
	return d
}

// dsn builds a lib/pq URL for user/password against database.
func (d *Driver) dsn(user, password, database string) string {
	host, port := d.Infra().HostPort(DefaultPort)
	if database == "" {
		database = "postgres"
	}
	q := url.Values{}
	q.Set("sslmode", d.SSLMode)
	q.Set("connect_timeout", strconv.Itoa(int(d.Timeout()/time.Second)))
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, password),
		Host:     fmt.Sprintf("%s:%d", host, port),
		Path:     "/" + database,
		RawQuery: q.Encode(),
	}
	return u.String()
}

func (d *Driver) admin() (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db != nil {
		return d.db, nil
	}
	db, err := d.open(d.dsn(d.User(), d.Password(), ""))
	if err != nil {
		return nil, drivers.NewConnectionError("failed to open admin connection", err).WithInfra(d.Infra().Name)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)
	d.db = db
	return db, nil
}

// classify maps lib/pq failures onto the taxonomy.
func (d *Driver) classify(op, subject string, err error) error {
	if err == nil {
		return nil
	}

	infra := d.Infra().Name
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case codeDuplicateDatabase:
			return drivers.NewDatabaseAlreadyExistsError(subject, err).WithInfra(infra).WithOperation(op)
		case codeInvalidCatalogName:
			return drivers.NewDatabaseDoesNotExistError(subject, err).WithInfra(infra).WithOperation(op)
		case codeDuplicateObject:
			return drivers.NewCredentialAlreadyExistsError(subject, err).WithInfra(infra).WithOperation(op)
		case codeUndefinedObject:
			return drivers.NewInvalidCredentialError(subject, err).WithInfra(infra).WithOperation(op)
		case codeInvalidPassword, codeInvalidAuthorization:
			return drivers.NewAuthenticationError("access denied", err).WithInfra(infra).WithOperation(op)
		}
		if pqErr.Code.Class() == "08" {
			return drivers.NewConnectionError(pqErr.Code.Name(), err).WithInfra(infra).WithOperation(op)
		}
		return drivers.NewGenericError("postgres error "+pqErr.Code.Name(), err).WithInfra(infra).WithOperation(op)
	}

	if errors.Is(err, driver.ErrBadConn) {
		return drivers.NewConnectionError("connection lost", err).WithInfra(infra).WithOperation(op)
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
		db, err := d.admin()
		if err != nil {
			return false, err
		}
		if err := db.PingContext(ctx); err != nil {
			return false, d.classify("test_connection", d.User(), err)
		}
		return true, nil
	}

	db, err := d.open(d.dsn(cred.User, cred.Password, cred.Database))
	if err != nil {
		return false, d.classify("test_connection", cred.User, err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return false, d.classify("test_connection", cred.User, err)
	}
	return true, nil
}

// GetConnection implements drivers.Driver.
func (d *Driver) GetConnection(db *models.Database) string {
	host, port := d.Infra().HostPort(DefaultPort)
	name := ""
	if db != nil {
		name = db.Name
	}
	return fmt.Sprintf("postgres://%s:%d/%s", host, port, name)
}

// CheckStatus implements drivers.Driver.
func (d *Driver) CheckStatus(ctx context.Context) error {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	db, err := d.admin()
	if err != nil {
		return err
	}
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return d.classify("check_status", "", err)
	}
	return nil
}

// Info implements drivers.Driver.
func (d *Driver) Info(ctx context.Context) (*drivers.InfraStatus, error) {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	db, err := d.admin()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, "SELECT datname, pg_database_size(datname) FROM pg_database ORDER BY datname")
	if err != nil {
		return nil, d.classify("info", "", err)
	}
	defer rows.Close()

	status := drivers.NewInfraStatus(d.Infra())
	var used int64
	for rows.Next() {
		var (
			name string
			size int64
		)
		if err := rows.Scan(&name, &size); err != nil {
			return nil, d.classify("info", "", err)
		}
		s := drivers.NewDatabaseStatus(name)
		s.IsAlive = true
		s.UsedSizeInBytes = size
		status.SetDatabaseStatus(s)
		used += size
	}
	if err := rows.Err(); err != nil {
		return nil, d.classify("info", "", err)
	}
	status.UsedSizeInBytes = used

	var version string
	if err := db.QueryRowContext(ctx, "SHOW server_version").Scan(&version); err == nil {
		status.Version = version
	}
	return status, nil
}

// CreateUser implements drivers.Driver. Without roles the user receives all
// privileges on its database. Roles are granted as role memberships.
func (d *Driver) CreateUser(ctx context.Context, cred *models.Credential, roles ...string) error {
	if err := validateIdent(cred.User); err != nil {
		return err
	}
	grants, err := grantStatements(cred.User, cred.Database, roles)
	if err != nil {
		return err
	}

	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	db, err := d.admin()
	if err != nil {
		return err
	}

	user := pq.QuoteIdentifier(cred.User)
	if _, err := db.ExecContext(ctx, "CREATE ROLE "+user+" WITH LOGIN PASSWORD "+pq.QuoteLiteral(cred.Password)); err != nil {
		return d.classify("create_user", cred.User, err)
	}
	for _, g := range grants {
		if _, err := db.ExecContext(ctx, g); err != nil {
			return d.classify("grant_user", cred.User, err)
		}
	}
	return nil
}

// UpdateUser implements drivers.Driver. GRANT is idempotent, so the grants
// of cred are applied again after the password reset.
func (d *Driver) UpdateUser(ctx context.Context, cred *models.Credential) error {
	if err := validateIdent(cred.User); err != nil {
		return err
	}
	var grants []string
	if cred.Database != "" {
		var err error
		if grants, err = grantStatements(cred.User, cred.Database, cred.Roles); err != nil {
			return err
		}
	}

	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	db, err := d.admin()
	if err != nil {
		return err
	}
	stmt := "ALTER ROLE " + pq.QuoteIdentifier(cred.User) + " WITH PASSWORD " + pq.QuoteLiteral(cred.Password)
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return d.classify("update_user", cred.User, err)
	}
	for _, g := range grants {
		if _, err := db.ExecContext(ctx, g); err != nil {
			return d.classify("grant_user", cred.User, err)
		}
	}
	return nil
}

// grantStatements builds the GRANTs of user: all privileges on database, or
// membership in each role.
func grantStatements(user, database string, roles []string) ([]string, error) {
	if err := validateIdent(database); err != nil {
		return nil, err
	}
	quoted := pq.QuoteIdentifier(user)
	if len(roles) == 0 {
		return []string{fmt.Sprintf("GRANT ALL PRIVILEGES ON DATABASE %s TO %s", pq.QuoteIdentifier(database), quoted)}, nil
	}
	grants := make([]string, 0, len(roles))
	for _, r := range roles {
		if err := validateIdent(r); err != nil {
			return nil, err
		}
		grants = append(grants, fmt.Sprintf("GRANT %s TO %s", pq.QuoteIdentifier(r), quoted))
	}
	return grants, nil
}

// RemoveUser implements drivers.Driver. Database privileges are revoked
// first since PostgreSQL refuses to drop a role that still holds them.
func (d *Driver) RemoveUser(ctx context.Context, cred *models.Credential) error {
	if err := validateIdent(cred.User); err != nil {
		return err
	}

	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	db, err := d.admin()
	if err != nil {
		return err
	}

	user := pq.QuoteIdentifier(cred.User)
	if cred.Database != "" {
		revoke := fmt.Sprintf("REVOKE ALL PRIVILEGES ON DATABASE %s FROM %s", pq.QuoteIdentifier(cred.Database), user)
		if _, err := db.ExecContext(ctx, revoke); err != nil {
			if !isCode(err, codeInvalidCatalogName) {
				return d.classify("remove_user", cred.User, err)
			}
		}
	}
	if _, err := db.ExecContext(ctx, "DROP ROLE "+user); err != nil {
		return d.classify("remove_user", cred.User, err)
	}
	return nil
}

// ListUsers implements drivers.Driver.
func (d *Driver) ListUsers(ctx context.Context, instance string) ([]string, error) {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	db, err := d.admin()
	if err != nil {
		return nil, err
	}

	var rows *sql.Rows
	if instance == "" {
		rows, err = db.QueryContext(ctx, "SELECT rolname FROM pg_roles WHERE rolcanlogin ORDER BY rolname")
	} else {
		rows, err = db.QueryContext(ctx,
			"SELECT r.rolname FROM pg_roles r, pg_database d "+
				"WHERE d.datname = $1 AND r.rolcanlogin AND NOT r.rolsuper "+
				"AND has_database_privilege(r.oid, d.oid, 'CREATE') ORDER BY r.rolname", instance)
	}
	if err != nil {
		return nil, d.classify("list_users", instance, err)
	}
	defer rows.Close()

	users, err := scanNames(rows)
	if err != nil {
		return nil, d.classify("list_users", instance, err)
	}
	return users, nil
}

// CreateDatabase implements drivers.Driver.
func (d *Driver) CreateDatabase(ctx context.Context, database *models.Database) error {
	if err := validateIdent(database.Name); err != nil {
		return err
	}

	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	db, err := d.admin()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(database.Name)); err != nil {
		return d.classify("create_database", database.Name, err)
	}
	return nil
}

// RemoveDatabase implements drivers.Driver.
func (d *Driver) RemoveDatabase(ctx context.Context, database *models.Database) error {
	if err := validateIdent(database.Name); err != nil {
		return err
	}

	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	db, err := d.admin()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "DROP DATABASE "+pq.QuoteIdentifier(database.Name)); err != nil {
		return d.classify("remove_database", database.Name, err)
	}
	return nil
}

// ListDatabases implements drivers.Driver.
func (d *Driver) ListDatabases(ctx context.Context) ([]string, error) {
	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	db, err := d.admin()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, "SELECT datname FROM pg_database ORDER BY datname")
	if err != nil {
		return nil, d.classify("list_databases", "", err)
	}
	defer rows.Close()

	names, err := scanNames(rows)
	if err != nil {
		return nil, d.classify("list_databases", "", err)
	}
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

	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

func scanNames(rows *sql.Rows) ([]string, error) {
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func isCode(err error, code string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == code
}

func validateIdent(name string) error {
	if !identRe.MatchString(name) || strings.HasPrefix(name, "pg_") {
		return drivers.NewValidationError(fmt.Sprintf("invalid postgres identifier %q", name))
	}
	return nil
}
