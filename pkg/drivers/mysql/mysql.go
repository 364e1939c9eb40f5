// Package mysql implements the MySQL engine adapter on top of
// go-sql-driver/mysql and sqlx.
package mysql

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/dbaas/dbaas/pkg/drivers"
	"github.com/dbaas/dbaas/pkg/models"
)

// Engine is the engine name the adapter registers under.
const Engine = "mysql"

// DefaultPort is used when an infra endpoint carries no port.
const DefaultPort = 3306

// MySQL server error numbers mapped onto the taxonomy.
const (
	errDBCreateExists = 1007
	errDBDropExists   = 1008
	errAccessDenied   = 1045
	errDBAccessDenied = 1044
	errBadDB          = 1049
	errCannotUser     = 1396
)

// ReservedDatabases are the MySQL system schemas.
var ReservedDatabases = []string{"information_schema", "mysql", "performance_schema", "sys"}

var (
	identRe = regexp.MustCompile(`^[A-Za-z0-9_$-]{1,64}$`)
	roleRe  = regexp.MustCompile(`^[A-Z][A-Z ]*$`)
)

// Opener opens an sqlx handle for a DSN. Replaced in tests.
type Opener func(dsn string) (*sqlx.DB, error)

func defaultOpener(dsn string) (*sqlx.DB, error) {
	return sqlx.Open("mysql", dsn)
}

// Driver is the MySQL engine adapter.
type Driver struct {
	drivers.Base

	mu   sync.Mutex
	db   *sqlx.DB
	open Opener
}

// New creates a MySQL driver bound to infra with default options.
func New(infra *models.Infra) (drivers.Driver, error) {
	return NewWithOptions(infra, drivers.Options{}), nil
}

// NewWithOptions creates a MySQL driver bound to infra.
func NewWithOptions(infra *models.Infra, opts drivers.Options) *Driver {
	return &Driver{
		Base: drivers.NewBase(infra, ReservedDatabases, opts),
		open: defaultOpener,
	}
}

// NewWithDB creates a driver that runs administrative statements on db.
// Per-credential connections are opened with open.
func NewWithDB(infra *models.Infra, db *sqlx.DB, open Opener, opts drivers.Options) *Driver {
	d := NewWithOptions(infra, opts)
	d.db = db
	if open != nil {
		d.open = open
	}
	return d
}

// dsn builds a go-sql-driver DSN for user/password against database.
func (d *Driver) dsn(user, password, database string) string {
	host, port := d.Infra().HostPort(DefaultPort)
	cfg := gomysql.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", host, port)
	cfg.DBName = database
	cfg.Timeout = d.Timeout()
	cfg.ReadTimeout = d.Timeout()
	cfg.WriteTimeout = d.Timeout()
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// admin returns the administrative connection, opening it on first use.
func (d *Driver) admin() (*sqlx.DB, error) {
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

// classify maps go-sql-driver failures onto the taxonomy.
func (d *Driver) classify(op, subject string, err error) error {
	if err == nil {
		return nil
	}

	infra := d.Infra().Name
	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errDBCreateExists:
			return drivers.NewDatabaseAlreadyExistsError(subject, err).WithInfra(infra).WithOperation(op)
		case errDBDropExists, errBadDB:
			return drivers.NewDatabaseDoesNotExistError(subject, err).WithInfra(infra).WithOperation(op)
		case errCannotUser:
			if op == "create_user" {
				return drivers.NewCredentialAlreadyExistsError(subject, err).WithInfra(infra).WithOperation(op)
			}
			return drivers.NewInvalidCredentialError(subject, err).WithInfra(infra).WithOperation(op)
		case errAccessDenied, errDBAccessDenied:
			return drivers.NewAuthenticationError("access denied", err).WithInfra(infra).WithOperation(op)
		}
		return drivers.NewGenericError(fmt.Sprintf("mysql error %d", myErr.Number), err).WithInfra(infra).WithOperation(op)
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, gomysql.ErrInvalidConn) {
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
	return fmt.Sprintf("mysql://%s:%d/%s", host, port, name)
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
	if err := db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return d.classify("check_status", "", err)
	}
	return nil
}

type schemaSize struct {
	Schema string `db:"schema_name"`
	Size   int64  `db:"size"`
}

// Info implements drivers.Driver.
func (d *Driver) Info(ctx context.Context) (*drivers.InfraStatus, error) {
	names, err := d.ListDatabases(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	db, err := d.admin()
	if err != nil {
		return nil, err
	}

	status := drivers.NewInfraStatus(d.Infra())
	for _, name := range names {
		s := drivers.NewDatabaseStatus(name)
		s.IsAlive = true
		status.SetDatabaseStatus(s)
	}

	var version string
	if err := db.GetContext(ctx, &version, "SELECT VERSION()"); err == nil {
		status.Version = version
	}

	var sizes []schemaSize
	err = db.SelectContext(ctx, &sizes,
		"SELECT table_schema AS schema_name, COALESCE(SUM(data_length + index_length), 0) AS size "+
			"FROM information_schema.TABLES GROUP BY table_schema")
	if err == nil {
		var used int64
		for _, sz := range sizes {
			if s, ok := status.GetDatabaseStatus(sz.Schema); ok {
				s.UsedSizeInBytes = sz.Size
			}
			used += sz.Size
		}
		status.UsedSizeInBytes = used
	}

	return status, nil
}

// CreateUser implements drivers.Driver. Without roles the user is granted
// all privileges on its database.
func (d *Driver) CreateUser(ctx context.Context, cred *models.Credential, roles ...string) error {
	if err := validateIdent(cred.User); err != nil {
		return err
	}
	if err := validateIdent(cred.Database); err != nil {
		return err
	}
	privileges, err := privilegeList(roles)
	if err != nil {
		return err
	}

	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	db, err := d.admin()
	if err != nil {
		return err
	}

	account := quoteAccount(cred.User)
	if _, err := db.ExecContext(ctx, "CREATE USER "+account+" IDENTIFIED BY "+quoteLiteral(cred.Password)); err != nil {
		return d.classify("create_user", cred.User, err)
	}
	if _, err := db.ExecContext(ctx, grantStatement(privileges, cred.Database, account)); err != nil {
		return d.classify("create_user", cred.User, err)
	}
	return nil
}

// UpdateUser implements drivers.Driver. The grant on cred.Database is
// re-applied so a user whose CREATE USER succeeded but whose GRANT was lost
// converges to the same privileges.
func (d *Driver) UpdateUser(ctx context.Context, cred *models.Credential) error {
	if err := validateIdent(cred.User); err != nil {
		return err
	}
	privileges, err := privilegeList(cred.Roles)
	if err != nil {
		return err
	}
	if cred.Database != "" {
		if err := validateIdent(cred.Database); err != nil {
			return err
		}
	}

	ctx, cancel := d.WithTimeout(ctx)
	defer cancel()

	db, err := d.admin()
	if err != nil {
		return err
	}
	account := quoteAccount(cred.User)
	if _, err := db.ExecContext(ctx, "ALTER USER "+account+" IDENTIFIED BY "+quoteLiteral(cred.Password)); err != nil {
		return d.classify("update_user", cred.User, err)
	}
	if cred.Database == "" {
		return nil
	}
	if _, err := db.ExecContext(ctx, grantStatement(privileges, cred.Database, account)); err != nil {
		return d.classify("update_user", cred.User, err)
	}
	return nil
}

// privilegeList validates roles as MySQL privileges. No roles means all privileges.
func privilegeList(roles []string) (string, error) {
	if len(roles) == 0 {
		return "ALL PRIVILEGES", nil
	}
	for _, r := range roles {
		if !roleRe.MatchString(r) {
			return "", drivers.NewValidationError(fmt.Sprintf("invalid privilege %q", r))
		}
	}
	return strings.Join(roles, ", "), nil
}

func grantStatement(privileges, database, account string) string {
	return fmt.Sprintf("GRANT %s ON %s.* TO %s", privileges, quoteIdent(database), account)
}

// RemoveUser implements drivers.Driver.
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
	if _, err := db.ExecContext(ctx, "DROP USER "+quoteAccount(cred.User)); err != nil {
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

	var users []string
	if instance == "" {
		err = db.SelectContext(ctx, &users, "SELECT DISTINCT User FROM mysql.user ORDER BY User")
	} else {
		err = db.SelectContext(ctx, &users, "SELECT DISTINCT User FROM mysql.db WHERE Db = ? ORDER BY User", instance)
	}
	if err != nil {
		return nil, d.classify("list_users", instance, err)
	}
	sort.Strings(users)
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
	if _, err := db.ExecContext(ctx, "CREATE DATABASE "+quoteIdent(database.Name)); err != nil {
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
	if _, err := db.ExecContext(ctx, "DROP DATABASE "+quoteIdent(database.Name)); err != nil {
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

	var names []string
	if err := db.SelectContext(ctx, &names, "SELECT SCHEMA_NAME FROM information_schema.SCHEMATA ORDER BY SCHEMA_NAME"); err != nil {
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

	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

func validateIdent(name string) error {
	if !identRe.MatchString(name) {
		return drivers.NewValidationError(fmt.Sprintf("invalid mysql identifier %q", name))
	}
	return nil
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func quoteLiteral(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteAccount(user string) string {
	return quoteLiteral(user) + "@'%'"
}
