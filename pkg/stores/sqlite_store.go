package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/dbaas/dbaas/pkg/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	q   queryer
	tx  *sql.Tx
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: is a distinct database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func (s *SQLiteStore) dsn() string {
	params := []string{
		"_pragma=foreign_keys(1)",
		"_pragma=busy_timeout(5000)",
		"_txlock=immediate",
		"_time_format=sqlite",
	}
	if s.cfg.Path != ":memory:" {
		params = append(params, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	return s.cfg.Path + "?" + strings.Join(params, "&")
}

// Init initializes the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.q = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) (err error) {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", commitErr)
		}
	}()

	return fn(&SQLiteStore{db: s.db, q: tx, tx: tx, cfg: s.cfg})
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")
}

func now() time.Time {
	return time.Now().UTC()
}

func stampIfZero(t *time.Time) {
	if t.IsZero() {
		*t = now()
	} else {
		*t = t.UTC()
	}
}

func affected(result sql.Result, what, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s %s: %w", what, id, ErrNotFound)
	}
	return nil
}

// CreateInfra creates a new infra record
func (s *SQLiteStore) CreateInfra(ctx context.Context, infra *models.Infra) error {
	if infra.ID == "" {
		infra.ID = uuid.NewString()
	}
	stampIfZero(&infra.CreatedAt)
	infra.UpdatedAt = infra.CreatedAt

	endpoints, err := json.Marshal(infra.Endpoints)
	if err != nil {
		return fmt.Errorf("failed to encode endpoints: %w", err)
	}

	query := `
		INSERT INTO infras (id, name, engine, engine_version, endpoints, admin_user, admin_password,
			plan, environment, capacity, credential_suspect, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.q.ExecContext(ctx, query,
		infra.ID,
		infra.Name,
		infra.Engine,
		infra.EngineVersion,
		string(endpoints),
		infra.User,
		infra.Password,
		infra.Plan,
		infra.Environment,
		infra.Capacity,
		infra.CredentialSuspect,
		infra.CreatedAt,
		infra.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("infra %s: %w", infra.Name, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create infra: %w", err)
	}

	return nil
}

const infraColumns = `id, name, engine, engine_version, endpoints, admin_user, admin_password,
	plan, environment, capacity, credential_suspect, created_at, updated_at`

func scanInfra(row scanner) (*models.Infra, error) {
	infra := &models.Infra{}
	var endpoints string
	err := row.Scan(
		&infra.ID,
		&infra.Name,
		&infra.Engine,
		&infra.EngineVersion,
		&endpoints,
		&infra.User,
		&infra.Password,
		&infra.Plan,
		&infra.Environment,
		&infra.Capacity,
		&infra.CredentialSuspect,
		&infra.CreatedAt,
		&infra.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(endpoints), &infra.Endpoints); err != nil {
		return nil, fmt.Errorf("failed to decode endpoints of infra %s: %w", infra.ID, err)
	}
	return infra, nil
}

func (s *SQLiteStore) getInfraWhere(ctx context.Context, where, key string) (*models.Infra, error) {
	query := `SELECT ` + infraColumns + ` FROM infras WHERE ` + where + ` = ?`

	infra, err := scanInfra(s.q.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("infra %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get infra: %w", err)
	}
	return infra, nil
}

// GetInfra retrieves an infra by ID
func (s *SQLiteStore) GetInfra(ctx context.Context, id string) (*models.Infra, error) {
	return s.getInfraWhere(ctx, "id", id)
}

// GetInfraByName retrieves an infra by its unique name
func (s *SQLiteStore) GetInfraByName(ctx context.Context, name string) (*models.Infra, error) {
	return s.getInfraWhere(ctx, "name", name)
}

// ListInfras lists infras matching filter, ordered by name
func (s *SQLiteStore) ListInfras(ctx context.Context, filter InfraFilter) ([]*models.Infra, error) {
	query := `
		SELECT ` + infraColumns + `
		FROM infras
		WHERE (? = '' OR engine = ?)
		  AND (? = '' OR engine_version = ?)
		  AND (? = '' OR plan = ?)
		  AND (? = '' OR environment = ?)
		ORDER BY name
	`

	rows, err := s.q.QueryContext(ctx, query,
		filter.Engine, filter.Engine,
		filter.EngineVersion, filter.EngineVersion,
		filter.Plan, filter.Plan,
		filter.Environment, filter.Environment,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list infras: %w", err)
	}
	defer rows.Close()

	infras := []*models.Infra{}
	for rows.Next() {
		infra, err := scanInfra(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan infra: %w", err)
		}
		infras = append(infras, infra)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating infras: %w", err)
	}

	return infras, nil
}

// UpdateInfraCredential replaces the administrative credential in one
// statement and clears the suspect flag.
func (s *SQLiteStore) UpdateInfraCredential(ctx context.Context, id, user, password string) error {
	query := `
		UPDATE infras
		SET admin_user = ?, admin_password = ?, credential_suspect = 0, updated_at = ?
		WHERE id = ?
	`

	result, err := s.q.ExecContext(ctx, query, user, password, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update infra credential: %w", err)
	}
	return affected(result, "infra", id)
}

// MarkInfraCredentialSuspect flags or clears a rejected administrative credential
func (s *SQLiteStore) MarkInfraCredentialSuspect(ctx context.Context, id string, suspect bool) error {
	query := `UPDATE infras SET credential_suspect = ?, updated_at = ? WHERE id = ?`

	result, err := s.q.ExecContext(ctx, query, suspect, now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark infra credential: %w", err)
	}
	return affected(result, "infra", id)
}

// CountDatabasesByInfra counts the databases hosted on an infra that were not purged
func (s *SQLiteStore) CountDatabasesByInfra(ctx context.Context, infraID string) (int, error) {
	query := `SELECT COUNT(*) FROM databases WHERE infra_id = ? AND state != ?`

	var count int
	if err := s.q.QueryRowContext(ctx, query, infraID, models.StatePurged).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count databases: %w", err)
	}
	return count, nil
}

// CreateDatabase creates a new database record
func (s *SQLiteStore) CreateDatabase(ctx context.Context, db *models.Database) error {
	if err := db.State.Validate(); err != nil {
		return err
	}
	if db.ID == "" {
		db.ID = uuid.NewString()
	}
	stampIfZero(&db.CreatedAt)
	db.UpdatedAt = db.CreatedAt

	query := `
		INSERT INTO databases (id, name, infra_id, project, plan, environment, state, failed_reason,
			quarantine_dt, used_size_in_bytes, total_size_in_bytes, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		db.ID,
		db.Name,
		nullString(db.InfraID),
		db.Project,
		db.Plan,
		db.Environment,
		db.State,
		db.FailedReason,
		db.QuarantineDT,
		db.UsedSizeInBytes,
		db.TotalSizeInBytes,
		db.Attempts,
		db.CreatedAt,
		db.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("database %s: %w", db.Key(), ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}

	return nil
}

const databaseColumns = `id, name, infra_id, project, plan, environment, state, failed_reason,
	quarantine_dt, used_size_in_bytes, total_size_in_bytes, attempts, created_at, updated_at`

func scanDatabase(row scanner) (*models.Database, error) {
	db := &models.Database{}
	var infraID sql.NullString
	err := row.Scan(
		&db.ID,
		&db.Name,
		&infraID,
		&db.Project,
		&db.Plan,
		&db.Environment,
		&db.State,
		&db.FailedReason,
		&db.QuarantineDT,
		&db.UsedSizeInBytes,
		&db.TotalSizeInBytes,
		&db.Attempts,
		&db.CreatedAt,
		&db.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	db.InfraID = infraID.String
	return db, nil
}

// GetDatabase retrieves a database by ID
func (s *SQLiteStore) GetDatabase(ctx context.Context, id string) (*models.Database, error) {
	query := `SELECT ` + databaseColumns + ` FROM databases WHERE id = ?`

	db, err := scanDatabase(s.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("database %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}
	return db, nil
}

// GetDatabaseByName retrieves a database by name within an environment
func (s *SQLiteStore) GetDatabaseByName(ctx context.Context, name, environment string) (*models.Database, error) {
	query := `SELECT ` + databaseColumns + ` FROM databases WHERE name = ? AND environment = ?`

	db, err := scanDatabase(s.q.QueryRowContext(ctx, query, name, environment))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("database %s: %w", models.ResourceKey(environment, name), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get database: %w", err)
	}
	return db, nil
}

// ListDatabases lists databases matching filter, ordered by creation time
func (s *SQLiteStore) ListDatabases(ctx context.Context, filter DatabaseFilter) ([]*models.Database, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, values ...any) {
		where = append(where, clause)
		args = append(args, values...)
	}

	if filter.Name != "" {
		add("name = ?", filter.Name)
	}
	if filter.InfraID != "" {
		add("infra_id = ?", filter.InfraID)
	}
	if filter.Environment != "" {
		add("environment = ?", filter.Environment)
	}
	if filter.Project != "" {
		add("project = ?", filter.Project)
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		values := make([]any, len(filter.States))
		for i, st := range filter.States {
			placeholders[i] = "?"
			values[i] = st
		}
		add("state IN ("+strings.Join(placeholders, ", ")+")", values...)
	}
	if filter.QuarantinedBefore != nil {
		add("quarantine_dt IS NOT NULL AND quarantine_dt < ?", filter.QuarantinedBefore.UTC())
	}

	query := `SELECT ` + databaseColumns + ` FROM databases`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, name"

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}
	defer rows.Close()

	dbs := []*models.Database{}
	for rows.Next() {
		db, err := scanDatabase(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan database: %w", err)
		}
		dbs = append(dbs, db)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating databases: %w", err)
	}

	return dbs, nil
}

// ExistsDatabase reports whether a database record exists for name in environment
func (s *SQLiteStore) ExistsDatabase(ctx context.Context, name, environment string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM databases WHERE name = ? AND environment = ?)`

	var exists bool
	if err := s.q.QueryRowContext(ctx, query, name, environment).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check database existence: %w", err)
	}
	return exists, nil
}

// stateConflict explains why a conditional state update touched no row.
func (s *SQLiteStore) stateConflict(ctx context.Context, id string, next models.DatabaseState) error {
	current, err := s.GetDatabase(ctx, id)
	if err != nil {
		return err
	}
	if current.State == next {
		return nil
	}
	return fmt.Errorf("%w: database %s cannot move from %s to %s", ErrStateConflict, id, current.State, next)
}

// UpdateDatabaseState moves a database to next when its current state allows
// it. Moving to the current state is a no-op. Quarantine goes through
// QuarantineDatabase so the timestamp is always set with the state.
func (s *SQLiteStore) UpdateDatabaseState(ctx context.Context, id string, next models.DatabaseState, reason string) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if next == models.StateQuarantined {
		return fmt.Errorf("%w: use QuarantineDatabase to quarantine %s", ErrStateConflict, id)
	}

	from := models.Predecessors(next)
	if len(from) == 0 {
		return s.stateConflict(ctx, id, next)
	}

	placeholders := make([]string, len(from))
	args := []any{next, reason, now(), id}
	for i, st := range from {
		placeholders[i] = "?"
		args = append(args, st)
	}

	query := `
		UPDATE databases
		SET state = ?, failed_reason = ?, updated_at = ?
		WHERE id = ? AND state IN (` + strings.Join(placeholders, ", ") + `)
	`

	result, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update database state: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.stateConflict(ctx, id, next)
	}
	return nil
}

// AssignInfra records the infra hosting a database
func (s *SQLiteStore) AssignInfra(ctx context.Context, id, infraID string) error {
	query := `UPDATE databases SET infra_id = ?, updated_at = ? WHERE id = ?`

	result, err := s.q.ExecContext(ctx, query, infraID, now(), id)
	if err != nil {
		return fmt.Errorf("failed to assign infra: %w", err)
	}
	return affected(result, "database", id)
}

// IncrementDatabaseAttempts bumps the provisioning attempt counter and returns the new value
func (s *SQLiteStore) IncrementDatabaseAttempts(ctx context.Context, id string) (int, error) {
	query := `UPDATE databases SET attempts = attempts + 1, updated_at = ? WHERE id = ?`

	result, err := s.q.ExecContext(ctx, query, now(), id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempts: %w", err)
	}
	if err := affected(result, "database", id); err != nil {
		return 0, err
	}

	var attempts int
	if err := s.q.QueryRowContext(ctx, `SELECT attempts FROM databases WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("failed to read attempts: %w", err)
	}
	return attempts, nil
}

// QuarantineDatabase moves an active database to quarantined and stamps
// quarantine_dt. Quarantining an already quarantined database is a no-op.
func (s *SQLiteStore) QuarantineDatabase(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE databases
		SET state = ?, quarantine_dt = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`

	result, err := s.q.ExecContext(ctx, query, models.StateQuarantined, at.UTC(), now(), id, models.StateActive)
	if err != nil {
		return fmt.Errorf("failed to quarantine database: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return s.stateConflict(ctx, id, models.StateQuarantined)
	}
	return nil
}

// UpdateDatabaseSizes stores the sizes last reported by the engine
func (s *SQLiteStore) UpdateDatabaseSizes(ctx context.Context, id string, used, total int64) error {
	query := `
		UPDATE databases
		SET used_size_in_bytes = ?, total_size_in_bytes = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.q.ExecContext(ctx, query, used, total, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update database sizes: %w", err)
	}
	return affected(result, "database", id)
}

// UpdateDatabaseProject changes the owning project of a database. Name, plan
// and environment are immutable.
func (s *SQLiteStore) UpdateDatabaseProject(ctx context.Context, id, project string) error {
	query := `UPDATE databases SET project = ?, updated_at = ? WHERE id = ?`

	result, err := s.q.ExecContext(ctx, query, project, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update database project: %w", err)
	}
	return affected(result, "database", id)
}

// CreateCredential creates a new credential record
func (s *SQLiteStore) CreateCredential(ctx context.Context, cred *models.Credential) error {
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	stampIfZero(&cred.CreatedAt)

	roles, err := json.Marshal(cred.Roles)
	if err != nil {
		return fmt.Errorf("failed to encode roles: %w", err)
	}

	query := `
		INSERT INTO credentials (id, database_id, db_name, db_user, db_password, roles, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.q.ExecContext(ctx, query,
		cred.ID,
		cred.DatabaseID,
		cred.Database,
		cred.User,
		cred.Password,
		string(roles),
		cred.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("credential %s: %w", cred.User, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}

	return nil
}

const credentialColumns = `id, database_id, db_name, db_user, db_password, roles, created_at`

func scanCredential(row scanner) (*models.Credential, error) {
	cred := &models.Credential{}
	var roles string
	err := row.Scan(
		&cred.ID,
		&cred.DatabaseID,
		&cred.Database,
		&cred.User,
		&cred.Password,
		&roles,
		&cred.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(roles), &cred.Roles); err != nil {
		return nil, fmt.Errorf("failed to decode roles of credential %s: %w", cred.ID, err)
	}
	return cred, nil
}

// GetCredentialByUser retrieves the credential of user on a database
func (s *SQLiteStore) GetCredentialByUser(ctx context.Context, databaseID, user string) (*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE database_id = ? AND db_user = ?`

	cred, err := scanCredential(s.q.QueryRowContext(ctx, query, databaseID, user))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential %s: %w", user, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return cred, nil
}

// ListCredentials lists the credentials issued on a database
func (s *SQLiteStore) ListCredentials(ctx context.Context, databaseID string) ([]*models.Credential, error) {
	query := `SELECT ` + credentialColumns + ` FROM credentials WHERE database_id = ? ORDER BY created_at, db_user`

	rows, err := s.q.QueryContext(ctx, query, databaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	creds := []*models.Credential{}
	for rows.Next() {
		cred, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		creds = append(creds, cred)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating credentials: %w", err)
	}

	return creds, nil
}

// DeleteCredential deletes a credential by ID
func (s *SQLiteStore) DeleteCredential(ctx context.Context, id string) error {
	result, err := s.q.ExecContext(ctx, `DELETE FROM credentials WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return affected(result, "credential", id)
}

// CreateBind creates a new bind record
func (s *SQLiteStore) CreateBind(ctx context.Context, bind *models.Bind) error {
	if bind.ID == "" {
		bind.ID = uuid.NewString()
	}
	stampIfZero(&bind.CreatedAt)

	query := `
		INSERT INTO binds (id, database_id, service_name, app_hostname, service_hostname, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.q.ExecContext(ctx, query,
		bind.ID,
		bind.DatabaseID,
		bind.ServiceName,
		bind.AppHostname,
		bind.ServiceHostname,
		bind.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("bind %s: %w", bind.ServiceHostname, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("failed to create bind: %w", err)
	}

	return nil
}

// ListBinds lists the binds of a database
func (s *SQLiteStore) ListBinds(ctx context.Context, databaseID string) ([]*models.Bind, error) {
	query := `
		SELECT id, database_id, service_name, app_hostname, service_hostname, created_at
		FROM binds
		WHERE database_id = ?
		ORDER BY created_at, service_hostname
	`

	rows, err := s.q.QueryContext(ctx, query, databaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list binds: %w", err)
	}
	defer rows.Close()

	binds := []*models.Bind{}
	for rows.Next() {
		bind := &models.Bind{}
		err := rows.Scan(
			&bind.ID,
			&bind.DatabaseID,
			&bind.ServiceName,
			&bind.AppHostname,
			&bind.ServiceHostname,
			&bind.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bind: %w", err)
		}
		binds = append(binds, bind)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating binds: %w", err)
	}

	return binds, nil
}

// DeleteBindsByHost deletes the binds of a unit host and returns how many were removed
func (s *SQLiteStore) DeleteBindsByHost(ctx context.Context, databaseID, serviceHostname string) (int64, error) {
	query := `DELETE FROM binds WHERE database_id = ? AND service_hostname = ?`

	result, err := s.q.ExecContext(ctx, query, databaseID, serviceHostname)
	if err != nil {
		return 0, fmt.Errorf("failed to delete binds: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// CountBinds counts the binds of a database
func (s *SQLiteStore) CountBinds(ctx context.Context, databaseID string) (int, error) {
	var count int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM binds WHERE database_id = ?`, databaseID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count binds: %w", err)
	}
	return count, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	stampIfZero(&entry.Timestamp)

	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.q.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination, newest first
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? = '' OR action = ?)
		  AND (? = '' OR actor = ?)
		  AND (? = '' OR target_id = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.q.QueryContext(ctx, query,
		filter.Action, filter.Action,
		filter.Actor, filter.Actor,
		filter.TargetID, filter.TargetID,
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
