package stores

import (
	"context"
	"errors"
	"time"

	"github.com/dbaas/dbaas/pkg/models"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned when a uniqueness constraint rejects a write.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrStateConflict is returned when a state change does not start from an allowed state.
	ErrStateConflict = errors.New("state conflict")
)

// Audit actions recorded by the control plane.
const (
	AuditInfraRegistered   = "infra.registered"
	AuditInfraRotated      = "infra.credential_rotated"
	AuditInfraSuspect      = "infra.credential_suspect"
	AuditDatabaseState     = "database.state_changed"
	AuditDatabaseImported  = "database.imported"
	AuditDatabaseUpdated   = "database.updated"
	AuditCredentialIssued  = "credential.issued"
	AuditCredentialRevoked = "credential.revoked"
	AuditBindCreated       = "bind.created"
	AuditBindRemoved       = "bind.removed"
)

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "database.state_changed", "bind.created"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // database/infra/bind ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// InfraFilter narrows ListInfras. Empty fields match everything.
type InfraFilter struct {
	Engine        string
	EngineVersion string
	Plan          string
	Environment   string
}

// DatabaseFilter narrows ListDatabases. Empty fields match everything.
type DatabaseFilter struct {
	Name        string
	InfraID     string
	Environment string
	Project     string
	States      []models.DatabaseState

	// QuarantinedBefore keeps databases quarantined strictly before the given time.
	QuarantinedBefore *time.Time

	Limit  int
	Offset int
}

// AuditFilter narrows ListAuditEntries. Empty fields match everything.
type AuditFilter struct {
	Action   string
	Actor    string
	TargetID string
	Limit    int
	Offset   int
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// WithTx runs fn against a Store bound to one transaction. fn returning an
	// error rolls the transaction back. Nested calls join the outer transaction.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Infra operations
	CreateInfra(ctx context.Context, infra *models.Infra) error
	GetInfra(ctx context.Context, id string) (*models.Infra, error)
	GetInfraByName(ctx context.Context, name string) (*models.Infra, error)
	ListInfras(ctx context.Context, filter InfraFilter) ([]*models.Infra, error)
	UpdateInfraCredential(ctx context.Context, id, user, password string) error
	MarkInfraCredentialSuspect(ctx context.Context, id string, suspect bool) error
	CountDatabasesByInfra(ctx context.Context, infraID string) (int, error)

	// Database operations
	CreateDatabase(ctx context.Context, db *models.Database) error
	GetDatabase(ctx context.Context, id string) (*models.Database, error)
	GetDatabaseByName(ctx context.Context, name, environment string) (*models.Database, error)
	ListDatabases(ctx context.Context, filter DatabaseFilter) ([]*models.Database, error)
	ExistsDatabase(ctx context.Context, name, environment string) (bool, error)
	UpdateDatabaseState(ctx context.Context, id string, next models.DatabaseState, reason string) error
	AssignInfra(ctx context.Context, id, infraID string) error
	IncrementDatabaseAttempts(ctx context.Context, id string) (int, error)
	QuarantineDatabase(ctx context.Context, id string, at time.Time) error
	UpdateDatabaseSizes(ctx context.Context, id string, used, total int64) error
	UpdateDatabaseProject(ctx context.Context, id, project string) error

	// Credential operations
	CreateCredential(ctx context.Context, cred *models.Credential) error
	GetCredentialByUser(ctx context.Context, databaseID, user string) (*models.Credential, error)
	ListCredentials(ctx context.Context, databaseID string) ([]*models.Credential, error)
	DeleteCredential(ctx context.Context, id string) error

	// Bind operations
	CreateBind(ctx context.Context, bind *models.Bind) error
	ListBinds(ctx context.Context, databaseID string) ([]*models.Bind, error)
	DeleteBindsByHost(ctx context.Context, databaseID, serviceHostname string) (int64, error)
	CountBinds(ctx context.Context, databaseID string) (int, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
}
