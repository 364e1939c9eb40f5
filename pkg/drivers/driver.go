// Package drivers defines the uniform capability surface every database
// engine adapter implements, the error taxonomy shared by all adapters, the
// status snapshots they produce and the registry that resolves an infra
// record to its adapter.
package drivers

import (
	"context"
	"time"

	"github.com/dbaas/dbaas/pkg/models"
)

// Driver is the capability surface of one engine adapter bound to one Infra.
// Every method may block on network I/O and fails with a *DriverError.
type Driver interface {
	// TestConnection verifies reachability and authentication without side effects.
	// A nil credential tests the administrative credential.
	TestConnection(ctx context.Context, cred *models.Credential) (bool, error)

	// GetConnection returns the engine-specific connection string for db, or for
	// the infra itself when db is nil. Performs no I/O.
	GetConnection(db *models.Database) string

	// CheckStatus fails if the infra is unreachable or unhealthy.
	CheckStatus(ctx context.Context) error

	// Info gathers size, version and per-database health. Unavailable fields
	// keep the unknown sentinel instead of failing the call.
	Info(ctx context.Context) (*InfraStatus, error)

	// CreateUser creates cred on the engine. An existing user fails with
	// CredentialAlreadyExists.
	CreateUser(ctx context.Context, cred *models.Credential, roles ...string) error

	// UpdateUser resets the password of an existing user and applies its
	// grants on cred.Database again. A missing user fails with InvalidCredential.
	UpdateUser(ctx context.Context, cred *models.Credential) error

	// RemoveUser drops cred. A missing user fails with InvalidCredential.
	RemoveUser(ctx context.Context, cred *models.Credential) error

	// ListUsers returns the sorted set of user names, optionally limited to
	// users granted on the named database.
	ListUsers(ctx context.Context, instance string) ([]string, error)

	// CreateDatabase creates db. An existing name fails with DatabaseAlreadyExists.
	CreateDatabase(ctx context.Context, db *models.Database) error

	// RemoveDatabase drops db. A missing name fails with DatabaseDoesNotExist.
	RemoveDatabase(ctx context.Context, db *models.Database) error

	// ListDatabases returns the sorted set of database names, reserved names included.
	ListDatabases(ctx context.Context) ([]string, error)

	// ImportDatabases reconciles databases created outside the control plane
	// into inv. Safe to call repeatedly. Returns the number of imported records.
	ImportDatabases(ctx context.Context, inv Inventory) (int, error)

	// User returns the administrative user of the bound infra.
	User() string

	// Password returns the administrative password of the bound infra.
	Password() string

	// ReservedDatabaseNames lists the system databases the driver refuses to manage.
	ReservedDatabaseNames() []string

	// Infra returns the infra record the driver is bound to.
	Infra() *models.Infra

	// Close releases engine connections held by the driver.
	Close() error
}

// Inventory is the managed database inventory ImportDatabases reconciles into.
type Inventory interface {
	// HasDatabase reports whether name is already tracked on the infra.
	HasDatabase(ctx context.Context, infraID, name string) (bool, error)

	// ImportDatabase records an externally created database as ACTIVE.
	ImportDatabase(ctx context.Context, infra *models.Infra, name string) error
}

// Options tune engine calls. Zero values fall back to defaults.
type Options struct {
	// Timeout bounds each engine call. Exceeding it yields a ConnectionError.
	Timeout time.Duration
}

// DefaultTimeout bounds engine calls when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// Base carries the state shared by every engine adapter: the bound infra
// record and the call timeout. Engine adapters embed it.
type Base struct {
	infra    *models.Infra
	reserved []string
	timeout  time.Duration
}

// NewBase binds a driver to infra. A nil infra is a programming error and panics.
func NewBase(infra *models.Infra, reserved []string, opts Options) Base {
	if infra == nil {
		panic("drivers: driver constructed without an infra record")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return Base{
		infra:    infra,
		reserved: reserved,
		timeout:  timeout,
	}
}

// Infra returns the bound infra record.
func (b *Base) Infra() *models.Infra {
	return b.infra
}

// User returns the administrative user of the bound infra.
func (b *Base) User() string {
	return b.infra.User
}

// Password returns the administrative password of the bound infra.
func (b *Base) Password() string {
	return b.infra.Password
}

// ReservedDatabaseNames lists the names the driver refuses to manage.
func (b *Base) ReservedDatabaseNames() []string {
	out := make([]string, len(b.reserved))
	copy(out, b.reserved)
	return out
}

// Timeout returns the per-call timeout.
func (b *Base) Timeout() time.Duration {
	return b.timeout
}

// WithTimeout derives the context an engine call runs under.
func (b *Base) WithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

// IsReserved reports whether name is one of the driver's reserved databases.
func IsReserved(d Driver, name string) bool {
	for _, r := range d.ReservedDatabaseNames() {
		if r == name {
			return true
		}
	}
	return false
}

// ImportDatabases is the shared reconciliation loop used by engine adapters:
// list databases, skip reserved and already tracked names, import the rest.
func ImportDatabases(ctx context.Context, d Driver, inv Inventory) (int, error) {
	names, err := d.ListDatabases(ctx)
	if err != nil {
		return 0, err
	}

	infra := d.Infra()
	imported := 0
	for _, name := range names {
		if IsReserved(d, name) {
			continue
		}
		exists, err := inv.HasDatabase(ctx, infra.ID, name)
		if err != nil {
			return imported, err
		}
		if exists {
			continue
		}
		if err := inv.ImportDatabase(ctx, infra, name); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}
