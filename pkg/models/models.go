package models

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// UnknownSize marks a size metric that no driver has filled in yet.
const UnknownSize int64 = -1

// Infra is one provisioned engine deployment hosting zero or more databases.
type Infra struct {
	// ID is the unique identifier of the infrastructure.
	ID string `json:"id"`

	// Name is the unique human readable name.
	Name string `json:"name"`

	// Engine is the engine type (mysql, postgres, mongodb, redis).
	Engine string `json:"engine"`

	// EngineVersion is the deployed engine version.
	EngineVersion string `json:"engine_version"`

	// Endpoints are the host:port addresses of the engine nodes.
	Endpoints []string `json:"endpoints"`

	// User is the administrative user. Read-only for drivers.
	User string `json:"user"`

	// Password is the administrative password. Read-only for drivers.
	Password string `json:"-"`

	// Plan is the capacity/topology template the infra was built from.
	Plan string `json:"plan"`

	// Environment is the environment (dev, staging, prod) the infra serves.
	Environment string `json:"environment"`

	// Capacity is the maximum number of databases hosted. Zero means unlimited.
	Capacity int `json:"capacity"`

	// CredentialSuspect is set when the engine rejected the administrative credential.
	CredentialSuspect bool `json:"credential_suspect"`

	// CreatedAt is when the record was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the record was last modified.
	UpdatedAt time.Time `json:"updated_at"`
}

// Endpoint returns the primary endpoint, or an empty string if none is set.
func (i *Infra) Endpoint() string {
	if len(i.Endpoints) == 0 {
		return ""
	}
	return i.Endpoints[0]
}

// HostPort splits the primary endpoint. A missing port yields defaultPort.
func (i *Infra) HostPort(defaultPort int) (string, int) {
	endpoint := i.Endpoint()
	host, portStr, err := net.SplitHostPort(endpoint)
	if err != nil {
		return strings.TrimSpace(endpoint), defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort
	}
	return host, port
}

// Database is a logical database living inside an Infra.
type Database struct {
	ID               string        `json:"id"`
	Name             string        `json:"name"`
	InfraID          string        `json:"infra_id,omitempty"`
	Project          string        `json:"project,omitempty"`
	Plan             string        `json:"plan"`
	Environment      string        `json:"environment"`
	State            DatabaseState `json:"state"`
	FailedReason     string        `json:"failed_reason,omitempty"`
	QuarantineDT     *time.Time    `json:"quarantine_dt,omitempty"`
	UsedSizeInBytes  int64         `json:"used_size_in_bytes"`
	TotalSizeInBytes int64         `json:"total_size_in_bytes"`
	Attempts         int           `json:"attempts"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// IsInQuarantine reports whether the database was logically deleted.
func (d *Database) IsInQuarantine() bool {
	return d.QuarantineDT != nil
}

// Key identifies the database for per-resource serialization.
func (d *Database) Key() string {
	return ResourceKey(d.Environment, d.Name)
}

// ResourceKey builds the serialization key for a database name in an environment.
func ResourceKey(environment, name string) string {
	return environment + "/" + name
}

// Credential is an engine user scoped to one Database.
type Credential struct {
	ID         string    `json:"id"`
	DatabaseID string    `json:"database_id"`
	Database   string    `json:"database"`
	User       string    `json:"user"`
	Password   string    `json:"-"`
	Roles      []string  `json:"roles,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Bind records an application unit attached to a Database.
type Bind struct {
	ID              string    `json:"id"`
	DatabaseID      string    `json:"database_id"`
	ServiceName     string    `json:"service_name"`
	AppHostname     string    `json:"app_hostname"`
	ServiceHostname string    `json:"service_hostname"`
	CreatedAt       time.Time `json:"created_at"`
}
