// Package stores provides the persistence layer of the dbaas control plane.
// It includes a SQLite-based store with embedded migrations and CRUD
// operations for infrastructures, databases, credentials, binds and the
// audit log.
package stores
