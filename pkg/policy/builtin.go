package policy

import (
	"time"
)

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		databaseNamingPolicy(),
		productionProjectPolicy(),
		reservedNamesPolicy(),
		projectLabelPolicy(),
	}
}

func builtin(name, description string, severity Severity, tags []string, rego string) Policy {
	now := time.Now()
	return Policy{
		Name:        name,
		Description: description,
		Rego:        rego,
		Severity:    severity,
		Enabled:     true,
		Builtin:     true,
		Tags:        tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// databaseNamingPolicy keeps names usable as identifiers on every engine.
func databaseNamingPolicy() Policy {
	return builtin("database-naming",
		"Database names start with a lowercase letter and contain only lowercase letters, digits and underscores",
		SeverityError, []string{"naming"}, `package dbaas.policies.naming

import rego.v1

deny contains violation if {
	name := input.database.name
	not regex.match("^[a-z][a-z0-9_]{0,63}$", name)
	violation := {
		"message": sprintf("database name '%s' must match ^[a-z][a-z0-9_]{0,63}$", [name]),
		"severity": "error",
	}
}
`)
}

// productionProjectPolicy requires an owning project in production environments.
func productionProjectPolicy() Policy {
	return builtin("production-project",
		"Databases in production environments must belong to a project",
		SeverityError, []string{"ownership", "production"}, `package dbaas.policies.production

import rego.v1

deny contains violation if {
	input.environment.production
	object.get(input.database, "project", "") == ""
	violation := {
		"message": sprintf("database '%s' in production environment '%s' requires a project", [input.database.name, input.environment.name]),
		"severity": "error",
	}
}
`)
}

// reservedNamesPolicy rejects engine system database names published in
// data.dbaas.reserved_names.
func reservedNamesPolicy() Policy {
	return builtin("reserved-names",
		"Engine system database names cannot be requested",
		SeverityError, []string{"naming"}, `package dbaas.policies.reserved

import rego.v1

deny contains violation if {
	some reserved in data.dbaas.reserved_names
	input.database.name == reserved
	violation := {
		"message": sprintf("database name '%s' is reserved by the engine", [input.database.name]),
		"severity": "error",
	}
}
`)
}

// projectLabelPolicy warns about unowned databases outside production.
func projectLabelPolicy() Policy {
	return builtin("project-label",
		"Databases should belong to a project",
		SeverityWarning, []string{"ownership"}, `package dbaas.policies.project

import rego.v1

deny contains violation if {
	not input.environment.production
	object.get(input.database, "project", "") == ""
	violation := {
		"message": sprintf("database '%s' has no project", [input.database.name]),
		"severity": "warning",
	}
}
`)
}
