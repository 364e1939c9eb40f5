// Package policy evaluates admission policies written in Rego against
// database provision requests.
//
// Every policy is a Rego module whose package defines a `deny` set. Each
// element is either a message string or an object with `message` and an
// optional `severity`:
//
//	package dbaas.policies.team
//
//	import rego.v1
//
//	deny contains violation if {
//		startswith(input.database.name, "tmp_")
//		input.environment.production
//		violation := {"message": "temporary databases are not allowed in production", "severity": "error"}
//	}
//
// The input document is Input: the requested database, its environment and
// the catalog plan. data.dbaas.reserved_names holds the system database names
// of the registered engines (see Engine.SetReservedNames).
//
// Built-in policies enforce database naming, reject reserved names, require a
// project in production and warn about unowned databases elsewhere.
// Additional policies are loaded from .rego or .json files; Engine.Watch
// reloads them when the files change. Error and critical violations block
// the request and Result.Err turns them into a validation error.
package policy
