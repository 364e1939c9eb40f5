// Package provisioning is the orchestrator of the dbaas control plane. It
// moves database records through their lifecycle:
//
//	REQUESTED -> PROVISIONING -> ACTIVE -> QUARANTINED -> PURGED
//	     \            |
//	      +---------> FAILED -> PROVISIONING (explicit re-apply)
//
// Request records validated intent without touching an engine. Apply
// allocates an infra, creates the database and issues its credential, each
// step retried with exponential backoff on connection errors. Steps are
// idempotent: a database or user that already exists on a retried or resumed
// attempt counts as created. Bind lazily applies pending records and returns
// the connection variables of the unit; Unbind optionally quarantines on the
// last bind. Quarantine is a logical delete; Purge removes the engine objects.
//
// Operations on one environment/name pair are serialized in process. Every
// transition is audited in the store, published as a lifecycle event and
// counted in metrics.
package provisioning
