// Package models defines the persisted entities of the dbaas control plane:
// infrastructures, the databases they host, credentials issued against those
// databases and the application binds that consume them.
package models

import (
	"encoding/json"
	"fmt"
)

// DatabaseState is the lifecycle state of a Database resource.
type DatabaseState string

const (
	// StateRequested indicates the create request was validated and recorded as durable intent.
	StateRequested DatabaseState = "requested"

	// StateProvisioning indicates infra allocation, database creation or credential issuance is in progress.
	StateProvisioning DatabaseState = "provisioning"

	// StateActive indicates the database exists on its infra and may be bound.
	StateActive DatabaseState = "active"

	// StateQuarantined indicates the database was logically deleted and awaits purge.
	StateQuarantined DatabaseState = "quarantined"

	// StatePurged indicates the database and its users were physically removed from the engine.
	StatePurged DatabaseState = "purged"

	// StateFailed indicates provisioning gave up. Requires manual intervention or an explicit re-apply.
	StateFailed DatabaseState = "failed"
)

// transitions lists the allowed next states for each state.
var transitions = map[DatabaseState][]DatabaseState{
	StateRequested:    {StateProvisioning, StateFailed},
	StateProvisioning: {StateActive, StateFailed},
	StateFailed:       {StateProvisioning},
	StateActive:       {StateQuarantined},
	StateQuarantined:  {StatePurged},
	StatePurged:       nil,
}

// CanTransitionTo reports whether moving from s to next is a legal transition.
func (s DatabaseState) CanTransitionTo(next DatabaseState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AllStates lists every database state in lifecycle order.
var AllStates = []DatabaseState{
	StateRequested, StateProvisioning, StateActive, StateQuarantined, StatePurged, StateFailed,
}

// Predecessors returns the states from which next can be reached in one step.
func Predecessors(next DatabaseState) []DatabaseState {
	var out []DatabaseState
	for _, s := range AllStates {
		if s.CanTransitionTo(next) {
			out = append(out, s)
		}
	}
	return out
}

// IsTerminal returns true if no automatic transition leaves the state.
func (s DatabaseState) IsTerminal() bool {
	return s == StatePurged || s == StateFailed
}

// IsPending returns true if the database has not yet reached ACTIVE.
func (s DatabaseState) IsPending() bool {
	return s == StateRequested || s == StateProvisioning || s == StateFailed
}

// IsQuarantined returns true for states that carry a quarantine timestamp.
func (s DatabaseState) IsQuarantined() bool {
	return s == StateQuarantined || s == StatePurged
}

// Validate checks if the database state is valid.
func (s DatabaseState) Validate() error {
	switch s {
	case StateRequested, StateProvisioning, StateActive,
		StateQuarantined, StatePurged, StateFailed:
		return nil
	default:
		return fmt.Errorf("invalid database state: %s", s)
	}
}

// MarshalJSON implements json.Marshaler with validation.
func (s DatabaseState) MarshalJSON() ([]byte, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler with validation.
func (s *DatabaseState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := DatabaseState(str)
	if err := state.Validate(); err != nil {
		return err
	}
	*s = state
	return nil
}
