package policy

import (
	"strings"
	"time"

	"github.com/dbaas/dbaas/pkg/drivers"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is reported but does not block the request.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the request.
	SeverityError Severity = "error"

	// SeverityCritical blocks the request.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects the request.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Operations a policy input can describe.
const (
	OperationProvision = "provision"
	OperationUpdate    = "update"
)

// Policy is a named Rego module. Its package must define a `deny` set.
type Policy struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Rego        string                 `json:"rego"`
	Severity    Severity               `json:"severity"`
	Enabled     bool                   `json:"enabled"`
	Builtin     bool                   `json:"builtin"`
	Tags        []string               `json:"tags,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Input is the document policies see as `input`.
type Input struct {
	// Operation is provision or update.
	Operation string `json:"operation"`

	Database    DatabaseInput    `json:"database"`
	Environment EnvironmentInput `json:"environment"`

	// Plan is nil when the request names a plan the catalog does not know.
	Plan *PlanInput `json:"plan,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// DatabaseInput describes the requested database resource.
type DatabaseInput struct {
	Name        string `json:"name"`
	Plan        string `json:"plan"`
	Environment string `json:"environment"`
	Project     string `json:"project,omitempty"`
}

// EnvironmentInput describes the target environment.
type EnvironmentInput struct {
	Name       string `json:"name"`
	Production bool   `json:"production"`
}

// PlanInput describes the plan the database is created from.
type PlanInput struct {
	Name     string `json:"name"`
	Engine   string `json:"engine"`
	Version  string `json:"version"`
	Capacity int    `json:"capacity"`
}

// Violation is one denial raised by a policy.
type Violation struct {
	Policy     string    `json:"policy"`
	Database   string    `json:"database,omitempty"`
	Message    string    `json:"message"`
	Severity   Severity  `json:"severity"`
	DetectedAt time.Time `json:"detected_at"`
}

// Result is the outcome of evaluating every enabled policy against one input.
type Result struct {
	// Allowed is false when any blocking violation was raised.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings holds non-blocking violations and policies that failed to evaluate.
	Warnings []Violation `json:"warnings,omitempty"`

	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Err returns a validation error describing the blocking violations, or nil
// when the input was allowed.
func (r *Result) Err() error {
	if r == nil || r.Allowed {
		return nil
	}
	msgs := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		msgs = append(msgs, v.Message)
	}
	err := drivers.NewValidationError("rejected by policy: " + strings.Join(msgs, "; "))
	if len(r.Violations) > 0 {
		err = err.WithDetail("policy", r.Violations[0].Policy)
	}
	return err
}
