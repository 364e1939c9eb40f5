package drivers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrorKind classifies a driver failure so callers can react uniformly
// across engines: retry, give up, or treat as an idempotence signal.
type ErrorKind string

const (
	// KindConnection is a network or transport failure reaching the engine.
	KindConnection ErrorKind = "connection"

	// KindAuthentication is a credential rejected by the engine.
	// It is a connection failure that must not be retried with the same credential.
	KindAuthentication ErrorKind = "authentication"

	// KindDatabaseAlreadyExists signals create_database on an existing name.
	KindDatabaseAlreadyExists ErrorKind = "database_already_exists"

	// KindDatabaseDoesNotExist signals remove_database on a missing name.
	KindDatabaseDoesNotExist ErrorKind = "database_does_not_exist"

	// KindCredentialAlreadyExists signals create_user on an existing user.
	KindCredentialAlreadyExists ErrorKind = "credential_already_exists"

	// KindInvalidCredential signals update_user or remove_user on a missing user.
	KindInvalidCredential ErrorKind = "invalid_credential"

	// KindDriverNotFound means no adapter is registered for the engine/version pair.
	KindDriverNotFound ErrorKind = "driver_not_found"

	// KindValidation is a request rejected before any driver call.
	KindValidation ErrorKind = "validation"

	// KindNotFound means the addressed instance is unknown to the control plane.
	KindNotFound ErrorKind = "not_found"

	// KindGeneric covers any other engine failure.
	KindGeneric ErrorKind = "generic"
)

// DriverError is the tagged error variant shared by every driver and the orchestrator.
// nolint:revive // DriverError is intentionally named to distinguish from engine errors
type DriverError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Retryable reports whether the orchestrator may retry the failed step.
	Retryable bool `json:"retryable"`

	// Engine is the engine type of the driver that failed, if known.
	Engine string `json:"engine,omitempty"`

	// Infra is the infrastructure name or ID involved, if any.
	Infra string `json:"infra,omitempty"`

	// Instance is the database or service instance name involved, if any.
	Instance string `json:"instance,omitempty"`

	// Operation is the driver operation being performed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying engine error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Sentinels usable with errors.Is. Matching compares Kind only.
var (
	ErrConnection              = &DriverError{Kind: KindConnection}
	ErrAuthentication          = &DriverError{Kind: KindAuthentication}
	ErrDatabaseAlreadyExists   = &DriverError{Kind: KindDatabaseAlreadyExists}
	ErrDatabaseDoesNotExist    = &DriverError{Kind: KindDatabaseDoesNotExist}
	ErrCredentialAlreadyExists = &DriverError{Kind: KindCredentialAlreadyExists}
	ErrInvalidCredential       = &DriverError{Kind: KindInvalidCredential}
	ErrDriverNotFound          = &DriverError{Kind: KindDriverNotFound}
	ErrValidation              = &DriverError{Kind: KindValidation}
	ErrNotFound                = &DriverError{Kind: KindNotFound}
)

// Error implements the error interface.
func (e *DriverError) Error() string {
	var ctx []string
	if e.Instance != "" {
		ctx = append(ctx, "instance="+e.Instance)
	}
	if e.Infra != "" {
		ctx = append(ctx, "infra="+e.Infra)
	}
	if e.Operation != "" {
		ctx = append(ctx, "operation="+e.Operation)
	}

	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if len(ctx) > 0 {
		msg += " (" + strings.Join(ctx, ", ") + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *DriverError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *DriverError) Is(target error) bool {
	t, ok := target.(*DriverError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newError(kind ErrorKind, retryable bool, message string, err error) *DriverError {
	return &DriverError{
		Kind:      kind,
		Message:   message,
		Retryable: retryable,
		Err:       err,
	}
}

// NewConnectionError creates a retryable connection error.
func NewConnectionError(message string, err error) *DriverError {
	return newError(KindConnection, true, message, err)
}

// NewAuthenticationError creates a non-retryable authentication error.
func NewAuthenticationError(message string, err error) *DriverError {
	return newError(KindAuthentication, false, message, err)
}

// NewDatabaseAlreadyExistsError creates a DatabaseAlreadyExists error.
func NewDatabaseAlreadyExistsError(name string, err error) *DriverError {
	return newError(KindDatabaseAlreadyExists, false, fmt.Sprintf("database %s already exists", name), err).
		WithInstance(name)
}

// NewDatabaseDoesNotExistError creates a DatabaseDoesNotExist error.
func NewDatabaseDoesNotExistError(name string, err error) *DriverError {
	return newError(KindDatabaseDoesNotExist, false, fmt.Sprintf("database %s does not exist", name), err).
		WithInstance(name)
}

// NewCredentialAlreadyExistsError creates a CredentialAlreadyExists error.
func NewCredentialAlreadyExistsError(user string, err error) *DriverError {
	return newError(KindCredentialAlreadyExists, false, fmt.Sprintf("user %s already exists", user), err)
}

// NewInvalidCredentialError creates an InvalidCredential error.
func NewInvalidCredentialError(user string, err error) *DriverError {
	return newError(KindInvalidCredential, false, fmt.Sprintf("user %s does not exist", user), err)
}

// NewDriverNotFoundError creates a fatal DriverNotFound error.
func NewDriverNotFoundError(engine, version string) *DriverError {
	return newError(KindDriverNotFound, false, fmt.Sprintf("no driver registered for %s@%s", engine, version), nil).
		WithEngine(engine)
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *DriverError {
	return newError(KindValidation, false, message, nil)
}

// NewNotFoundError creates a not-found error for an unknown instance.
func NewNotFoundError(instance string) *DriverError {
	return newError(KindNotFound, false, fmt.Sprintf("instance %s not found", instance), nil).
		WithInstance(instance)
}

// NewGenericError creates a generic, non-retryable driver error.
func NewGenericError(message string, err error) *DriverError {
	return newError(KindGeneric, false, message, err)
}

// WithEngine adds engine context to an error.
func (e *DriverError) WithEngine(engine string) *DriverError {
	e.Engine = engine
	return e
}

// WithInfra adds infrastructure context to an error.
func (e *DriverError) WithInfra(infra string) *DriverError {
	e.Infra = infra
	return e
}

// WithInstance adds instance context to an error.
func (e *DriverError) WithInstance(instance string) *DriverError {
	e.Instance = instance
	return e
}

// WithOperation adds operation context to an error.
func (e *DriverError) WithOperation(operation string) *DriverError {
	e.Operation = operation
	return e
}

// WithDetail adds a detail field to the error context.
func (e *DriverError) WithDetail(key string, value interface{}) *DriverError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of err, or KindGeneric for non-taxonomy errors.
func KindOf(err error) ErrorKind {
	var e *DriverError
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindGeneric
}

func hasKind(err error, kinds ...ErrorKind) bool {
	var e *DriverError
	if !errors.As(err, &e) {
		return false
	}
	for _, k := range kinds {
		if e.Kind == k {
			return true
		}
	}
	return false
}

// IsConnection returns true for connection errors, authentication included.
func IsConnection(err error) bool {
	return hasKind(err, KindConnection, KindAuthentication)
}

// IsAuthentication returns true if the engine rejected the credential.
func IsAuthentication(err error) bool {
	return hasKind(err, KindAuthentication)
}

// IsAlreadyExists returns true for the create-path idempotence signals.
func IsAlreadyExists(err error) bool {
	return hasKind(err, KindDatabaseAlreadyExists, KindCredentialAlreadyExists)
}

// IsDoesNotExist returns true for the delete-path idempotence signals.
func IsDoesNotExist(err error) bool {
	return hasKind(err, KindDatabaseDoesNotExist, KindInvalidCredential)
}

// IsDriverNotFound returns true if no driver could be resolved.
func IsDriverNotFound(err error) bool {
	return hasKind(err, KindDriverNotFound)
}

// IsValidation returns true for requests rejected before any driver call.
func IsValidation(err error) bool {
	return hasKind(err, KindValidation)
}

// IsNotFound returns true if the addressed instance is unknown.
func IsNotFound(err error) bool {
	return hasKind(err, KindNotFound)
}

// IsRetryable returns true if the failed step may be retried.
func IsRetryable(err error) bool {
	var e *DriverError
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// ClassifyTransport converts timeouts and network failures into connection
// errors. Other errors are returned unchanged.
func ClassifyTransport(operation string, err error) error {
	if err == nil {
		return nil
	}
	var de *DriverError
	if errors.As(err, &de) {
		return err
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewConnectionError("engine call timed out", err).WithOperation(operation)
	case errors.As(err, &netErr):
		return NewConnectionError("engine unreachable", err).WithOperation(operation)
	}
	return err
}

// Reason builds the human-readable failure reason exposed at the service
// boundary: taxonomy kind plus identifiers, never raw engine text alone.
func Reason(err error, instance string) string {
	var e *DriverError
	if errors.As(err, &e) {
		name := instance
		if name == "" {
			name = e.Instance
		}
		reason := fmt.Sprintf("%s: %s", e.Kind, e.Message)
		if name != "" && !strings.Contains(e.Message, name) {
			reason += " (instance " + name + ")"
		}
		if e.Infra != "" {
			reason += " on infra " + e.Infra
		}
		return reason
	}
	if instance != "" {
		return fmt.Sprintf("%s: instance %s: %v", KindGeneric, instance, err)
	}
	return fmt.Sprintf("%s: %v", KindGeneric, err)
}
