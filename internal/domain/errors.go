package domain

import (
	"errors"
	"fmt"
)

// ErrNotReady is returned before the first snapshot has been committed
var ErrNotReady = errors.New("engine not ready: no snapshot loaded")

// -----------------------------
// NotFoundError
// -----------------------------

type NotFoundError struct {
	Resource string
	Key      string
}

func NewNotFoundError(resource, key string) *NotFoundError {
	return &NotFoundError{Resource: resource, Key: key}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.Key)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// -----------------------------
// EvaluationError
// -----------------------------

type EvaluationError struct {
	FlagKey string
	Message string
	Cause   error
}

func NewEvaluationError(flagKey, message string, cause error) *EvaluationError {
	return &EvaluationError{
		FlagKey: flagKey,
		Message: message,
		Cause:   cause,
	}
}

func (e *EvaluationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("evaluation error for flag %s: %s: %v", e.FlagKey, e.Message, e.Cause)
	}
	return fmt.Sprintf("evaluation error for flag %s: %s", e.FlagKey, e.Message)
}

func (e *EvaluationError) Unwrap() error {
	return e.Cause
}

func IsEvaluationError(err error) bool {
	var target *EvaluationError
	return errors.As(err, &target)
}

// -----------------------------
// TypeMismatchError
// -----------------------------

// TypeMismatchError is returned when a flag is evaluated as the wrong type,
// e.g. a boolean flag passed to a variant evaluation
type TypeMismatchError struct {
	FlagKey  string
	Expected FlagType
	Actual   FlagType
}

func NewTypeMismatchError(flagKey string, expected, actual FlagType) *TypeMismatchError {
	return &TypeMismatchError{FlagKey: flagKey, Expected: expected, Actual: actual}
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("flag %s is %s, expected %s", e.FlagKey, e.Actual, e.Expected)
}

func IsTypeMismatch(err error) bool {
	var target *TypeMismatchError
	return errors.As(err, &target)
}

// -----------------------------
// ValidationError
// -----------------------------

type ValidationError struct {
	Message string
	Cause   error
}

func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		Message: message,
	}
}

func NewValidationErrorWithCause(message string, cause error) *ValidationError {
	return &ValidationError{
		Message: message,
		Cause:   cause,
	}
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Cause
}

func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// -----------------------------
// MalformedSnapshotError
// -----------------------------

// MalformedSnapshotError means a fetched payload failed structural validation.
// The snapshot is rejected and the previous one stays active.
type MalformedSnapshotError struct {
	Namespace string
	Message   string
	Cause     error
}

func NewMalformedSnapshotError(namespace, message string, cause error) *MalformedSnapshotError {
	return &MalformedSnapshotError{
		Namespace: namespace,
		Message:   message,
		Cause:     cause,
	}
}

func (e *MalformedSnapshotError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed snapshot for namespace %q: %s: %v", e.Namespace, e.Message, e.Cause)
	}
	return fmt.Sprintf("malformed snapshot for namespace %q: %s", e.Namespace, e.Message)
}

func (e *MalformedSnapshotError) Unwrap() error {
	return e.Cause
}

func IsMalformedSnapshot(err error) bool {
	var target *MalformedSnapshotError
	return errors.As(err, &target)
}

// -----------------------------
// NetworkError
// -----------------------------

// NetworkError wraps a failed fetch or stream operation
type NetworkError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func NewNetworkError(op, url string, statusCode int, err error) *NetworkError {
	return &NetworkError{
		Op:         op,
		URL:        url,
		StatusCode: statusCode,
		Err:        err,
	}
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: HTTP %d: %v", e.Op, e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the request can succeed
func (e *NetworkError) Temporary() bool {
	if e.StatusCode == 0 {
		return true
	}
	return e.StatusCode >= 500 || e.StatusCode == 429
}

func IsNetworkError(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

// -----------------------------
// ConfigError
// -----------------------------

// ConfigError indicates invalid configuration, fatal at construction
type ConfigError struct {
	Field   string
	Message string
}

func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error [%s]: %s", e.Field, e.Message)
}

func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}
