package fliptengine

import (
	"errors"

	"github.com/OrlandoBitencourt/fliptengine/internal/domain"
)

// Error types that may be returned by engine operations.
type (
	// ConfigError indicates invalid configuration. It is only returned by New.
	ConfigError = domain.ConfigError

	// NotFoundError indicates a flag absent from the snapshot.
	NotFoundError = domain.NotFoundError

	// TypeMismatchError indicates a variant call on a boolean flag or the
	// other way around.
	TypeMismatchError = domain.TypeMismatchError

	// EvaluationError indicates a request the flag's constraints could not
	// be applied to, such as a non-numeric value for a number constraint.
	EvaluationError = domain.EvaluationError

	// NetworkError indicates a failed fetch or stream. The engine keeps
	// serving its last snapshot.
	NetworkError = domain.NetworkError

	// MalformedSnapshotError indicates a fetched snapshot that failed
	// validation and was rejected.
	MalformedSnapshotError = domain.MalformedSnapshotError
)

var (
	// ErrNotReady is returned by evaluations before the first snapshot.
	// Callers may retry.
	ErrNotReady = domain.ErrNotReady

	// ErrClosed is returned by operations on a closed engine.
	ErrClosed = errors.New("engine closed")
)

// IsNotReady reports whether err means no snapshot has been loaded yet.
func IsNotReady(err error) bool {
	return errors.Is(err, ErrNotReady)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	return domain.IsNotFound(err)
}

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	return domain.IsConfigError(err)
}

// IsNetworkError reports whether err is a NetworkError.
func IsNetworkError(err error) bool {
	return domain.IsNetworkError(err)
}
