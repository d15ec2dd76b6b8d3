// Package errors provides error handling for halyard.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//   - Network portability for distributed systems
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotConnected) {
//	    // handle disconnected client
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	"fmt"

	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New           = crdb.New
	Newf          = crdb.Newf
	Wrap          = crdb.Wrap
	Wrapf         = crdb.Wrapf
	WithStack     = crdb.WithStack
	WithMessage   = crdb.WithMessage
	WithMessagef  = crdb.WithMessagef
	Mark          = crdb.Mark
	CombineErrors = crdb.CombineErrors
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Sentinel errors for the remote execution protocol and orchestration layers.
// Use these with errors.Is() for type-safe error checking, and wrap them with
// errors.Wrap() to add context while preserving the type.
var (
	// ErrConnection indicates a transport-level failure before or after the
	// protocol handshake.
	ErrConnection = New("connection error")

	// ErrTimeout indicates no response arrived within the deadline.
	ErrTimeout = New("operation timed out")

	// ErrNotConnected indicates an operation was attempted while the
	// protocol client was not in the connected state.
	ErrNotConnected = New("not connected")

	// ErrConnectionClosed indicates an in-flight request was abandoned
	// because the connection was closed.
	ErrConnectionClosed = New("connection closed")

	// ErrConfigurationNotFound indicates a server or agent record required
	// for orchestration is missing. Not retryable.
	ErrConfigurationNotFound = New("configuration not found")

	// ErrAgentNotAvailable indicates an explicitly requested agent does not
	// exist or is not in a usable state. Not retryable.
	ErrAgentNotAvailable = New("agent not available")
)

// JSON-RPC error codes used by the remote endpoint.
const (
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeExecutionFailure = -32000
)

// RemoteError carries a JSON-RPC error object returned by the remote server.
// The remote-reported message is passed through to callers unchanged.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// NewRemoteError creates a RemoteError from a JSON-RPC error object.
func NewRemoteError(code int, message string) *RemoteError {
	return &RemoteError{Code: code, Message: message}
}

// IsRemoteError reports whether err is or wraps a RemoteError, returning it.
func IsRemoteError(err error) (*RemoteError, bool) {
	var remote *RemoteError
	if err != nil && As(err, &remote) {
		return remote, true
	}
	return nil, false
}

// IsRetryable reports whether an execution failure should be retried by the
// job queue. Configuration and agent-resolution errors indicate static
// misconfiguration and are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !Is(err, ErrConfigurationNotFound) && !Is(err, ErrAgentNotAvailable)
}
