package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Sentinel errors for common failure modes.
var (
	ErrConnectionFailed      = errors.New("connection failed")
	ErrReflectionUnavailable = errors.New("reflection not available")
	ErrInvalidDescriptor     = errors.New("invalid descriptor")
	ErrTimeout               = errors.New("operation timed out")
	ErrNoEndpoints           = errors.New("all blacklisted or none available")
	ErrMethodNotFound        = errors.New("method not found")
)

// ReflectionFetchError reports a transport or session failure during discovery.
type ReflectionFetchError struct {
	Address string
	Err     error
}

func (e *ReflectionFetchError) Error() string {
	return fmt.Sprintf("reflection fetch from %s failed: %v", e.Address, e.Err)
}

func (e *ReflectionFetchError) Unwrap() []error {
	return []error{ErrReflectionUnavailable, e.Err}
}

// ResolutionKind distinguishes the ways a type can fail to resolve.
type ResolutionKind int

const (
	MissingType ResolutionKind = iota
	CircularDependency
	DepthExceeded
)

func (k ResolutionKind) String() string {
	switch k {
	case MissingType:
		return "missing type"
	case CircularDependency:
		return "circular dependency"
	case DepthExceeded:
		return "dependency depth exceeded"
	default:
		return "unknown"
	}
}

// TypeResolutionError reports a schema that cannot be built. Retrying will not
// change the outcome.
type TypeResolutionError struct {
	Kind   ResolutionKind
	Symbol string
	Err    error
}

func (e *TypeResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve %s: %s: %v", e.Symbol, e.Kind, e.Err)
	}
	return fmt.Sprintf("resolve %s: %s", e.Symbol, e.Kind)
}

func (e *TypeResolutionError) Unwrap() error {
	return e.Err
}

// EncodingError reports a JSON payload that does not fit the request schema.
type EncodingError struct {
	Field   string // dotted path, empty for the top level
	Message string
}

func (e *EncodingError) Error() string {
	if e.Field == "" {
		return "encode request: " + e.Message
	}
	return "encode request: " + e.Field + ": " + e.Message
}

// DecodingError reports response bytes that do not parse against the schema.
type DecodingError struct {
	TypeName string
	Err      error
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.TypeName, e.Err)
}

func (e *DecodingError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a call that exceeded its bound. The call is always
// cancelled before this error is returned.
type TimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("call timed out after %s", e.Timeout)
}

func (e *TimeoutError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTimeout}
	}
	return []error{ErrTimeout, e.Err}
}

// AttemptError is one candidate's failure inside a race.
type AttemptError struct {
	Address string
	Err     error
}

func (e AttemptError) Error() string {
	return e.Address + ": " + e.Err.Error()
}

func (e AttemptError) Unwrap() error {
	return e.Err
}

// AllEndpointsFailedError aggregates the per-candidate errors of a race.
type AllEndpointsFailedError struct {
	Attempts []AttemptError
	Reason   error // set when the race never started, e.g. ErrNoEndpoints
}

func (e *AllEndpointsFailedError) Error() string {
	if len(e.Attempts) == 0 {
		reason := ErrNoEndpoints
		if e.Reason != nil {
			reason = e.Reason
		}
		return "all endpoints failed: " + reason.Error()
	}
	var combined error
	for _, a := range e.Attempts {
		combined = multierr.Append(combined, a)
	}
	return "all endpoints failed: " + combined.Error()
}

func (e *AllEndpointsFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Attempts)+1)
	if e.Reason != nil {
		errs = append(errs, e.Reason)
	}
	for _, a := range e.Attempts {
		errs = append(errs, a)
	}
	return errs
}

// Addresses lists the candidates that were attempted.
func (e *AllEndpointsFailedError) Addresses() []string {
	out := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		out[i] = a.Address
	}
	return out
}

// ValidationError represents a configuration or argument validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// JoinPath builds dotted field paths for EncodingError.
func JoinPath(parent, child string) string {
	if parent == "" {
		return child
	}
	if strings.HasPrefix(child, "[") {
		return parent + child
	}
	return parent + "." + child
}
