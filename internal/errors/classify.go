package errors

import (
	"context"
	"errors"
)

// Class groups errors by what a caller can do about them.
type Class int

const (
	ClassUnknown   Class = iota
	ClassTransient       // network or server trouble, another attempt may succeed
	ClassTimeout         // the call exceeded its bound
	ClassSchema          // payload or schema mismatch, retrying will not help
	ClassCancelled       // the caller gave up
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassTimeout:
		return "timeout"
	case ClassSchema:
		return "schema"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Retryable reports whether another attempt could change the outcome.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassTimeout || c == ClassUnknown
}

// Classify maps an error onto a Class. Typed errors from this package win over
// gRPC status codes, which win over context errors. ErrMethodNotFound is
// classified by the failure it wraps, if any, and is a schema error otherwise.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var (
		timeoutErr  *TimeoutError
		resolveErr  *TypeResolutionError
		encodeErr   *EncodingError
		decodeErr   *DecodingError
		fetchErr    *ReflectionFetchError
		validateErr ValidationError
	)
	switch {
	case errors.As(err, &timeoutErr), errors.Is(err, ErrTimeout):
		return ClassTimeout
	case errors.As(err, &resolveErr), errors.As(err, &encodeErr),
		errors.As(err, &decodeErr), errors.As(err, &validateErr),
		errors.Is(err, ErrInvalidDescriptor):
		return ClassSchema
	case errors.As(err, &fetchErr), errors.Is(err, ErrConnectionFailed):
		return ClassTransient
	}

	if c, ok := classifyStatus(err); ok {
		return c
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	case errors.Is(err, ErrMethodNotFound):
		return ClassSchema
	}
	return ClassUnknown
}

// IsTimeout reports whether err should be counted as a timeout in endpoint stats.
func IsTimeout(err error) bool {
	return Classify(err) == ClassTimeout
}

// IsPermanent reports whether retrying err is pointless.
func IsPermanent(err error) bool {
	c := Classify(err)
	return c == ClassSchema || c == ClassCancelled
}
