// Package errkind defines the error taxonomy consulted by the coordinator
// loop and the component-level fault-handling policies around it. Kinds are
// attached to plain wrapped errors rather than modeled as a hierarchy of
// custom error types, matching how the rest of this module reports failure.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purpose of the coordinator's recovery
// policy (see internal/coordinator).
type Kind int

const (
	// Unknown is the zero value; treated as a generic loop error.
	Unknown Kind = iota
	// ProviderErr is a transient I/O failure against the market data
	// provider. Policy: exponential-backoff reconnect.
	ProviderErr
	// OutOfMemoryErr is fatal; policy is emergency cleanup then abort.
	OutOfMemoryErr
	// ConfigurationErr is fatal at startup, before the loop begins.
	ConfigurationErr
	// DetectorFault means a single detector raised on malformed input;
	// policy is to log, skip the candidate, and keep the loop running.
	DetectorFault
	// HandlerFault means an event-bus subscriber raised during publish;
	// policy is to log and continue to the next subscriber.
	HandlerFault
	// ValidationFault means a candidate failed an invariant after passing
	// its shape check (e.g. unknown instrument); policy is silent drop.
	ValidationFault
)

func (k Kind) String() string {
	switch k {
	case ProviderErr:
		return "provider"
	case OutOfMemoryErr:
		return "out_of_memory"
	case ConfigurationErr:
		return "configuration"
	case DetectorFault:
		return "detector_fault"
	case HandlerFault:
		return "handler_fault"
	case ValidationFault:
		return "validation_fault"
	default:
		return "unknown"
	}
}

// kindError wraps an error with a Kind so callers up the stack can branch on
// recovery policy without string-matching messages.
type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %s", e.kind, e.err) }
func (e *kindError) Unwrap() error { return e.err }

// Wrap attaches a Kind to err, formatting a message the way the rest of the
// module wraps errors (fmt.Errorf("...: %w", err)).
func Wrap(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// WrapErr attaches a Kind directly to an existing error.
func WrapErr(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// KindOf extracts the Kind from err, or Unknown if none was attached.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return Unknown
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
