package devices

import (
	"errors"
	"fmt"
)

// Kind classifies a device error for the retry and surfacing policy.
type Kind int

const (
	// KindUnreachable covers timeouts and connection failures. Retryable.
	KindUnreachable Kind = iota
	// KindAuthFailed means the credential list was exhausted or a call
	// was rejected again after a session refresh. Not retried.
	KindAuthFailed
	// KindCapabilityMismatch means the requested settings are not
	// supported by the device. Rejected, not retried.
	KindCapabilityMismatch
	// KindProtocol covers malformed or unexpected device responses.
	// Retried a bounded number of times.
	KindProtocol
	// KindCancelled is a user-initiated, terminal outcome.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindAuthFailed:
		return "authentication_failed"
	case KindCapabilityMismatch:
		return "capability_mismatch"
	case KindProtocol:
		return "protocol_error"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Error is a classified device error.
type Error struct {
	Kind     Kind
	DeviceID string
	Err      error
}

func (e *Error) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("%s: %s: %v", e.DeviceID, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the dispatcher may retry after this error.
func (e *Error) Retryable() bool {
	return e.Kind == KindUnreachable || e.Kind == KindProtocol
}

// E wraps err with a kind and device id. A nil err yields a generic
// message so callers can use E for sentinel conditions.
func E(kind Kind, deviceID string, err error) *Error {
	if err == nil {
		err = errors.New(kind.String())
	}
	return &Error{Kind: kind, DeviceID: deviceID, Err: err}
}

// Ef is E with a formatted message.
func Ef(kind Kind, deviceID, format string, args ...any) *Error {
	return &Error{Kind: kind, DeviceID: deviceID, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the kind from err, defaulting to KindProtocol for
// unclassified errors.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindProtocol
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var de *Error
	return errors.As(err, &de) && de.Kind == kind
}

// Retryable reports whether err permits another dispatch attempt.
// Unclassified errors count as retryable protocol errors.
func Retryable(err error) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Retryable()
	}
	return true
}
