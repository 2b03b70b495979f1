package api

import (
	"errors"
	"fmt"
)

// FaultCode is the closed set of broker rejection categories. Transports
// decide the code once at the boundary; callers switch on it rather than
// inspecting error text.
type FaultCode string

const (
	// FaultUnauthorized reports an authentication or authorization failure.
	FaultUnauthorized FaultCode = "unauthorized"
	// FaultNotFound reports an unknown queue, lock token, or session.
	FaultNotFound FaultCode = "not_found"
	// FaultLockLost reports that a message or session lock has expired or
	// been superseded; renewals and settlements against it are rejected.
	FaultLockLost FaultCode = "lock_lost"
	// FaultLockTimeout reports that a lock could not be obtained in time,
	// for example when accepting a session another receiver holds.
	FaultLockTimeout FaultCode = "lock_timeout"
	// FaultInternal covers everything else; Detail carries the specifics.
	FaultInternal FaultCode = "internal"
)

// Fault captures a transport-neutral broker rejection that adapters can map
// to HTTP, AMQP conditions, or other protocols.
type Fault struct {
	// Code classifies the rejection.
	Code FaultCode `json:"code"`
	// Detail is a human-readable elaboration.
	Detail string `json:"detail,omitempty"`
}

func (f Fault) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return string(f.Code)
}

// Faultf builds a Fault with a formatted detail string.
func Faultf(code FaultCode, format string, args ...any) Fault {
	return Fault{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// FaultCodeOf extracts the fault code from err, or "" when err carries none.
func FaultCodeOf(err error) FaultCode {
	var f Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// IsFault reports whether err carries a Fault with the given code.
func IsFault(err error, code FaultCode) bool {
	return FaultCodeOf(err) == code
}
