package model

// Code is a machine-readable error kind raised by the offer engine.
type Code string

const (
	// CodeCapacityExceeded: no remaining slot, inactive date window or an
	// unmet super-event precondition.
	CodeCapacityExceeded Code = "CAPACITY_EXCEEDED"
	// CodeFlagOutOfRange: a flag selection does not belong to the target
	// offer and has no automatic substitute.
	CodeFlagOutOfRange Code = "FLAG_OUT_OF_RANGE"
	// CodeFlagCapacityExceeded: a substitute flag offer found during
	// compatibility resolution is full.
	CodeFlagCapacityExceeded Code = "FLAG_CAPACITY_EXCEEDED"
	// CodePriceInvalidArgument: price requested without an offer or
	// participant category.
	CodePriceInvalidArgument Code = "PRICE_INVALID_ARGUMENT"
	// CodeNotImplemented: a mutation the model forbids.
	CodeNotImplemented Code = "NOT_IMPLEMENTED"
)

// Sentinels for errors.Is matching by code.
var (
	ErrCapacityExceeded     = &Error{Code: CodeCapacityExceeded, Message: "capacity exceeded"}
	ErrFlagOutOfRange       = &Error{Code: CodeFlagOutOfRange, Message: "invalid flag range"}
	ErrFlagCapacityExceeded = &Error{Code: CodeFlagCapacityExceeded, Message: "flag capacity exceeded"}
	ErrPriceInvalidArgument = &Error{Code: CodePriceInvalidArgument, Message: "invalid price argument"}
	ErrNotImplemented       = &Error{Code: CodeNotImplemented, Message: "not implemented"}
)

// Error is the domain error type with structured metadata.
type Error struct {
	Code     Code              // Machine-readable error kind
	Message  string            // Human readable message
	Metadata map[string]string // Names of the offending offer, flag, group
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

func newError(code Code, message string, kv ...string) *Error {
	e := &Error{Code: code, Message: message}
	if len(kv) > 1 {
		e.Metadata = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			e.Metadata[kv[i]] = kv[i+1]
		}
	}
	return e
}
