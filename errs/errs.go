// Package errs gives VM-facing failures a stable numeric code alongside the
// Go error value, the same role parser.ErrorKind plays for the teacher's
// source-level diagnostics (spec.md §6's "Errors.h-style error codes" for
// callers that need a code rather than a message, e.g. a language binding).
package errs

// Code is a stable, ABI-like error classification. Values must never be
// renumbered once published, mirroring QBDI's Errors.h.
type Code int32

const (
	ErrorUnknown Code = iota
	ErrorFeatureUnused
	ErrorInvalidParameter
	ErrorMissingCollaborator
	ErrorDecodeFailure
	ErrorNoMatchingPatchRule
	ErrorAllocationFailure
	ErrorCacheInconsistency
	ErrorBrokerRefusal
)

func (c Code) String() string {
	switch c {
	case ErrorUnknown:
		return "unknown error"
	case ErrorFeatureUnused:
		return "feature not enabled for this call"
	case ErrorInvalidParameter:
		return "invalid parameter"
	case ErrorMissingCollaborator:
		return "required collaborator not configured"
	case ErrorDecodeFailure:
		return "instruction decode failure"
	case ErrorNoMatchingPatchRule:
		return "no patch rule matched the decoded instruction"
	case ErrorAllocationFailure:
		return "block arena allocation failure"
	case ErrorCacheInconsistency:
		return "shadow table entry missing its pair"
	case ErrorBrokerRefusal:
		return "broker refused to transfer execution"
	default:
		return "unrecognised error code"
	}
}

// Error pairs a Code with the underlying Go error (spec.md §7's error
// taxonomy), so callers that only want the numeric code can type-assert or
// use errors.As, while everyone else can just treat it as a normal error.
type Error struct {
	Code    Code
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return e.Code.String() + ": " + e.Message + ": " + e.Wrapped.Error()
	}
	return e.Code.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Wrapped }

// New builds an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error around an existing error.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Wrapped: cause}
}
