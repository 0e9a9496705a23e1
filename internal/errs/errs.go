package errs

import (
	"errors"
	"fmt"
)

// ErrNoGrounding marks the terminal "not covered" state. It is a normal
// pipeline outcome, not a failure.
var ErrNoGrounding = errors.New("no grounding nodes found")

// InvalidFormatError reports a canonical reference that does not match the
// reference grammar.
type InvalidFormatError struct {
	Ref string
}

func (e *InvalidFormatError) Error() string {
	return fmt.Sprintf("invalid canonical reference format: %q", e.Ref)
}

// NotFoundError reports a well-formed reference with no matching valid node.
type NotFoundError struct {
	Ref string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no valid node for reference %q", e.Ref)
}

// ProviderError reports a failed or timed-out external generation or
// embedding call.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ValidationError reports a contract violation between components. These are
// programmer errors: they must propagate and fail fast, never be degraded
// into empty results.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Msg
}

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a contract violation.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound reports whether err is a missing-node error.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsInvalidFormat reports whether err is a reference grammar error.
func IsInvalidFormat(err error) bool {
	var ife *InvalidFormatError
	return errors.As(err, &ife)
}
