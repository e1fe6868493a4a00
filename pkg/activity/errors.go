package activity

import (
	"errors"
	"fmt"
)

// ErrLockTimeout is returned when a shard or cursor lock cannot be obtained
// within the blocking window. The whole unit of work should be retried later.
var ErrLockTimeout = errors.New("could not acquire lock for activity, operation timed out")

var (
	errRelatedXOR      = errors.New("if related_type is provided, either related_id or related_slug must be provided, but not both")
	errRelatedOrphan   = errors.New("if related_type is not provided, both related_id and related_slug must also be absent")
	errKindRequired    = errors.New("kind required")
	errUnknownKind     = errors.New("unknown activity kind")
	errUnsupportedMeta = errors.New("unsupported meta value")
)

type ValidationError struct {
	reason error
}

func (e ValidationError) Error() string {
	return e.reason.Error()
}

func (e ValidationError) Unwrap() error {
	return e.reason
}

func invalid(format string, args ...interface{}) error {
	return ValidationError{reason: fmt.Errorf(format, args...)}
}

func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// IsRetryable reports whether err should be handed back to the job runner or
// message consumer for a later redelivery. Only validation failures are
// final; store and lock failures leave the activity unrecorded.
func IsRetryable(err error) bool {
	return err != nil && !IsValidationError(err)
}
