package availability

import (
	"errors"
	"fmt"
)

// Kind separates caller faults from missing resources, lost races and
// infrastructure trouble. Only infrastructure errors are worth retrying.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindNotFound
	KindConflict
	KindInfrastructure
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInfrastructure:
		return "infrastructure"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrNotDoctor         = newError(KindValidation, "not_doctor", "only doctors can manage profiles and slots")
	ErrInvalidIdentity   = newError(KindValidation, "invalid_identity", "caller identity is missing")
	ErrInvalidTimeRange  = newError(KindValidation, "invalid_time_range", "start must be before end")
	ErrNoSlotsProducible = newError(KindValidation, "no_slots_producible", "no slots producible in the given time range")
	ErrInvalidDate       = newError(KindValidation, "invalid_date", "date must be formatted as YYYY-MM-DD")
	ErrInvalidSpecialty  = newError(KindValidation, "invalid_specialty", "specialty must be 1-100 characters")
	ErrInvalidFee        = newError(KindValidation, "invalid_fee", "fee must be between 0 and 9999999999.99")
	ErrRangeTooLong      = newError(KindValidation, "range_too_long", "slot range must not exceed 31 days")

	ErrProfileNotFound = newError(KindNotFound, "profile_not_found", "profile not found")
	ErrSlotNotFound    = newError(KindNotFound, "slot_not_found", "slot not found")
	ErrBookingNotFound = newError(KindNotFound, "booking_not_found", "booking not found")

	ErrSlotUnavailable = newError(KindConflict, "slot_unavailable", "slot unavailable")
	ErrSlotOverlap     = newError(KindConflict, "slot_overlap", "slot overlaps an existing slot")

	ErrLockTimeout = newError(KindInfrastructure, "lock_timeout", "timed out waiting for slot lock")
	ErrContention  = newError(KindInfrastructure, "contention", "resource is busy, retry shortly")
)

// infra wraps a driver or backend error as a retryable infrastructure fault.
func infra(op string, err error) error {
	return &Error{Kind: KindInfrastructure, Code: "infrastructure", Message: op, Err: err}
}

// KindOf classifies err. Anything not raised by this package counts as infrastructure.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInfrastructure
}

// CodeOf returns the machine readable code of err.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal_error"
}

func IsRetryable(err error) bool {
	return KindOf(err) == KindInfrastructure
}
