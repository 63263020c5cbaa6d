package availability

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository contains all storage interactions needed by the service.
type Repository interface {
	// Profiles
	UpsertProfile(ctx context.Context, p DoctorProfile) (*DoctorProfile, error)
	GetProfile(ctx context.Context, doctorID uuid.UUID) (*DoctorProfile, error)

	// Slots. InsertSlots rejects the whole batch with ErrSlotOverlap when any
	// slot overlaps a non-cancelled slot of the same doctor, and with
	// ErrProfileNotFound when the doctor has no profile.
	InsertSlots(ctx context.Context, slots []AvailabilitySlot) ([]AvailabilitySlot, error)
	GetSlot(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error)
	SearchAvailable(ctx context.Context, specialty string, from, to time.Time) ([]AvailabilitySlot, error)
	AvailableSlotDays(ctx context.Context, doctorID uuid.UUID) ([]time.Time, error)

	// Bookings
	GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error)
	ListBookingsByPatient(ctx context.Context, patientID uuid.UUID) ([]Booking, error)

	// WithinTx runs fn in one unit of work. It commits when fn returns nil and
	// rolls back otherwise, including on panic.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	// Invalidation retry queue
	EnqueueInvalidation(ctx context.Context, cacheKey, reason string) error
	PendingInvalidations(ctx context.Context, limit int) ([]PendingInvalidation, error)
	ResolveInvalidation(ctx context.Context, id int64) error
	MarkInvalidationAttempt(ctx context.Context, id int64) error
	CountPendingInvalidations(ctx context.Context) (int, error)
}

// Tx is the scoped view of the store handed to a unit of work.
type Tx interface {
	// LockSlot takes an exclusive lock on the slot row held until the unit of
	// work ends. It blocks while another unit of work holds the same row.
	LockSlot(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error)
	UpdateSlotStatus(ctx context.Context, id uuid.UUID, status SlotStatus) error
	InsertBooking(ctx context.Context, b Booking) (*Booking, error)
	GetProfile(ctx context.Context, doctorID uuid.UUID) (*DoctorProfile, error)
}
