package availability

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "available"
	SlotBooked    SlotStatus = "booked"
	SlotCancelled SlotStatus = "cancelled"
)

type BookingStatus string

const (
	BookingScheduled BookingStatus = "scheduled"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

// DoctorProfile is keyed by the doctor's user id; at most one per doctor.
type DoctorProfile struct {
	DoctorID  uuid.UUID       `json:"doctor_id"`
	Specialty string          `json:"specialty"`
	Fee       decimal.Decimal `json:"fee"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AvailabilitySlot covers the half-open interval [StartTime, EndTime).
type AvailabilitySlot struct {
	ID        uuid.UUID  `json:"id"`
	DoctorID  uuid.UUID  `json:"doctor_id"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
	Status    SlotStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
}

// Overlaps reports whether the two half-open intervals intersect.
func (s AvailabilitySlot) Overlaps(o AvailabilitySlot) bool {
	return s.StartTime.Before(o.EndTime) && o.StartTime.Before(s.EndTime)
}

type Booking struct {
	ID        uuid.UUID     `json:"id"`
	PatientID uuid.UUID     `json:"patient_id"`
	SlotID    uuid.UUID     `json:"slot_id"`
	Status    BookingStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// PendingInvalidation is a cache key whose post-commit delete failed.
type PendingInvalidation struct {
	ID        int64
	CacheKey  string
	Reason    string
	Attempts  int
	CreatedAt time.Time
}
