package availability

import (
	"time"

	"github.com/google/uuid"
)

// DefaultSlotDuration is the length of one consultation.
const DefaultSlotDuration = 30 * time.Minute

// GenerateSlots cuts [start, end) into contiguous slots of length d. A trailing
// remainder shorter than d is dropped. start >= end or d <= 0 yields nil.
func GenerateSlots(doctorID uuid.UUID, start, end time.Time, d time.Duration) []AvailabilitySlot {
	if d <= 0 || !start.Before(end) {
		return nil
	}

	var slots []AvailabilitySlot
	for cur := start; !cur.Add(d).After(end); cur = cur.Add(d) {
		slots = append(slots, AvailabilitySlot{
			ID:        uuid.New(),
			DoctorID:  doctorID,
			StartTime: cur,
			EndTime:   cur.Add(d),
			Status:    SlotAvailable,
		})
	}
	return slots
}
