package availability

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-availability/internal/metrics"
)

// CreateBooking claims slotID for patientID.
//
// The slot row is locked before its status is read, so concurrent claims on
// the same slot are serialised and only the first one sees it available. The
// status flip, the booking insert and the profile lookup commit together or
// not at all. The cache entry for the slot's specialty and day is deleted
// after commit; a failed delete does not undo the booking.
func (s *Service) CreateBooking(ctx context.Context, patientID, slotID uuid.UUID) (*Booking, error) {
	if patientID == uuid.Nil {
		return nil, ErrInvalidIdentity
	}

	started := s.now()
	claimCtx, cancel := context.WithTimeout(ctx, s.cfg.ClaimTimeout)
	defer cancel()

	var (
		booking  *Booking
		cacheKey string
	)
	err := s.repo.WithinTx(claimCtx, func(tx Tx) error {
		slot, err := tx.LockSlot(claimCtx, slotID)
		if err != nil {
			return err
		}
		if slot.Status != SlotAvailable {
			return ErrSlotUnavailable
		}

		if err := tx.UpdateSlotStatus(claimCtx, slot.ID, SlotBooked); err != nil {
			return err
		}

		b, err := tx.InsertBooking(claimCtx, Booking{
			ID:        uuid.New(),
			PatientID: patientID,
			SlotID:    slot.ID,
			Status:    BookingConfirmed,
			CreatedAt: s.now().UTC(),
		})
		if err != nil {
			return err
		}

		profile, err := tx.GetProfile(claimCtx, slot.DoctorID)
		if err != nil {
			return err
		}

		booking = b
		cacheKey = CacheKey(profile.Specialty, slot.StartTime)
		return nil
	})
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrLockTimeout) {
		err = fmt.Errorf("%w: %w", ErrLockTimeout, err)
	}

	s.metrics.ClaimLatency.Observe(s.now().Sub(started).Seconds())
	s.metrics.Claims.WithLabelValues(claimOutcome(err)).Inc()
	if err != nil {
		s.log.Info().
			Err(err).
			Str("slot_id", slotID.String()).
			Str("patient_id", patientID.String()).
			Str("outcome", claimOutcome(err)).
			Msg("slot claim rejected")
		return nil, err
	}

	s.invalidate(ctx, []string{cacheKey}, "booking created")

	s.log.Info().
		Str("booking_id", booking.ID.String()).
		Str("slot_id", slotID.String()).
		Str("patient_id", patientID.String()).
		Msg("slot claimed")
	return booking, nil
}

func claimOutcome(err error) string {
	switch {
	case err == nil:
		return metrics.ClaimConfirmed
	case errors.Is(err, ErrSlotUnavailable):
		return metrics.ClaimConflict
	case errors.Is(err, ErrSlotNotFound):
		return metrics.ClaimNotFound
	case errors.Is(err, ErrLockTimeout), errors.Is(err, ErrContention):
		return metrics.ClaimTimeout
	default:
		return metrics.ClaimError
	}
}
