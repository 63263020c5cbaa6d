package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-availability/internal/auth"
	"github.com/hackgods/clinic-availability/internal/availability"
)

// AvailabilityService is the core the handlers drive.
type AvailabilityService interface {
	UpsertProfile(ctx context.Context, id auth.Identity, in availability.ProfileInput) (*availability.DoctorProfile, error)
	GetProfile(ctx context.Context, doctorID uuid.UUID) (*availability.DoctorProfile, error)
	PublishSlots(ctx context.Context, id auth.Identity, start, end time.Time) ([]availability.AvailabilitySlot, error)
	SearchAvailable(ctx context.Context, specialty, date string) ([]availability.AvailabilitySlot, error)
	CreateBooking(ctx context.Context, patientID, slotID uuid.UUID) (*availability.Booking, error)
	GetBooking(ctx context.Context, id uuid.UUID) (*availability.Booking, error)
	ListPatientBookings(ctx context.Context, patientID uuid.UUID) ([]availability.Booking, error)
}

func upsertProfileHandler(svc AvailabilityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())

		var req UpsertProfileRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		profile, err := svc.UpsertProfile(r.Context(), id, availability.ProfileInput{
			Specialty: req.Specialty,
			Fee:       req.Fee,
		})
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, profile)
	}
}

func getProfileHandler(svc AvailabilityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "id must be a valid UUID")
			return
		}

		profile, err := svc.GetProfile(r.Context(), doctorID)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, profile)
	}
}

func publishSlotsHandler(svc AvailabilityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())

		var req PublishSlotsRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}

		slots, err := svc.PublishSlots(r.Context(), id, req.Start, req.End)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, SlotsResponse{Count: len(slots), Slots: slots})
	}
}

func searchSlotsHandler(svc AvailabilityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := SearchSlotsQuery{
			Specialty: r.URL.Query().Get("specialty"),
			Date:      r.URL.Query().Get("date"),
		}
		if !validateStruct(w, &q) {
			return
		}

		slots, err := svc.SearchAvailable(r.Context(), q.Specialty, q.Date)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, SearchResponse{
			Specialty: q.Specialty,
			Date:      q.Date,
			Count:     len(slots),
			Slots:     slots,
		})
	}
}

func createBookingHandler(svc AvailabilityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())

		var req CreateBookingRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		slotID, err := uuid.Parse(req.SlotID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_slot_id", "slot_id must be a valid UUID")
			return
		}

		booking, err := svc.CreateBooking(r.Context(), id.UserID, slotID)
		if err != nil {
			if availability.IsRetryable(err) {
				zerolog.Ctx(r.Context()).Warn().Err(err).Str("slot_id", slotID.String()).Msg("booking failed, retryable")
			}
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, booking)
	}
}

func getBookingHandler(svc AvailabilityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())

		bookingID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_booking_id", "id must be a valid UUID")
			return
		}

		booking, err := svc.GetBooking(r.Context(), bookingID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		// Other patients' bookings are reported as missing.
		if id.Role != auth.RoleAdmin && booking.PatientID != id.UserID {
			writeServiceError(w, availability.ErrBookingNotFound)
			return
		}

		writeJSON(w, http.StatusOK, booking)
	}
}

func listBookingsHandler(svc AvailabilityService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, _ := auth.FromContext(r.Context())

		bookings, err := svc.ListPatientBookings(r.Context(), id.UserID)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, BookingsResponse{Count: len(bookings), Bookings: bookings})
	}
}
