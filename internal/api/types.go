package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/hackgods/clinic-availability/internal/availability"
)

type UpsertProfileRequest struct {
	Specialty string          `json:"specialty" validate:"required,max=100"`
	Fee       decimal.Decimal `json:"fee"`
}

type PublishSlotsRequest struct {
	Start time.Time `json:"start" validate:"required"`
	End   time.Time `json:"end" validate:"required"`
}

type SearchSlotsQuery struct {
	Specialty string `validate:"required,max=100"`
	Date      string `validate:"required,datetime=2006-01-02"`
}

type CreateBookingRequest struct {
	SlotID string `json:"slot_id" validate:"required,uuid"`
}

type SlotsResponse struct {
	Count int                             `json:"count"`
	Slots []availability.AvailabilitySlot `json:"slots"`
}

type SearchResponse struct {
	Specialty string                          `json:"specialty"`
	Date      string                          `json:"date"`
	Count     int                             `json:"count"`
	Slots     []availability.AvailabilitySlot `json:"slots"`
}

type BookingsResponse struct {
	Count    int                    `json:"count"`
	Bookings []availability.Booking `json:"bookings"`
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error   string       `json:"error"`
	Details string       `json:"details,omitempty"`
	Fields  []FieldError `json:"fields,omitempty"`
}
