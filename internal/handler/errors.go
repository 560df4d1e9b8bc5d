package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cafeteria-queue/internal/ledger"
	"github.com/iliyamo/cafeteria-queue/internal/registry"
	"github.com/iliyamo/cafeteria-queue/internal/service"
	"github.com/iliyamo/cafeteria-queue/internal/slotlock"
)

type errorMapping struct {
	err    error
	status int
	code   string
}

// errorTable maps domain errors to HTTP responses.  Order matters only
// for errors that wrap more than one sentinel.
var errorTable = []errorMapping{
	{slotlock.ErrInvariant, http.StatusInternalServerError, "invariant_violated"},
	{slotlock.ErrStorage, http.StatusServiceUnavailable, "storage_unavailable"},
	{registry.ErrCapacityExceeded, http.StatusConflict, "slot_full"},
	{registry.ErrReservationExpired, http.StatusConflict, "reservation_expired"},
	{registry.ErrSlotExists, http.StatusConflict, "slot_exists"},
	{registry.ErrSlotInactive, http.StatusConflict, "slot_inactive"},
	{ledger.ErrInvalidTransition, http.StatusConflict, "invalid_transition"},
	{service.ErrBookingNotCancellable, http.StatusConflict, "booking_not_cancellable"},
	{registry.ErrSlotNotFound, http.StatusNotFound, "slot_not_found"},
	{registry.ErrReservationNotFound, http.StatusNotFound, "reservation_not_found"},
	{ledger.ErrTokenNotFound, http.StatusNotFound, "token_not_found"},
	{service.ErrBookingNotFound, http.StatusNotFound, "booking_not_found"},
	{registry.ErrInvalidSlot, http.StatusBadRequest, "invalid_slot"},
	{registry.ErrInvalidCount, http.StatusBadRequest, "invalid_members"},
	{ledger.ErrCounterRequired, http.StatusBadRequest, "counter_required"},
	{service.ErrInvalidOutcome, http.StatusBadRequest, "invalid_outcome"},
	{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
	{context.Canceled, http.StatusServiceUnavailable, "cancelled"},
}

// statusOf returns the HTTP status and error code for err.
func statusOf(err error) (int, string) {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, "internal_error"
}

// fail writes the JSON error response for a domain error.  Internal
// details are not exposed for 5xx responses.
func fail(c echo.Context, err error) error {
	status, code := statusOf(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	return c.JSON(status, echo.Map{"error": code, "message": msg})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": "bad_request", "message": msg})
}
