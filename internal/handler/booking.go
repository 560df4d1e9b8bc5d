package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cafeteria-queue/internal/middleware"
	"github.com/iliyamo/cafeteria-queue/internal/model"
	"github.com/iliyamo/cafeteria-queue/internal/service"
)

// BookingHandler serves the customer booking endpoints.  Customers only
// ever see their own bookings; anything else answers 404 so booking IDs
// cannot be probed.
type BookingHandler struct {
	Coord *service.Coordinator
}

// NewBookingHandler returns a BookingHandler.
func NewBookingHandler(q *service.Coordinator) *BookingHandler {
	if q == nil {
		panic("nil coordinator passed to NewBookingHandler")
	}
	return &BookingHandler{Coord: q}
}

type createBookingRequest struct {
	Members int `json:"members"`
}

type bookingResponse struct {
	Booking     model.Booking     `json:"booking"`
	Reservation model.Reservation `json:"reservation"`
}

// Create handles POST /v1/slots/:id/bookings.  The booking stays pending
// until the payment subsystem reports an outcome or the reservation
// lapses.
func (h *BookingHandler) Create(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}
	var body createBookingRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	b, res, err := h.Coord.Book(c.Request().Context(), userID, c.Param("id"), body.Members)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, bookingResponse{Booking: b, Reservation: res})
}

// Get handles GET /v1/bookings/:id.
func (h *BookingHandler) Get(c echo.Context) error {
	b, err := h.owned(c, c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

// Cancel handles DELETE /v1/bookings/:id.  Only pending bookings can be
// cancelled; cancelling an already failed or cancelled booking is a no-op.
func (h *BookingHandler) Cancel(c echo.Context) error {
	if _, err := h.owned(c, c.Param("id")); err != nil {
		return fail(c, err)
	}
	b, err := h.Coord.CancelBooking(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *BookingHandler) owned(c echo.Context, bookingID string) (model.Booking, error) {
	b, err := h.Coord.Booking(c.Request().Context(), bookingID)
	if err != nil {
		return model.Booking{}, err
	}
	if !ownsBooking(c, b) {
		return model.Booking{}, service.ErrBookingNotFound
	}
	return b, nil
}

// ownsBooking reports whether the caller may see b.  Staff see every
// booking.
func ownsBooking(c echo.Context, b model.Booking) bool {
	if middleware.Role(c) == model.RoleStaff {
		return true
	}
	id, ok := middleware.UserID(c)
	return ok && id == b.UserID
}
