package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cafeteria-queue/internal/model"
	"github.com/iliyamo/cafeteria-queue/internal/service"
)

// PaymentHandler receives payment outcomes over HTTP.  It is the
// synchronous twin of the payment.events queue consumer.
type PaymentHandler struct {
	Coord *service.Coordinator
}

// NewPaymentHandler returns a PaymentHandler.
func NewPaymentHandler(q *service.Coordinator) *PaymentHandler {
	if q == nil {
		panic("nil coordinator passed to NewPaymentHandler")
	}
	return &PaymentHandler{Coord: q}
}

// Event handles POST /v1/payments/events.  A paid outcome answers with
// the minted token; a failed outcome answers 204.
func (h *PaymentHandler) Event(c echo.Context) error {
	var ev model.PaymentEvent
	if err := c.Bind(&ev); err != nil {
		return badRequest(c, "invalid request body")
	}
	ev.BookingID = strings.TrimSpace(ev.BookingID)
	if ev.BookingID == "" {
		return badRequest(c, "booking_id is required")
	}
	t, err := h.Coord.HandlePaymentEvent(c.Request().Context(), ev)
	if err != nil {
		return fail(c, err)
	}
	if ev.Outcome == model.OutcomeFailed {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, t)
}
