package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cafeteria-queue/internal/model"
	"github.com/iliyamo/cafeteria-queue/internal/service"
)

// StaffHandler serves the counter-side queue operations.
type StaffHandler struct {
	Coord *service.Coordinator
}

// NewStaffHandler returns a StaffHandler.
func NewStaffHandler(q *service.Coordinator) *StaffHandler {
	if q == nil {
		panic("nil coordinator passed to NewStaffHandler")
	}
	return &StaffHandler{Coord: q}
}

// Queue handles GET /v1/staff/slots/:id/queue.
func (h *StaffHandler) Queue(c echo.Context) error {
	q, err := h.Coord.SlotQueue(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, q)
}

type transitionRequest struct {
	Status    model.TokenStatus `json:"status"`
	CounterID string            `json:"counter_id"`
}

// Transition handles POST /v1/staff/tokens/:id/transition.
func (h *StaffHandler) Transition(c echo.Context) error {
	var body transitionRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	body.Status = model.TokenStatus(strings.ToLower(strings.TrimSpace(string(body.Status))))
	if body.Status == "" {
		return badRequest(c, "status is required")
	}
	t, err := h.Coord.TransitionToken(c.Request().Context(), c.Param("id"), body.Status, strings.TrimSpace(body.CounterID))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

// Expire handles POST /v1/staff/slots/:id/expire, expiring every active
// token of the slot whose grace period has passed.
func (h *StaffHandler) Expire(c echo.Context) error {
	expired, err := h.Coord.ExpireStaleTokens(c.Request().Context(), c.Param("id"), h.Coord.Now())
	if err != nil {
		return fail(c, err)
	}
	if expired == nil {
		expired = []model.Token{}
	}
	return c.JSON(http.StatusOK, echo.Map{"expired": expired})
}
