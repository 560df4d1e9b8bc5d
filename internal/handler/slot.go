package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cafeteria-queue/internal/model"
	"github.com/iliyamo/cafeteria-queue/internal/service"
)

// SlotHandler serves the public slot listing and the staff slot
// management endpoints.
type SlotHandler struct {
	Coord *service.Coordinator
}

// NewSlotHandler returns a SlotHandler.
func NewSlotHandler(q *service.Coordinator) *SlotHandler {
	if q == nil {
		panic("nil coordinator passed to NewSlotHandler")
	}
	return &SlotHandler{Coord: q}
}

type slotView struct {
	model.Slot
	Available int `json:"available"`
}

func viewOf(s model.Slot) slotView { return slotView{Slot: s, Available: s.Available()} }

// List handles GET /v1/slots.  Inactive slots are hidden unless
// ?all=true; ?category filters by meal category.
func (h *SlotHandler) List(c echo.Context) error {
	all := c.QueryParam("all") == "true"
	category := strings.ToLower(strings.TrimSpace(c.QueryParam("category")))
	out := make([]slotView, 0)
	for _, s := range h.Coord.Slots() {
		if !all && !s.Active {
			continue
		}
		if category != "" && strings.ToLower(s.MealCategory) != category {
			continue
		}
		out = append(out, viewOf(s))
	}
	return c.JSON(http.StatusOK, echo.Map{"slots": out})
}

// Get handles GET /v1/slots/:id.
func (h *SlotHandler) Get(c echo.Context) error {
	s, err := h.Coord.Slot(c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, viewOf(s))
}

type createSlotRequest struct {
	ID           string    `json:"id"`
	MealCategory string    `json:"meal_category"`
	StartsAt     time.Time `json:"starts_at"`
	EndsAt       time.Time `json:"ends_at"`
	Capacity     int       `json:"capacity"`
}

// Create handles POST /v1/staff/slots.
func (h *SlotHandler) Create(c echo.Context) error {
	var body createSlotRequest
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	body.ID = strings.TrimSpace(body.ID)
	body.MealCategory = strings.ToLower(strings.TrimSpace(body.MealCategory))
	if body.ID == "" || body.MealCategory == "" {
		return badRequest(c, "id and meal_category are required")
	}
	s, err := h.Coord.RegisterSlot(c.Request().Context(), model.Slot{
		ID:           body.ID,
		MealCategory: body.MealCategory,
		StartsAt:     body.StartsAt,
		EndsAt:       body.EndsAt,
		Capacity:     body.Capacity,
	})
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, viewOf(s))
}

// Deactivate handles DELETE /v1/staff/slots/:id.  The slot is kept so
// existing bookings and tokens stay valid.
func (h *SlotHandler) Deactivate(c echo.Context) error {
	s, err := h.Coord.DeactivateSlot(c.Request().Context(), c.Param("id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, viewOf(s))
}
