package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cafeteria-queue/internal/handler"
	"github.com/iliyamo/cafeteria-queue/internal/middleware"
	"github.com/iliyamo/cafeteria-queue/internal/model"
)

// RegisterStaff registers the counter-side endpoints under /v1/staff.
// Every route requires a valid JWT with the STAFF role.
func RegisterStaff(e *echo.Echo, slots *handler.SlotHandler, h *handler.StaffHandler, opts Options) {
	g := e.Group(
		"/v1/staff",
		opts.limit(),
		middleware.JWTAuth(opts.JWTSecret),
		middleware.RequireRole(model.RoleStaff),
	)
	g.POST("/slots", slots.Create)
	g.DELETE("/slots/:id", slots.Deactivate)
	g.GET("/slots/:id/queue", h.Queue)
	g.POST("/slots/:id/expire", h.Expire)
	g.POST("/tokens/:id/transition", h.Transition)
}

// RegisterPayments registers the payment webhook.  It is authenticated by
// the shared secret header instead of a user JWT.
func RegisterPayments(e *echo.Echo, h *handler.PaymentHandler, opts Options) {
	e.POST("/v1/payments/events", h.Event, opts.limit(), middleware.PaymentSecret(opts.PaymentSecret, opts.Logger))
}
