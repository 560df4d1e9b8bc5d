package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cafeteria-queue/internal/handler"
	"github.com/iliyamo/cafeteria-queue/internal/middleware"
	"github.com/iliyamo/cafeteria-queue/internal/model"
)

// RegisterCustomer registers customer-scoped endpoints under /v1.  All
// routes require a valid JWT and the CUSTOMER role; ownership of the
// booking or token is checked in the handler.
func RegisterCustomer(e *echo.Echo, b *handler.BookingHandler, t *handler.TokenHandler, opts Options) {
	auth := []echo.MiddlewareFunc{
		opts.limit(),
		middleware.JWTAuth(opts.JWTSecret),
		middleware.RequireRole(model.RoleCustomer),
	}
	e.POST("/v1/slots/:id/bookings", b.Create, auth...)
	e.GET("/v1/bookings/:id", b.Get, auth...)
	e.DELETE("/v1/bookings/:id", b.Cancel, auth...)

	e.GET("/v1/tokens/:id/status", t.Status, auth...)
	e.GET("/v1/tokens/:id/stream", t.Stream, auth...)
}
