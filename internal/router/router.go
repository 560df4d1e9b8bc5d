// Package router registers the HTTP API on an Echo instance.
package router

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/iliyamo/cafeteria-queue/internal/handler"
	"github.com/iliyamo/cafeteria-queue/internal/service"
)

// Options carries the secrets and shared middleware the routes need.
// RateLimit and Cache may be nil, in which case requests pass through.
type Options struct {
	JWTSecret     string
	PaymentSecret string
	RateLimit     echo.MiddlewareFunc
	Cache         echo.MiddlewareFunc
	Logger        *zap.Logger
}

func (o Options) limit() echo.MiddlewareFunc {
	if o.RateLimit == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return o.RateLimit
}

func (o Options) cache() echo.MiddlewareFunc {
	if o.Cache == nil {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return o.Cache
}

// Register mounts every route group for the coordinator.
func Register(e *echo.Echo, q *service.Coordinator, opts Options) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	RegisterRoutes(e, q)
	RegisterPublic(e, handler.NewSlotHandler(q), opts)
	RegisterCustomer(e, handler.NewBookingHandler(q), handler.NewTokenHandler(q, opts.Logger.Named("stream")), opts)
	RegisterStaff(e, handler.NewSlotHandler(q), handler.NewStaffHandler(q), opts)
	RegisterPayments(e, handler.NewPaymentHandler(q), opts)
}

// RegisterRoutes registers routes that do not require authentication and
// are not rate limited.  Currently it exposes only a health check.
func RegisterRoutes(e *echo.Echo, q *service.Coordinator) {
	e.GET("/healthz", handler.Health(q.Broadcaster()))
}

// RegisterPublic registers the unauthenticated slot browsing endpoints.
// The listing is served through the response cache.
func RegisterPublic(e *echo.Echo, h *handler.SlotHandler, opts Options) {
	e.GET("/v1/slots", h.List, opts.limit(), opts.cache())
	e.GET("/v1/slots/:id", h.Get, opts.limit())
}
