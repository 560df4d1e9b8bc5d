package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cafeteria-queue/internal/broadcast"
)

// Health reports liveness together with subscriber statistics of the
// status broadcaster.
func Health(b *broadcast.Broadcaster) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, echo.Map{"status": "ok", "broadcast": b.Stats()})
	}
}
