package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// HeaderPaymentSecret carries the shared secret of the payment webhook.
const HeaderPaymentSecret = "X-Payment-Secret"

// PaymentSecret guards the payment webhook with a shared secret.  An empty
// secret (dev and test only, see config.Validate) lets every call through.
func PaymentSecret(secret string, log *zap.Logger) echo.MiddlewareFunc {
	if secret == "" {
		log.Warn("payment webhook secret not set, webhook is unauthenticated")
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	want := []byte(secret)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got := []byte(c.Request().Header.Get(HeaderPaymentSecret))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				log.Warn("payment webhook rejected", zap.String("ip", c.RealIP()))
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid payment secret"})
			}
			return next(c)
		}
	}
}
