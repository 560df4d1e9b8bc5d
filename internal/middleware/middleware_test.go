package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iliyamo/cafeteria-queue/internal/config"
	"github.com/iliyamo/cafeteria-queue/internal/model"
	"github.com/iliyamo/cafeteria-queue/internal/utils"
)

const secret = "test-secret"

func newServer() *echo.Echo {
	e := echo.New()
	g := e.Group("", JWTAuth(secret))
	g.GET("/me", func(c echo.Context) error {
		id, ok := UserID(c)
		if !ok {
			return c.NoContent(http.StatusInternalServerError)
		}
		return c.JSON(http.StatusOK, echo.Map{"id": id, "role": Role(c)})
	})
	g.GET("/staff", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }, RequireRole(model.RoleStaff))
	e.POST("/hook", func(c echo.Context) error { return c.NoContent(http.StatusAccepted) }, PaymentSecret("hook", zap.NewNop()))
	return e
}

func do(e *echo.Echo, method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func bearerFor(t *testing.T, id uint64, role string) string {
	t.Helper()
	tok, err := utils.NewAccessToken(secret, id, role, time.Hour)
	require.NoError(t, err)
	return tok.Token
}

func TestJWTAuth(t *testing.T) {
	e := newServer()

	rec := do(e, http.MethodGet, "/me", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(e, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	tok := bearerFor(t, 12, model.RoleCustomer)
	rec = do(e, http.MethodGet, "/me", map[string]string{"Authorization": "Bearer " + tok})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":12,"role":"CUSTOMER"}`, rec.Body.String())

	rec = do(e, http.MethodGet, "/me?access_token="+tok, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireRole(t *testing.T) {
	e := newServer()
	rec := do(e, http.MethodGet, "/staff", map[string]string{"Authorization": "Bearer " + bearerFor(t, 1, model.RoleCustomer)})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(e, http.MethodGet, "/staff", map[string]string{"Authorization": "Bearer " + bearerFor(t, 1, model.RoleStaff)})
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestPaymentSecret(t *testing.T) {
	e := newServer()
	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodPost, "/hook", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(e, http.MethodPost, "/hook", map[string]string{HeaderPaymentSecret: "nope"}).Code)
	assert.Equal(t, http.StatusAccepted, do(e, http.MethodPost, "/hook", map[string]string{HeaderPaymentSecret: "hook"}).Code)
}

func TestDisabledMiddlewaresPassThrough(t *testing.T) {
	e := echo.New()
	e.Use(NewTokenBucket(config.RateLimitConfig{Enabled: true}, nil, zap.NewNop()))
	e.Use(NewRedisCache(config.CacheConfig{Enabled: true, Methods: map[string]bool{"GET": true}}, nil, zap.NewNop()))
	e.GET("/slots", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	rec := do(e, http.MethodGet, "/slots", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Cache"))
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
}

func TestRateKeyStrategies(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/v1/slots", nil)
	req.Header.Set(echo.HeaderXRealIP, "10.0.0.1")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/v1/slots")

	cfg := config.RateLimitConfig{Prefix: "rl"}
	cfg.KeyStrategy = "ip"
	assert.Equal(t, "rl:ip:10.0.0.1", rateKey(cfg, c))
	cfg.KeyStrategy = "user_route"
	assert.Equal(t, "rl:user:anon:route:GET /v1/slots", rateKey(cfg, c))

	c.Set(ctxUserID, uint64(5))
	cfg.KeyStrategy = "ip_user_route"
	assert.Equal(t, "rl:ip:10.0.0.1:user:5:route:GET /v1/slots", rateKey(cfg, c))
	cfg.KeyStrategy = ""
	assert.Equal(t, "rl:ip:10.0.0.1:user:5:route:GET /v1/slots", rateKey(cfg, c))
}

func TestCachePayloadRoundTrip(t *testing.T) {
	hdr := http.Header{"Content-Type": {"application/json"}}
	bs, err := encodePayload(http.StatusOK, hdr, []byte(`{"a":1}`))
	require.NoError(t, err)

	status, got, body, ok := decodePayload(bs)
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, `{"a":1}`, string(body))

	_, _, _, ok = decodePayload(bs[:5])
	assert.False(t, ok)
}

func TestCaptureWriterStopsAtLimit(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := &captureWriter{ResponseWriter: rec, status: http.StatusOK, limit: 4}
	_, _ = cw.Write([]byte("abc"))
	_, _ = cw.Write([]byte("def"))
	assert.True(t, cw.truncated)
	assert.Equal(t, "abcdef", rec.Body.String())
}

func TestCacheKeyIgnoresQueryForRouteStrategy(t *testing.T) {
	e := echo.New()
	mk := func(target string) echo.Context {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), httptest.NewRecorder())
		c.SetPath("/v1/slots")
		return c
	}
	cfg := config.CacheConfig{Prefix: "cache", KeyStrategy: "route"}
	assert.Equal(t, cacheKey(cfg, mk("/v1/slots?a=1")), cacheKey(cfg, mk("/v1/slots?a=2")))
	cfg.KeyStrategy = "route_query"
	assert.NotEqual(t, cacheKey(cfg, mk("/v1/slots?a=1")), cacheKey(cfg, mk("/v1/slots?a=2")))
}
