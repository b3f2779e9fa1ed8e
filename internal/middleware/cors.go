package middleware

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"potluck-proxy-go/internal/config"
	"potluck-proxy-go/internal/metrics"
	"potluck-proxy-go/internal/model"
)

// CORS header values advertised on the proxy route.
const (
	AllowMethods = "GET,POST,OPTIONS"
	AllowHeaders = "Content-Type,X-Requested-With"
)

// MsgOriginRejected is returned to callers whose Origin is not allow-listed.
const MsgOriginRejected = "Origine non autorisée"

// CORSHeaders writes the CORS response headers into h and reports whether
// origin is allow-listed. Access-Control-Allow-Origin is only set when it is.
func CORSHeaders(h http.Header, cfg *config.CORSConfig, origin string) bool {
	maxAge := "86400"
	if cfg.MaxAgeSeconds > 0 {
		maxAge = strconv.Itoa(cfg.MaxAgeSeconds)
	}
	h.Add(echo.HeaderVary, echo.HeaderOrigin)
	h.Set(echo.HeaderAccessControlAllowMethods, AllowMethods)
	h.Set(echo.HeaderAccessControlAllowHeaders, AllowHeaders)
	h.Set(echo.HeaderAccessControlMaxAge, maxAge)

	if !cfg.OriginAllowed(origin) {
		return false
	}
	h.Set(echo.HeaderAccessControlAllowOrigin, origin)
	return true
}

// CORS returns an Echo middleware that enforces the origin allow-list.
// Requests whose Origin header is missing or unknown are answered with 403
// before reaching the handler. Allowed origins are reflected, never "*", and
// the CORS headers are set before the handler runs so that success and
// error responses both carry them.
func CORS(cfg *config.CORSConfig, m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			origin := c.Request().Header.Get(echo.HeaderOrigin)
			if !CORSHeaders(c.Response().Header(), cfg, origin) {
				m.Reject(metrics.ReasonOrigin)
				return c.JSON(http.StatusForbidden, model.NewErrorBody(MsgOriginRejected))
			}
			return next(c)
		}
	}
}
