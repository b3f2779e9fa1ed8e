package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"potluck-proxy-go/internal/config"
	"potluck-proxy-go/internal/metrics"
	"potluck-proxy-go/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// The proxy route accepts every method so that unsupported ones reach the
// handler and get a 405 with CORS headers instead of the router's default.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	mws := []echo.MiddlewareFunc{middleware.CORS(&cfg.CORS, m)}
	if cfg.Server.RateLimit.Enabled {
		mws = append(mws, middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
	}

	path := cfg.Server.Path
	if path == "" {
		path = "/"
	}
	e.Any(path, proxy.Handle, mws...)
}
