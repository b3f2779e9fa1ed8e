package handler

import (
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"potluck-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusBody is the /proxy/status payload.
type statusBody struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	UpstreamHost   string `json:"upstream_host"`
	AllowedOrigins int    `json:"allowed_origins"`
}

// Status returns proxy status information. Only the upstream host is
// reported: the path of a script deployment URL identifies the deployment.
func (h *HealthHandler) Status(c echo.Context) error {
	var host string
	if u, err := url.Parse(h.cfg.Upstream.BaseURL); err == nil {
		host = u.Host
	}
	return c.JSON(http.StatusOK, statusBody{
		Status:         "ok",
		Version:        string(h.version),
		UpstreamHost:   host,
		AllowedOrigins: len(h.cfg.CORS.AllowedOrigins),
	})
}
