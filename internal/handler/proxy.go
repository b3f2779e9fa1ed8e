package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"potluck-proxy-go/internal/metrics"
	"potluck-proxy-go/internal/model"
	"potluck-proxy-go/internal/service"
)

// Error messages returned by the proxy itself. Upstream's own error
// envelopes are relayed untouched.
const (
	MsgPayloadTooLarge  = "Requête trop volumineuse"
	MsgMalformedBody    = "Corps JSON invalide"
	MsgBodyUnreadable   = "Corps de requête illisible"
	MsgMethodNotAllowed = "Méthode non autorisée"
	MsgInternal         = "Erreur interne du serveur"
)

// allowHeader is the Allow value sent with 405 responses.
const allowHeader = "GET, POST, OPTIONS"

// csrfTokenPattern matches csrfToken values in URLs embedded in error messages.
var csrfTokenPattern = regexp.MustCompile(`(?i)((?:new)?csrfToken=)[^&\s"]+`)

// ProxyHandler forwards form requests to the upstream backend.
type ProxyHandler struct {
	service *service.ProxyService
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter may be nil.
func NewProxyHandler(svc *service.ProxyService, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		metrics: m,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle dispatches on the request method. It runs behind the CORS
// middleware, so the origin is already validated and the CORS headers are
// already set.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	switch req.Method {
	case http.MethodOptions:
		return c.NoContent(http.StatusNoContent)
	case http.MethodGet:
		return h.forward(c, &model.ProxyRequest{
			Ctx:    req.Context(),
			Method: http.MethodGet,
			Origin: req.Header.Get(echo.HeaderOrigin),
			Query:  req.URL.Query(),
		})
	case http.MethodPost:
		body, err := h.service.ReadBody(req.Body, req.ContentLength)
		if err != nil {
			return h.mapError(c, err)
		}
		return h.forward(c, &model.ProxyRequest{
			Ctx:         req.Context(),
			Method:      http.MethodPost,
			Origin:      req.Header.Get(echo.HeaderOrigin),
			ContentType: req.Header.Get(echo.HeaderContentType),
			Query:       req.URL.Query(),
			Body:        body,
		})
	default:
		// The service refuses the method; mapError turns that into the 405.
		return h.forward(c, &model.ProxyRequest{
			Ctx:    req.Context(),
			Method: req.Method,
			Origin: req.Header.Get(echo.HeaderOrigin),
		})
	}
}

// forward relays the upstream status and body. The response is always
// labelled application/json whatever the upstream declared.
func (h *ProxyHandler) forward(c echo.Context, pr *model.ProxyRequest) error {
	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Read the whole body before committing the status so that a failed
	// read can still become a 500.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return h.mapError(c, err)
	}

	return c.Blob(resp.StatusCode, echo.MIMEApplicationJSON, body)
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrPayloadTooLarge):
		h.metrics.Reject(metrics.ReasonPayloadTooBig)
		h.logger.Warn("payload too large",
			"content_length", c.Request().ContentLength,
			"limit", h.service.MaxBodyBytes(),
		)
		return c.JSON(http.StatusRequestEntityTooLarge, model.NewErrorBody(MsgPayloadTooLarge))

	case errors.Is(err, service.ErrMalformedBody):
		h.metrics.Reject(metrics.ReasonMalformedBody)
		h.logger.Warn("malformed request body", "err", err)
		return c.JSON(http.StatusBadRequest, model.NewErrorBody(MsgMalformedBody))

	case errors.Is(err, service.ErrBodyRead):
		h.metrics.Reject(metrics.ReasonBodyRead)
		h.logger.Warn("request body read failed", "err", err)
		return c.JSON(http.StatusBadRequest, model.NewErrorBody(MsgBodyUnreadable))

	case errors.Is(err, service.ErrMethodNotAllowed):
		h.metrics.Reject(metrics.ReasonMethod)
		c.Response().Header().Set(echo.HeaderAllow, allowHeader)
		return c.JSON(http.StatusMethodNotAllowed, model.NewErrorBody(MsgMethodNotAllowed))
	}

	// Transport, timeout and read failures all look the same to the caller.
	h.metrics.Reject(metrics.ReasonUpstreamFailed)
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"method", c.Request().Method,
	)
	return c.JSON(http.StatusInternalServerError, model.NewErrorBody(MsgInternal))
}

// sanitizeError redacts CSRF tokens from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return csrfTokenPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
