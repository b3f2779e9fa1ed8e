package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"potluck-proxy-go/internal/config"
	"potluck-proxy-go/internal/middleware"
	"potluck-proxy-go/internal/model"
)

// ErrorHandler returns an echo.HTTPErrorHandler that renders framework
// errors (unknown routes, recovered panics) in the same JSON envelope the
// proxy and the upstream use. Server-side error detail is never exposed.
//
// The router answers methods outside its method table itself, before any
// route middleware runs. On the proxy path those 405s still carry the
// proxy's Allow set and CORS headers.
func ErrorHandler(logger *slog.Logger, cfg *config.Config) echo.HTTPErrorHandler {
	logger = logger.With("component", "error_handler")
	proxyPath := cfg.Server.Path
	if proxyPath == "" {
		proxyPath = "/"
	}

	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
		}

		if code == http.StatusMethodNotAllowed && c.Request().URL.Path == proxyPath {
			h := c.Response().Header()
			h.Set(echo.HeaderAllow, allowHeader)
			middleware.CORSHeaders(h, &cfg.CORS, c.Request().Header.Get(echo.HeaderOrigin))
		}

		msg := http.StatusText(code)
		if code >= http.StatusInternalServerError {
			logger.Error("unhandled error",
				"err", sanitizeError(err),
				"path", c.Request().URL.Path,
			)
			msg = MsgInternal
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, model.NewErrorBody(msg))
		}
		if werr != nil {
			logger.Error("write error response", "err", werr)
		}
	}
}
