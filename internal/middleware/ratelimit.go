package middleware

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"potluck-proxy-go/internal/model"
)

// MsgRateLimited is returned when a client exceeds its request rate.
const MsgRateLimited = "Trop de requêtes, réessayez plus tard"

// RateLimiter returns a per-IP rate limiting middleware allowing rps
// requests per second. Denied requests get a 429 error envelope.
func RateLimiter(rps float64) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(rps))
	return echomw.RateLimiterWithConfig(echomw.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		DenyHandler: func(c echo.Context, _ string, _ error) error {
			return c.JSON(http.StatusTooManyRequests, model.NewErrorBody(MsgRateLimited))
		},
	})
}
