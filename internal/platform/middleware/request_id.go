package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDHeader is both the inbound header RequestID honors and the
// outbound header it sets on every response.
const RequestIDHeader = "X-Request-ID"

// RequestID stashes a request id under the "request_id" context key, reusing
// an inbound X-Request-ID if the caller supplied one, and echoes it back on
// the response so Logger and Recovery can tag their log lines with it.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}
