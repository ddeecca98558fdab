package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/context"
)

// HeaderOperator names the operator recorded on promotions triggered by the request.
const HeaderOperator = "X-Operator"

func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := req.Context()
			ctx = context.SetRequestID(ctx, requestID)
			ctx = context.SetMethod(ctx, req.Method)
			ctx = context.SetRoute(ctx, req.URL.Path)
			ctx = context.SetRemoteIP(ctx, c.RealIP())
			if operator := req.Header.Get(HeaderOperator); operator != "" {
				ctx = context.SetOperator(ctx, operator)
			}

			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}
