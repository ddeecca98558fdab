package middleware

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type ErrorResponse struct {
	Success   bool           `json:"success"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
	Meta      map[string]any `json:"meta"`
}

func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := "Internal Server Error"
		meta := map[string]any{}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				message = msg
			}
		}

		if httperror.IsHTTPError(err) {
			httperr := httperror.ToHTTPError(err)
			code = httperror.GetStatusCode(err)
			message = httperr.Error()
			if httperr.Meta != nil {
				meta = httperr.Meta
			}
		}

		log := logger.WithContext(ctx).WithError(err).WithField("status", code)
		if code >= http.StatusInternalServerError {
			log.Error("api is returning an error")
		} else {
			log.Warn("api is returning an error")
		}

		_ = c.JSON(code, ErrorResponse{
			Success:   false,
			Message:   message,
			RequestID: context.GetRequestID(ctx),
			TraceID:   tracing.GetTraceID(ctx),
			Meta:      meta,
		})
	}
}
