package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/context"
)

func newServer() *echo.Echo {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	e := echo.New()
	e.HTTPErrorHandler = Error(logger)
	e.Use(Context())
	e.Use(Logger(logger))
	return e
}

func TestError_HTTPError(t *testing.T) {
	e := newServer()
	e.GET("/boom", func(c echo.Context) error {
		return httperror.NewHTTPError(http.StatusBadRequest, "ingestion is already running")
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-1")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, "ingestion is already running", body.Message)
	assert.Equal(t, "req-1", body.RequestID)
	assert.Equal(t, "req-1", rec.Header().Get(echo.HeaderXRequestID))
}

func TestError_PlainErrorIs500(t *testing.T) {
	e := newServer()
	e.GET("/boom", func(c echo.Context) error {
		return errors.New("database exploded")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Internal Server Error", body["message"])
	assert.NotEmpty(t, body["request_id"])
}

func TestError_UnknownRoute(t *testing.T) {
	e := newServer()

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContext_Operator(t *testing.T) {
	e := newServer()
	var operator string
	e.GET("/op", func(c echo.Context) error {
		operator = context.GetOperator(c.Request().Context())
		return c.NoContent(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/op", nil)
	req.Header.Set(HeaderOperator, "alice")
	e.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "alice", operator)
}
