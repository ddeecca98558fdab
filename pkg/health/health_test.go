package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, c *Checker, path string) (int, Response) {
	t.Helper()
	e := echo.New()
	c.RegisterRoutes(e)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func ok(context.Context) error { return nil }

func failing(context.Context) error { return errors.New("connection refused") }

func TestChecker_Liveness(t *testing.T) {
	c := NewChecker("test")
	c.AddCheck("database", PingFunc(failing))

	code, resp := serve(t, c, "/api/v1/health/live")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusHealthy, resp.Status)
}

func TestChecker_Readiness(t *testing.T) {
	c := NewChecker("test")
	c.AddCheck("database", PingFunc(ok))

	code, resp := serve(t, c, "/api/v1/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, resp.Checks, "startup")

	c.SetReady(true)
	code, resp = serve(t, c, "/api/v1/health/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusHealthy, resp.Status)
}

func TestChecker_Health(t *testing.T) {
	c := NewChecker("test")
	c.AddCheck("database", PingFunc(ok))
	c.AddOptionalCheck("redis", PingFunc(failing))

	code, resp := serve(t, c, "/api/v1/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Equal(t, "connection refused", resp.Checks["redis"].Message)

	c.AddCheck("database", PingFunc(failing))
	code, resp = serve(t, c, "/api/v1/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusUnhealthy, resp.Status)
}
