// Package health provides the liveness, readiness and detailed health endpoints.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

type Response struct {
	Status     Status                 `json:"status"`
	Version    string                 `json:"version,omitempty"`
	Uptime     string                 `json:"uptime,omitempty"`
	Checks     map[string]CheckResult `json:"checks,omitempty"`
	ReportedAt time.Time              `json:"reported_at"`
}

// Pinger is anything that can report its own connectivity, e.g. *sqlx.DB or *redis.Client.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

type check struct {
	pinger Pinger
	// critical checks make the service unhealthy when they fail; others only degrade it.
	critical bool
}

type Checker struct {
	startTime time.Time
	version   string
	timeout   time.Duration

	mu     sync.RWMutex
	ready  bool
	checks map[string]check
}

func NewChecker(version string) *Checker {
	return &Checker{
		startTime: time.Now(),
		version:   version,
		timeout:   5 * time.Second,
		checks:    map[string]check{},
	}
}

// AddCheck registers a critical dependency. A failing critical check fails readiness.
func (c *Checker) AddCheck(name string, pinger Pinger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check{pinger: pinger, critical: true}
}

// AddOptionalCheck registers a dependency whose failure only degrades the service.
func (c *Checker) AddOptionalCheck(name string, pinger Pinger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check{pinger: pinger}
}

func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// LivenessHandler reports that the process is up.
func (c *Checker) LivenessHandler(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, Response{
		Status:     StatusHealthy,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		ReportedAt: time.Now(),
	})
}

// ReadinessHandler reports whether startup finished and every critical dependency answers.
func (c *Checker) ReadinessHandler(ctx echo.Context) error {
	if !c.IsReady() {
		return ctx.JSON(http.StatusServiceUnavailable, Response{
			Status:     StatusUnhealthy,
			Version:    c.version,
			ReportedAt: time.Now(),
			Checks: map[string]CheckResult{
				"startup": {Status: StatusUnhealthy, Message: "service is still starting up"},
			},
		})
	}
	return c.HealthHandler(ctx)
}

func (c *Checker) HealthHandler(ctx echo.Context) error {
	checks := c.Run(ctx.Request().Context())
	overall := Overall(checks)

	statusCode := http.StatusOK
	if overall == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	return ctx.JSON(statusCode, Response{
		Status:     overall,
		Version:    c.version,
		Uptime:     time.Since(c.startTime).Round(time.Second).String(),
		Checks:     checks,
		ReportedAt: time.Now(),
	})
}

// Run pings every registered dependency.
func (c *Checker) Run(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	registered := make(map[string]check, len(c.checks))
	for name, ch := range c.checks {
		registered[name] = ch
	}
	c.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]CheckResult, len(names))
	for _, name := range names {
		results[name] = c.ping(ctx, registered[name])
	}
	return results
}

func (c *Checker) ping(ctx context.Context, ch check) CheckResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := ch.pinger.PingContext(ctx); err != nil {
		status := StatusDegraded
		if ch.critical {
			status = StatusUnhealthy
		}
		return CheckResult{
			Status:  status,
			Message: err.Error(),
			Latency: time.Since(start).String(),
		}
	}

	return CheckResult{
		Status:  StatusHealthy,
		Latency: time.Since(start).String(),
	}
}

// Overall folds check results: any unhealthy check wins, then any degraded one.
func Overall(checks map[string]CheckResult) Status {
	hasDegraded := false
	for _, check := range checks {
		switch check.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			hasDegraded = true
		}
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// RegisterRoutes mounts the probes under /api/v1/health.
func (c *Checker) RegisterRoutes(e *echo.Echo) {
	health := e.Group("/api/v1/health")

	health.GET("", c.HealthHandler)
	health.GET("/live", c.LivenessHandler)
	health.GET("/ready", c.ReadinessHandler)
}
