package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/ingestion"
	"github.com/Ramsey-B/fern/pkg/logstream"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Ingestion is the orchestrator surface the control plane drives.
type Ingestion interface {
	Start(ctx context.Context, cohort string, files []models.FileTarget) (*models.IngestionBatch, error)
	Resume(ctx context.Context) (*models.IngestionBatch, error)
	Stop(ctx context.Context) error
	Status(ctx context.Context) (*ingestion.Status, error)
	Subscribe() *logstream.Subscription
	Unsubscribe(sub *logstream.Subscription)
}

type ProductionTotals interface {
	Totals(ctx context.Context) (models.StoreTotals, error)
}

type StagingTotals interface {
	Totals(ctx context.Context) (models.StagingTotals, error)
}

type IngestionHandler struct {
	logger     ectologger.Logger
	ingestion  Ingestion
	production ProductionTotals
	staging    StagingTotals
	heartbeat  time.Duration
}

func NewIngestionHandler(
	logger ectologger.Logger,
	ing Ingestion,
	production ProductionTotals,
	staging StagingTotals,
	heartbeat time.Duration,
) *IngestionHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &IngestionHandler{
		logger:     logger,
		ingestion:  ing,
		production: production,
		staging:    staging,
		heartbeat:  heartbeat,
	}
}

type StartRequest struct {
	Cohort string              `json:"cohort"`
	Files  []models.FileTarget `json:"files" validate:"required,min=1,dive"`
}

type StatusResponse struct {
	IsRunning bool             `json:"is_running"`
	Progress  *models.Progress `json:"progress"`
}

// LatestBatch is the summary of the most recent batch shown by the dashboard.
type LatestBatch struct {
	BatchID            string             `json:"batch_id"`
	Status             models.BatchStatus `json:"status"`
	FilesTotal         int                `json:"files_total"`
	FilesCompleted     int                `json:"files_completed"`
	CompaniesProcessed int64              `json:"companies_processed"`
	StartedAt          time.Time          `json:"started_at"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
}

type SystemStatusResponse struct {
	TotalCompanies  int64                `json:"total_companies"`
	TotalOfficers   int64                `json:"total_officers"`
	TotalFinancials int64                `json:"total_financials"`
	Staging         models.StagingTotals `json:"staging"`
	LatestBatch     *LatestBatch         `json:"latest_batch"`
	Progress        *models.Progress     `json:"progress"`
	IsRunning       bool                 `json:"is_running"`
}

type logEvent struct {
	Message string `json:"message"`
}

func (h *IngestionHandler) RegisterRoutes(g *echo.Group) {
	ing := g.Group("/ingestion")
	ing.POST("/start", h.Start)
	ing.POST("/stop", h.Stop)
	ing.POST("/resume", h.Resume)
	ing.GET("/status", h.Status)

	g.GET("/status", h.SystemStatus)
	g.GET("/logs", h.Logs)
}

// Start handles POST /api/ingestion/start
func (h *IngestionHandler) Start(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "handlers.IngestionHandler.Start")
	defer span.End()

	var req StartRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	batch, err := h.ingestion.Start(ctx, req.Cohort, req.Files)
	if err != nil {
		return err
	}

	return SuccessResponse(c, MessageResponse{
		Success: true,
		Message: fmt.Sprintf("Ingestion started with %d files", batch.FilesTotal),
		BatchID: batch.BatchID,
	})
}

// Stop handles POST /api/ingestion/stop
func (h *IngestionHandler) Stop(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "handlers.IngestionHandler.Stop")
	defer span.End()

	if err := h.ingestion.Stop(ctx); err != nil {
		return err
	}

	return SuccessResponse(c, MessageResponse{
		Success: true,
		Message: "Stop requested, ingestion will halt after the current chunk",
	})
}

// Resume handles POST /api/ingestion/resume
func (h *IngestionHandler) Resume(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "handlers.IngestionHandler.Resume")
	defer span.End()

	batch, err := h.ingestion.Resume(ctx)
	if err != nil {
		return err
	}

	return SuccessResponse(c, MessageResponse{
		Success: true,
		Message: fmt.Sprintf("Resumed batch with %d of %d files completed", batch.FilesCompleted, batch.FilesTotal),
		BatchID: batch.BatchID,
	})
}

// Status handles GET /api/ingestion/status
func (h *IngestionHandler) Status(c echo.Context) error {
	ctx := c.Request().Context()

	status, err := h.ingestion.Status(ctx)
	if err != nil {
		return err
	}

	return SuccessResponse(c, StatusResponse{
		IsRunning: status.IsRunning,
		Progress:  status.Progress,
	})
}

// SystemStatus handles GET /api/status
func (h *IngestionHandler) SystemStatus(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "handlers.IngestionHandler.SystemStatus")
	defer span.End()

	production, err := h.production.Totals(ctx)
	if err != nil {
		return err
	}
	staging, err := h.staging.Totals(ctx)
	if err != nil {
		return err
	}
	status, err := h.ingestion.Status(ctx)
	if err != nil {
		return err
	}

	resp := SystemStatusResponse{
		TotalCompanies:  production.Companies,
		TotalOfficers:   production.Officers,
		TotalFinancials: production.Financials,
		Staging:         staging,
		Progress:        status.Progress,
		IsRunning:       status.IsRunning,
	}
	if p := status.Progress; p != nil {
		resp.LatestBatch = &LatestBatch{
			BatchID:            p.BatchID,
			Status:             p.Status,
			FilesTotal:         p.FilesTotal,
			FilesCompleted:     p.FilesCompleted,
			CompaniesProcessed: p.CompaniesProcessed,
			StartedAt:          p.StartedAt,
			CompletedAt:        p.CompletedAt,
		}
	}

	return SuccessResponse(c, resp)
}

// Logs handles GET /api/logs as a Server-Sent Events stream of log lines published after the
// client connected, with a comment heartbeat to keep proxies from closing the stream.
func (h *IngestionHandler) Logs(c echo.Context) error {
	ctx := c.Request().Context()
	log := h.logger.WithContext(ctx)

	sub := h.ingestion.Subscribe()
	defer h.ingestion.Unsubscribe(sub)

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	log.Debug("Log stream client connected")
	defer log.Debug("Log stream client disconnected")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-sub.C:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(logEvent{Message: line})
			if err != nil {
				return nil
			}
			if _, err := fmt.Fprintf(res, "data: %s\n\n", payload); err != nil {
				return nil
			}
			res.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(res, ": heartbeat\n\n"); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}
