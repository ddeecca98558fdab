package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/quality"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type Validator interface {
	ValidateBatch(ctx context.Context, batchID string) (*quality.Report, error)
	ScoreBatch(ctx context.Context, batchID string) (*quality.BatchScore, error)
}

type Promoter interface {
	Promote(ctx context.Context, batchID string, dryRun bool, operator string) (*models.PromotionResult, error)
	ListBatches(ctx context.Context, limit int) ([]models.BatchSummary, error)
}

type BatchHandler struct {
	validator Validator
	promoter  Promoter
}

func NewBatchHandler(validator Validator, promoter Promoter) *BatchHandler {
	return &BatchHandler{
		validator: validator,
		promoter:  promoter,
	}
}

type PromoteRequest struct {
	DryRun   bool   `json:"dry_run"`
	Operator string `json:"operator" validate:"omitempty,max=255"`
}

// PromoteResponse wraps the promotion result. Success is false only for a blocked promotion.
type PromoteResponse struct {
	Success bool `json:"success"`
	*models.PromotionResult
}

type BatchListResponse struct {
	Batches []models.BatchSummary `json:"batches"`
	Count   int                   `json:"count"`
}

func (h *BatchHandler) RegisterRoutes(g *echo.Group) {
	batches := g.Group("/batches")
	batches.GET("", h.List)
	batches.POST("/:batch_id/validate", h.Validate)
	batches.GET("/:batch_id/quality", h.Quality)
	batches.POST("/:batch_id/promote", h.Promote)
}

// Validate handles POST /api/batches/:batch_id/validate
func (h *BatchHandler) Validate(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "handlers.BatchHandler.Validate")
	defer span.End()

	batchID, err := batchIDParam(c)
	if err != nil {
		return err
	}

	report, err := h.validator.ValidateBatch(ctx, batchID)
	if err != nil {
		return err
	}
	return SuccessResponse(c, report)
}

// Quality handles GET /api/batches/:batch_id/quality
func (h *BatchHandler) Quality(c echo.Context) error {
	ctx := c.Request().Context()

	batchID, err := batchIDParam(c)
	if err != nil {
		return err
	}

	score, err := h.validator.ScoreBatch(ctx, batchID)
	if err != nil {
		return err
	}
	return SuccessResponse(c, score)
}

// Promote handles POST /api/batches/:batch_id/promote. A blocked promotion is 422 with the
// structured result as its body.
func (h *BatchHandler) Promote(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "handlers.BatchHandler.Promote")
	defer span.End()

	batchID, err := batchIDParam(c)
	if err != nil {
		return err
	}

	var req PromoteRequest
	if c.Request().ContentLength != 0 {
		if err := bindAndValidate(c, &req); err != nil {
			return err
		}
	}
	if req.Operator == "" {
		req.Operator = appctx.GetOperator(ctx)
	}

	result, err := h.promoter.Promote(ctx, batchID, req.DryRun, req.Operator)
	if err != nil {
		return err
	}

	if result.Outcome == models.PromotionBlocked {
		return c.JSON(http.StatusUnprocessableEntity, PromoteResponse{Success: false, PromotionResult: result})
	}
	return SuccessResponse(c, PromoteResponse{Success: true, PromotionResult: result})
}

// List handles GET /api/batches
func (h *BatchHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	batches, err := h.promoter.ListBatches(ctx, queryInt(c, "limit", 50))
	if err != nil {
		return err
	}
	if batches == nil {
		batches = []models.BatchSummary{}
	}

	return SuccessResponse(c, BatchListResponse{
		Batches: batches,
		Count:   len(batches),
	})
}
