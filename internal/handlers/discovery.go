package handlers

import (
	"context"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/source"
)

type Discoverer interface {
	Discover(ctx context.Context, q source.DiscoveryQuery) ([]source.AvailableFile, error)
}

type DiscoveryHandler struct {
	discovery Discoverer
}

func NewDiscoveryHandler(discovery Discoverer) *DiscoveryHandler {
	return &DiscoveryHandler{discovery: discovery}
}

type DiscoveryResponse struct {
	Files []source.AvailableFile `json:"files"`
	Count int                    `json:"count"`
}

func (h *DiscoveryHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/discovery", h.Discover)
}

// Discover handles GET /api/discovery?product=psc,accounts&start=YYYY-MM-DD&end=YYYY-MM-DD&monthly_only=true
func (h *DiscoveryHandler) Discover(c echo.Context) error {
	ctx := c.Request().Context()

	q := source.DiscoveryQuery{MonthlyOnly: true}
	for _, p := range strings.Split(c.QueryParam("product"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			q.Products = append(q.Products, models.Product(p))
		}
	}

	var err error
	if q.Start, err = source.ParseDiscoveryDate(c.QueryParam("start")); err != nil {
		return BadRequest(err.Error())
	}
	if q.End, err = source.ParseDiscoveryDate(c.QueryParam("end")); err != nil {
		return BadRequest(err.Error())
	}
	if v := c.QueryParam("monthly_only"); v != "" {
		monthly, err := strconv.ParseBool(v)
		if err != nil {
			return BadRequest("monthly_only must be a boolean")
		}
		q.MonthlyOnly = monthly
	}

	files, err := h.discovery.Discover(ctx, q)
	if err != nil {
		return err
	}

	return SuccessResponse(c, DiscoveryResponse{Files: files, Count: len(files)})
}
