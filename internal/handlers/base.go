// Package handlers exposes the ingestion control plane over HTTP.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

var validate = validator.New()

// MessageResponse is the body of the control-plane commands.
type MessageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	BatchID string `json:"batch_id,omitempty"`
}

func SuccessResponse(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, data)
}

func BadRequest(message string) error {
	return httperror.NewHTTPError(http.StatusBadRequest, message)
}

// bindAndValidate decodes the JSON body into req and runs its validate tags.
func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return BadRequest("invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return BadRequest(err.Error())
	}
	return nil
}

// queryInt parses a positive integer query parameter, falling back to def.
func queryInt(c echo.Context, name string, def int) int {
	v, err := strconv.Atoi(c.QueryParam(name))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func batchIDParam(c echo.Context) (string, error) {
	id := c.Param("batch_id")
	if id == "" {
		return "", BadRequest("missing batch_id")
	}
	return id, nil
}
