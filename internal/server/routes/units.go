package routes

import (
	"net/http"

	_ "github.com/go-playground/validator"
	"github.com/labstack/echo/v4"

	"github.com/menome/thelink/backend/pkg/logger"
)

type purgeResponse struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// GetUnitHandler returns one unit with its state, attempts and last error.
func GetUnitHandler(c echo.Context) error {
	type getUnitParams struct {
		UnitID string `param:"id" validate:"required,uuid"`
	}

	params := new(getUnitParams)
	if err := c.Bind(params); err != nil {
		return badRequest(c, "Invalid request params")
	}
	if err := c.Validate(params); err != nil {
		return badRequest(c, "Invalid request params")
	}

	unit, err := app(c).Ingest.Unit(c.Request().Context(), params.UnitID)
	if err != nil {
		return fail(c, err)
	}
	// the payload holds the full page text
	unit.Payload.Text = ""
	return c.JSON(http.StatusOK, unit)
}

// PurgeRunHandler abandons every queued unit of a run.
func PurgeRunHandler(c echo.Context) error {
	type purgeRunParams struct {
		RunID string `param:"id" validate:"required"`
	}

	params := new(purgeRunParams)
	if err := c.Bind(params); err != nil {
		return badRequest(c, "Invalid request params")
	}
	if err := c.Validate(params); err != nil {
		return badRequest(c, "Invalid request params")
	}

	n, err := app(c).Ingest.Purge(c.Request().Context(), params.RunID)
	if err != nil {
		return fail(c, err)
	}
	logger.Info("[Server] Purged run", "run_id", params.RunID, "abandoned", n)
	return c.JSON(http.StatusOK, purgeResponse{Message: "Run purged", Count: n})
}

// PurgeQueueHandler drops every waiting ingestion message.
func PurgeQueueHandler(c echo.Context) error {
	n, err := app(c).Ingest.PurgeQueue(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	logger.Warn("[Server] Purged ingestion queue", "abandoned", n)
	return c.JSON(http.StatusOK, purgeResponse{Message: "Queue purged", Count: n})
}
