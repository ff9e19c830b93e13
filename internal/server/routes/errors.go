package routes

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/menome/thelink/backend/internal/server/middleware"
	"github.com/menome/thelink/backend/pkg/apperr"
	"github.com/menome/thelink/backend/pkg/logger"
)

type messageResponse struct {
	Message string `json:"message"`
}

func app(c echo.Context) *middleware.App {
	return c.(*middleware.AppContext).App
}

// statusOf maps an error kind to the HTTP status reported to the caller.
func statusOf(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrTransientProvider), errors.Is(err, apperr.ErrGraphWriteConflict):
		return http.StatusServiceUnavailable
	case errors.Is(err, apperr.ErrPermanentProvider), errors.Is(err, apperr.ErrQueryGeneration):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func fail(c echo.Context, err error) error {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		logger.Error("[Server] Request failed", "path", c.Path(), "status", status, "err", err)
		if status == http.StatusInternalServerError {
			return c.JSON(status, messageResponse{Message: "Internal server error"})
		}
	}
	return c.JSON(status, messageResponse{Message: err.Error()})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, messageResponse{Message: msg})
}
