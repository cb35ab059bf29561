package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/crewdeck/crewdeck/pkg/storage"
)

// mapStorageError maps storage-layer errors to HTTP error responses.
func mapStorageError(err error) *echo.HTTPError {
	var validErr *storage.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "claim not found")
	}
	if errors.Is(err, storage.ErrAlreadyExists) {
		return echo.NewHTTPError(http.StatusConflict, "claim already exists for that issue")
	}

	// Unexpected error
	slog.Error("Unexpected storage error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
