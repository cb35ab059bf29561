package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/crewdeck/crewdeck/pkg/database"
	"github.com/crewdeck/crewdeck/pkg/version"
)

// healthHandler handles GET /api/health.
func (s *Server) healthHandler(c *echo.Context) error {
	resp := map[string]any{
		"status":      "healthy",
		"version":     version.Version,
		"connections": s.hub.ActiveConnections(),
	}

	if s.db != nil {
		if err := database.Health(c.Request().Context(), s.db); err != nil {
			resp["status"] = "unhealthy"
			resp["database"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
		resp["database"] = "ok"
	}

	return c.JSON(http.StatusOK, resp)
}
