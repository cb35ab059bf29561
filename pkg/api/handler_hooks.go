package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/crewdeck/crewdeck/pkg/events"
)

// agentHookHandler handles POST /api/hooks/agent. Workers post lifecycle
// hooks here; the aggregator turns them into dashboard events.
func (s *Server) agentHookHandler(c *echo.Context) error {
	var hook events.HookPayload
	if err := c.Bind(&hook); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if hook.AgentID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agentId is required")
	}
	if hook.Event == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "event is required")
	}

	s.aggregator.HandleHook(hook)
	return c.NoContent(http.StatusAccepted)
}
