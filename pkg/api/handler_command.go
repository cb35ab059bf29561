package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// CommandRequest is the body of POST /api/orchestrator/command.
type CommandRequest struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

// knownCommands lists the orchestrator commands the dashboard relays.
var knownCommands = map[string]bool{
	"pause":  true,
	"resume": true,
	"stop":   true,
	"spawn":  true,
}

// orchestratorCommandHandler handles POST /api/orchestrator/command. The
// dashboard does not act on commands itself; it relays them over the
// WebSocket plane to connected orchestrators.
func (s *Server) orchestratorCommandHandler(c *echo.Context) error {
	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if !knownCommands[req.Command] {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown command: "+req.Command)
	}

	s.hub.BroadcastCommand(req.Command, req.Args)
	return c.NoContent(http.StatusAccepted)
}
