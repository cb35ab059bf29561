// Package api exposes the dashboard HTTP surface: claim CRUD, worker hooks,
// orchestrator commands, health, and the WebSocket upgrade endpoint.
package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/crewdeck/crewdeck/pkg/events"
	"github.com/crewdeck/crewdeck/pkg/hub"
	"github.com/crewdeck/crewdeck/pkg/storage"
)

// Server is the dashboard HTTP server.
type Server struct {
	store      storage.ClaimsStorage
	aggregator *events.Aggregator
	hub        *hub.Hub

	// db is optional; when present the health endpoint reports database
	// connectivity.
	db *sql.DB

	// authToken is optional; when set, mutating endpoints require it as a
	// bearer token.
	authToken string

	echo    *echo.Echo
	httpSrv *http.Server
}

// NewServer wires the HTTP surface over storage, the event aggregator, and
// the subscription hub.
func NewServer(store storage.ClaimsStorage, aggregator *events.Aggregator, h *hub.Hub) *Server {
	s := &Server{
		store:      store,
		aggregator: aggregator,
		hub:        h,
	}

	e := echo.New()
	e.Use(securityHeaders())
	s.registerRoutes(e)
	s.echo = e
	return s
}

// SetDB attaches the database handle used by the health endpoint.
func (s *Server) SetDB(db *sql.DB) { s.db = db }

// SetAuthToken enables bearer-token auth on mutating endpoints.
func (s *Server) SetAuthToken(token string) { s.authToken = token }

// Handler exposes the router, used by tests with httptest.NewServer.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) registerRoutes(e *echo.Echo) {
	api := e.Group("/api")

	api.GET("/health", s.healthHandler)

	claims := api.Group("/claims", s.bearerAuth())
	claims.GET("", s.listClaimsHandler)
	claims.POST("", s.createClaimHandler)
	claims.GET("/:id", s.getClaimHandler)
	claims.PATCH("/:id", s.updateClaimHandler)
	claims.DELETE("/:id", s.deleteClaimHandler)
	claims.POST("/:id/claim", s.claimHandler)
	claims.POST("/:id/release", s.releaseHandler)

	api.POST("/hooks/agent", s.agentHookHandler, s.bearerAuth())
	api.POST("/orchestrator/command", s.orchestratorCommandHandler, s.bearerAuth())

	e.GET("/ws", s.wsHandler)
}

// Start serves HTTP on addr, blocking until the listener fails or the server
// shuts down. Returns http.ErrServerClosed after a graceful Shutdown.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// requestTimeout bounds storage calls made on behalf of one HTTP request.
const requestTimeout = 10 * time.Second

func requestContext(c *echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), requestTimeout)
}
