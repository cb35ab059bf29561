// CrewDeck dashboard server: claim storage, HTTP API, and the real-time
// event plane observers and orchestrators connect to.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/crewdeck/crewdeck/pkg/api"
	"github.com/crewdeck/crewdeck/pkg/config"
	"github.com/crewdeck/crewdeck/pkg/database"
	"github.com/crewdeck/crewdeck/pkg/events"
	"github.com/crewdeck/crewdeck/pkg/hub"
	"github.com/crewdeck/crewdeck/pkg/models"
	"github.com/crewdeck/crewdeck/pkg/notify"
	"github.com/crewdeck/crewdeck/pkg/storage"
	"github.com/crewdeck/crewdeck/pkg/version"
)

// shutdownTimeout bounds the HTTP server drain on exit.
const shutdownTimeout = 10 * time.Second

// boardSnapshotter adapts claim storage to the hub's snapshot contract.
type boardSnapshotter struct {
	store storage.ClaimsStorage
}

func (b *boardSnapshotter) FetchBoard(ctx context.Context) ([]*models.Claim, error) {
	return b.store.ListClaims(ctx, models.ClaimFilter{})
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment")
	}

	cfg, err := config.ServerConfigFromEnv()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting CrewDeck dashboard",
		"version", version.Version,
		"port", cfg.Port,
		"storage", cfg.StorageBackend)

	ctx := context.Background()

	// 1. Storage
	var (
		store storage.ClaimsStorage
		db    *sql.DB
	)
	if cfg.StorageBackend == "postgres" {
		dbCfg, err := database.LoadConfigFromEnv()
		if err != nil {
			slog.Error("Failed to load database config", "error", err)
			os.Exit(1)
		}
		db, err = database.Open(ctx, dbCfg)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := db.Close(); err != nil {
				slog.Error("Error closing database", "error", err)
			}
		}()
		slog.Info("Connected to PostgreSQL database")
		store = storage.NewPostgresStore(db)
	} else {
		store = storage.NewMemoryStore()
	}

	// 2. Event plane: storage changes flow through the aggregator into the hub
	aggregator := events.NewAggregator(store)
	defer aggregator.Close()
	h := hub.New(&boardSnapshotter{store: store}, 10*time.Second)
	aggregator.AddListener(h.Broadcast)

	// Slack notifications for terminal claim outcomes, when configured here
	// rather than on the orchestrator.
	notifier := notify.NewService(notify.ServiceConfig{
		Token:        cfg.SlackToken,
		Channel:      cfg.SlackChannel,
		DashboardURL: cfg.PublicURL,
	})
	if notifier != nil {
		aggregator.AddListener(func(e events.DashboardEvent) {
			if e.Type != events.ClaimUpdated || e.Claim == nil {
				return
			}
			if _, ok := e.Changes["status"]; !ok {
				return
			}
			switch e.Claim.Status {
			case models.StatusReviewRequested:
				notifier.ClaimReviewRequested(ctx, e.Claim.IssueID, e.Claim.Title)
			case models.StatusBlocked:
				notifier.ClaimBlocked(ctx, e.Claim.IssueID, e.Claim.Title, "")
			}
		})
	}

	// 3. HTTP server
	server := api.NewServer(store, aggregator, h)
	if db != nil {
		server.SetDB(db)
	}
	if cfg.AuthToken != "" {
		server.SetAuthToken(cfg.AuthToken)
	}

	// 4. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		slog.Info("HTTP server listening", "addr", addr)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// 5. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 6. Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP server shutdown error", "error", err)
	}

	slog.Info("CrewDeck dashboard stopped")
}
