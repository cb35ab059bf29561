// CrewDeck orchestrator: pulls backlog claims from the dashboard, routes
// them, and supervises the worker pool.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/crewdeck/crewdeck/pkg/client"
	"github.com/crewdeck/crewdeck/pkg/config"
	"github.com/crewdeck/crewdeck/pkg/notify"
	"github.com/crewdeck/crewdeck/pkg/orchestrator"
	"github.com/crewdeck/crewdeck/pkg/router"
	"github.com/crewdeck/crewdeck/pkg/spawner"
	"github.com/crewdeck/crewdeck/pkg/version"
)

// startTimeout bounds the initial dashboard connection.
const startTimeout = 30 * time.Second

func main() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	dryRun := flag.Bool("dry-run", false, "Print resolved configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("crewdeck-orchestrator " + version.Version)
		return
	}

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment")
	}

	cfg, err := config.OrchestratorConfigFromEnv()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	if *dryRun {
		fmt.Printf("dashboard URL:      %s\n", cfg.DashboardURL)
		fmt.Printf("max agents:         %d\n", cfg.MaxAgents)
		fmt.Printf("max retries:        %d\n", cfg.MaxRetries)
		fmt.Printf("base retry delay:   %s\n", cfg.BaseRetryDelay)
		fmt.Printf("poll interval:      %s\n", cfg.PollInterval)
		fmt.Printf("graceful shutdown:  %s\n", cfg.GracefulShutdown)
		fmt.Printf("work dir:           %s\n", cfg.WorkDir)
		fmt.Printf("use worktrees:      %t\n", cfg.UseWorktrees)
		fmt.Printf("cleanup worktrees:  %t\n", cfg.CleanupWorktrees)
		fmt.Printf("worker command:     %s\n", cfg.WorkerCommand)
		return
	}

	slog.Info("Starting orchestrator",
		"version", version.Version,
		"dashboard_url", cfg.DashboardURL,
		"max_agents", cfg.MaxAgents)

	// 1. Dashboard client
	dash := client.New(cfg.DashboardURL)
	if cfg.AuthToken != "" {
		dash.SetToken(cfg.AuthToken)
	}

	// 2. Router and notifications
	taskRouter := router.New(cfg.AdvisorCommand)
	notifier := notify.NewService(notify.ServiceConfig{
		Token:        os.Getenv("SLACK_BOT_TOKEN"),
		Channel:      os.Getenv("SLACK_CHANNEL"),
		DashboardURL: cfg.DashboardURL,
	})

	// 3. Orchestrator and spawner: the spawner reports lifecycle events back
	// into the orchestrator, so it is wired second.
	orch := orchestrator.New(orchestrator.Config{
		MaxAgents:        cfg.MaxAgents,
		MaxRetries:       cfg.MaxRetries,
		BaseRetryDelay:   cfg.BaseRetryDelay,
		PollInterval:     cfg.PollInterval,
		GracefulShutdown: cfg.GracefulShutdown,
	}, dash, taskRouter, notifier)

	sp := spawner.New(spawner.Config{
		Command:          cfg.WorkerCommand,
		Args:             cfg.WorkerArgs,
		WorkDir:          cfg.WorkDir,
		UseWorktrees:     cfg.UseWorktrees,
		CleanupWorktrees: cfg.CleanupWorktrees,
		DashboardURL:     cfg.DashboardURL,
		HookURL:          cfg.DashboardURL + "/api/hooks/agent",
	}, orch.HandleAgentEvent, dash)
	orch.SetSpawner(sp)

	startCtx, cancel := context.WithTimeout(context.Background(), startTimeout)
	if err := orch.Start(startCtx); err != nil {
		cancel()
		slog.Error("Failed to start orchestrator", "error", err)
		os.Exit(1)
	}
	cancel()

	// 4. Wait for a shutdown signal. Repeated signals coalesce into the one
	// in-flight Stop.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig)

	go func() {
		for range sigCh {
			slog.Info("Shutdown already in progress")
		}
	}()

	if err := orch.Stop("signal " + sig.String()); err != nil {
		slog.Error("Shutdown error", "error", err)
		os.Exit(1)
	}
}
