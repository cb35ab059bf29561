// Package orchestrator runs the control loop: pull backlog claims, route
// each to an agent archetype, spawn an isolated worker, track it, and drive
// retry, backpressure, and graceful shutdown.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewdeck/crewdeck/pkg/backoff"
	"github.com/crewdeck/crewdeck/pkg/client"
	"github.com/crewdeck/crewdeck/pkg/events"
	"github.com/crewdeck/crewdeck/pkg/models"
	"github.com/crewdeck/crewdeck/pkg/notify"
	"github.com/crewdeck/crewdeck/pkg/router"
	"github.com/crewdeck/crewdeck/pkg/spawner"
)

// Loop tuning.
const (
	// retryTickInterval is how often the retry queue is scanned.
	retryTickInterval = time.Second

	// retryDelayCap clamps the retry backoff.
	retryDelayCap = 60 * time.Second
)

// Config holds orchestrator settings.
type Config struct {
	MaxAgents        int
	MaxRetries       int
	BaseRetryDelay   time.Duration
	PollInterval     time.Duration
	GracefulShutdown time.Duration
}

// Dashboard is the client surface the orchestrator consumes. Satisfied by
// *client.Client; stubbed in tests.
type Dashboard interface {
	FetchClaims(ctx context.Context, filter client.ClaimFilter) ([]*models.Claim, error)
	FetchClaim(ctx context.Context, id string) (*models.Claim, error)
	ClaimIssue(ctx context.Context, id string, claimant *models.Claimant) (*models.Claim, error)
	UpdateClaimStatus(ctx context.Context, id string, status models.ClaimStatus, progress *int) (*models.Claim, error)
	ReleaseClaim(ctx context.Context, id string) error
	Connect(ctx context.Context) error
	Disconnect()
	Subscribe(fn client.FrameHandler) client.Unsubscribe
	JoinRooms(rooms ...string) error
}

// AgentSpawner launches and terminates workers. Satisfied by
// *spawner.Spawner; stubbed in tests.
type AgentSpawner interface {
	Spawn(ctx context.Context, opts spawner.SpawnOptions) spawner.SpawnResult
	Terminate(agentID string)
	TerminateAll()
}

// Notification is a local orchestrator event delivered to listeners: the
// CLI's log stream and tests.
type Notification struct {
	Type string
	Data map[string]any
}

// Stats is a snapshot of the orchestrator's counters.
type Stats struct {
	Status          Status
	ActiveAgents    int
	RetryQueueSize  int
	ClaimsProcessed int
	ClaimsSucceeded int
	ClaimsFailed    int
}

// Orchestrator coordinates the worker pool against the dashboard backlog.
// All mutable state is guarded by one mutex; callbacks from the client
// stream and the spawner funnel through it.
type Orchestrator struct {
	cfg      Config
	client   Dashboard
	router   *router.TaskRouter
	spawner  AgentSpawner
	notifier *notify.Service

	mu     sync.Mutex
	status Status

	// active is the live agent table, keyed by agent ID, with a claim
	// index enforcing at most one live agent per claim.
	active     map[string]*models.SpawnedAgent
	claimAgent map[string]string // claimID → agentID

	retryQueue map[string]*models.RetryEntry // claimID → entry
	processing map[string]bool               // in-flight guard, claimID set

	claimsProcessed int
	claimsSucceeded int
	claimsFailed    int

	lastHeartbeat time.Time

	// drained is non-nil while Stop waits for live agents to finish.
	drained chan struct{}

	stopCh      chan struct{}
	stopOnce    sync.Once
	loopWG      sync.WaitGroup
	unsubscribe client.Unsubscribe

	listenerMu sync.Mutex
	nextListen int
	listeners  map[int]func(Notification)
}

// New creates an orchestrator. Call SetSpawner before Start; the spawner is
// constructed second because it reports lifecycle events back here.
func New(cfg Config, dash Dashboard, taskRouter *router.TaskRouter, notifier *notify.Service) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		client:     dash,
		router:     taskRouter,
		notifier:   notifier,
		status:     StatusIdle,
		active:     make(map[string]*models.SpawnedAgent),
		claimAgent: make(map[string]string),
		retryQueue: make(map[string]*models.RetryEntry),
		processing: make(map[string]bool),
		stopCh:     make(chan struct{}),
		listeners:  make(map[int]func(Notification)),
	}
}

// SetSpawner wires the agent spawner. Must be called before Start.
func (o *Orchestrator) SetSpawner(s AgentSpawner) { o.spawner = s }

// AddListener registers a local notification listener.
func (o *Orchestrator) AddListener(fn func(Notification)) func() {
	o.listenerMu.Lock()
	defer o.listenerMu.Unlock()
	id := o.nextListen
	o.nextListen++
	o.listeners[id] = fn
	return func() {
		o.listenerMu.Lock()
		defer o.listenerMu.Unlock()
		delete(o.listeners, id)
	}
}

// Stats returns a snapshot of the orchestrator's state.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Stats{
		Status:          o.status,
		ActiveAgents:    len(o.active),
		RetryQueueSize:  len(o.retryQueue),
		ClaimsProcessed: o.claimsProcessed,
		ClaimsSucceeded: o.claimsSucceeded,
		ClaimsFailed:    o.claimsFailed,
	}
}

// Start connects the event stream and starts the poll and retry loops.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if !canTransition(o.status, StatusRunning) {
		status := o.status
		o.mu.Unlock()
		return fmt.Errorf("cannot start orchestrator from status %s", status)
	}
	o.mu.Unlock()

	if o.spawner == nil {
		return fmt.Errorf("no agent spawner wired")
	}

	if err := o.client.Connect(ctx); err != nil {
		return fmt.Errorf("connect event stream: %w", err)
	}
	if err := o.client.JoinRooms(events.RoomBoard, events.RoomLogs); err != nil {
		slog.Warn("Failed to join stream rooms", "error", err)
	}
	o.unsubscribe = o.client.Subscribe(o.handleFrame)

	o.mu.Lock()
	o.status = StatusRunning
	o.mu.Unlock()

	o.loopWG.Add(1)
	go o.run(ctx)

	slog.Info("Orchestrator started",
		"max_agents", o.cfg.MaxAgents,
		"max_retries", o.cfg.MaxRetries,
		"poll_interval", o.cfg.PollInterval)
	o.emit(Notification{Type: "orchestrator:started"})
	return nil
}

// run drives the poll and retry tickers until Stop. The first poll fires
// immediately.
func (o *Orchestrator) run(ctx context.Context) {
	defer o.loopWG.Done()

	pollTicker := time.NewTicker(o.cfg.PollInterval)
	defer pollTicker.Stop()
	retryTicker := time.NewTicker(retryTickInterval)
	defer retryTicker.Stop()

	o.pollOnce(ctx)

	for {
		select {
		case <-o.stopCh:
			return
		case <-pollTicker.C:
			o.pollOnce(ctx)
		case <-retryTicker.C:
			o.processRetries(ctx)
		}
	}
}

// Pause suspends claim processing. Invalid transitions log and no-op.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !canTransition(o.status, StatusPaused) {
		slog.Warn("Ignoring pause", "status", o.status)
		return
	}
	o.status = StatusPaused
	slog.Info("Orchestrator paused")
}

// Resume restarts claim processing after a pause.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status != StatusPaused {
		slog.Warn("Ignoring resume", "status", o.status)
		return
	}
	o.status = StatusRunning
	slog.Info("Orchestrator resumed")
}

// shouldProcess gates polling: running with spare capacity.
func (o *Orchestrator) shouldProcess() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status == StatusRunning && len(o.active) < o.cfg.MaxAgents
}

func (o *Orchestrator) hasCapacity() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active) < o.cfg.MaxAgents
}

// pollOnce fetches the backlog and processes claims up to capacity.
func (o *Orchestrator) pollOnce(ctx context.Context) {
	if !o.shouldProcess() {
		slog.Debug("Skipping poll", "stats", o.Stats())
		return
	}

	claims, err := o.client.FetchClaims(ctx, client.ClaimFilter{
		Statuses: []models.ClaimStatus{models.StatusBacklog},
	})
	if err != nil {
		slog.Warn("Backlog fetch failed", "error", err)
		return
	}

	for _, claim := range claims {
		if !o.hasCapacity() {
			break
		}
		o.mu.Lock()
		skip := o.processing[claim.ID] || o.retryQueue[claim.ID] != nil || o.claimAgent[claim.ID] != ""
		o.mu.Unlock()
		if skip {
			continue
		}
		o.processClaim(ctx, claim, 1)
	}
}

// processClaim routes and spawns one claim. attempts is 1-based across
// retries of the same claim.
func (o *Orchestrator) processClaim(ctx context.Context, claim *models.Claim, attempts int) {
	o.mu.Lock()
	if o.status != StatusRunning ||
		o.processing[claim.ID] ||
		o.claimAgent[claim.ID] != "" ||
		o.retryQueue[claim.ID] != nil ||
		len(o.active) >= o.cfg.MaxAgents {
		o.mu.Unlock()
		return
	}
	o.processing[claim.ID] = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.processing, claim.ID)
		o.mu.Unlock()
	}()

	route := o.router.Route(ctx, claim)
	agentID := mintAgentID(route.AgentType)

	taskContext := claim.Context
	if taskContext == "" {
		taskContext = claim.Description
	}

	// Track before spawning so a worker that finishes instantly still finds
	// its live record.
	agent := &models.SpawnedAgent{
		AgentID:     agentID,
		AgentType:   route.AgentType,
		ModelTier:   route.ModelTier,
		ClaimID:     claim.ID,
		IssueID:     claim.IssueID,
		Status:      models.AgentSpawning,
		Attempts:    attempts,
		MaxAttempts: o.cfg.MaxRetries + 1,
		SpawnedAt:   time.Now().UTC(),
	}
	o.mu.Lock()
	// Routing ran outside the lock; another spawn may have taken the last
	// slot in the meantime.
	if len(o.active) >= o.cfg.MaxAgents {
		o.mu.Unlock()
		slog.Debug("Pool filled while routing", "issue_id", claim.IssueID)
		return
	}
	o.active[agentID] = agent
	o.claimAgent[claim.ID] = agentID
	o.claimsProcessed++
	full := len(o.active) >= o.cfg.MaxAgents
	o.mu.Unlock()

	result := o.spawner.Spawn(ctx, spawner.SpawnOptions{
		AgentID:   agentID,
		AgentType: route.AgentType,
		ModelTier: route.ModelTier,
		ClaimID:   claim.ID,
		IssueID:   claim.IssueID,
		Context:   taskContext,
	})
	if !result.Success {
		o.removeAgent(agentID)
		o.handleClaimFailure(claim.ID, claim.IssueID, result.Error, attempts)
		return
	}

	slog.Info("Claim assigned",
		"issue_id", claim.IssueID,
		"agent_id", agentID,
		"agent_type", route.AgentType,
		"model_tier", route.ModelTier,
		"confidence", route.Confidence)

	if _, err := o.client.ClaimIssue(ctx, claim.ID, models.AgentClaimant(agentID, route.AgentType)); err != nil {
		slog.Warn("ClaimIssue failed", "issue_id", claim.IssueID, "error", err)
	}

	o.emit(Notification{Type: "agent:spawned", Data: map[string]any{
		"agentId": agentID, "issueId": claim.IssueID, "agentType": route.AgentType,
	}})
	o.emit(Notification{Type: "claim:assigned", Data: map[string]any{
		"claimId": claim.ID, "issueId": claim.IssueID, "agentId": agentID,
	}})
	if full {
		o.emit(Notification{Type: "pool:capacity_reached", Data: map[string]any{
			"maxAgents": o.cfg.MaxAgents,
		}})
	}
}

// handleClaimFailure queues a retry or marks the claim blocked once retries
// are exhausted.
func (o *Orchestrator) handleClaimFailure(claimID, issueID, errText string, attempts int) {
	willRetry := attempts <= o.cfg.MaxRetries

	// The failed worker may still hold the claim. Release it so the retry
	// finds it in backlog, or the blocked marker lands without a claimant.
	relCtx, relCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := o.client.ReleaseClaim(relCtx, claimID); err != nil {
		slog.Debug("Release after failure", "issue_id", issueID, "error", err)
	}
	relCancel()

	if willRetry {
		delay := backoff.Delay(o.cfg.BaseRetryDelay, attempts-1, retryDelayCap)
		o.mu.Lock()
		o.retryQueue[claimID] = &models.RetryEntry{
			ClaimID:     claimID,
			IssueID:     issueID,
			Attempts:    attempts,
			NextRetryAt: time.Now().Add(delay),
			LastError:   errText,
		}
		o.mu.Unlock()
		slog.Info("Claim queued for retry",
			"issue_id", issueID, "attempts", attempts, "delay", delay)
	} else {
		o.mu.Lock()
		o.claimsFailed++
		delete(o.retryQueue, claimID)
		o.mu.Unlock()
		slog.Warn("Claim retries exhausted, marking blocked",
			"issue_id", issueID, "attempts", attempts, "error", errText)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		claim, err := o.client.UpdateClaimStatus(ctx, claimID, models.StatusBlocked, nil)
		if err != nil {
			slog.Warn("Failed to mark claim blocked", "issue_id", issueID, "error", err)
		}
		cancel()

		title := issueID
		if claim != nil {
			title = claim.Title
		}
		o.notifier.ClaimBlocked(context.Background(), issueID, title, errText)
	}

	o.emit(Notification{Type: "agent:failed", Data: map[string]any{
		"claimId": claimID, "issueId": issueID, "error": errText, "willRetry": willRetry,
	}})
	o.checkDrained()
}

// processRetries re-processes queue entries whose backoff has elapsed.
func (o *Orchestrator) processRetries(ctx context.Context) {
	now := time.Now()

	o.mu.Lock()
	var due []*models.RetryEntry
	for claimID, entry := range o.retryQueue {
		if !entry.NextRetryAt.After(now) {
			due = append(due, entry)
			delete(o.retryQueue, claimID)
		}
	}
	o.mu.Unlock()

	for _, entry := range due {
		claim, err := o.client.FetchClaim(ctx, entry.ClaimID)
		if err != nil {
			o.handleClaimFailure(entry.ClaimID, entry.IssueID, err.Error(), entry.Attempts+1)
			continue
		}
		if claim == nil {
			slog.Info("Dropping retry, claim gone", "issue_id", entry.IssueID)
			continue
		}
		if claim.Status != models.StatusBacklog && claim.Status != models.StatusBlocked {
			slog.Info("Dropping retry, claim moved on",
				"issue_id", entry.IssueID, "status", claim.Status)
			continue
		}
		o.processClaim(ctx, claim, entry.Attempts+1)
	}
}

// HandleAgentEvent receives spawner lifecycle events. Transitions are
// validated against the agent transition table; illegal ones log and no-op.
func (o *Orchestrator) HandleAgentEvent(e spawner.AgentEvent) {
	o.mu.Lock()
	agent, ok := o.active[e.AgentID]
	o.mu.Unlock()
	if !ok {
		slog.Debug("Lifecycle event for unknown agent", "agent_id", e.AgentID, "type", e.Type)
		return
	}

	switch e.Type {
	case spawner.AgentStarted:
		o.transitionAgent(agent, models.AgentRunning)

	case spawner.AgentProgress:
		o.transitionAgent(agent, models.AgentRunning)
		progress := e.Progress
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if _, err := o.client.UpdateClaimStatus(ctx, agent.ClaimID, models.StatusActive, &progress); err != nil {
			slog.Debug("Progress update failed", "issue_id", agent.IssueID, "error", err)
		}
		cancel()

	case spawner.AgentCompleted:
		if !o.transitionAgent(agent, models.AgentCompleted) {
			return
		}
		o.removeAgent(e.AgentID)
		o.mu.Lock()
		o.claimsSucceeded++
		o.mu.Unlock()

		progress := 100
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		claim, err := o.client.UpdateClaimStatus(ctx, agent.ClaimID, models.StatusReviewRequested, &progress)
		if err != nil {
			slog.Warn("Completion update failed", "issue_id", agent.IssueID, "error", err)
		}
		cancel()

		title := agent.IssueID
		if claim != nil {
			title = claim.Title
		}
		o.notifier.ClaimReviewRequested(context.Background(), agent.IssueID, title)

		o.emit(Notification{Type: "agent:completed", Data: map[string]any{
			"agentId": e.AgentID, "issueId": agent.IssueID,
		}})
		o.checkDrained()

	case spawner.AgentFailed:
		if !o.transitionAgent(agent, models.AgentFailed) {
			return
		}
		o.removeAgent(e.AgentID)
		o.handleClaimFailure(agent.ClaimID, agent.IssueID, e.Error, agent.Attempts)
	}
}

// transitionAgent applies one validated agent status change.
func (o *Orchestrator) transitionAgent(agent *models.SpawnedAgent, to models.AgentStatus) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if agent.Status == to {
		return true
	}
	if !models.CanTransition(agent.Status, to) {
		slog.Warn("Illegal agent transition",
			"agent_id", agent.AgentID, "from", agent.Status, "to", to)
		return false
	}
	agent.Status = to
	if models.TerminalAgentStatus(to) {
		now := time.Now().UTC()
		agent.CompletedAt = &now
	}
	return true
}

func (o *Orchestrator) removeAgent(agentID string) {
	o.mu.Lock()
	if agent, ok := o.active[agentID]; ok {
		delete(o.active, agentID)
		delete(o.claimAgent, agent.ClaimID)
	}
	o.mu.Unlock()
}

// handleFrame is the orchestrator's view of the dashboard event stream.
func (o *Orchestrator) handleFrame(f client.Frame) {
	o.mu.Lock()
	o.lastHeartbeat = time.Now()
	o.mu.Unlock()

	switch f.Type {
	case "event":
		if f.Event == nil {
			return
		}
		switch f.Event.Type {
		case events.ClaimCreated, events.ClaimUpdated:
			claim := f.Event.Claim
			if claim != nil && claim.Status == models.StatusBacklog && o.shouldProcess() {
				// Best-effort fast path; the next poll picks it up anyway.
				go o.processClaim(context.Background(), claim, 1)
			}
		}

	case "orchestrator.command":
		slog.Info("Remote command received", "command", f.Command)
		switch f.Command {
		case "pause":
			o.Pause()
		case "resume":
			o.Resume()
		case "stop":
			go func() { _ = o.Stop("remote command") }()
		case "spawn":
			go o.pollOnce(context.Background())
		default:
			slog.Warn("Unknown remote command", "command", f.Command)
		}
	}
}

// Stop shuts the orchestrator down: new work is rejected immediately, live
// workers get the graceful window, then TerminateAll. Safe to call from
// multiple goroutines; only the first caller drives the shutdown.
func (o *Orchestrator) Stop(reason string) error {
	o.mu.Lock()
	if !canTransition(o.status, StatusStopped) {
		o.mu.Unlock()
		return fmt.Errorf("cannot stop orchestrator from status %s", o.status)
	}
	o.status = StatusStopped
	var drained chan struct{}
	if len(o.active) > 0 {
		drained = make(chan struct{})
		o.drained = drained
	}
	o.mu.Unlock()

	slog.Info("Orchestrator stopping", "reason", reason)

	o.stopOnce.Do(func() { close(o.stopCh) })
	o.loopWG.Wait()

	if o.unsubscribe != nil {
		o.unsubscribe()
		o.unsubscribe = nil
	}

	if drained != nil {
		select {
		case <-drained:
			slog.Info("All workers finished before shutdown deadline")
		case <-time.After(o.cfg.GracefulShutdown):
			slog.Warn("Shutdown deadline hit, terminating workers",
				"deadline", o.cfg.GracefulShutdown)
			o.spawner.TerminateAll()
			<-drained
		}
	}

	o.client.Disconnect()
	o.emit(Notification{Type: "orchestrator:stopped", Data: map[string]any{"reason": reason}})
	slog.Info("Orchestrator stopped", "stats", o.Stats())
	return nil
}

// checkDrained resolves the shutdown wait once the live table empties.
func (o *Orchestrator) checkDrained() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.drained != nil && o.status == StatusStopped && len(o.active) == 0 {
		close(o.drained)
		o.drained = nil
	}
}

func (o *Orchestrator) emit(n Notification) {
	o.listenerMu.Lock()
	fns := make([]func(Notification), 0, len(o.listeners))
	for _, fn := range o.listeners {
		fns = append(fns, fn)
	}
	o.listenerMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Notification listener panicked", "panic", r, "type", n.Type)
				}
			}()
			fn(n)
		}()
	}
}

// mintAgentID builds "<archetype>-<6-char-random>".
func mintAgentID(archetype string) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:6]
	return archetype + "-" + suffix
}
