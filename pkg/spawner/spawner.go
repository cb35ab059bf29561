// Package spawner owns external worker processes: per-claim filesystem
// isolation, launch, output capture, lifecycle events, and termination.
package spawner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/crewdeck/crewdeck/pkg/events"
)

// Process supervision tuning.
const (
	// terminateGrace is the window between the soft stop signal and the
	// hard kill.
	terminateGrace = 5 * time.Second

	// captureLines bounds per-stream output retention.
	captureLines = 200

	// stdoutTailBytes is how much trailing stdout a failed worker
	// contributes to its error text.
	stdoutTailBytes = 500
)

// AgentEventType discriminates spawner lifecycle events.
type AgentEventType string

// Lifecycle event types delivered to the orchestrator.
const (
	AgentStarted   AgentEventType = "started"
	AgentProgress  AgentEventType = "progress"
	AgentCompleted AgentEventType = "completed"
	AgentFailed    AgentEventType = "failed"
)

// AgentEvent is the payload of one lifecycle notification.
type AgentEvent struct {
	Type      AgentEventType
	AgentID   string
	AgentType string
	ClaimID   string
	IssueID   string
	Progress  int
	// Output carries the trailing stdout of a completed worker.
	Output string
	// Error carries the failure reason of a failed worker.
	Error string
}

// EventHandler receives lifecycle events. Called from monitor goroutines.
type EventHandler func(AgentEvent)

// HookPoster posts worker lifecycle hooks to the dashboard. Satisfied by
// client.Client; nil disables hook delivery.
type HookPoster interface {
	PostHook(ctx context.Context, hook any) error
}

// SpawnOptions describes one worker launch.
type SpawnOptions struct {
	AgentID   string
	AgentType string
	ModelTier string
	ClaimID   string
	IssueID   string
	// Context is the freeform task text handed to the worker.
	Context string
}

// SpawnResult reports a launch attempt. Spawn never returns an error; a
// failed launch is Success=false with Error set.
type SpawnResult struct {
	Success bool
	AgentID string
	PID     int
	Error   string
}

// Config holds spawner settings.
type Config struct {
	// Command and Args form the worker command line; the task prompt is
	// appended as the final argument.
	Command string
	Args    []string

	// WorkDir is the repository root workers operate on.
	WorkDir string

	UseWorktrees     bool
	CleanupWorktrees bool

	// DashboardURL and HookURL are injected into worker environments.
	DashboardURL string
	HookURL      string
}

// Spawner launches and supervises worker processes.
type Spawner struct {
	cfg     Config
	onEvent EventHandler
	hooks   HookPoster

	mu     sync.Mutex
	agents map[string]*liveWorker

	shutdownOnce sync.Once
	shuttingDown bool
	shutdownMu   sync.RWMutex
}

// liveWorker is one supervised process.
type liveWorker struct {
	agentID   string
	agentType string
	claimID   string
	issueID   string
	cmd       *exec.Cmd
	done      chan struct{}

	// terminated marks a worker killed by Terminate so its exit is
	// reported as "terminated by orchestrator" rather than a plain
	// nonzero exit.
	termMu     sync.Mutex
	terminated bool
}

// New creates a spawner. onEvent may be nil; hooks may be nil.
func New(cfg Config, onEvent EventHandler, hooks HookPoster) *Spawner {
	return &Spawner{
		cfg:     cfg,
		onEvent: onEvent,
		hooks:   hooks,
		agents:  make(map[string]*liveWorker),
	}
}

// ActiveCount returns the number of live workers.
func (s *Spawner) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.agents)
}

// Spawn launches a worker for one claim. The live-table insert happens
// before any further blocking work, so a worker that exits instantly still
// races no tracker.
func (s *Spawner) Spawn(ctx context.Context, opts SpawnOptions) SpawnResult {
	s.shutdownMu.RLock()
	down := s.shuttingDown
	s.shutdownMu.RUnlock()
	if down {
		return SpawnResult{Error: "spawner is shutting down"}
	}

	workDir := s.cfg.WorkDir
	isolated := false
	if s.cfg.UseWorktrees {
		workDir, isolated = setupWorktree(ctx, s.cfg.WorkDir, opts.IssueID)
	}

	prompt := buildPrompt(opts, isolated)
	args := append(append([]string(nil), s.cfg.Args...), prompt)

	cmd := exec.Command(s.cfg.Command, args...)
	cmd.Dir = workDir
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(),
		"AGENT_ID="+opts.AgentID,
		"CLAIM_ID="+opts.ClaimID,
		"ISSUE_ID="+opts.IssueID,
		"DASHBOARD_URL="+s.cfg.DashboardURL,
		"DASHBOARD_HOOK_URL="+s.cfg.HookURL,
	)
	// Own process group so termination reaches worker descendants too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return SpawnResult{Error: fmt.Sprintf("stdout pipe: %v", err)}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return SpawnResult{Error: fmt.Sprintf("stderr pipe: %v", err)}
	}

	if err := cmd.Start(); err != nil {
		return SpawnResult{Error: fmt.Sprintf("start worker: %v", err)}
	}

	w := &liveWorker{
		agentID:   opts.AgentID,
		agentType: opts.AgentType,
		claimID:   opts.ClaimID,
		issueID:   opts.IssueID,
		cmd:       cmd,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.agents[opts.AgentID] = w
	s.mu.Unlock()

	slog.Info("Worker spawned",
		"agent_id", opts.AgentID,
		"agent_type", opts.AgentType,
		"issue_id", opts.IssueID,
		"pid", cmd.Process.Pid,
		"isolated", isolated)

	s.emit(AgentEvent{
		Type:      AgentStarted,
		AgentID:   opts.AgentID,
		AgentType: opts.AgentType,
		ClaimID:   opts.ClaimID,
		IssueID:   opts.IssueID,
	})

	go s.supervise(w, stdout, stderr)

	return SpawnResult{Success: true, AgentID: opts.AgentID, PID: cmd.Process.Pid}
}

// supervise drains both streams and handles the worker's exit.
func (s *Spawner) supervise(w *liveWorker, stdout, stderr io.ReadCloser) {
	defer close(w.done)

	outRing := newLineRing(captureLines)
	errRing := newLineRing(captureLines)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.drain(w, stdout, outRing, true)
	}()
	go func() {
		defer wg.Done()
		s.drain(w, stderr, errRing, false)
	}()
	wg.Wait()

	err := w.cmd.Wait()

	// The live-table entry goes away before the terminal event so observers
	// never see a terminal agent as live.
	s.mu.Lock()
	delete(s.agents, w.agentID)
	s.mu.Unlock()

	w.termMu.Lock()
	terminated := w.terminated
	w.termMu.Unlock()

	switch {
	case terminated:
		s.finishFailed(w, "terminated by orchestrator")
	case err == nil:
		s.finishCompleted(w, strings.TrimSpace(outRing.Tail(stdoutTailBytes)))
	default:
		s.finishFailed(w, failureText(err, outRing, errRing))
	}
}

// drain consumes one stream line by line into the ring, emitting progress
// events for structured markers.
func (s *Spawner) drain(w *liveWorker, r io.ReadCloser, ring *lineRing, isStdout bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := scanner.Text()
		ring.Add(line)

		if !isStdout {
			continue
		}
		if strings.Contains(line, "progress:") {
			slog.Debug("Worker progress line", "agent_id", w.agentID, "line", line)
		}
		if p, ok := events.ParseProgress(line); ok {
			s.emit(AgentEvent{
				Type:     AgentProgress,
				AgentID:  w.agentID,
				ClaimID:  w.claimID,
				IssueID:  w.issueID,
				Progress: p,
			})
		}
	}
}

func (s *Spawner) finishCompleted(w *liveWorker, output string) {
	slog.Info("Worker completed", "agent_id", w.agentID, "issue_id", w.issueID)
	s.postTerminalHook(w, true, "")
	s.emit(AgentEvent{
		Type:      AgentCompleted,
		AgentID:   w.agentID,
		AgentType: w.agentType,
		ClaimID:   w.claimID,
		IssueID:   w.issueID,
		Output:    output,
	})
	if s.cfg.UseWorktrees && s.cfg.CleanupWorktrees {
		removeWorktree(context.Background(), s.cfg.WorkDir, w.issueID)
	}
}

func (s *Spawner) finishFailed(w *liveWorker, reason string) {
	slog.Warn("Worker failed", "agent_id", w.agentID, "issue_id", w.issueID, "reason", reason)
	s.postTerminalHook(w, false, reason)
	s.emit(AgentEvent{
		Type:      AgentFailed,
		AgentID:   w.agentID,
		AgentType: w.agentType,
		ClaimID:   w.claimID,
		IssueID:   w.issueID,
		Error:     reason,
	})
}

// failureText picks the most useful error description for a nonzero exit:
// stderr, then trailing stdout, then the bare exit code.
func failureText(err error, outRing, errRing *lineRing) string {
	if msg := strings.TrimSpace(errRing.String()); msg != "" {
		return msg
	}
	if msg := strings.TrimSpace(outRing.Tail(stdoutTailBytes)); msg != "" {
		return msg
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return fmt.Sprintf("process exited with code %d", exitErr.ExitCode())
	}
	return err.Error()
}

// postTerminalHook best-effort POSTs the terminal lifecycle hook. Hook
// failures never propagate.
func (s *Spawner) postTerminalHook(w *liveWorker, success bool, errText string) {
	if s.hooks == nil {
		return
	}
	result := events.ResultSuccess
	if !success {
		result = events.ResultFailure
	}
	hook := events.HookPayload{
		AgentID:   w.agentID,
		AgentType: w.agentType,
		ClaimID:   w.claimID,
		IssueID:   w.issueID,
		Event:     events.HookAgentTerminate,
		Result:    result,
		Error:     errText,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.hooks.PostHook(ctx, hook); err != nil {
		slog.Warn("Terminal hook delivery failed", "agent_id", w.agentID, "error", err)
	}
}

// Terminate stops one worker: soft signal, hard kill after the grace
// period, then await exit. Terminating an unknown agent is a no-op.
func (s *Spawner) Terminate(agentID string) {
	s.mu.Lock()
	w, ok := s.agents[agentID]
	s.mu.Unlock()
	if !ok {
		return
	}

	w.termMu.Lock()
	w.terminated = true
	w.termMu.Unlock()

	pid := w.cmd.Process.Pid
	slog.Info("Terminating worker", "agent_id", agentID, "pid", pid)
	// Negative pid signals the whole process group.
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	select {
	case <-w.done:
	case <-time.After(terminateGrace):
		slog.Warn("Worker ignored soft stop, hard-killing", "agent_id", agentID, "pid", pid)
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-w.done
	}
}

// TerminateAll rejects further spawns and terminates every live worker in
// parallel.
func (s *Spawner) TerminateAll() {
	s.shutdownOnce.Do(func() {
		s.shutdownMu.Lock()
		s.shuttingDown = true
		s.shutdownMu.Unlock()
	})

	s.mu.Lock()
	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(agentID string) {
			defer wg.Done()
			s.Terminate(agentID)
		}(id)
	}
	wg.Wait()
}

func (s *Spawner) emit(e AgentEvent) {
	if s.onEvent == nil {
		return
	}
	s.onEvent(e)
}

// buildPrompt assembles the worker's task text, including branch guidance
// that depends on whether the worker runs inside an isolated worktree.
func buildPrompt(opts SpawnOptions, isolated bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work on issue %s.\n", opts.IssueID)
	if opts.Context != "" {
		b.WriteString(opts.Context)
		b.WriteString("\n")
	}
	branch := branchForIssue(opts.IssueID)
	if isolated {
		fmt.Fprintf(&b, "You are already on branch %s in an isolated worktree; do not switch branches.\n", branch)
	} else {
		fmt.Fprintf(&b, "Create or check out branch %s before making changes.\n", branch)
	}
	return b.String()
}
