package events

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/crewdeck/crewdeck/pkg/models"
	"github.com/crewdeck/crewdeck/pkg/storage"
)

// Listener receives normalized dashboard events.
type Listener func(DashboardEvent)

// Unsubscribe removes a previously added listener.
type Unsubscribe func()

// Aggregator normalizes the three raw input streams (storage change events,
// worker lifecycle hooks, worker stdout/stderr lines) into one uniform
// DashboardEvent stream and fans it out to a listener set.
type Aggregator struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]Listener

	unsubscribeStorage storage.Unsubscribe
}

// NewAggregator creates an aggregator subscribed to the given claim storage.
func NewAggregator(store storage.ClaimsStorage) *Aggregator {
	a := &Aggregator{listeners: make(map[int]Listener)}
	a.unsubscribeStorage = store.Subscribe(a.handleStorageChange)
	return a
}

// AddListener registers a listener for all normalized events.
func (a *Aggregator) AddListener(fn Listener) Unsubscribe {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	}
}

// Close detaches the aggregator from storage.
func (a *Aggregator) Close() {
	if a.unsubscribeStorage != nil {
		a.unsubscribeStorage()
	}
}

// emit delivers e to every listener. A panicking listener is logged and must
// not break delivery to the rest.
func (a *Aggregator) emit(e DashboardEvent) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	a.mu.Lock()
	fns := make([]Listener, 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Event listener panicked", "panic", r, "event_type", e.Type)
				}
			}()
			fn(e)
		}()
	}
}

// handleStorageChange translates a storage delta into claim.* events.
// A claimant change between two distinct agents additionally produces a
// claim.handoff event.
func (a *Aggregator) handleStorageChange(ev storage.ChangeEvent) {
	switch ev.Type {
	case storage.ChangeCreated:
		a.emit(DashboardEvent{Type: ClaimCreated, Claim: ev.Claim})
	case storage.ChangeUpdated:
		a.emit(DashboardEvent{Type: ClaimUpdated, Claim: ev.Claim, Changes: ev.Changes})
		if to, ok := ev.Changes["claimant"].(*models.Claimant); ok && to != nil &&
			to.Type == models.ClaimantAgent {
			if from, ok := ev.Changes["previousClaimant"].(*models.Claimant); ok && from != nil &&
				from.Type == models.ClaimantAgent && from.AgentID != to.AgentID {
				a.emit(DashboardEvent{
					Type:    ClaimHandoff,
					From:    from,
					To:      to,
					IssueID: ev.Claim.IssueID,
				})
			}
		}
	case storage.ChangeDeleted:
		a.emit(DashboardEvent{Type: ClaimDeleted, IssueID: ev.Claim.IssueID})
	}
}

// HandleHook normalizes a worker lifecycle hook into agent.* events.
func (a *Aggregator) HandleHook(hook HookPayload) {
	switch hook.Event {
	case HookAgentSpawn:
		a.emit(DashboardEvent{
			Type:      AgentStarted,
			AgentID:   hook.AgentID,
			AgentType: hook.AgentType,
			IssueID:   hook.IssueID,
		})

	case HookPostTask:
		if hook.Progress != nil {
			a.emit(DashboardEvent{
				Type:     AgentProgress,
				AgentID:  hook.AgentID,
				IssueID:  hook.IssueID,
				Progress: hook.Progress,
			})
		}
		// Exactly one completion per terminal post-task: success flag or 100%.
		done := hook.Success != nil && *hook.Success
		if !done && hook.Progress != nil && *hook.Progress >= 100 {
			done = true
		}
		if done {
			a.emit(DashboardEvent{
				Type:    AgentCompleted,
				AgentID: hook.AgentID,
				IssueID: hook.IssueID,
				Result:  ResultSuccess,
			})
		}

	case HookPostEdit:
		level := LevelInfo
		if hook.Error != "" {
			level = LevelWarn
		}
		message := hook.Message
		if message == "" {
			message = "edited " + hook.File
		}
		a.emit(DashboardEvent{
			Type:    AgentLog,
			AgentID: hook.AgentID,
			IssueID: hook.IssueID,
			Level:   level,
			Message: message,
		})

	case HookPostCommand:
		level := LevelInfo
		if hook.ExitCode != nil && *hook.ExitCode != 0 {
			level = LevelError
		}
		message := hook.Message
		if message == "" {
			message = "ran " + hook.Command
		}
		a.emit(DashboardEvent{
			Type:    AgentLog,
			AgentID: hook.AgentID,
			IssueID: hook.IssueID,
			Level:   level,
			Message: message,
		})

	case HookAgentTerminate:
		result := hook.Result
		if result != ResultSuccess && result != ResultFailure {
			if hook.Error != "" {
				result = ResultFailure
			} else {
				result = ResultSuccess
			}
		}
		a.emit(DashboardEvent{
			Type:    AgentCompleted,
			AgentID: hook.AgentID,
			IssueID: hook.IssueID,
			Result:  result,
		})

	default:
		slog.Warn("Unknown worker hook event", "event", hook.Event, "agent_id", hook.AgentID)
	}
}

// Worker output stream names.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// HandleWorkerOutput normalizes one captured worker output line into an
// agent.log event, plus an agent.progress event when the line carries the
// structured progress marker.
func (a *Aggregator) HandleWorkerOutput(agentID, issueID, stream, line string) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return
	}

	a.emit(DashboardEvent{
		Type:    AgentLog,
		AgentID: agentID,
		IssueID: issueID,
		Level:   inferLevel(stream, line),
		Message: line,
	})

	if progress, ok := ParseProgress(line); ok {
		a.emit(DashboardEvent{
			Type:     AgentProgress,
			AgentID:  agentID,
			IssueID:  issueID,
			Progress: &progress,
		})
	}
}

// inferLevel derives a log level from the source stream and a substring scan
// of the line.
func inferLevel(stream, line string) string {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "fatal") ||
		strings.Contains(lower, "failed"):
		return LevelError
	case strings.Contains(lower, "warn"):
		return LevelWarn
	case stream == StreamStderr:
		return LevelWarn
	}
	return LevelInfo
}
