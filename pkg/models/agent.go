package models

import "time"

// AgentStatus is the lifecycle state of a spawned worker process as tracked
// by the orchestrator.
type AgentStatus string

// Spawned agent lifecycle states.
const (
	AgentSpawning  AgentStatus = "spawning"
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// AgentTransitions is the legal state transition table for a spawned agent.
// Kept declarative so there is exactly one validation choke point.
//
// spawning → completed is allowed: short-lived workers can exit before any
// running event is observed.
var AgentTransitions = map[AgentStatus][]AgentStatus{
	AgentSpawning:  {AgentRunning, AgentCompleted, AgentFailed},
	AgentRunning:   {AgentRunning, AgentCompleted, AgentFailed},
	AgentCompleted: {},
	AgentFailed:    {},
}

// CanTransition reports whether from → to is a legal agent transition.
func CanTransition(from, to AgentStatus) bool {
	for _, next := range AgentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TerminalAgentStatus reports whether s ends an agent's lifecycle.
func TerminalAgentStatus(s AgentStatus) bool {
	return s == AgentCompleted || s == AgentFailed
}

// SpawnedAgent is the orchestrator's view of a live worker process.
// At most one live SpawnedAgent exists per claim within one orchestrator.
type SpawnedAgent struct {
	AgentID     string      `json:"agentId"`
	AgentType   string      `json:"agentType"`
	ModelTier   string      `json:"modelTier"`
	ClaimID     string      `json:"claimId"`
	IssueID     string      `json:"issueId"`
	Status      AgentStatus `json:"status"`
	Attempts    int         `json:"attempts"` // 1-based
	MaxAttempts int         `json:"maxAttempts"`
	LastError   string      `json:"lastError,omitempty"`
	SpawnedAt   time.Time   `json:"spawnedAt"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
}

// RetryEntry is a pending re-spawn for a failed claim. Entries live in the
// orchestrator's retry queue until the claim is re-spawned or retries are
// exhausted.
type RetryEntry struct {
	ClaimID     string
	IssueID     string
	Attempts    int
	NextRetryAt time.Time
	LastError   string
}
