// Package events defines the uniform dashboard event stream and the
// aggregator that normalizes raw inputs (storage deltas, worker hooks,
// worker stdout) into it.
package events

import (
	"regexp"
	"strconv"
	"time"

	"github.com/crewdeck/crewdeck/pkg/models"
)

// EventType discriminates DashboardEvent variants.
type EventType string

// Dashboard event types.
const (
	ClaimCreated EventType = "claim.created"
	ClaimUpdated EventType = "claim.updated"
	ClaimDeleted EventType = "claim.deleted"
	ClaimHandoff EventType = "claim.handoff"

	AgentStarted   EventType = "agent.started"
	AgentProgress  EventType = "agent.progress"
	AgentLog       EventType = "agent.log"
	AgentCompleted EventType = "agent.completed"
)

// Log levels for agent.log events.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Results for agent.completed events.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// DashboardEvent is the uniform event delivered to observers. Type selects
// which of the remaining fields are meaningful.
type DashboardEvent struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// claim.* fields.
	Claim   *models.Claim    `json:"claim,omitempty"`
	Changes map[string]any   `json:"changes,omitempty"`
	From    *models.Claimant `json:"from,omitempty"`
	To      *models.Claimant `json:"to,omitempty"`

	// agent.* fields.
	AgentID   string `json:"agentId,omitempty"`
	AgentType string `json:"agentType,omitempty"`
	Progress  *int   `json:"progress,omitempty"`
	Level     string `json:"level,omitempty"`
	Message   string `json:"message,omitempty"`
	Result    string `json:"result,omitempty"`

	// IssueID is set for claim.deleted, claim.handoff, and agent.* events
	// that know their claim.
	IssueID string `json:"issueId,omitempty"`
}

// Canonical room names for the subscription hub.
const (
	RoomBoard = "board"
	RoomLogs  = "logs"
)

// AgentRoom returns the per-agent room name.
func AgentRoom(agentID string) string { return "agent:" + agentID }

// ClaimRoom returns the per-claim room name, keyed by issue ID.
func ClaimRoom(issueID string) string { return "claim:" + issueID }

// EventRooms computes the target rooms for an event. The routing is fixed:
// claim events go to the board plus the claim's own room, agent events go to
// the log firehose plus the agent's own room.
func EventRooms(e DashboardEvent) []string {
	switch e.Type {
	case ClaimCreated, ClaimUpdated, ClaimDeleted, ClaimHandoff:
		issueID := e.IssueID
		if issueID == "" && e.Claim != nil {
			issueID = e.Claim.IssueID
		}
		return []string{RoomBoard, ClaimRoom(issueID)}
	case AgentStarted, AgentProgress, AgentLog, AgentCompleted:
		return []string{RoomLogs, AgentRoom(e.AgentID)}
	}
	return nil
}

// progressPattern matches the structured progress marker workers print to
// stdout: "[PROGRESS] 42%".
var progressPattern = regexp.MustCompile(`\[PROGRESS\]\s*(\d{1,3})%`)

// ParseProgress extracts a progress percentage from a worker output line.
// Values above 100 are clamped.
func ParseProgress(line string) (int, bool) {
	m := progressPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	if n > 100 {
		n = 100
	}
	return n, true
}
