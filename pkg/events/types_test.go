package events

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crewdeck/crewdeck/pkg/models"
)

func TestEventRooms(t *testing.T) {
	tests := []struct {
		name  string
		event DashboardEvent
		want  []string
	}{
		{
			name:  "claim created routes to board and claim room",
			event: DashboardEvent{Type: ClaimCreated, Claim: &models.Claim{IssueID: "repo#12"}},
			want:  []string{"board", "claim:repo#12"},
		},
		{
			name:  "claim updated",
			event: DashboardEvent{Type: ClaimUpdated, Claim: &models.Claim{IssueID: "repo#12"}},
			want:  []string{"board", "claim:repo#12"},
		},
		{
			name:  "claim deleted uses top-level issue id",
			event: DashboardEvent{Type: ClaimDeleted, IssueID: "repo#3"},
			want:  []string{"board", "claim:repo#3"},
		},
		{
			name:  "handoff",
			event: DashboardEvent{Type: ClaimHandoff, IssueID: "repo#3"},
			want:  []string{"board", "claim:repo#3"},
		},
		{
			name:  "agent log routes to logs and agent room",
			event: DashboardEvent{Type: AgentLog, AgentID: "coder-abc123"},
			want:  []string{"logs", "agent:coder-abc123"},
		},
		{
			name:  "agent progress",
			event: DashboardEvent{Type: AgentProgress, AgentID: "tester-0f3a21"},
			want:  []string{"logs", "agent:tester-0f3a21"},
		},
		{
			name:  "unknown type routes nowhere",
			event: DashboardEvent{Type: "mystery"},
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EventRooms(tt.event))
		})
	}
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line string
		want int
		ok   bool
	}{
		{"[PROGRESS] 42%", 42, true},
		{"[PROGRESS]100%", 100, true},
		{"[PROGRESS] 0%", 0, true},
		{"prefix [PROGRESS] 73% suffix", 73, true},
		{"[PROGRESS] 150%", 100, true}, // clamped
		{"[PROGRESS] 42", 0, false},    // missing percent sign
		{"progress 42%", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		got, ok := ParseProgress(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		if tt.ok {
			assert.Equal(t, tt.want, got, tt.line)
		}
	}
}

func TestRoomNames(t *testing.T) {
	assert.Equal(t, "agent:coder-abc123", AgentRoom("coder-abc123"))
	assert.Equal(t, "claim:repo#12", ClaimRoom("repo#12"))
}
