// Package models defines the core domain types shared by the dashboard
// server, the orchestrator, and the dashboard client.
package models

import "time"

// ClaimStatus is the lifecycle state of a claim on the board.
type ClaimStatus string

// Claim lifecycle states.
const (
	StatusBacklog         ClaimStatus = "backlog"
	StatusActive          ClaimStatus = "active"
	StatusPaused          ClaimStatus = "paused"
	StatusBlocked         ClaimStatus = "blocked"
	StatusReviewRequested ClaimStatus = "review-requested"
	StatusCompleted       ClaimStatus = "completed"
)

// ValidStatus reports whether s is a known claim status.
func ValidStatus(s ClaimStatus) bool {
	switch s {
	case StatusBacklog, StatusActive, StatusPaused, StatusBlocked,
		StatusReviewRequested, StatusCompleted:
		return true
	}
	return false
}

// Source identifies where a claim was ingested from.
type Source string

// Claim sources.
const (
	SourceGitHub Source = "github"
	SourceManual Source = "manual"
	SourceMCP    Source = "mcp"
)

// ValidSource reports whether s is a known claim source.
func ValidSource(s Source) bool {
	switch s {
	case SourceGitHub, SourceManual, SourceMCP:
		return true
	}
	return false
}

// Claim is a unit of work pulled from the dashboard backlog.
//
// A claim carries two identities: ID is the opaque server-minted key used by
// the CRUD API, IssueID is the stable external-facing key the orchestrator
// and workers use.
type Claim struct {
	ID          string            `json:"id"`
	IssueID     string            `json:"issueId"`
	Source      Source            `json:"source"`
	SourceRef   string            `json:"sourceRef,omitempty"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Status      ClaimStatus       `json:"status"`
	Claimant    *Claimant         `json:"claimant,omitempty"`
	Progress    int               `json:"progress"`
	Context     string            `json:"context,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Labels      []string          `json:"labels,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// ClaimFilter selects claims for listing. Zero value matches everything.
type ClaimFilter struct {
	// Statuses matches any of the given statuses. Empty matches all.
	Statuses []ClaimStatus
	// Source matches a single source. Empty matches all.
	Source Source
	// ClaimantType matches "human" or "agent". Empty matches all.
	ClaimantType ClaimantType
}

// Matches reports whether c passes the filter.
func (f ClaimFilter) Matches(c *Claim) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if c.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Source != "" && c.Source != f.Source {
		return false
	}
	if f.ClaimantType != "" {
		if c.Claimant == nil || c.Claimant.Type != f.ClaimantType {
			return false
		}
	}
	return true
}

// ClaimUpdate is a partial update applied to an existing claim. Nil fields
// are left untouched.
type ClaimUpdate struct {
	Title       *string      `json:"title,omitempty"`
	Description *string      `json:"description,omitempty"`
	Status      *ClaimStatus `json:"status,omitempty"`
	Claimant    *Claimant    `json:"claimant,omitempty"`
	// ClearClaimant releases the claim; it forces Status back to backlog.
	ClearClaimant bool              `json:"clearClaimant,omitempty"`
	Progress      *int              `json:"progress,omitempty"`
	Context       *string           `json:"context,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Labels        []string          `json:"labels,omitempty"`
}

// Clone returns a deep copy of the claim so callers can hand out snapshots
// without exposing shared maps or slices.
func (c *Claim) Clone() *Claim {
	if c == nil {
		return nil
	}
	out := *c
	if c.Claimant != nil {
		claimant := *c.Claimant
		out.Claimant = &claimant
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]string, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	if c.Labels != nil {
		out.Labels = append([]string(nil), c.Labels...)
	}
	return &out
}
