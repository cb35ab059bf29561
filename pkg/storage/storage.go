// Package storage owns claim persistence and emits change events for the
// real-time plane. All other components hold only snapshots of claims.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/crewdeck/crewdeck/pkg/models"
)

// Storage-layer sentinel errors, mapped to HTTP statuses at the API boundary.
var (
	ErrNotFound      = errors.New("claim not found")
	ErrAlreadyExists = errors.New("claim already exists")
)

// ValidationError reports a claim mutation that violates a model invariant.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ChangeType discriminates storage change events.
type ChangeType string

// Storage change event types.
const (
	ChangeCreated ChangeType = "created"
	ChangeUpdated ChangeType = "updated"
	ChangeDeleted ChangeType = "deleted"
)

// ChangeEvent describes a single claim mutation. Claim is a snapshot taken
// after the mutation; Changes holds the new values of updated fields and is
// only present for updates.
type ChangeEvent struct {
	Type    ChangeType
	Claim   *models.Claim
	Changes map[string]any
}

// Unsubscribe removes a previously registered change subscriber.
type Unsubscribe func()

// ClaimsStorage is the persistence contract consumed by the event aggregator
// and the HTTP API.
type ClaimsStorage interface {
	// GetClaim looks a claim up by its server-minted ID.
	GetClaim(ctx context.Context, id string) (*models.Claim, error)
	// GetClaimByIssueID looks a claim up by its external-facing issue ID.
	GetClaimByIssueID(ctx context.Context, issueID string) (*models.Claim, error)
	// ListClaims returns claims matching the filter; an empty filter matches all.
	ListClaims(ctx context.Context, filter models.ClaimFilter) ([]*models.Claim, error)
	// CreateClaim persists a new claim and emits a created event.
	CreateClaim(ctx context.Context, claim *models.Claim) (*models.Claim, error)
	// UpdateClaim applies a partial update by ID and emits an updated event.
	// Returns ErrNotFound if no claim has that ID.
	UpdateClaim(ctx context.Context, id string, update models.ClaimUpdate) (*models.Claim, error)
	// DeleteClaim removes a claim by ID and emits a deleted event. The bool
	// reports whether anything was deleted.
	DeleteClaim(ctx context.Context, id string) (bool, error)
	// Subscribe registers a change subscriber. Subscribers are invoked
	// synchronously after each successful mutation.
	Subscribe(fn func(ChangeEvent)) Unsubscribe
}

// normalizeUpdate applies the cross-field invariants shared by every backend:
// clearing the claimant forces the claim back to backlog, active claims must
// carry a claimant, and progress is clamped to [0,100].
func normalizeUpdate(current *models.Claim, update models.ClaimUpdate) (*models.Claim, map[string]any, error) {
	next := current.Clone()
	changes := make(map[string]any)

	if update.Title != nil && *update.Title != next.Title {
		next.Title = *update.Title
		changes["title"] = next.Title
	}
	if update.Description != nil && *update.Description != next.Description {
		next.Description = *update.Description
		changes["description"] = next.Description
	}
	if update.Context != nil && *update.Context != next.Context {
		next.Context = *update.Context
		changes["context"] = next.Context
	}
	if update.Metadata != nil {
		next.Metadata = update.Metadata
		changes["metadata"] = next.Metadata
	}
	if update.Labels != nil {
		next.Labels = update.Labels
		changes["labels"] = next.Labels
	}
	if update.Claimant != nil {
		changes["previousClaimant"] = current.Claimant
		next.Claimant = update.Claimant
		changes["claimant"] = next.Claimant
	}
	if update.ClearClaimant {
		next.Claimant = nil
		next.Status = models.StatusBacklog
		changes["previousClaimant"] = current.Claimant
		changes["claimant"] = (*models.Claimant)(nil)
		changes["status"] = next.Status
	}
	if update.Status != nil {
		if !models.ValidStatus(*update.Status) {
			return nil, nil, &ValidationError{Field: "status", Reason: string(*update.Status)}
		}
		if !update.ClearClaimant {
			next.Status = *update.Status
			changes["status"] = next.Status
		}
	}
	if update.Progress != nil {
		p := *update.Progress
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		if p != next.Progress {
			next.Progress = p
			changes["progress"] = p
		}
	}

	if next.Status == models.StatusActive && next.Claimant == nil {
		return nil, nil, &ValidationError{Field: "claimant", Reason: "active claims must have a claimant"}
	}

	return next, changes, nil
}

// validateNewClaim checks the invariants for claim creation and fills
// defaults (backlog status, manual source).
func validateNewClaim(claim *models.Claim) error {
	if claim.IssueID == "" {
		return &ValidationError{Field: "issueId", Reason: "required"}
	}
	if claim.Title == "" {
		return &ValidationError{Field: "title", Reason: "required"}
	}
	if claim.Status == "" {
		claim.Status = models.StatusBacklog
	}
	if !models.ValidStatus(claim.Status) {
		return &ValidationError{Field: "status", Reason: string(claim.Status)}
	}
	if claim.Source == "" {
		claim.Source = models.SourceManual
	}
	if !models.ValidSource(claim.Source) {
		return &ValidationError{Field: "source", Reason: string(claim.Source)}
	}
	if claim.Status == models.StatusActive && claim.Claimant == nil {
		return &ValidationError{Field: "claimant", Reason: "active claims must have a claimant"}
	}
	if claim.Progress < 0 || claim.Progress > 100 {
		return &ValidationError{Field: "progress", Reason: "must be within [0,100]"}
	}
	return nil
}
