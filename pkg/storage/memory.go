package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewdeck/crewdeck/pkg/models"
)

// MemoryStore is an in-process ClaimsStorage. It backs unit tests and small
// single-node deployments that don't want Postgres.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*models.Claim
	byIssue map[string]string // issueID → id

	subscriberSet
}

// NewMemoryStore creates an empty in-memory claim store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*models.Claim),
		byIssue: make(map[string]string),
	}
}

var _ ClaimsStorage = (*MemoryStore)(nil)

// GetClaim looks a claim up by server-minted ID.
func (s *MemoryStore) GetClaim(_ context.Context, id string) (*models.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	claim, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return claim.Clone(), nil
}

// GetClaimByIssueID looks a claim up by external issue ID.
func (s *MemoryStore) GetClaimByIssueID(_ context.Context, issueID string) (*models.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIssue[issueID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.byID[id].Clone(), nil
}

// ListClaims returns claims matching the filter, oldest first.
func (s *MemoryStore) ListClaims(_ context.Context, filter models.ClaimFilter) ([]*models.Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Claim
	for _, claim := range s.byID {
		if filter.Matches(claim) {
			out = append(out, claim.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].IssueID < out[j].IssueID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// CreateClaim persists a new claim and emits a created event.
func (s *MemoryStore) CreateClaim(_ context.Context, claim *models.Claim) (*models.Claim, error) {
	stored := claim.Clone()
	if err := validateNewClaim(stored); err != nil {
		return nil, err
	}
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	s.mu.Lock()
	if _, exists := s.byIssue[stored.IssueID]; exists {
		s.mu.Unlock()
		return nil, ErrAlreadyExists
	}
	s.byID[stored.ID] = stored
	s.byIssue[stored.IssueID] = stored.ID
	s.mu.Unlock()

	snapshot := stored.Clone()
	s.emit(ChangeEvent{Type: ChangeCreated, Claim: snapshot})
	return snapshot, nil
}

// UpdateClaim applies a partial update and emits an updated event carrying
// the new values of the changed fields.
func (s *MemoryStore) UpdateClaim(_ context.Context, id string, update models.ClaimUpdate) (*models.Claim, error) {
	s.mu.Lock()
	current, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	next, changes, err := normalizeUpdate(current, update)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if len(changes) == 0 {
		snapshot := current.Clone()
		s.mu.Unlock()
		return snapshot, nil
	}
	next.UpdatedAt = time.Now().UTC()
	s.byID[id] = next
	snapshot := next.Clone()
	s.mu.Unlock()

	s.emit(ChangeEvent{Type: ChangeUpdated, Claim: snapshot, Changes: changes})
	return snapshot, nil
}

// DeleteClaim removes a claim and emits a deleted event.
func (s *MemoryStore) DeleteClaim(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	claim, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.byID, id)
	delete(s.byIssue, claim.IssueID)
	snapshot := claim.Clone()
	s.mu.Unlock()

	s.emit(ChangeEvent{Type: ChangeDeleted, Claim: snapshot})
	return true, nil
}
