package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdeck/crewdeck/pkg/models"
)

func TestFetchClaims(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/claims", r.URL.Path)
		assert.Equal(t, "backlog,blocked", r.URL.Query().Get("status"))
		assert.Equal(t, "github", r.URL.Query().Get("source"))
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))

		json.NewEncoder(w).Encode([]*models.Claim{
			{ID: "c-1", IssueID: "repo#1", Title: "First"},
			{ID: "c-2", IssueID: "repo#2", Title: "Second"},
		})
	}))
	defer server.Close()

	c := New(server.URL)
	c.SetToken("sekrit")

	claims, err := c.FetchClaims(context.Background(), ClaimFilter{
		Statuses: []models.ClaimStatus{models.StatusBacklog, models.StatusBlocked},
		Source:   models.SourceGitHub,
	})
	require.NoError(t, err)
	require.Len(t, claims, 2)
	assert.Equal(t, "repo#1", claims[0].IssueID)
}

func TestFetchClaimsNoFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		w.Write([]byte("[]"))
	}))
	defer server.Close()

	claims, err := New(server.URL).FetchClaims(context.Background(), ClaimFilter{})
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestFetchClaimMissingIsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"claim not found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	claim, err := New(server.URL).FetchClaim(context.Background(), "nope")
	require.NoError(t, err, "404 is not an error for FetchClaim")
	assert.Nil(t, claim)
}

func TestFetchClaimOtherErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := New(server.URL).FetchClaim(context.Background(), "c-1")
	require.Error(t, err)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
	assert.Contains(t, httpErr.Body, "boom")
}

func TestClaimIssue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/claims/c-1/claim", r.URL.Path)

		var body map[string]*models.Claimant
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.NotNil(t, body["claimant"])
		assert.Equal(t, "coder-abc123", body["claimant"].AgentID)

		json.NewEncoder(w).Encode(&models.Claim{
			ID: "c-1", IssueID: "repo#1", Status: models.StatusActive,
			Claimant: body["claimant"],
		})
	}))
	defer server.Close()

	claim, err := New(server.URL).ClaimIssue(context.Background(), "c-1",
		models.AgentClaimant("coder-abc123", "coder"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, claim.Status)
}

func TestUpdateClaimStatus(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/claims/c-1", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(&models.Claim{ID: "c-1", Status: models.StatusReviewRequested, Progress: 100})
	}))
	defer server.Close()

	progress := 100
	claim, err := New(server.URL).UpdateClaimStatus(context.Background(), "c-1",
		models.StatusReviewRequested, &progress)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReviewRequested, claim.Status)
	assert.Equal(t, "review-requested", got["status"])
	assert.Equal(t, float64(100), got["progress"])
}

func TestUpdateClaimStatusWithoutProgress(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(&models.Claim{ID: "c-1"})
	}))
	defer server.Close()

	_, err := New(server.URL).UpdateClaimStatus(context.Background(), "c-1", models.StatusBlocked, nil)
	require.NoError(t, err)
	assert.NotContains(t, got, "progress")
}

func TestReleaseClaim(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Equal(t, "/api/claims/c-1/release", r.URL.Path)
		json.NewEncoder(w).Encode(&models.Claim{ID: "c-1", Status: models.StatusBacklog})
	}))
	defer server.Close()

	require.NoError(t, New(server.URL).ReleaseClaim(context.Background(), "c-1"))
	assert.True(t, called)
}

func TestPostHook(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/hooks/agent", r.URL.Path)
		var hook map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&hook))
		assert.Equal(t, "agent-terminate", hook["event"])
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	err := New(server.URL).PostHook(context.Background(), map[string]string{
		"agentId": "coder-abc123",
		"event":   "agent-terminate",
	})
	require.NoError(t, err)
}

func TestBaseURLTrailingSlash(t *testing.T) {
	c := New("http://localhost:8080/")
	assert.Equal(t, "http://localhost:8080", c.BaseURL())
}
