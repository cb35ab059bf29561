package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crewdeck/crewdeck/pkg/events"
	"github.com/crewdeck/crewdeck/pkg/hub"
	"github.com/crewdeck/crewdeck/pkg/models"
	"github.com/crewdeck/crewdeck/pkg/storage"
)

type testServer struct {
	server *Server
	http   *httptest.Server
	store  *storage.MemoryStore
	agg    *events.Aggregator
}

type boardSnapshotter struct {
	store storage.ClaimsStorage
}

func (b *boardSnapshotter) FetchBoard(ctx context.Context) ([]*models.Claim, error) {
	return b.store.ListClaims(ctx, models.ClaimFilter{})
}

func setupTestServer(t *testing.T, token string) *testServer {
	t.Helper()

	store := storage.NewMemoryStore()
	agg := events.NewAggregator(store)
	t.Cleanup(agg.Close)
	h := hub.New(&boardSnapshotter{store: store}, 5*time.Second)
	agg.AddListener(h.Broadcast)

	server := NewServer(store, agg, h)
	if token != "" {
		server.SetAuthToken(token)
	}

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &testServer{server: server, http: ts, store: store, agg: agg}
}

func (ts *testServer) request(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.http.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t, "")

	resp, body := ts.request(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]any
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health["status"])
	assert.Contains(t, health, "version")
	assert.Contains(t, health, "connections")

	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestClaimCRUD(t *testing.T) {
	ts := setupTestServer(t, "")

	// Create
	resp, body := ts.request(t, http.MethodPost, "/api/claims", "", CreateClaimRequest{
		IssueID: "repo#1",
		Title:   "Fix login timeout",
		Source:  models.SourceGitHub,
		Labels:  []string{"bug"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var created models.Claim
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.StatusBacklog, created.Status)

	// Get
	resp, body = ts.request(t, http.MethodGet, "/api/claims/"+created.ID, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched models.Claim
	require.NoError(t, json.Unmarshal(body, &fetched))
	assert.Equal(t, "Fix login timeout", fetched.Title)

	// Patch
	resp, body = ts.request(t, http.MethodPatch, "/api/claims/"+created.ID, "", map[string]any{
		"progress": 40,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var updated models.Claim
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, 40, updated.Progress)

	// List
	resp, body = ts.request(t, http.MethodGet, "/api/claims", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []models.Claim
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	// Delete
	resp, _ = ts.request(t, http.MethodDelete, "/api/claims/"+created.ID, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = ts.request(t, http.MethodDelete, "/api/claims/"+created.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClaimErrorMapping(t *testing.T) {
	ts := setupTestServer(t, "")

	// Validation error maps to 400.
	resp, _ := ts.request(t, http.MethodPost, "/api/claims", "", CreateClaimRequest{Title: "no issue id"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Missing claim maps to 404.
	resp, _ = ts.request(t, http.MethodGet, "/api/claims/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Duplicate issue ID maps to 409.
	resp, _ = ts.request(t, http.MethodPost, "/api/claims", "", CreateClaimRequest{IssueID: "repo#1", Title: "a"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = ts.request(t, http.MethodPost, "/api/claims", "", CreateClaimRequest{IssueID: "repo#1", Title: "b"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListClaimsFilters(t *testing.T) {
	ts := setupTestServer(t, "")
	ctx := context.Background()

	_, err := ts.store.CreateClaim(ctx, &models.Claim{IssueID: "repo#1", Title: "A", Source: models.SourceGitHub})
	require.NoError(t, err)
	_, err = ts.store.CreateClaim(ctx, &models.Claim{
		IssueID: "repo#2", Title: "B", Source: models.SourceManual,
		Status: models.StatusActive, Claimant: models.AgentClaimant("coder-x", "coder"),
	})
	require.NoError(t, err)

	resp, body := ts.request(t, http.MethodGet, "/api/claims?status=backlog", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []models.Claim
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 1)

	resp, body = ts.request(t, http.MethodGet, "/api/claims?status=backlog,active", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Len(t, list, 2)

	resp, body = ts.request(t, http.MethodGet, "/api/claims?claimantType=agent", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "repo#2", list[0].IssueID)

	resp, _ = ts.request(t, http.MethodGet, "/api/claims?status=bogus", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.request(t, http.MethodGet, "/api/claims?source=jira", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.request(t, http.MethodGet, "/api/claims?claimantType=robot", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEmptyListIsJSONArray(t *testing.T) {
	ts := setupTestServer(t, "")

	resp, body := ts.request(t, http.MethodGet, "/api/claims", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, "[]", string(body))
}

func TestClaimAndReleaseEndpoints(t *testing.T) {
	ts := setupTestServer(t, "")

	resp, body := ts.request(t, http.MethodPost, "/api/claims", "", CreateClaimRequest{IssueID: "repo#1", Title: "Claim me"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created models.Claim
	require.NoError(t, json.Unmarshal(body, &created))

	resp, body = ts.request(t, http.MethodPost, "/api/claims/"+created.ID+"/claim", "", ClaimRequest{
		Claimant: models.AgentClaimant("coder-abc123", "coder"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var claimed models.Claim
	require.NoError(t, json.Unmarshal(body, &claimed))
	assert.Equal(t, models.StatusActive, claimed.Status)
	require.NotNil(t, claimed.Claimant)
	assert.Equal(t, "coder-abc123", claimed.Claimant.AgentID)

	// Claim without a claimant body is rejected.
	resp, _ = ts.request(t, http.MethodPost, "/api/claims/"+created.ID+"/claim", "", ClaimRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.request(t, http.MethodPost, "/api/claims/"+created.ID+"/release", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var released models.Claim
	require.NoError(t, json.Unmarshal(body, &released))
	assert.Nil(t, released.Claimant)
	assert.Equal(t, models.StatusBacklog, released.Status)
}

func TestBearerAuth(t *testing.T) {
	ts := setupTestServer(t, "sekrit")

	// Health stays open.
	resp, _ := ts.request(t, http.MethodGet, "/api/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Claims require the token.
	resp, _ = ts.request(t, http.MethodGet, "/api/claims", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.request(t, http.MethodGet, "/api/claims", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.request(t, http.MethodGet, "/api/claims", "sekrit", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.request(t, http.MethodPost, "/api/hooks/agent", "", events.HookPayload{
		AgentID: "a", Event: events.HookAgentSpawn,
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAgentHookEndpoint(t *testing.T) {
	ts := setupTestServer(t, "")

	var got []events.DashboardEvent
	ts.agg.AddListener(func(e events.DashboardEvent) { got = append(got, e) })

	resp, _ := ts.request(t, http.MethodPost, "/api/hooks/agent", "", events.HookPayload{
		AgentID:   "coder-abc123",
		AgentType: "coder",
		IssueID:   "repo#1",
		Event:     events.HookAgentSpawn,
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Len(t, got, 1)
	assert.Equal(t, events.AgentStarted, got[0].Type)
	assert.Equal(t, "coder-abc123", got[0].AgentID)

	// Missing fields are rejected.
	resp, _ = ts.request(t, http.MethodPost, "/api/hooks/agent", "", events.HookPayload{Event: events.HookAgentSpawn})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.request(t, http.MethodPost, "/api/hooks/agent", "", events.HookPayload{AgentID: "a"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOrchestratorCommandEndpoint(t *testing.T) {
	ts := setupTestServer(t, "")

	// Connect a WebSocket client to observe the relayed command.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+ts.http.URL[len("http"):]+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var established map[string]any
	require.NoError(t, json.Unmarshal(data, &established))
	require.Equal(t, "connection.established", established["type"])

	resp, _ := ts.request(t, http.MethodPost, "/api/orchestrator/command", "", CommandRequest{
		Command: "pause",
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "orchestrator.command", frame["type"])
	assert.Equal(t, "pause", frame["command"])

	resp, _ = ts.request(t, http.MethodPost, "/api/orchestrator/command", "", CommandRequest{
		Command: "self-destruct",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebSocketEndToEnd(t *testing.T) {
	ts := setupTestServer(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+ts.http.URL[len("http"):]+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() map[string]any {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}

	require.Equal(t, "connection.established", read()["type"])

	// Join the board, expect the snapshot.
	sub, _ := json.Marshal(map[string]any{"action": "subscribe", "rooms": []string{"board"}})
	require.NoError(t, conn.Write(ctx, websocket.MessageText, sub))
	require.Equal(t, "subscription.confirmed", read()["type"])
	require.Equal(t, "snapshot", read()["type"])

	// A claim created over HTTP arrives as a board event.
	resp, _ := ts.request(t, http.MethodPost, "/api/claims", "", CreateClaimRequest{
		IssueID: "repo#1",
		Title:   "Streamed claim",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	msg := read()
	assert.Equal(t, "event", msg["type"])
	event, ok := msg["event"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "claim.created", event["type"])
	claim, ok := event["claim"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "repo#1", claim["issueId"])
}
