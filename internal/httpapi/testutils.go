package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rmacdonaldsmith/meshtopo-go/internal/meshnode"
	"github.com/rmacdonaldsmith/meshtopo-go/internal/topology"
)

// TestServerSetup holds common test dependencies
type TestServerSetup struct {
	Node   *meshnode.Node
	Server *Server
	Auth   *JWTAuth
}

// NewTestServerSetup creates a started node with a small group size and an HTTP server over it
func NewTestServerSetup(t *testing.T) *TestServerSetup {
	t.Helper()

	config := meshnode.NewConfig("test-node").WithTopologyConfig(topology.Config{MaxGroupSize: 3})
	node, err := meshnode.NewNode(config, nil)
	if err != nil {
		t.Fatalf("Failed to create node: %v", err)
	}
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start node: %v", err)
	}

	server := NewServer(node, Config{
		Port:      "0",
		SecretKey: "test-secret-key",
		Metrics:   node.MetricsRegistry(),
	}, nil)

	setup := &TestServerSetup{
		Node:   node,
		Server: server,
		Auth:   server.jwtAuth,
	}
	t.Cleanup(setup.Close)
	return setup
}

// Close cleans up test resources
func (setup *TestServerSetup) Close() {
	_ = setup.Node.Close()
}

// GenerateTestToken creates a roster or admin token for testing
func (setup *TestServerSetup) GenerateTestToken(t *testing.T, clientID string, isAdmin bool) string {
	t.Helper()

	scope := ScopeRoster
	if isAdmin {
		scope = ScopeAdmin
	}
	return setup.generate(t, clientID, scope, "")
}

// GeneratePeerToken creates a token bound to one peer
func (setup *TestServerSetup) GeneratePeerToken(t *testing.T, peer string) string {
	t.Helper()
	return setup.generate(t, peerClientPrefix+peer, ScopePeer, peer)
}

func (setup *TestServerSetup) generate(t *testing.T, clientID string, scope Scope, peer string) string {
	t.Helper()

	token, _, err := setup.Auth.GenerateToken(clientID, scope, peer)
	if err != nil {
		t.Fatalf("Failed to generate test token: %v", err)
	}
	return token
}

// Do sends a request through the routed handler. body is encoded as JSON when not nil.
func (setup *TestServerSetup) Do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	setup.Server.Handler().ServeHTTP(rec, req)
	return rec
}

// Join adds peers through the API and fails the test on any error
func (setup *TestServerSetup) Join(t *testing.T, token string, ids ...string) {
	t.Helper()
	for _, id := range ids {
		rec := setup.Do(t, http.MethodPost, "/api/v1/roster/join", token, JoinRequest{ID: id})
		if rec.Code != http.StatusOK {
			t.Fatalf("Failed to join %s: %d %s", id, rec.Code, rec.Body.String())
		}
	}
}
