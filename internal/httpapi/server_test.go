package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/meshnode"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/updatelog"
)

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// TestNewServer tests that we can create a new server instance
func TestNewServer(t *testing.T) {
	setup := NewTestServerSetup(t)
	server := setup.Server

	assert.NotNil(t, server.node)
	assert.NotNil(t, server.jwtAuth)
	assert.NotNil(t, server.handlers)
	assert.NotNil(t, server.middleware)
	assert.NotNil(t, server.server)
}

// TestLogin tests token issuance
func TestLogin(t *testing.T) {
	setup := NewTestServerSetup(t)

	rec := setup.Do(t, http.MethodPost, "/api/v1/auth/login", "", AuthRequest{ClientID: "admin"})
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[AuthResponse](t, rec)
	assert.Equal(t, "admin", resp.ClientID)

	claims, err := setup.Auth.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.True(t, claims.IsAdmin())
	assert.Equal(t, "admin", resp.Scope)

	rec = setup.Do(t, http.MethodPost, "/api/v1/auth/login", "", AuthRequest{ClientID: "peer:P1"})
	require.Equal(t, http.StatusOK, rec.Code)
	peerResp := decodeBody[AuthResponse](t, rec)
	assert.Equal(t, "peer", peerResp.Scope)
	assert.Equal(t, "P1", peerResp.Peer)

	rec = setup.Do(t, http.MethodPost, "/api/v1/auth/login", "", AuthRequest{ClientID: "peer:"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = setup.Do(t, http.MethodPost, "/api/v1/auth/login", "", AuthRequest{ClientID: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{"clientId":"abc"}`))
	rec = httptest.NewRecorder()
	setup.Server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing content type")
}

// TestRoster_RequiresAuth tests that roster changes need a token
func TestRoster_RequiresAuth(t *testing.T) {
	setup := NewTestServerSetup(t)

	rec := setup.Do(t, http.MethodPost, "/api/v1/roster/join", "", JoinRequest{ID: "p1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = setup.Do(t, http.MethodPost, "/api/v1/roster/join", "not-a-token", JoinRequest{ID: "p1"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestRoster_PeerScopedToken tests that a peer token only changes its own entry
func TestRoster_PeerScopedToken(t *testing.T) {
	setup := NewTestServerSetup(t)
	p1 := setup.GeneratePeerToken(t, "P1")
	roster := setup.GenerateTestToken(t, "roster-client", false)

	rec := setup.Do(t, http.MethodPost, "/api/v1/roster/join", p1, JoinRequest{ID: "P1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = setup.Do(t, http.MethodPost, "/api/v1/roster/join", p1, JoinRequest{ID: "P2"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	setup.Join(t, roster, "P2")

	rec = setup.Do(t, http.MethodPost, "/api/v1/roster/state", p1, StateRequest{ID: "P1", State: "connected"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = setup.Do(t, http.MethodPost, "/api/v1/roster/state", p1, StateRequest{ID: "P2", State: "failed"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = setup.Do(t, http.MethodPost, "/api/v1/roster/leave", p1, LeaveRequest{ID: "P2"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = setup.Do(t, http.MethodPost, "/api/v1/admin/groups/1/merge", p1, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = setup.Do(t, http.MethodPost, "/api/v1/roster/leave", p1, LeaveRequest{ID: "P1"})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// TestRoster_JoinBuildsTopology tests joining peers and reading the topology back
func TestRoster_JoinBuildsTopology(t *testing.T) {
	setup := NewTestServerSetup(t)
	token := setup.GenerateTestToken(t, "roster-client", false)

	setup.Join(t, token, "P1", "P2", "P3", "P4")
	rec := setup.Do(t, http.MethodPost, "/api/v1/roster/join", token, JoinRequest{ID: "P5", Role: "host", Address: "10.0.0.5:7400"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	joined := decodeBody[UpdateResponse](t, rec)
	assert.Equal(t, topology.CauseJoin, joined.Update.Cause)
	assert.Equal(t, "P5", joined.Update.Peer)

	rec = setup.Do(t, http.MethodGet, "/api/v1/groups", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	groups := decodeBody[GroupsResponse](t, rec)
	require.Len(t, groups.Groups, 2)
	assert.Equal(t, []string{"P1", "P2", "P3"}, groups.Groups[0].Members())
	assert.Equal(t, []string{"P4", "P5"}, groups.Groups[1].Members())
	require.Len(t, groups.Bridges, 1)
	assert.Equal(t, topology.NewPeerPair("P1", "P4"), groups.Bridges[0].Pair())
	assert.Empty(t, groups.Unreachable)

	rec = setup.Do(t, http.MethodGet, "/api/v1/view", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view topology.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, 5, view.Len(), "three intra-group edges, one in the pair group, one bridge")
	assert.True(t, view.Has(topology.NewPeerPair("P1", "P4")))

	rec = setup.Do(t, http.MethodGet, "/api/v1/peers/P5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	peer := decodeBody[PeerResponse](t, rec)
	assert.Equal(t, "10.0.0.5:7400", peer.Peer.Address)
	assert.Equal(t, "Host", peer.Peer.Role.String())
	assert.Equal(t, "InGroup", peer.Phase)
	assert.Equal(t, topology.GroupID(2), peer.Topology.Group)
	assert.Equal(t, []string{"P4"}, peer.Topology.ConnectTo)
	assert.Zero(t, peer.QualityScore, "no link measurement yet")

	require.NoError(t, setup.Node.Registry().RecordQuality("P5", 20, 0, true))
	rec = setup.Do(t, http.MethodGet, "/api/v1/peers/P5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	peer = decodeBody[PeerResponse](t, rec)
	assert.InDelta(t, peer.Peer.Quality.Score(), peer.QualityScore, 1e-9)
	assert.Greater(t, peer.QualityScore, 0.0)

	rec = setup.Do(t, http.MethodGet, "/api/v1/peers", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[PeersResponse](t, rec).Peers, 5)

	rec = setup.Do(t, http.MethodGet, "/api/v1/peers?address=10.0.0.5:7400&address=10.0.0.9:7400", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	byAddress := decodeBody[PeersResponse](t, rec).Peers
	require.Len(t, byAddress, 1)
	assert.Equal(t, "P5", byAddress[0].ID)
}

// TestRoster_StateAndLeave tests failure reports and departures
func TestRoster_StateAndLeave(t *testing.T) {
	setup := NewTestServerSetup(t)
	token := setup.GenerateTestToken(t, "roster-client", false)
	setup.Join(t, token, "P1", "P2", "P3", "P4", "P5")

	rec := setup.Do(t, http.MethodPost, "/api/v1/roster/state", token, StateRequest{ID: "P1", State: "failed"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	update := decodeBody[UpdateResponse](t, rec).Update
	assert.Equal(t, topology.CauseStateChange, update.Cause)

	rec = setup.Do(t, http.MethodGet, "/api/v1/peers/P1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PendingRemoval", decodeBody[PeerResponse](t, rec).Phase)

	rec = setup.Do(t, http.MethodPost, "/api/v1/roster/state", token, StateRequest{ID: "P1", State: "sideways"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = setup.Do(t, http.MethodPost, "/api/v1/roster/leave", token, LeaveRequest{ID: "P1"})
	require.Equal(t, http.StatusOK, rec.Code)
	update = decodeBody[UpdateResponse](t, rec).Update
	assert.Equal(t, topology.CauseLeave, update.Cause)
	assert.NotEmpty(t, update.Actions)
	assert.Equal(t, topology.Disconnect, update.Actions[0].Kind)

	rec = setup.Do(t, http.MethodGet, "/api/v1/peers/P1", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = setup.Do(t, http.MethodPost, "/api/v1/roster/leave", token, LeaveRequest{ID: "P1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = setup.Do(t, http.MethodPost, "/api/v1/roster/join", token, JoinRequest{ID: "P9", Role: "owner"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = setup.Do(t, http.MethodGet, "/api/v1/roster/join", token, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// TestUpdates tests catching up on journaled updates by version
func TestUpdates(t *testing.T) {
	setup := NewTestServerSetup(t)
	token := setup.GenerateTestToken(t, "roster-client", false)

	// P1 alone has no edges, so the first four versions come from P2..P5
	setup.Join(t, token, "P1", "P2", "P3", "P4", "P5")

	rec := setup.Do(t, http.MethodGet, "/api/v1/updates", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	all := decodeBody[UpdatesResponse](t, rec)
	require.Len(t, all.Updates, 4)
	assert.Equal(t, uint64(4), all.EndVersion)
	assert.Equal(t, "P2", all.Updates[0].Peer)
	assert.Equal(t, 4, all.Journal.Retained)
	assert.Equal(t, uint64(1), all.Journal.FirstVersion)

	rec = setup.Do(t, http.MethodGet, "/api/v1/updates?since=2&limit=1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decodeBody[UpdatesResponse](t, rec)
	require.Len(t, page.Updates, 1)
	assert.Equal(t, uint64(3), page.Updates[0].Version)
	assert.Equal(t, "P4", page.Updates[0].Peer)
	assert.Equal(t, []topology.DesiredAction{
		{Kind: topology.Connect, Pair: topology.NewPeerPair("P1", "P4")},
	}, page.Updates[0].Actions)

	rec = setup.Do(t, http.MethodGet, "/api/v1/updates?since=4", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[UpdatesResponse](t, rec).Updates)

	for _, path := range []string{"/api/v1/updates?since=-1", "/api/v1/updates?limit=0", "/api/v1/updates?limit=x"} {
		rec = setup.Do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}

	assert.Equal(t, http.StatusGone, statusFor(fmt.Errorf("read: %w", updatelog.ErrTruncated)))
}

// TestAdmin_MergeGroup tests the admin-only merge endpoint
func TestAdmin_MergeGroup(t *testing.T) {
	setup := NewTestServerSetup(t)
	user := setup.GenerateTestToken(t, "roster-client", false)
	admin := setup.GenerateTestToken(t, "admin", true)
	setup.Join(t, user, "P1", "P2", "P3", "P4")

	rec := setup.Do(t, http.MethodPost, "/api/v1/roster/leave", user, LeaveRequest{ID: "P2"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = setup.Do(t, http.MethodPost, "/api/v1/admin/groups/2/merge", user, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = setup.Do(t, http.MethodPost, "/api/v1/admin/groups/2/merge", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = setup.Do(t, http.MethodPost, "/api/v1/admin/groups/9/merge", admin, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = setup.Do(t, http.MethodPost, "/api/v1/admin/groups/abc/merge", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = setup.Do(t, http.MethodPost, "/api/v1/admin/groups/2/merge", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	update := decodeBody[UpdateResponse](t, rec).Update
	assert.Equal(t, topology.CauseMerge, update.Cause)

	groups := setup.Node.Topology().Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"P1", "P3", "P4"}, groups[0].Members())
}

// TestAdmin_MergeCapacityConflict tests that a merge that cannot fit reports a conflict
func TestAdmin_MergeCapacityConflict(t *testing.T) {
	setup := NewTestServerSetup(t)
	user := setup.GenerateTestToken(t, "roster-client", false)
	admin := setup.GenerateTestToken(t, "admin", true)
	setup.Join(t, user, "P1", "P2", "P3", "P4", "P5")

	rec := setup.Do(t, http.MethodPost, "/api/v1/admin/groups/2/merge", admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// TestHealth tests the health endpoint and its unavailable status
func TestHealth(t *testing.T) {
	setup := NewTestServerSetup(t)
	token := setup.GenerateTestToken(t, "roster-client", false)
	setup.Join(t, token, "P1", "P2")

	rec := setup.Do(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeBody[meshnode.HealthStatus](t, rec)
	assert.True(t, health.Healthy)
	assert.Equal(t, 2, health.Peers)
	assert.Equal(t, 1, health.Groups)
	assert.Equal(t, setup.Node.InstanceID(), health.InstanceID)

	require.NoError(t, setup.Node.Close())
	rec = setup.Do(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = setup.Do(t, http.MethodPost, "/api/v1/roster/join", token, JoinRequest{ID: "P3"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// TestMetricsEndpoint tests the Prometheus endpoint
func TestMetricsEndpoint(t *testing.T) {
	setup := NewTestServerSetup(t)
	token := setup.GenerateTestToken(t, "roster-client", false)
	setup.Join(t, token, "P1", "P2")

	rec := setup.Do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meshtopo_recomputations_total")
	assert.Contains(t, rec.Body.String(), "meshtopo_peers 2")
}

// TestRootAndNotFound tests the API index
func TestRootAndNotFound(t *testing.T) {
	setup := NewTestServerSetup(t)

	rec := setup.Do(t, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test-node")

	rec = setup.Do(t, http.MethodGet, "/api/v1/nothing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestNoAuthMode tests the development bypass, which never covers admin routes
func TestNoAuthMode(t *testing.T) {
	setup := NewTestServerSetup(t)
	server := NewServer(setup.Node, Config{SecretKey: "k", NoAuth: true}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/roster/join", strings.NewReader(`{"id":"P1"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req = httptest.NewRequest(http.MethodPost, "/api/v1/admin/groups/1/merge", nil)
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestRecovery tests that a panicking handler yields a 500
func TestRecovery(t *testing.T) {
	m := NewMiddleware(NewJWTAuth("k", 0), false, nil)
	handler := m.Recovery(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "Internal server error")
}
