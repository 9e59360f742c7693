package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/meshnode"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/peerregistry"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/updatelog"
)

const (
	defaultUpdatesLimit = 100
	maxUpdatesLimit     = 1000
)

// Handlers contains all HTTP request handlers
type Handlers struct {
	node    meshnode.Node
	jwtAuth *JWTAuth
	logger  *zap.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(node meshnode.Node, jwtAuth *JWTAuth, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		node:    node,
		jwtAuth: jwtAuth,
		logger:  logger,
	}
}

// Auth endpoints

// Login handles POST /api/v1/auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req AuthRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.validateAuthRequest(&req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	scope, peer := scopeFor(req.ClientID)
	token, expiresAt, err := h.jwtAuth.GenerateToken(req.ClientID, scope, peer)
	if err != nil {
		writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, AuthResponse{
		Token:     token,
		ClientID:  req.ClientID,
		Scope:     string(scope),
		Peer:      peer,
		ExpiresAt: expiresAt,
	}, http.StatusOK)
}

// Roster endpoints

// Join handles POST /api/v1/roster/join
func (h *Handlers) Join(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req JoinRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorizePeer(w, r, req.ID) {
		return
	}
	role, err := peerregistry.ParseRole(req.Role)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	update, err := h.node.Join(r.Context(), topology.PeerJoined{ID: req.ID, Role: role, Address: req.Address})
	if err != nil {
		h.writeNodeError(w, "join", err)
		return
	}
	h.logger.Info("Peer joined via API",
		zap.String("peer", req.ID),
		zap.String("client_id", GetClientID(r)),
		zap.Uint64("version", update.Version))
	writeJSON(w, UpdateResponse{Update: update}, http.StatusOK)
}

// Leave handles POST /api/v1/roster/leave
func (h *Handlers) Leave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req LeaveRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorizePeer(w, r, req.ID) {
		return
	}

	update, err := h.node.Leave(r.Context(), req.ID)
	if err != nil {
		h.writeNodeError(w, "leave", err)
		return
	}
	writeJSON(w, UpdateResponse{Update: update}, http.StatusOK)
}

// ReportState handles POST /api/v1/roster/state
func (h *Handlers) ReportState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req StateRequest
	if !h.decode(w, r, &req) {
		return
	}
	if !h.authorizePeer(w, r, req.ID) {
		return
	}
	state, err := peerregistry.ParseConnectionState(req.State)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	update, err := h.node.ReportState(r.Context(), req.ID, state)
	if err != nil {
		h.writeNodeError(w, "report state", err)
		return
	}
	writeJSON(w, UpdateResponse{Update: update}, http.StatusOK)
}

// Read endpoints

// View handles GET /api/v1/view
func (h *Handlers) View(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.node.Topology().CurrentView(), http.StatusOK)
}

// Groups handles GET /api/v1/groups
func (h *Handlers) Groups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	mgr := h.node.Topology()
	bridges := mgr.Bridges()
	resp := GroupsResponse{
		Groups:      mgr.Groups(),
		Bridges:     bridges.Bridges,
		Unreachable: bridges.Unreachable,
	}
	if resp.Groups == nil {
		resp.Groups = []topology.MeshGroup{}
	}
	if resp.Bridges == nil {
		resp.Bridges = []topology.Bridge{}
	}
	if resp.Unreachable == nil {
		resp.Unreachable = []topology.GroupID{}
	}
	writeJSON(w, resp, http.StatusOK)
}

// Peers handles GET /api/v1/peers. Repeated address parameters narrow the list to the
// peers registered at those transport addresses.
func (h *Handlers) Peers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	registry := h.node.Registry()
	peers := registry.Snapshot().Peers
	if addresses := r.URL.Query()["address"]; len(addresses) > 0 {
		resolved := registry.ResolveAddresses(addresses)
		matched := make([]peerregistry.Peer, 0, len(resolved))
		for _, p := range peers {
			if id, ok := resolved[p.Address]; ok && id == p.ID {
				matched = append(matched, p)
			}
		}
		peers = matched
	}
	if peers == nil {
		peers = []peerregistry.Peer{}
	}
	writeJSON(w, PeersResponse{Peers: peers}, http.StatusOK)
}

// Peer handles GET /api/v1/peers/{id}
func (h *Handlers) Peer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "Peer ID required", http.StatusBadRequest)
		return
	}

	peer, err := h.node.Registry().Get(id)
	if err != nil {
		h.writeNodeError(w, "get peer", err)
		return
	}
	resp := PeerResponse{Peer: peer}
	if peer.Quality.Samples > 0 {
		resp.QualityScore = peer.Quality.Score()
	}
	if phase, ok := h.node.Topology().Phase(id); ok {
		resp.Phase = phase.String()
	}
	if pt, err := h.node.Topology().PeerTopology(id); err == nil {
		resp.Topology = pt
	}
	writeJSON(w, resp, http.StatusOK)
}

// Updates handles GET /api/v1/updates?since=N&limit=M
func (h *Handlers) Updates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()

	var since uint64
	if raw := query.Get("since"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, "Invalid since version", http.StatusBadRequest)
			return
		}
		since = v
	}
	limit := defaultUpdatesLimit
	if raw := query.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			writeError(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(v, maxUpdatesLimit)
	}

	journal := h.node.Journal()
	updates, err := journal.ReadFrom(r.Context(), since, limit)
	if err != nil {
		h.writeNodeError(w, "read updates", err)
		return
	}
	end, err := journal.EndVersion(r.Context())
	if err != nil {
		h.writeNodeError(w, "read updates", err)
		return
	}
	stats, err := journal.Statistics(r.Context())
	if err != nil {
		h.writeNodeError(w, "read updates", err)
		return
	}
	writeJSON(w, UpdatesResponse{Updates: updates, EndVersion: end, Journal: stats}, http.StatusOK)
}

// Admin endpoints

// MergeGroup handles POST /api/v1/admin/groups/{id}/merge
func (h *Handlers) MergeGroup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil || id == 0 {
		writeError(w, "Invalid group ID", http.StatusBadRequest)
		return
	}

	update, err := h.node.ForceMerge(r.Context(), topology.GroupID(id))
	if err != nil {
		h.writeNodeError(w, "merge", err)
		return
	}
	h.logger.Info("Group merged via API",
		zap.Uint64("group", id),
		zap.String("client_id", GetClientID(r)))
	writeJSON(w, UpdateResponse{Update: update}, http.StatusOK)
}

// Health endpoint

// Health handles GET /api/v1/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.node.Health(r.Context())
	if err != nil {
		writeError(w, "Failed to get health status", http.StatusInternalServerError)
		return
	}

	statusCode := http.StatusOK
	if !health.Healthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, HealthResponse(health), statusCode)
}

// Helper methods

// decode checks the content type and decodes the body into v, writing a 400 on failure
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := h.validateJSON(r); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// authorizePeer checks that the request names a peer its token may change
func (h *Handlers) authorizePeer(w http.ResponseWriter, r *http.Request, id string) bool {
	if id == "" {
		writeError(w, "id is required", http.StatusBadRequest)
		return false
	}
	claims := GetClaims(r)
	if claims == nil || !claims.CanChange(id) {
		writeError(w, fmt.Sprintf("token may not change peer %s", id), http.StatusForbidden)
		return false
	}
	return true
}

// writeNodeError maps node and topology errors onto status codes
func (h *Handlers) writeNodeError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("Roster operation failed", zap.String("op", op), zap.Error(err))
	}
	writeError(w, fmt.Sprintf("%s: %v", op, err), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, peerregistry.ErrInvalidPeerID):
		return http.StatusBadRequest
	case errors.Is(err, peerregistry.ErrUnknownPeer), errors.Is(err, topology.ErrUnknownGroup):
		return http.StatusNotFound
	case errors.Is(err, topology.ErrCapacityExceeded):
		return http.StatusConflict
	case errors.Is(err, updatelog.ErrTruncated):
		return http.StatusGone
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	case errors.Is(err, meshnode.ErrNodeNotStarted), errors.Is(err, meshnode.ErrNodeClosed),
		errors.Is(err, updatelog.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// validateJSON validates that the request has valid JSON content-type
func (h *Handlers) validateJSON(r *http.Request) error {
	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	return nil
}

// validateAuthRequest validates authentication request fields
func (h *Handlers) validateAuthRequest(req *AuthRequest) error {
	if req.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if len(req.ClientID) < 2 {
		return fmt.Errorf("clientId must be at least 2 characters")
	}
	if req.ClientID == peerClientPrefix {
		return fmt.Errorf("peer clientId must name a peer, as in %sP1", peerClientPrefix)
	}
	return nil
}
