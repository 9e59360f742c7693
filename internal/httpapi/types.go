package httpapi

import (
	"time"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/meshnode"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/peerregistry"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/updatelog"
)

// Request/Response types for the HTTP API

// AuthRequest represents a login request
type AuthRequest struct {
	ClientID string `json:"clientId"`
}

// AuthResponse represents a login response
type AuthResponse struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	Scope     string    `json:"scope"`
	Peer      string    `json:"peer,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// JoinRequest adds a peer to the roster
type JoinRequest struct {
	ID      string `json:"id"`
	Role    string `json:"role,omitempty"`
	Address string `json:"address,omitempty"`
}

// LeaveRequest removes a peer from the roster
type LeaveRequest struct {
	ID string `json:"id"`
}

// StateRequest reports an aggregated connection state for a peer
type StateRequest struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// UpdateResponse wraps the update produced by a roster change
type UpdateResponse struct {
	Update topology.Update `json:"update"`
}

// GroupsResponse lists the mesh groups and the bridges between them
type GroupsResponse struct {
	Groups      []topology.MeshGroup `json:"groups"`
	Bridges     []topology.Bridge    `json:"bridges"`
	Unreachable []topology.GroupID   `json:"unreachable"`
}

// PeersResponse lists every peer known to the registry
type PeersResponse struct {
	Peers []peerregistry.Peer `json:"peers"`
}

// PeerResponse is one peer's registry record and its projection of the overlay
type PeerResponse struct {
	Peer     peerregistry.Peer     `json:"peer"`
	Phase    string                `json:"phase"`
	Topology topology.PeerTopology `json:"topology"`

	// QualityScore is omitted until the peer has a link measurement
	QualityScore float64 `json:"qualityScore,omitempty"`
}

// UpdatesResponse is a page of journaled updates after the requested version
type UpdatesResponse struct {
	Updates    []topology.Update    `json:"updates"`
	EndVersion uint64               `json:"endVersion"`
	Journal    updatelog.Statistics `json:"journal"`
}

// HealthResponse represents health check response
type HealthResponse = meshnode.HealthStatus

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
