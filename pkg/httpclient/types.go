package httpclient

import (
	"time"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/meshnode"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/peerregistry"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/updatelog"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the meshtopo HTTP API (e.g., "http://localhost:8081")
	ServerURL string

	// ClientID is the identifier for this client. "admin" is granted admin claims.
	ClientID string

	// Timeout for HTTP requests
	Timeout time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// AuthResponse represents the response from authentication
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

type leaveRequest struct {
	ID string `json:"id"`
}

type stateRequest struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

type updateResponse struct {
	Update topology.Update `json:"update"`
}

// GroupsResponse lists the mesh groups and the bridges between them
type GroupsResponse struct {
	Groups      []topology.MeshGroup `json:"groups"`
	Bridges     []topology.Bridge    `json:"bridges"`
	Unreachable []topology.GroupID   `json:"unreachable"`
}

type peersResponse struct {
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
