package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/rmacdonaldsmith/meshtopo-go/pkg/peerregistry"
	"github.com/rmacdonaldsmith/meshtopo-go/pkg/topology"
)

// ErrNotAuthenticated is returned by roster and admin calls made before Authenticate
var ErrNotAuthenticated = errors.New("client not authenticated - call Authenticate() first")

// APIError is a non-2xx response from the server
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Status)
	}
	return fmt.Sprintf("API error (%d): %s - %s", e.StatusCode, e.Status, e.Message)
}

// Client provides HTTP client for the meshtopo API
type Client struct {
	config     Config
	httpClient *http.Client
	token      string
	scope      string
	baseURL    *url.URL
}

// NewClient creates a new meshtopo HTTP client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}
	if config.ClientID == "" {
		return nil, fmt.Errorf("ClientID is required")
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    baseURL,
	}, nil
}

// Authenticate logs in with the configured client ID and stores the token
func (c *Client) Authenticate(ctx context.Context) error {
	authReq := map[string]string{
		"clientId": c.config.ClientID,
	}

	var authResp AuthResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/auth/login", authReq, &authResp, false); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}

	c.token = authResp.Token
	c.scope = authResp.Scope
	return nil
}

// Join adds a peer to the roster and returns the resulting update
func (c *Client) Join(ctx context.Context, req JoinRequest) (*topology.Update, error) {
	return c.roster(ctx, "/api/v1/roster/join", req, "join")
}

// Leave removes a peer from the roster
func (c *Client) Leave(ctx context.Context, peerID string) (*topology.Update, error) {
	return c.roster(ctx, "/api/v1/roster/leave", leaveRequest{ID: peerID}, "leave")
}

// ReportState reports the aggregated connection state of a peer
func (c *Client) ReportState(ctx context.Context, peerID string, state peerregistry.ConnectionState) (*topology.Update, error) {
	return c.roster(ctx, "/api/v1/roster/state", stateRequest{ID: peerID, State: state.String()}, "report state")
}

// MergeGroup folds an undersized group into its peers. Requires an admin token.
func (c *Client) MergeGroup(ctx context.Context, id topology.GroupID) (*topology.Update, error) {
	path := "/api/v1/admin/groups/" + strconv.FormatUint(uint64(id), 10) + "/merge"
	return c.roster(ctx, path, nil, "merge group")
}

func (c *Client) roster(ctx context.Context, path string, body interface{}, op string) (*topology.Update, error) {
	if c.token == "" {
		return nil, ErrNotAuthenticated
	}

	var resp updateResponse
	if err := c.doRequest(ctx, http.MethodPost, path, body, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to %s: %w", op, err)
	}
	return &resp.Update, nil
}

// View returns the current topology view
func (c *Client) View(ctx context.Context) (*topology.View, error) {
	view := topology.EmptyView()
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/view", nil, view, false); err != nil {
		return nil, fmt.Errorf("failed to get view: %w", err)
	}
	return view, nil
}

// Groups returns the mesh groups and bridges
func (c *Client) Groups(ctx context.Context) (*GroupsResponse, error) {
	var resp GroupsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/groups", nil, &resp, false); err != nil {
		return nil, fmt.Errorf("failed to get groups: %w", err)
	}
	return &resp, nil
}

// Peers returns every peer known to the registry, or only those registered at the given
// transport addresses
func (c *Client) Peers(ctx context.Context, addresses ...string) ([]peerregistry.Peer, error) {
	path := "/api/v1/peers"
	if len(addresses) > 0 {
		path += "?" + url.Values{"address": addresses}.Encode()
	}

	var resp peersResponse
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp, false); err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	return resp.Peers, nil
}

// Peer returns one peer with its phase and connect targets
func (c *Client) Peer(ctx context.Context, peerID string) (*PeerResponse, error) {
	var resp PeerResponse
	path := "/api/v1/peers/" + url.PathEscape(peerID)
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &resp, false); err != nil {
		return nil, fmt.Errorf("failed to get peer: %w", err)
	}
	return &resp, nil
}

// Updates returns up to limit updates published after version since. A limit of 0 uses the
// server default. When the server no longer retains those versions the error wraps an
// APIError with status 410 and the caller should resync from View.
func (c *Client) Updates(ctx context.Context, since uint64, limit int) (*UpdatesResponse, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatUint(since, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var resp UpdatesResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/updates?"+query.Encode(), nil, &resp, false); err != nil {
		return nil, fmt.Errorf("failed to read updates: %w", err)
	}
	return &resp, nil
}

// GetHealth returns the server health status. An unhealthy node answers 503
// with a populated body, which is returned alongside the error.
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var health HealthResponse
	err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", nil, &health, false)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
			return &health, fmt.Errorf("node unhealthy: %w", err)
		}
		return nil, fmt.Errorf("failed to get health: %w", err)
	}
	return &health, nil
}

// doRequest performs an HTTP request with optional authentication
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody interface{}, respBody interface{}, requireAuth bool) error {
	u, err := url.Parse(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	fullURL := c.baseURL.ResolveReference(u)

	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requireAuth && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Status: resp.Status}
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err == nil && errResp.Message != "" {
			apiErr.Message = errResp.Message
		} else {
			apiErr.Message = string(bytes.TrimSpace(bodyBytes))
		}
		// health reports its status in the body
		if resp.StatusCode == http.StatusServiceUnavailable && respBody != nil {
			_ = json.Unmarshal(bodyBytes, respBody)
		}
		return apiErr
	}

	if respBody != nil {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// IsAuthenticated returns whether the client has a valid token
func (c *Client) IsAuthenticated() bool {
	return c.token != ""
}

// GetToken returns the current authentication token
func (c *Client) GetToken() string {
	return c.token
}

// Scope returns the scope granted by the last Authenticate call
func (c *Client) Scope() string {
	return c.scope
}

// SetToken sets the authentication token (useful for testing or token reuse)
func (c *Client) SetToken(token string) {
	c.token = token
}
