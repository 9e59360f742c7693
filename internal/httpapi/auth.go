package httpapi

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer = "meshtopo"

	// adminClientID logs in with admin scope
	adminClientID = "admin"
	// peerClientPrefix marks a peer agent logging in for its own roster entry, as in "peer:P1"
	peerClientPrefix = "peer:"
)

// Scope limits which roster changes a token may make
type Scope string

const (
	// ScopeRoster may change any roster entry
	ScopeRoster Scope = "roster"
	// ScopePeer may only change the entry of the peer bound to the token
	ScopePeer Scope = "peer"
	// ScopeAdmin may change any roster entry and remediate groups
	ScopeAdmin Scope = "admin"
)

// JWTClaims represents the JWT token claims
type JWTClaims struct {
	ClientID string `json:"client_id"`
	Scope    Scope  `json:"scope"`
	Peer     string `json:"peer,omitempty"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the token carries admin scope
func (c *JWTClaims) IsAdmin() bool {
	return c.Scope == ScopeAdmin
}

// CanChange reports whether the token may join, leave or report state for peer id
func (c *JWTClaims) CanChange(id string) bool {
	switch c.Scope {
	case ScopeAdmin, ScopeRoster:
		return true
	case ScopePeer:
		return c.Peer == id
	default:
		return false
	}
}

func (c *JWTClaims) validate() error {
	switch c.Scope {
	case ScopeAdmin, ScopeRoster:
		return nil
	case ScopePeer:
		if c.Peer == "" {
			return errors.New("peer scope requires a peer")
		}
		return nil
	default:
		return fmt.Errorf("unknown scope %q", c.Scope)
	}
}

// scopeFor derives the scope granted to a client ID at login
func scopeFor(clientID string) (Scope, string) {
	switch {
	case clientID == adminClientID:
		return ScopeAdmin, ""
	case strings.HasPrefix(clientID, peerClientPrefix):
		return ScopePeer, strings.TrimPrefix(clientID, peerClientPrefix)
	default:
		return ScopeRoster, ""
	}
}

// JWTAuth handles JWT token creation and validation
type JWTAuth struct {
	secretKey []byte
	ttl       time.Duration
}

// NewJWTAuth creates a new JWT authentication handler. A non-positive ttl means 24 hours.
func NewJWTAuth(secretKey string, ttl time.Duration) *JWTAuth {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTAuth{
		secretKey: []byte(secretKey),
		ttl:       ttl,
	}
}

// GenerateToken creates a signed token. peer is only meaningful with ScopePeer.
func (j *JWTAuth) GenerateToken(clientID string, scope Scope, peer string) (string, time.Time, error) {
	if clientID == "" {
		return "", time.Time{}, errors.New("clientID cannot be empty")
	}

	now := time.Now()
	expiresAt := now.Add(j.ttl)

	claims := JWTClaims{
		ClientID: clientID,
		Scope:    scope,
		Peer:     peer,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if err := claims.validate(); err != nil {
		return "", time.Time{}, err
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(j.secretKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create token: %w", err)
	}

	return tokenString, expiresAt, nil
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")
	if tokenString == "" {
		return nil, errors.New("token cannot be empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return j.secretKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid claims type")
	}
	if err := claims.validate(); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	return claims, nil
}
