package gateway

import (
	"crypto/subtle"
	"slices"

	"persona-hub/internal/domain"
	"persona-hub/internal/infra/config"
)

// Gateway roles.
const (
	RoleAdmin  = "admin"
	RolePlugin = "plugin"
	RoleViewer = "viewer"
)

// ClientInfo holds metadata about an authenticated gateway client.
type ClientInfo struct {
	Name  string
	Roles []string
	// SinkID names the bridge sink of the client's connection. Set per connection.
	SinkID string
}

// HasRole reports whether the client holds any of roles.
func (c *ClientInfo) HasRole(roles ...string) bool {
	for _, r := range roles {
		if slices.Contains(c.Roles, r) {
			return true
		}
	}
	return false
}

// Authenticator validates incoming gateway connections.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

type authEntry struct {
	token []byte
	info  ClientInfo
}

// StaticTokenAuth authenticates clients against a static token list
// using constant-time comparison to prevent timing attacks.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from configured tokens. A token
// without roles is given the viewer role.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, 0, len(tokens))}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		roles := append([]string(nil), t.Roles...)
		if len(roles) == 0 {
			roles = []string{RoleViewer}
		}
		a.entries = append(a.entries, authEntry{
			token: []byte(t.Token),
			info:  ClientInfo{Name: t.Name, Roles: roles},
		})
	}
	return a
}

// Authenticate returns a fresh copy of the client info if the token is valid.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	tokenBytes := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(tokenBytes, e.token) == 1 {
			info := e.info
			info.Roles = append([]string(nil), e.info.Roles...)
			return &info, nil
		}
	}
	return nil, domain.ErrGatewayAuthFailed
}
