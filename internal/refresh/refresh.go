// Package refresh implements the OAuth refresher contract (C3): a
// per-provider pluggable module that exchanges a refresh token for a fresh
// access token and extracts a usable API key from a credential.
package refresh

import (
	"context"
	"net/http"
	"time"

	"authcore/internal/credtypes"
)

// Refresher is the per-provider plugin contract.
type Refresher interface {
	// NeedsRefresh reports whether cred's access token should be refreshed
	// before use. The default policy is now >= cred.ExpiresAt.
	NeedsRefresh(cred credtypes.Credential, now time.Time) bool

	// Refresh exchanges cred's refresh token for a fresh token set. It must
	// return a classifiable error (see Classify) on failure.
	Refresh(ctx context.Context, cred credtypes.Credential) (credtypes.Credential, error)

	// APIKeyFrom extracts the value to hand to the caller; usually cred.Access.
	APIKeyFrom(cred credtypes.Credential) string
}

// DefaultNeedsRefresh implements the spec's default policy; plugins that
// don't need a custom refresh-ahead window call it from their NeedsRefresh.
func DefaultNeedsRefresh(cred credtypes.Credential, now time.Time) bool {
	return cred.ExpiresAt != 0 && now.UnixMilli() >= cred.ExpiresAt
}

// Registry resolves a Refresher by provider id. The zero value is usable.
type Registry struct {
	plugins map[string]Refresher
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Refresher)}
}

// Register binds a plugin to a provider id, overwriting any previous binding.
func (r *Registry) Register(provider string, plugin Refresher) {
	if r.plugins == nil {
		r.plugins = make(map[string]Refresher)
	}
	r.plugins[provider] = plugin
}

// Lookup returns the plugin for provider, or nil if none is registered.
func (r *Registry) Lookup(provider string) Refresher {
	if r == nil {
		return nil
	}
	return r.plugins[provider]
}

// HTTPClientOption lets provider plugins accept an injectable client,
// matching the teacher's functional-options pattern for internal/oauth.Manager.
type HTTPClientOption func(*http.Client)
