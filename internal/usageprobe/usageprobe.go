// Package usageprobe implements the usage prober contract (C4): a
// per-provider pluggable client that queries a usage endpoint and returns a
// normalized UsageReport, cached against C1's cache table.
//
// This is a distinct package from the teacher's internal/usage, which
// tracks fine-grained per-call token accounting — an explicit non-goal
// here; see DESIGN.md.
package usageprobe

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"authcore/internal/credtypes"
)

// Cache is the subset of the store's cache operations a prober needs.
type Cache interface {
	GetCache(ctx context.Context, key string) (string, bool)
	SetCache(ctx context.Context, key, value string, expiresAtSec int64)
}

// Params bundles the inputs to a usage probe.
type Params struct {
	Provider   string
	Credential credtypes.Credential
	BaseURL    string
}

// Deps bundles the probe's injectable dependencies, per §4.4.
type Deps struct {
	Cache      Cache
	HTTPClient *http.Client
	Now        func() time.Time
	Logger     log.FieldLogger
}

// Prober is the per-provider plugin contract. FetchUsage MUST NOT return an
// error that aborts the caller: on any internal failure it returns nil and
// logs at debug level through deps.Logger.
type Prober interface {
	FetchUsage(ctx context.Context, params Params, deps Deps) *credtypes.UsageReport
	// Supports short-circuits providers that only serve certain account
	// tiers; when it returns false the selector skips FetchUsage and treats
	// the report as unknown.
	Supports(params Params) bool
}

// Registry resolves a Prober by provider id.
type Registry struct {
	plugins map[string]Prober
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Prober)}
}

func (r *Registry) Register(provider string, plugin Prober) {
	r.plugins[provider] = plugin
}

func (r *Registry) Lookup(provider string) Prober {
	if r == nil {
		return nil
	}
	return r.plugins[provider]
}

// CacheKey builds the stable cache key a prober implementation should use,
// derived from the credential's account id (or, lacking one, its access
// token) so two processes sharing a store reuse the same probe result.
func CacheKey(provider string, cred credtypes.Credential) string {
	id := cred.AccountID
	if id == "" {
		id = cred.Access
	}
	return "usage_cache:" + provider + ":" + id
}
