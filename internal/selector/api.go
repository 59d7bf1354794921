package selector

import (
	"context"
	"sort"

	"authcore/internal/credtypes"
)

// PeekAPIKey returns the current access token for provider without ever
// refreshing it: an OAuth credential only counts if its access token has
// not yet expired; an api_key credential's raw key is never returned here,
// since peeking is defined over the OAuth access token specifically.
func (s *Selector) PeekAPIKey(provider string) (string, bool) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.credentialSets[provider] {
		if row.Credential.Type == credtypes.OAuth && !row.Credential.IsExpired(now) {
			return row.Credential.Access, true
		}
	}
	return "", false
}

// Set replaces provider's credential set with credentials, persists it via
// the backend, and reloads.
func (s *Selector) Set(ctx context.Context, provider string, credentials ...credtypes.Credential) error {
	if _, err := s.backend.ReplaceForProvider(ctx, provider, credentials); err != nil {
		return err
	}
	return s.Reload(ctx)
}

// Remove soft-deletes every credential for provider and reloads.
func (s *Selector) Remove(ctx context.Context, provider string) error {
	s.backend.DeleteAuthCredentialsForProvider(ctx, provider)
	return s.Reload(ctx)
}

// List returns the providers with at least one credential in memory,
// sorted for deterministic output.
func (s *Selector) List() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	providers := make([]string, 0, len(s.credentialSets))
	for provider, set := range s.credentialSets {
		if len(set) > 0 {
			providers = append(providers, provider)
		}
	}
	sort.Strings(providers)
	return providers
}

// Has reports whether provider has any credential.
func (s *Selector) Has(provider string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.credentialSets[provider]) > 0
}

// HasAuth is an alias of Has, matching the caller-facing contract name.
func (s *Selector) HasAuth(provider string) bool { return s.Has(provider) }

// HasOAuth reports whether provider has at least one OAuth credential.
func (s *Selector) HasOAuth(provider string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.credentialSets[provider] {
		if row.Credential.Type == credtypes.OAuth {
			return true
		}
	}
	return false
}
