package selector

import (
	"context"

	"authcore/internal/credtypes"
)

// LoginResult is what an external login module hands back: either an OAuth
// credential set for the provider, or a single api_key string.
type LoginResult struct {
	OAuthCredentials []credtypes.Credential
	APIKey           string
}

// LoginController is the external, provider-specific login flow (browser
// launch, PKCE, device code) that Login delegates to; it is intentionally
// not specified further here (see scope).
type LoginController interface {
	Login(ctx context.Context, provider string) (LoginResult, error)
}

// replaceOnReLogin lists providers whose Login replaces the existing set
// instead of appending to it.
var replaceOnReLogin = map[string]bool{
	"minimax-code":    true,
	"minimax-code-cn": true,
}

// Login delegates to controller and persists the result: appended to the
// existing set for most providers, replacing it for the small list above.
func (s *Selector) Login(ctx context.Context, provider string, controller LoginController) error {
	result, err := controller.Login(ctx, provider)
	if err != nil {
		return err
	}

	var credentials []credtypes.Credential
	if result.APIKey != "" {
		credentials = []credtypes.Credential{{Type: credtypes.APIKey, Key: result.APIKey}}
	} else {
		credentials = result.OAuthCredentials
		for i := range credentials {
			credentials[i].Type = credtypes.OAuth
		}
	}

	if replaceOnReLogin[provider] {
		return s.Set(ctx, provider, credentials...)
	}

	existing, err := s.backend.ListAuthCredentials(ctx, provider)
	if err != nil {
		return err
	}
	merged := make([]credtypes.Credential, 0, len(existing)+len(credentials))
	for _, row := range existing {
		merged = append(merged, row.Credential)
	}
	merged = append(merged, credentials...)
	return s.Set(ctx, provider, merged...)
}

// Logout soft-deletes every credential for provider and reloads.
func (s *Selector) Logout(ctx context.Context, provider string) error {
	return s.Remove(ctx, provider)
}
