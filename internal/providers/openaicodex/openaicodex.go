// Package openaicodex wires C3 (refresh) for the "openai-codex" provider:
// the ChatGPT-login OAuth flow used by Codex CLI, distinct from a plain
// OpenAI API key. Identity extraction already restricts this provider to
// email-only dedup (see internal/identity), since ChatGPT accounts carry
// no stable account id in the token claims this core can rely on.
package openaicodex

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"authcore/internal/credtypes"
	"authcore/internal/refresh"
	"authcore/internal/usageprobe"
)

const (
	ClientID = "app_EMoamEEZ73f0CkXaXp7hrann"
	TokenURL = "https://auth.openai.com/oauth/token"

	defaultWindowMs = int64(24 * time.Hour / time.Millisecond)
)

// Refresher implements refresh.Refresher for openai-codex OAuth credentials.
// The ChatGPT-login grant is a standard refresh_token exchange, so it rides
// golang.org/x/oauth2's TokenSource rather than a hand-rolled POST.
type Refresher struct {
	HTTPClient *http.Client
	Now        func() time.Time
}

func NewRefresher(opts ...refresh.HTTPClientOption) *Refresher {
	client := &http.Client{Timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(client)
	}
	return &Refresher{HTTPClient: client, Now: time.Now}
}

func (r *Refresher) NeedsRefresh(cred credtypes.Credential, now time.Time) bool {
	return refresh.DefaultNeedsRefresh(cred, now)
}

func (r *Refresher) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID: ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: TokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
}

func (r *Refresher) Refresh(ctx context.Context, cred credtypes.Credential) (credtypes.Credential, error) {
	if cred.Refresh == "" {
		return credtypes.Credential{}, &refresh.ClassifiedError{Kind: refresh.Definitive, Err: fmt.Errorf("no refresh token available")}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.HTTPClient)
	source := r.config().TokenSource(ctx, &oauth2.Token{RefreshToken: cred.Refresh})
	token, err := source.Token()
	if err != nil {
		kind := refresh.Transient
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			status := retrieveErr.Response.StatusCode
			if status == http.StatusBadRequest || status == http.StatusUnauthorized {
				kind = refresh.Definitive
			}
		}
		return credtypes.Credential{}, &refresh.ClassifiedError{Kind: kind, Err: fmt.Errorf("openai-codex token refresh: %w", err)}
	}

	refreshed := credtypes.Credential{
		Type:    credtypes.OAuth,
		Access:  token.AccessToken,
		Refresh: cred.Refresh,
	}
	if token.RefreshToken != "" {
		refreshed.Refresh = token.RefreshToken
	}
	if !token.Expiry.IsZero() {
		refreshed.ExpiresAt = token.Expiry.UnixMilli()
	}
	return refreshed, nil
}

func (r *Refresher) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Refresher) APIKeyFrom(cred credtypes.Credential) string { return cred.Access }

// Prober never reports usage: the ChatGPT-login surface exposes no quota
// endpoint this core can reach without the full Codex client stack.
type Prober struct{}

func (Prober) Supports(params usageprobe.Params) bool { return false }
func (Prober) FetchUsage(ctx context.Context, params usageprobe.Params, deps usageprobe.Deps) *credtypes.UsageReport {
	return nil
}

// Strategy is a no-op ranking.Strategy matching Prober's always-nil reports.
type Strategy struct{}

func (Strategy) FindWindowLimits(report *credtypes.UsageReport) (primary, secondary *credtypes.UsageLimit) {
	return nil, nil
}
func (Strategy) HasPriorityBoost(primary *credtypes.UsageLimit) bool { return false }
func (Strategy) WindowDefaults() (primaryMs, secondaryMs int64)     { return defaultWindowMs, defaultWindowMs }
