// Package qwen wires C3 (refresh) for the "qwen" provider against the
// device-code OAuth endpoint used by the Qwen CLI login flow. Qwen exposes
// no public usage API, so C4/C5 register minimal pass-through plugins: the
// selector still round-robins and backs off on refresh failure, it just
// never sees a usage report to rank by.
package qwen

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"authcore/internal/credtypes"
	"authcore/internal/refresh"
	"authcore/internal/usageprobe"
)

const (
	ClientID = "f0304373b74a44d2b584a3fb70ca9e56"
	TokenURL = "https://chat.qwen.ai/api/v1/oauth2/token"

	defaultWindowMs = int64(24 * time.Hour / time.Millisecond)
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Refresher implements refresh.Refresher for qwen OAuth credentials.
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

func (r *Refresher) Refresh(ctx context.Context, cred credtypes.Credential) (credtypes.Credential, error) {
	if cred.Refresh == "" {
		return credtypes.Credential{}, &refresh.ClassifiedError{Kind: refresh.Definitive, Err: fmt.Errorf("no refresh token available")}
	}

	data := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cred.Refresh},
		"client_id":     {ClientID},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return credtypes.Credential{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return credtypes.Credential{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return credtypes.Credential{}, err
	}

	if resp.StatusCode != http.StatusOK {
		kind := refresh.Transient
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized {
			kind = refresh.Definitive
		}
		return credtypes.Credential{}, &refresh.ClassifiedError{Kind: kind, Err: fmt.Errorf("qwen token refresh: HTTP %d: %s", resp.StatusCode, body)}
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return credtypes.Credential{}, err
	}

	now := r.now()
	refreshed := credtypes.Credential{
		Type:    credtypes.OAuth,
		Access:  parsed.AccessToken,
		Refresh: cred.Refresh,
	}
	if parsed.RefreshToken != "" {
		refreshed.Refresh = parsed.RefreshToken
	}
	if parsed.ExpiresIn > 0 {
		refreshed.ExpiresAt = now.Add(time.Duration(parsed.ExpiresIn) * time.Second).UnixMilli()
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

// Prober never reports usage: qwen exposes no quota endpoint this core can
// reach.
type Prober struct{}

func (Prober) Supports(params usageprobe.Params) bool { return false }
func (Prober) FetchUsage(ctx context.Context, params usageprobe.Params, deps usageprobe.Deps) *credtypes.UsageReport {
	return nil
}

// Strategy is a no-op ranking.Strategy: with Prober never returning a
// report, every candidate ties on drain rate and falls back to traversal
// order, which is the desired behavior absent any usage signal.
type Strategy struct{}

func (Strategy) FindWindowLimits(report *credtypes.UsageReport) (primary, secondary *credtypes.UsageLimit) {
	return nil, nil
}
func (Strategy) HasPriorityBoost(primary *credtypes.UsageLimit) bool { return false }
func (Strategy) WindowDefaults() (primaryMs, secondaryMs int64)     { return defaultWindowMs, defaultWindowMs }
