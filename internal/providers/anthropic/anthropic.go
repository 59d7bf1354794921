// Package anthropic wires C3 (refresh), C4 (usage probe), and C5 (ranking)
// for the "anthropic" provider, grounded on the token endpoint and client
// id used by the Claude Code OAuth flow.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"authcore/internal/credtypes"
	"authcore/internal/refresh"
	"authcore/internal/usageprobe"
)

const (
	ClientID  = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	TokenURL  = "https://console.anthropic.com/v1/oauth/token"
	UsageURL  = "https://api.anthropic.com/v1/organizations/usage"
	RefreshAhead = 2 * time.Minute

	fiveHourWindowMs = int64(5 * time.Hour / time.Millisecond)
	sevenDayWindowMs = int64(7 * 24 * time.Hour / time.Millisecond)
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Refresher implements refresh.Refresher for anthropic OAuth credentials.
type Refresher struct {
	HTTPClient *http.Client
	Now        func() time.Time
}

// NewRefresher returns a Refresher with sane defaults; opts override the
// HTTP client, matching the teacher's functional-options idiom.
func NewRefresher(opts ...refresh.HTTPClientOption) *Refresher {
	client := &http.Client{Timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(client)
	}
	return &Refresher{HTTPClient: client, Now: time.Now}
}

func (r *Refresher) NeedsRefresh(cred credtypes.Credential, now time.Time) bool {
	if cred.ExpiresAt == 0 {
		return false
	}
	return now.Add(RefreshAhead).UnixMilli() >= cred.ExpiresAt
}

func (r *Refresher) Refresh(ctx context.Context, cred credtypes.Credential) (credtypes.Credential, error) {
	if cred.Refresh == "" {
		return credtypes.Credential{}, &refresh.ClassifiedError{Kind: refresh.Definitive, Err: fmt.Errorf("no refresh token available")}
	}

	body, err := sjson.SetBytes(nil, "grant_type", "refresh_token")
	if err != nil {
		return credtypes.Credential{}, err
	}
	body, err = sjson.SetBytes(body, "refresh_token", cred.Refresh)
	if err != nil {
		return credtypes.Credential{}, err
	}
	body, err = sjson.SetBytes(body, "client_id", ClientID)
	if err != nil {
		return credtypes.Credential{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, TokenURL, bytes.NewReader(body))
	if err != nil {
		return credtypes.Credential{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return credtypes.Credential{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return credtypes.Credential{}, err
	}

	if resp.StatusCode != http.StatusOK {
		kind := refresh.Transient
		if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			kind = refresh.Definitive
		}
		return credtypes.Credential{}, &refresh.ClassifiedError{Kind: kind, Err: fmt.Errorf("anthropic token refresh: HTTP %d: %s", resp.StatusCode, respBody)}
	}

	var parsed tokenResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
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

// Prober implements usageprobe.Prober against the organization usage
// endpoint, extracting the rolling five-hour and seven-day windows Claude
// Code OAuth accounts are rate limited by.
type Prober struct{ HTTPClient *http.Client }

func NewProber() *Prober { return &Prober{HTTPClient: &http.Client{Timeout: 15 * time.Second}} }

func (p *Prober) Supports(params usageprobe.Params) bool {
	return params.Credential.Type == credtypes.OAuth
}

func (p *Prober) FetchUsage(ctx context.Context, params usageprobe.Params, deps usageprobe.Deps) *credtypes.UsageReport {
	cacheKey := usageprobe.CacheKey("anthropic", params.Credential)
	if cached, ok := deps.Cache.GetCache(ctx, cacheKey); ok {
		var report credtypes.UsageReport
		if json.Unmarshal([]byte(cached), &report) == nil {
			return &report
		}
	}

	baseURL := UsageURL
	if params.BaseURL != "" {
		baseURL = params.BaseURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL, nil)
	if err != nil {
		deps.Logger.WithError(err).Debug("anthropic: build usage request failed")
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+params.Credential.Access)
	req.Header.Set("anthropic-version", "2023-06-01")

	client := p.HTTPClient
	if deps.HTTPClient != nil {
		client = deps.HTTPClient
	}
	resp, err := client.Do(req)
	if err != nil {
		deps.Logger.WithError(err).Debug("anthropic: usage probe request failed")
		return nil
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		deps.Logger.WithField("status", resp.StatusCode).Debug("anthropic: usage probe non-200")
		return nil
	}

	report := parseUsageReport(body, deps.Now())
	if encoded, err := json.Marshal(report); err == nil {
		deps.Cache.SetCache(ctx, cacheKey, string(encoded), deps.Now().Add(time.Minute).Unix())
	}
	return report
}

func parseUsageReport(body []byte, now time.Time) *credtypes.UsageReport {
	root := gjson.ParseBytes(body)
	report := &credtypes.UsageReport{Provider: "anthropic", FetchedAt: now, Metadata: map[string]string{}}

	if v := root.Get("account.email"); v.Exists() {
		report.Metadata["email"] = v.String()
	}

	report.Limits = append(report.Limits, quotaLimit(root, "five_hour", "five_hour", fiveHourWindowMs, now))
	report.Limits = append(report.Limits, quotaLimit(root, "seven_day", "seven_day", sevenDayWindowMs, now))
	return report
}

func quotaLimit(root gjson.Result, path, id string, defaultDurationMs int64, now time.Time) credtypes.UsageLimit {
	node := root.Get(path)
	limit := credtypes.UsageLimit{ID: id, Unit: "fraction"}

	if v := node.Get("utilization"); v.Exists() {
		f := v.Float()
		limit.UsedFraction = &f
	}
	if v := node.Get("resets_at"); v.Exists() {
		if t, err := time.Parse(time.RFC3339, v.String()); err == nil {
			limit.Window = &credtypes.UsageWindow{DurationMs: &defaultDurationMs, ResetsAt: &t}
		}
	}
	if limit.Window == nil {
		limit.Window = &credtypes.UsageWindow{DurationMs: &defaultDurationMs}
	}
	if limit.UsedFraction != nil && *limit.UsedFraction >= 1 {
		limit.Status = "exhausted"
	}
	return limit
}

// Strategy implements ranking.Strategy: the five-hour window is primary
// (the binding short-term ceiling), the seven-day window secondary.
type Strategy struct{}

func (Strategy) FindWindowLimits(report *credtypes.UsageReport) (primary, secondary *credtypes.UsageLimit) {
	if report == nil {
		return nil, nil
	}
	for i := range report.Limits {
		switch report.Limits[i].ID {
		case "five_hour":
			primary = &report.Limits[i]
		case "seven_day":
			secondary = &report.Limits[i]
		}
	}
	return primary, secondary
}

func (Strategy) HasPriorityBoost(primary *credtypes.UsageLimit) bool { return false }

func (Strategy) WindowDefaults() (primaryMs, secondaryMs int64) {
	return fiveHourWindowMs, sevenDayWindowMs
}
