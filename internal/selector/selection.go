package selector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"authcore/internal/credtypes"
	"authcore/internal/ranking"
	"authcore/internal/refresh"
	"authcore/internal/usageprobe"
)

// GetAPIKeyOptions carries the optional per-call parameters of §4.6.4.
type GetAPIKeyOptions struct {
	BaseURL string
}

// GetAPIKey evaluates the §4.6.4 selection order, returning the first
// strategy that yields a value.
func (s *Selector) GetAPIKey(ctx context.Context, provider, sessionID string, opts GetAPIKeyOptions) (string, bool, error) {
	return s.getAPIKey(ctx, provider, sessionID, opts, 0)
}

func (s *Selector) getAPIKey(ctx context.Context, provider, sessionID string, opts GetAPIKeyOptions, retries int) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}

	if key, ok := s.runtimeAPIKey(provider); ok {
		return key, true, nil
	}

	if key, ok := s.selectAPIKeyCredential(ctx, provider, sessionID); ok {
		return key, true, nil
	}

	key, ok, retryNow, err := s.selectOAuthCredential(ctx, provider, sessionID, opts)
	if err != nil {
		return "", false, err
	}
	if ok {
		return key, true, nil
	}
	if retryNow && retries < s.maxOAuthSetSize(provider) {
		return s.getAPIKey(ctx, provider, sessionID, opts, retries+1)
	}

	for _, name := range s.providerEnvVars[provider] {
		if value, present := s.envLookup0(name); present && value != "" {
			return value, true, nil
		}
	}

	if s.fallbackResolver != nil {
		if value, present := s.fallbackResolver(ctx, provider); present {
			return value, true, nil
		}
	}

	return "", false, nil
}

func (s *Selector) maxOAuthSetSize(provider string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.credentialSets[provider]) + 1
}

func (s *Selector) envLookup0(name string) (string, bool) {
	if s.envLookup == nil {
		return "", false
	}
	return s.envLookup(name)
}

// --- api_key step (§4.6.4 step 2, §4.6.5) ---

func (s *Selector) selectAPIKeyCredential(ctx context.Context, provider, sessionID string) (string, bool) {
	row, idx, ok := s.plainSelect(provider, credtypes.APIKey, sessionID, s.now())
	if !ok {
		return "", false
	}

	resolved, ok := s.resolveConfigValue(ctx, row.Credential.Key)
	if !ok {
		return "", false
	}
	s.recordSession(provider, sessionID, credtypes.APIKey, idx)
	return resolved, true
}

func (s *Selector) resolveConfigValue(ctx context.Context, key string) (string, bool) {
	if s.configResolver == nil {
		return key, key != ""
	}
	value, ok := s.configResolver(ctx, key)
	if !ok {
		return "", false
	}
	return value, true
}

// plainSelect implements §4.6.5.
func (s *Selector) plainSelect(provider string, credType credtypes.CredentialType, sessionID string, now time.Time) (credtypes.StoredCredential, int, bool) {
	s.mu.RLock()
	var filtered []credtypes.StoredCredential
	for _, row := range s.credentialSets[provider] {
		if row.Credential.Type == credType {
			filtered = append(filtered, row)
		}
	}
	s.mu.RUnlock()

	if len(filtered) == 0 {
		return credtypes.StoredCredential{}, 0, false
	}
	if len(filtered) == 1 {
		return filtered[0], 0, true
	}

	key := backoffKey{provider: provider, credType: credType}
	start := s.startIndex(key, sessionID, len(filtered))
	order := traversalOrder(start, len(filtered))

	for _, idx := range order {
		if !s.isBlocked(key, filtered[idx].ID, now) {
			return filtered[idx], idx, true
		}
	}
	// All blocked: fall back to the first in traversal order.
	idx := order[0]
	return filtered[idx], idx, true
}

// --- oauth step (§4.6.4 step 3, §4.6.6, §4.6.7) ---

// oauthCandidate carries one traversal slot's probe result through sorting
// and the subsequent refresh attempts.
type oauthCandidate struct {
	row          credtypes.StoredCredential
	idx          int
	blocked      bool
	blockedUntil time.Time
	checked      bool
	report       *credtypes.UsageReport
	primary      *credtypes.UsageLimit
	secondary    *credtypes.UsageLimit
	boost        bool
}

// selectOAuthCredential returns (key, ok, retryNow, err). retryNow signals
// that a definitive refresh failure removed a row and the whole GetAPIKey
// call should restart from the top.
func (s *Selector) selectOAuthCredential(ctx context.Context, provider, sessionID string, opts GetAPIKeyOptions) (string, bool, bool, error) {
	s.mu.RLock()
	var oauthRows []credtypes.StoredCredential
	for _, row := range s.credentialSets[provider] {
		if row.Credential.Type == credtypes.OAuth {
			oauthRows = append(oauthRows, row)
		}
	}
	s.mu.RUnlock()

	if len(oauthRows) == 0 {
		return "", false, false, nil
	}

	ranker := s.rankers.Lookup(provider)
	if ranker == nil || len(oauthRows) == 1 {
		row, idx, ok := s.plainSelect(provider, credtypes.OAuth, sessionID, s.now())
		if !ok {
			return "", false, false, nil
		}
		return s.refreshAndValidate(ctx, provider, sessionID, opts, oauthCandidate{row: row, idx: idx})
	}

	key := backoffKey{provider: provider, credType: credtypes.OAuth}
	start := s.startIndex(key, sessionID, len(oauthRows))
	order := traversalOrder(start, len(oauthRows))
	now := s.now()

	candidates := make([]oauthCandidate, len(order))
	prober := s.probers.Lookup(provider)

	g, gctx := errgroup.WithContext(ctx)
	for slot, idx := range order {
		slot, idx := slot, idx
		g.Go(func() error {
			row := oauthRows[idx]
			cand := oauthCandidate{row: row, idx: idx}

			if s.isBlocked(key, row.ID, now) {
				cand.blocked = true
				until, _ := s.blockedUntil(key, row.ID, now)
				cand.blockedUntil = until
			} else if prober != nil {
				report := s.probeUsage(gctx, provider, row.Credential, opts.BaseURL, prober)
				cand.checked = true
				cand.report = report
				if report != nil {
					cand.primary, cand.secondary = ranker.FindWindowLimits(report)
					cand.boost = ranker.HasPriorityBoost(cand.primary)
					if until, exhausted := exhaustedUntil(report, now); exhausted {
						cand.blocked = true
						cand.blockedUntil = until
						s.markBlocked(key, row.ID, until)
					}
				}
			}
			candidates[slot] = cand
			return nil
		})
	}
	_ = g.Wait()

	primaryMs, secondaryMs := ranker.WindowDefaults()
	sort.SliceStable(candidates, func(i, j int) bool {
		return lessCandidate(candidates[i], candidates[j], primaryMs, secondaryMs, now)
	})

	for _, cand := range candidates {
		if cand.blocked {
			continue
		}
		key, ok, retryNow, err := s.refreshAndValidate(ctx, provider, sessionID, opts, cand)
		if err != nil || retryNow {
			return key, ok, retryNow, err
		}
		if ok {
			return key, true, false, nil
		}
	}

	// All blocked: try the original first-in-traversal-order candidate with
	// allowBlocked = true, per §4.6.6.
	fallback := oauthCandidate{row: oauthRows[order[0]], idx: order[0]}
	return s.refreshAndValidate(ctx, provider, sessionID, opts, fallback)
}

func (s *Selector) blockedUntil(key backoffKey, id int64, now time.Time) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blockedUntilLocked(key, id, now)
}

// lessCandidate implements the §4.6.6 sort order.
func lessCandidate(a, b oauthCandidate, primaryMs, secondaryMs int64, now time.Time) bool {
	if a.blocked != b.blocked {
		return !a.blocked
	}
	if a.blocked && b.blocked {
		return a.blockedUntil.Before(b.blockedUntil)
	}
	if a.boost != b.boost {
		return a.boost
	}
	aSecRate, bSecRate := ranking.DrainRate(a.secondary, secondaryMs, now), ranking.DrainRate(b.secondary, secondaryMs, now)
	if aSecRate != bSecRate {
		return aSecRate < bSecRate
	}
	aSecFrac, bSecFrac := fraction(a.secondary), fraction(b.secondary)
	if aSecFrac != bSecFrac {
		return aSecFrac < bSecFrac
	}
	aPriRate, bPriRate := ranking.DrainRate(a.primary, primaryMs, now), ranking.DrainRate(b.primary, primaryMs, now)
	if aPriRate != bPriRate {
		return aPriRate < bPriRate
	}
	aPriFrac, bPriFrac := fraction(a.primary), fraction(b.primary)
	if aPriFrac != bPriFrac {
		return aPriFrac < bPriFrac
	}
	return false // original order preserved by sort.SliceStable
}

func fraction(l *credtypes.UsageLimit) float64 {
	if l == nil || l.UsedFraction == nil {
		return 0
	}
	return *l.UsedFraction
}

// exhaustedUntil computes blockedUntil for a report carrying any exhausted
// limit, per §4.6.6.
func exhaustedUntil(report *credtypes.UsageReport, now time.Time) (time.Time, bool) {
	var until time.Time
	found := false
	for _, limit := range report.Limits {
		if !limit.IsExhausted() {
			continue
		}
		candidate := resolveResetTime(limit, now)
		if !found || (candidate.After(now) && (until.Before(now) || candidate.Before(until))) {
			until = candidate
			found = true
		}
	}
	if !found {
		return time.Time{}, false
	}
	if !until.After(now) {
		until = now.Add(defaultUsageBlock)
	}
	return until, true
}

func resolveResetTime(limit credtypes.UsageLimit, now time.Time) time.Time {
	if limit.Window == nil {
		return time.Time{}
	}
	if limit.Window.ResetsAt != nil {
		return *limit.Window.ResetsAt
	}
	if limit.Window.ResetInMs != nil {
		return now.Add(time.Duration(*limit.Window.ResetInMs) * time.Millisecond)
	}
	return time.Time{}
}

func (s *Selector) probeUsage(ctx context.Context, provider string, cred credtypes.Credential, baseURL string, prober usageprobe.Prober) *credtypes.UsageReport {
	params := usageprobe.Params{Provider: provider, Credential: cred, BaseURL: baseURL}
	if !prober.Supports(params) {
		return nil
	}
	deps := usageprobe.Deps{Cache: s.usageCache(), HTTPClient: s.probeHTTPClient, Now: s.now, Logger: s.logger}
	return prober.FetchUsage(ctx, params, deps)
}

// usageCache adapts the backend's cache methods to usageprobe.Cache.
func (s *Selector) usageCache() usageprobe.Cache { return backendCache{s.backend} }

type backendCache struct{ backend Backend }

func (c backendCache) GetCache(ctx context.Context, key string) (string, bool) {
	return c.backend.GetCache(ctx, key)
}
func (c backendCache) SetCache(ctx context.Context, key, value string, expiresAtSec int64) {
	c.backend.SetCache(ctx, key, value, expiresAtSec)
}

// refreshAndValidate implements §4.6.7 for one chosen candidate.
func (s *Selector) refreshAndValidate(ctx context.Context, provider, sessionID string, opts GetAPIKeyOptions, cand oauthCandidate) (string, bool, bool, error) {
	now := s.now()
	key := backoffKey{provider: provider, credType: credtypes.OAuth}

	if cand.checked && cand.report != nil {
		if until, exhausted := exhaustedUntil(cand.report, now); exhausted {
			s.markBlocked(key, cand.row.ID, until)
			return "", false, false, nil
		}
	}

	plugin := s.refreshers.Lookup(provider)
	cred := cand.row.Credential

	if plugin != nil {
		if plugin.NeedsRefresh(cred, now) {
			refreshed, err := s.coalescer.Do(ctx, fmt.Sprintf("%s:%d", provider, cand.row.ID), func(ctx context.Context) (credtypes.Credential, error) {
				return plugin.Refresh(ctx, cred)
			})
			if err != nil {
				switch refresh.Classify(err) {
				case refresh.Cancelled:
					return "", false, false, err
				case refresh.Definitive:
					s.backend.DeleteAuthCredential(ctx, cand.row.ID)
					s.removeFromMemory(provider, cand.row.ID)
					s.events.PublishCredentialDisabled(ctx, provider, cand.row.ID, "definitive_refresh_failure")
					return "", false, true, nil
				default:
					s.markBlocked(key, cand.row.ID, now.Add(transientBackoff))
					return "", false, false, nil
				}
			}
			cred = mergeCredential(cred, refreshed)
			s.backend.UpdateAuthCredential(ctx, cand.row.ID, cred)
			s.updateInMemory(provider, cand.row.ID, cred)

			if cand.checked && cred.AccountID != cand.row.Credential.AccountID {
				prober := s.probers.Lookup(provider)
				if prober != nil {
					report := s.probeUsage(ctx, provider, cred, opts.BaseURL, prober)
					if report != nil {
						if until, exhausted := exhaustedUntil(report, now); exhausted {
							s.markBlocked(key, cand.row.ID, until)
							return "", false, false, nil
						}
					}
				}
			}
		}
	}

	apiKey := cred.Access
	if plugin != nil {
		apiKey = plugin.APIKeyFrom(cred)
	}

	s.recordSession(provider, sessionID, credtypes.OAuth, cand.idx)
	return apiKey, true, false, nil
}

// mergeCredential folds refreshed's fresh token set into cred, preserving
// any identifier fields refreshed left blank.
func mergeCredential(cred, refreshed credtypes.Credential) credtypes.Credential {
	merged := refreshed
	if merged.AccountID == "" {
		merged.AccountID = cred.AccountID
	}
	if merged.Email == "" {
		merged.Email = cred.Email
	}
	if merged.ProjectID == "" {
		merged.ProjectID = cred.ProjectID
	}
	if merged.EnterpriseURL == "" {
		merged.EnterpriseURL = cred.EnterpriseURL
	}
	merged.Type = credtypes.OAuth
	return merged
}

func (s *Selector) removeFromMemory(provider string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.credentialSets[provider]
	for i, row := range set {
		if row.ID == id {
			s.credentialSets[provider] = append(set[:i], set[i+1:]...)
			break
		}
	}
	delete(s.sessionAssignments, provider)
}

func (s *Selector) updateInMemory(provider string, id int64, cred credtypes.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.credentialSets[provider]
	for i, row := range set {
		if row.ID == id {
			set[i].Credential = cred
			return
		}
	}
}

func (s *Selector) recordSession(provider, sessionID string, credType credtypes.CredentialType, idx int) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionAssignments[provider] == nil {
		s.sessionAssignments[provider] = map[string]sessionAssignment{}
	}
	s.sessionAssignments[provider][sessionID] = sessionAssignment{credentialType: credType, index: idx}
}
