package selector

import (
	"context"
	"time"

	"authcore/internal/credtypes"
)

// MarkUsageLimitOptions carries the optional parameters to
// MarkUsageLimitReached.
type MarkUsageLimitOptions struct {
	RetryAfterMs *int64
	BaseURL      string
}

// MarkUsageLimitReached implements §4.6.8: the caller observed a 429 for
// provider/sessionID and wants the selector to apply a backoff and report
// whether a sibling credential remains available.
func (s *Selector) MarkUsageLimitReached(ctx context.Context, provider, sessionID string, opts MarkUsageLimitOptions) (bool, error) {
	now := s.now()

	s.mu.RLock()
	assignment, hasAssignment := s.sessionAssignments[provider][sessionID]
	s.mu.RUnlock()

	if !hasAssignment {
		// No recorded session for this provider/sessionID pair: nothing
		// concrete to mark blocked, so just report current availability.
		return s.anyUnblocked(provider, credtypes.APIKey, now) || s.anyUnblocked(provider, credtypes.OAuth, now), nil
	}

	key := backoffKey{provider: provider, credType: assignment.credentialType}

	s.mu.RLock()
	set := s.credentialSets[provider]
	var row credtypes.StoredCredential
	found := false
	typed := make([]credtypes.StoredCredential, 0, len(set))
	for _, r := range set {
		if r.Credential.Type == assignment.credentialType {
			typed = append(typed, r)
		}
	}
	if assignment.index < len(typed) {
		row = typed[assignment.index]
		found = true
	}
	s.mu.RUnlock()

	if !found {
		return s.anyUnblocked(provider, assignment.credentialType, now), nil
	}

	until := now.Add(defaultRetryAfter(opts.RetryAfterMs))
	if assignment.credentialType == credtypes.OAuth {
		if prober := s.probers.Lookup(provider); prober != nil {
			report := s.probeUsage(ctx, provider, row.Credential, opts.BaseURL, prober)
			if report != nil {
				if resetUntil, exhausted := exhaustedUntil(report, now); exhausted && resetUntil.After(until) {
					until = resetUntil
				}
			}
		}
	}

	s.markBlocked(key, row.ID, until)
	s.events.PublishCredentialBlocked(ctx, provider, row.ID, until)
	return s.anyUnblocked(provider, assignment.credentialType, now), nil
}

func defaultRetryAfter(retryAfterMs *int64) time.Duration {
	if retryAfterMs == nil {
		return defaultUsageBlock
	}
	return time.Duration(*retryAfterMs) * time.Millisecond
}

func (s *Selector) anyUnblocked(provider string, credType credtypes.CredentialType, now time.Time) bool {
	key := backoffKey{provider: provider, credType: credType}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, row := range s.credentialSets[provider] {
		if row.Credential.Type != credType {
			continue
		}
		if !s.isBlockedLocked(key, row.ID, now) {
			return true
		}
	}
	return false
}
