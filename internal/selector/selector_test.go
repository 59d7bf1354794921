package selector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"authcore/internal/credtypes"
	"authcore/internal/ranking"
	"authcore/internal/refresh"
	"authcore/internal/usageprobe"
)

func newTestSelector(backend Backend, refreshers *refresh.Registry, probers *usageprobe.Registry, rankers *ranking.Registry) *Selector {
	return New(backend, refreshers, probers, rankers)
}

// S1: a runtime override takes priority over any stored credential and
// produces no side effects (no round-robin advance, no session recorded).
func TestGetAPIKey_RuntimeOverrideWins(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.seed("anthropic", credtypes.Credential{Type: credtypes.APIKey, Key: "stored"})

	s := newTestSelector(backend, nil, nil, nil)
	require.NoError(t, s.Reload(ctx))
	s.SetRuntimeAPIKey("anthropic", "runtime")

	key, ok, err := s.GetAPIKey(ctx, "anthropic", "session-1", GetAPIKeyOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "runtime", key)

	s.mu.RLock()
	_, hasSession := s.sessionAssignments["anthropic"]["session-1"]
	s.mu.RUnlock()
	require.False(t, hasSession, "runtime override must not record a session assignment")
}

// S2: without a sessionID, repeated calls round-robin across api_key
// credentials in insertion order, wrapping around.
func TestGetAPIKey_RoundRobinWithoutSession(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.seed("openai",
		credtypes.Credential{Type: credtypes.APIKey, Key: "A"},
		credtypes.Credential{Type: credtypes.APIKey, Key: "B"},
		credtypes.Credential{Type: credtypes.APIKey, Key: "C"},
	)

	s := newTestSelector(backend, nil, nil, nil)
	require.NoError(t, s.Reload(ctx))

	var got []string
	for i := 0; i < 6; i++ {
		key, ok, err := s.GetAPIKey(ctx, "openai", "", GetAPIKeyOptions{})
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, key)
	}
	require.Equal(t, []string{"A", "B", "C", "A", "B", "C"}, got)
}

// S3: a given sessionID always lands on the same credential (FNV-1a hash
// stickiness), independent of call order or round-robin state.
func TestGetAPIKey_SessionStickiness(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.seed("openai",
		credtypes.Credential{Type: credtypes.APIKey, Key: "A"},
		credtypes.Credential{Type: credtypes.APIKey, Key: "B"},
		credtypes.Credential{Type: credtypes.APIKey, Key: "C"},
	)

	s := newTestSelector(backend, nil, nil, nil)
	require.NoError(t, s.Reload(ctx))

	first, ok, err := s.GetAPIKey(ctx, "openai", "abc", GetAPIKeyOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 5; i++ {
		key, ok, err := s.GetAPIKey(ctx, "openai", "abc", GetAPIKeyOptions{})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, first, key, "same sessionID must stick to the same credential")
	}

	// A different sessionID is free to land elsewhere, but must itself be
	// stable across repeated calls.
	other, ok, err := s.GetAPIKey(ctx, "openai", "xyz", GetAPIKeyOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	other2, ok, err := s.GetAPIKey(ctx, "openai", "xyz", GetAPIKeyOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, other, other2)
}

// S4: when one OAuth credential's usage is exhausted and a sibling is not,
// selection skips the exhausted one and records a backoff for it.
func TestGetAPIKey_UsageExhaustedSkipsCredential(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	ids := backend.seed("qwen",
		credtypes.Credential{Type: credtypes.OAuth, Access: "O1key", AccountID: "acct-1", Email: "one@example.com"},
		credtypes.Credential{Type: credtypes.OAuth, Access: "O2key", AccountID: "acct-2", Email: "two@example.com"},
	)

	probers := usageprobe.NewRegistry()
	probers.Register("qwen", &fakeProber{reports: map[string]*credtypes.UsageReport{
		"acct-1": {Provider: "qwen", Limits: []credtypes.UsageLimit{{ID: "primary", Status: "exhausted"}}},
		"acct-2": {Provider: "qwen", Limits: []credtypes.UsageLimit{{ID: "primary", Status: "active", UsedFraction: floatPtr(0.1)}}},
	}})
	rankers := ranking.NewRegistry()
	rankers.Register("qwen", fakeRanker{})
	refreshers := refresh.NewRegistry()
	refreshers.Register("qwen", &fakeRefresher{needsRefresh: func(credtypes.Credential) bool { return false }})

	s := newTestSelector(backend, refreshers, probers, rankers)
	require.NoError(t, s.Reload(ctx))

	key, ok, err := s.GetAPIKey(ctx, "qwen", "", GetAPIKeyOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "O2key", key)

	s.mu.RLock()
	_, blocked := s.backoffs[backoffKey{provider: "qwen", credType: credtypes.OAuth}][ids[0]]
	s.mu.RUnlock()
	require.True(t, blocked, "exhausted credential must be recorded in the backoff table")
}

// S5: when every OAuth credential is blocked, selection still returns a
// usable key rather than failing outright.
func TestGetAPIKey_AllBlockedFallsBack(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	ids := backend.seed("qwen",
		credtypes.Credential{Type: credtypes.OAuth, Access: "O1key", AccountID: "acct-1", Email: "one@example.com"},
		credtypes.Credential{Type: credtypes.OAuth, Access: "O2key", AccountID: "acct-2", Email: "two@example.com"},
	)

	probers := usageprobe.NewRegistry()
	probers.Register("qwen", &fakeProber{reports: map[string]*credtypes.UsageReport{}})
	rankers := ranking.NewRegistry()
	rankers.Register("qwen", fakeRanker{})
	refreshers := refresh.NewRegistry()
	refreshers.Register("qwen", &fakeRefresher{needsRefresh: func(credtypes.Credential) bool { return false }})

	s := newTestSelector(backend, refreshers, probers, rankers)
	require.NoError(t, s.Reload(ctx))

	far := s.now().Add(time.Hour)
	key := backoffKey{provider: "qwen", credType: credtypes.OAuth}
	s.markBlocked(key, ids[0], far)
	s.markBlocked(key, ids[1], far)

	got, ok, err := s.GetAPIKey(ctx, "qwen", "", GetAPIKeyOptions{})
	require.NoError(t, err)
	require.True(t, ok, "a fully blocked set must still yield a fallback credential")
	require.Contains(t, []string{"O1key", "O2key"}, got)
}

// S6: a definitive refresh failure soft-deletes the failing credential and
// retries selection immediately, landing on the surviving sibling.
func TestGetAPIKey_DefinitiveRefreshFailureRetries(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	ids := backend.seed("anthropic",
		credtypes.Credential{Type: credtypes.OAuth, Access: "stale", Refresh: "r1", ExpiresAt: 1, AccountID: "acct-1", Email: "one@example.com"},
		credtypes.Credential{Type: credtypes.OAuth, Access: "O2key", Refresh: "r2", AccountID: "acct-2", Email: "two@example.com"},
	)

	refreshers := refresh.NewRegistry()
	refreshers.Register("anthropic", &fakeRefresher{
		needsRefresh: func(cred credtypes.Credential) bool { return cred.AccountID == "acct-1" },
		refresh: func(cred credtypes.Credential) (credtypes.Credential, error) {
			return credtypes.Credential{}, errors.New("invalid_grant: token revoked")
		},
	})
	rankers := ranking.NewRegistry()
	rankers.Register("anthropic", fakeRanker{})
	probers := usageprobe.NewRegistry()
	probers.Register("anthropic", &fakeProber{reports: map[string]*credtypes.UsageReport{}})

	s := newTestSelector(backend, refreshers, probers, rankers)
	require.NoError(t, s.Reload(ctx))

	key, ok, err := s.GetAPIKey(ctx, "anthropic", "", GetAPIKeyOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "O2key", key)

	s.mu.RLock()
	remaining := len(s.credentialSets["anthropic"])
	s.mu.RUnlock()
	require.Equal(t, 1, remaining, "the definitively failing credential must be dropped from memory")

	row, found := backend.rows[ids[0]]
	require.True(t, found)
	require.True(t, row.Disabled, "the definitively failing credential must be soft-deleted in storage")
}

// S7: loading credentials that resolve to the same identity keeps only the
// newest, soft-disabling the rest.
func TestReload_DedupKeepsNewest(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	ids := backend.seed("anthropic",
		credtypes.Credential{Type: credtypes.OAuth, Access: "r1", Email: "dup@example.com"},
		credtypes.Credential{Type: credtypes.OAuth, Access: "r2", Email: "dup@example.com"},
		credtypes.Credential{Type: credtypes.OAuth, Access: "r3", Email: "dup@example.com"},
	)

	s := newTestSelector(backend, nil, nil, nil)
	require.NoError(t, s.Reload(ctx))

	s.mu.RLock()
	survivors := s.credentialSets["anthropic"]
	s.mu.RUnlock()
	require.Len(t, survivors, 1)
	require.Equal(t, "r3", survivors[0].Credential.Access)

	for _, id := range ids[:2] {
		row, found := backend.rows[id]
		require.True(t, found)
		require.True(t, row.Disabled)
	}
}

// S8: session stickiness holds for the client-generated session handles a
// real caller passes in, not just short literal strings in other tests.
func TestGetAPIKey_SessionStickinessWithUUIDHandles(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.seed("openai",
		credtypes.Credential{Type: credtypes.APIKey, Key: "A"},
		credtypes.Credential{Type: credtypes.APIKey, Key: "B"},
		credtypes.Credential{Type: credtypes.APIKey, Key: "C"},
	)

	s := newTestSelector(backend, nil, nil, nil)
	require.NoError(t, s.Reload(ctx))

	session := uuid.New().String()
	first, ok, err := s.GetAPIKey(ctx, "openai", session, GetAPIKeyOptions{})
	require.NoError(t, err)
	require.True(t, ok)

	for i := 0; i < 3; i++ {
		key, ok, err := s.GetAPIKey(ctx, "openai", session, GetAPIKeyOptions{})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, first, key)
	}
}

// Dedup must not touch api_key credentials, which carry no identity.
func TestReload_DedupIgnoresAPIKeys(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.seed("openai",
		credtypes.Credential{Type: credtypes.APIKey, Key: "A"},
		credtypes.Credential{Type: credtypes.APIKey, Key: "A"},
	)

	s := newTestSelector(backend, nil, nil, nil)
	require.NoError(t, s.Reload(ctx))

	s.mu.RLock()
	survivors := s.credentialSets["openai"]
	s.mu.RUnlock()
	require.Len(t, survivors, 2, "api_key credentials are never deduped by identity")
}
